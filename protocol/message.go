package protocol

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/flashbots/secagg/crypto"
)

// Signed binds a message to a participant's Ed25519 identity.
// The signature covers the serialized object followed by the public key to prevent substitution.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

// NewSigned creates a signed message.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	serializedData, err := SerializeMessage(obj)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(privkey, append(serializedData, pubkey...))
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: pubkey,
		Signature: signature,
		Object:    obj,
	}, nil
}

// UnsafeObject returns the object without signature verification.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover verifies the signature and returns the object and signer's public key.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	if s.Object == nil {
		return nil, nil, errors.New("signed message has no object")
	}
	serializedData, err := SerializeMessage(s.Object)
	if err != nil {
		return nil, nil, err
	}

	if !s.Signature.Verify(s.PublicKey, append(serializedData, s.PublicKey...)) {
		return nil, nil, &crypto.CryptographicError{Op: "recover", Err: errors.New("signature not valid")}
	}

	return s.Object, s.PublicKey, nil
}

// Envelope carries an HMAC-authenticated payload from a participant to the coordinator.
// The MAC covers Payload || uint64_be(Sequence) under the sender's channel key.
type Envelope struct {
	Sender   string `json:"sender"`
	Sequence uint64 `json:"sequence"`
	Payload  []byte `json:"payload"`
	MAC      []byte `json:"mac"`
}

// Seal serializes obj and authenticates it under key with the given sequence number.
func Seal[T any](sender string, key crypto.SharedKey, sequence uint64, obj *T) (*Envelope, error) {
	payload, err := SerializeMessage(obj)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sender:   sender,
		Sequence: sequence,
		Payload:  payload,
		MAC:      crypto.SignMessage(key, payload, sequence),
	}, nil
}

// UnmarshalMessage deserializes a message from JSON bytes.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON bytes.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
