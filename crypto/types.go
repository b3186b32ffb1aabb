package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"slices"
)

// PublicKey is a participant's Ed25519 identity key.
// Registrations are signed with the matching private key so the coordinator
// can bind a key-agreement key to a long-lived identity.
type PublicKey []byte

// NewPublicKeyFromBytes creates a PublicKey from a copy of data.
func NewPublicKeyFromBytes(data []byte) PublicKey {
	return PublicKey(slices.Clone(data))
}

// NewPublicKeyFromString creates a PublicKey from a hex-encoded string.
func NewPublicKeyFromString(data string) (PublicKey, error) {
	rawBytes, err := hex.DecodeString(data)
	if err != nil {
		return PublicKey{}, err
	}
	return NewPublicKeyFromBytes(rawBytes), nil
}

func (pk PublicKey) Bytes() []byte {
	return pk
}

// Equal compares two public keys in constant time.
func (pk PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk, other) == 1
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}

// PrivateKey is an Ed25519 signing key.
type PrivateKey []byte

func (sk PrivateKey) Bytes() []byte {
	return sk
}

// PublicKey returns the public half embedded in the Ed25519 private key.
func (sk PrivateKey) PublicKey() (PublicKey, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return PublicKey(sk[32:]), nil
}

// GenerateKeyPair generates a new Ed25519 identity key pair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PublicKey(publicKey), PrivateKey(privateKey), nil
}

// Signature is an Ed25519 signature.
type Signature []byte

func (s Signature) Bytes() []byte {
	return []byte(s)
}

// Verify checks the signature over data against publicKey.
func (s Signature) Verify(publicKey PublicKey, data []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, s)
}

func (s Signature) String() string {
	return hex.EncodeToString(s.Bytes())
}

// Sign signs data with an Ed25519 private key.
func Sign(privateKey PrivateKey, data []byte) (Signature, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return Signature(ed25519.Sign(ed25519.PrivateKey(privateKey), data)), nil
}

// SharedKey is a 32-byte key derived from an X25519 agreement through HKDF.
// It is never the raw agreement output.
type SharedKey []byte

// NewSharedKey creates a SharedKey from a copy of data.
func NewSharedKey(data []byte) SharedKey {
	return SharedKey(slices.Clone(data))
}

// Bytes returns a copy of the key.
func (sk SharedKey) Bytes() []byte {
	return slices.Clone(sk)
}

// String never prints key material.
func (sk SharedKey) String() string {
	return Redact(sk)
}
