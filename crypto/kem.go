package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KdfLabel prefixes every HKDF info string so derived keys never collide
// with keys derived by other protocols from the same X25519 pair.
const KdfLabel = "secagg/v1/"

// KemPublicKey represents a public key for key agreement
type KemPublicKey [32]byte

// KemPrivateKey represents a private key for key agreement
type KemPrivateKey [32]byte

// GenerateKemKeyPair generates a new X25519 key pair for key exchange
func GenerateKemKeyPair() (KemPublicKey, KemPrivateKey, error) {
	var privKey KemPrivateKey
	var pubKey KemPublicKey

	if _, err := rand.Read(privKey[:]); err != nil {
		return pubKey, privKey, err
	}

	pub, err := curve25519.X25519(privKey[:], curve25519.Basepoint)
	if err != nil {
		return pubKey, privKey, cryptoErr("generate key", err)
	}
	copy(pubKey[:], pub)
	return pubKey, privKey, nil
}

// ParseKemPublicKey copies raw bytes into a public key, rejecting wrong lengths.
func ParseKemPublicKey(data []byte) (KemPublicKey, error) {
	var pk KemPublicKey
	if len(data) != len(pk) {
		return pk, cryptoErr("parse public key", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(data), len(pk)))
	}
	copy(pk[:], data)
	return pk, nil
}

// ParseKemPrivateKey copies raw bytes into a private key, rejecting wrong lengths.
func ParseKemPrivateKey(data []byte) (KemPrivateKey, error) {
	var sk KemPrivateKey
	if len(data) != len(sk) {
		return sk, cryptoErr("parse private key", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(data), len(sk)))
	}
	copy(sk[:], data)
	return sk, nil
}

// PublicKey returns the X25519 public key for this private key.
func (sk KemPrivateKey) PublicKey() (KemPublicKey, error) {
	var pk KemPublicKey
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, cryptoErr("derive public key", fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	copy(pk[:], pub)
	return pk, nil
}

func (pk KemPublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// MarshalText encodes the key as hex so it reads well in JSON and YAML.
func (pk KemPublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *KemPublicKey) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return cryptoErr("decode public key", fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	parsed, err := ParseKemPublicKey(raw)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// DeriveSharedSecret performs X25519 key agreement and derives a 32-byte key with HKDF-SHA256.
// The result is symmetric: DeriveSharedSecret(a, B, info) == DeriveSharedSecret(b, A, info).
// Low-order peer points (all-zero shared output) are rejected with ErrInvalidKey.
func DeriveSharedSecret(privateKey KemPrivateKey, publicKey KemPublicKey, info []byte) (SharedKey, error) {
	sharedPoint, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return nil, cryptoErr("key agreement", fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}

	label := make([]byte, 0, len(KdfLabel)+len(info))
	label = append(label, KdfLabel...)
	label = append(label, info...)

	kdf := hkdf.New(sha256.New, sharedPoint, nil, label)
	secret := make([]byte, 32)
	if _, err := kdf.Read(secret); err != nil {
		return nil, err
	}

	return SharedKey(secret), nil
}
