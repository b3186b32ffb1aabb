package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptedMessage is an XChaCha20-Poly1305 sealed box under a pairwise key.
// Format: nonce (24 bytes) || ciphertext+tag
type EncryptedMessage struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encrypt seals plaintext under a 32-byte shared key.
// The associated data binds the ciphertext to its context (sender, recipient).
func Encrypt(key SharedKey, plaintext, associatedData []byte) (*EncryptedMessage, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoErr("encrypt", fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &EncryptedMessage{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, associatedData),
	}, nil
}

// Decrypt opens a message sealed with Encrypt.
func Decrypt(key SharedKey, msg *EncryptedMessage, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoErr("decrypt", fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	if msg == nil || len(msg.Nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, associatedData)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	return plaintext, nil
}

// Bytes serializes an encrypted message.
func (m *EncryptedMessage) Bytes() []byte {
	result := make([]byte, 0, len(m.Nonce)+len(m.Ciphertext))
	result = append(result, m.Nonce...)
	result = append(result, m.Ciphertext...)
	return result
}

// ParseEncryptedMessage deserializes an encrypted message.
func ParseEncryptedMessage(data []byte) (*EncryptedMessage, error) {
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(data) < minLen {
		return nil, errors.New("encrypted message too short")
	}

	return &EncryptedMessage{
		Nonce:      data[:chacha20poly1305.NonceSizeX],
		Ciphertext: data[chacha20poly1305.NonceSizeX:],
	}, nil
}
