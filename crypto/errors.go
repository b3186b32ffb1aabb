package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned for malformed key material or low-order points.
	ErrInvalidKey = errors.New("invalid key")

	// ErrShareMAC is returned when a share authenticator does not verify.
	ErrShareMAC = errors.New("share mac mismatch")

	// ErrShareIndex is returned for a share index outside the dealing.
	ErrShareIndex = errors.New("share index out of range")

	// ErrMessageMAC is returned when a message authenticator does not verify.
	ErrMessageMAC = errors.New("message mac mismatch")

	// ErrReconstruction is returned when a secret cannot be interpolated from the given shares.
	ErrReconstruction = errors.New("reconstruction failed")
)

// CryptographicError wraps a failed cryptographic check with the operation that failed.
// It unwraps to one of the sentinel errors above so callers can match with errors.Is.
type CryptographicError struct {
	Op  string
	Err error
}

func (e *CryptographicError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptographicError) Unwrap() error {
	return e.Err
}

func cryptoErr(op string, err error) error {
	return &CryptographicError{Op: op, Err: err}
}
