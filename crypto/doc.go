// Package crypto provides the cryptographic primitives of the secure aggregation protocol.
//
//   - X25519 key agreement with HKDF-SHA256 key derivation (DeriveSharedSecret)
//   - Deterministic seed expansion into field-integer masks (MaskGenerator)
//   - Shamir secret sharing over a large prime field (Split, Reconstruct)
//   - HMAC-SHA256 share and message authentication (ShareMAC, SignMessage)
//   - Pairwise authenticated encryption of share packages (Encrypt, Decrypt)
//   - Ed25519 identity signatures
//
// Note: field and polynomial arithmetic is not constant-time.
//
// # Field Arithmetic
//
// Masked vectors live in the Mersenne field of order 2^61 - 1. Floats enter the
// field as fixed-point integers (EncodeFixedPoint), so pairwise masks cancel exactly
// and the only error in an aggregate is the fixed-point quantization.
//
// Shamir shares of key material use the Mersenne prime 2^521 - 1 (SharingPrime),
// wide enough to hold a 32-byte X25519 private key.
//
// # Seed Expansion
//
// An Expander is chosen once, at construction. ChaCha20 is the default; an
// HMAC-SHA256 counter DRBG and a BLAKE3 XOF are available. All participants of a
// session must agree on the same expander.
package crypto
