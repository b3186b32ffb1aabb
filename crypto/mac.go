package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
)

// MACSize is the length of every authenticator produced here.
const MACSize = sha256.Size

// ShareMAC authenticates a share as HMAC-SHA256(key, uint32_be(index) || value),
// with value encoded at the fixed SharingPrimeBytes width.
func ShareMAC(key SharedKey, index int, value *big.Int) ([]byte, error) {
	if index <= 0 || value == nil || value.Sign() < 0 || value.BitLen() > SharingPrimeBytes*8 {
		return nil, fmt.Errorf("invalid share %d", index)
	}
	var buf [4 + SharingPrimeBytes]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(index))
	value.FillBytes(buf[4:])

	mac := hmac.New(sha256.New, key)
	mac.Write(buf[:])
	return mac.Sum(nil), nil
}

// VerifyShareMAC checks a share authenticator in constant time.
func VerifyShareMAC(key SharedKey, index int, value *big.Int, tag []byte) bool {
	expected, err := ShareMAC(key, index, value)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, tag)
}

// AuthenticatedShare is a share together with its authenticator.
type AuthenticatedShare struct {
	Value *big.Int `json:"value"`
	MAC   []byte   `json:"mac"`
}

// SharePackage maps share index to an authenticated share.
type SharePackage map[int]AuthenticatedShare

// PackageShares authenticates every share under key.
func PackageShares(key SharedKey, shares []Share) (SharePackage, error) {
	pkg := make(SharePackage, len(shares))
	for _, s := range shares {
		tag, err := ShareMAC(key, s.Index, s.Value)
		if err != nil {
			return nil, err
		}
		pkg[s.Index] = AuthenticatedShare{Value: new(big.Int).Set(s.Value), MAC: tag}
	}
	return pkg, nil
}

// ValidatePackage verifies every entry and fails closed on the first mismatch.
// Indices must lie in 1..n, the size of the dealing. On success it returns the
// shares ordered by index.
func ValidatePackage(key SharedKey, pkg SharePackage, n int) ([]Share, error) {
	indices := make([]int, 0, len(pkg))
	for idx := range pkg {
		if idx < 1 || idx > n {
			return nil, cryptoErr("validate package", fmt.Errorf("%w: index %d outside 1..%d", ErrShareIndex, idx, n))
		}
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	shares := make([]Share, 0, len(pkg))
	for _, idx := range indices {
		entry := pkg[idx]
		if !VerifyShareMAC(key, idx, entry.Value, entry.MAC) {
			return nil, cryptoErr("validate package", fmt.Errorf("%w: index %d", ErrShareMAC, idx))
		}
		shares = append(shares, Share{Index: idx, Value: entry.Value})
	}
	return shares, nil
}

// SignMessage authenticates payload bound to a sequence number:
// HMAC-SHA256(key, payload || uint64_be(sequence)).
func SignMessage(key SharedKey, payload []byte, sequence uint64) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	mac.Write(seq[:])
	return mac.Sum(nil)
}

// VerifyMessage checks a message authenticator in constant time.
func VerifyMessage(key SharedKey, payload []byte, sequence uint64, tag []byte) bool {
	return hmac.Equal(SignMessage(key, payload, sequence), tag)
}
