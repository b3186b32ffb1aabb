package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Share is one evaluation point of a Shamir polynomial.
// Index is the x coordinate (1..n) and Value the polynomial evaluated there.
type Share struct {
	Index int      `json:"index"`
	Value *big.Int `json:"value"`
}

// Split shares secret into n points of a random degree-(t-1) polynomial over prime.
// Any t shares reconstruct the secret; fewer reveal nothing about it.
// Coefficients are always drawn from crypto/rand.
func Split(secret *big.Int, n, t int, prime *big.Int) ([]Share, error) {
	if secret == nil || secret.Sign() < 0 || secret.Cmp(prime) >= 0 {
		return nil, errors.New("secret must be in [0, prime)")
	}
	if t < 1 || t > n {
		return nil, fmt.Errorf("invalid threshold %d for %d shares", t, n)
	}

	coeffs := make([]*big.Int, t)
	coeffs[0] = new(big.Int).Set(secret)
	for i := 1; i < t; i++ {
		c, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, fmt.Errorf("sample coefficient: %w", err)
		}
		coeffs[i] = c
	}

	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		x := big.NewInt(int64(i + 1))
		// Horner evaluation from the highest coefficient down
		y := new(big.Int).Set(coeffs[t-1])
		for j := t - 2; j >= 0; j-- {
			y.Mul(y, x)
			y.Add(y, coeffs[j])
			y.Mod(y, prime)
		}
		shares[i] = Share{Index: i + 1, Value: y}
	}

	return shares, nil
}

// Reconstruct interpolates the polynomial defined by shares at x = 0.
// The caller is responsible for supplying at least t shares; with fewer
// the result is an unrelated field element.
func Reconstruct(shares []Share, prime *big.Int) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrReconstruction)
	}

	seen := make(map[int]struct{}, len(shares))
	for _, s := range shares {
		if s.Index <= 0 || s.Value == nil {
			return nil, fmt.Errorf("%w: invalid share index %d", ErrReconstruction, s.Index)
		}
		if s.Value.Sign() < 0 || s.Value.Cmp(prime) >= 0 {
			return nil, fmt.Errorf("%w: share %d not reduced modulo prime", ErrReconstruction, s.Index)
		}
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate share index %d", ErrReconstruction, s.Index)
		}
		seen[s.Index] = struct{}{}
	}

	secret := big.NewInt(0)
	num := new(big.Int)
	den := new(big.Int)
	tmp := new(big.Int)
	for i, si := range shares {
		num.SetInt64(1)
		den.SetInt64(1)
		xi := big.NewInt(int64(si.Index))
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.Index))
			// l_i(0) = prod_j (0 - x_j) / (x_i - x_j)
			num.Mul(num, tmp.Neg(xj))
			num.Mod(num, prime)
			den.Mul(den, tmp.Sub(xi, xj))
			den.Mod(den, prime)
		}
		inv := new(big.Int).ModInverse(den, prime)
		if inv == nil {
			return nil, fmt.Errorf("%w: non-invertible denominator", ErrReconstruction)
		}
		term := new(big.Int).Mul(si.Value, num)
		term.Mul(term, inv)
		term.Mod(term, prime)
		FieldAddInplace(secret, term, prime)
	}

	return secret, nil
}

// SplitBytes shares a byte secret (a private key) over SharingPrime.
func SplitBytes(secret []byte, n, t int) ([]Share, error) {
	if len(secret) >= SharingPrimeBytes {
		return nil, fmt.Errorf("secret of %d bytes does not fit the sharing field", len(secret))
	}
	return Split(new(big.Int).SetBytes(secret), n, t, SharingPrime)
}

// ReconstructBytes recovers a byte secret of the given length shared with SplitBytes.
func ReconstructBytes(shares []Share, length int) ([]byte, error) {
	secret, err := Reconstruct(shares, SharingPrime)
	if err != nil {
		return nil, err
	}
	if secret.BitLen() > length*8 {
		return nil, fmt.Errorf("%w: recovered value exceeds %d bytes", ErrReconstruction, length)
	}
	return secret.FillBytes(make([]byte, length)), nil
}
