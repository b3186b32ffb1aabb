package crypto

import (
	"fmt"
	"math"
	"math/big"
)

// MaskFieldOrder is the Mersenne prime 2^61 - 1 that all masked vectors live in.
const MaskFieldOrder uint64 = (1 << 61) - 1

// DefaultFixedPointBits is the number of fractional bits used when encoding floats.
const DefaultFixedPointBits = 24

// SharingPrime is the field for Shamir sharing of key material (2^521 - 1).
var SharingPrime *big.Int

// SharingPrimeBytes is the fixed width of a SharingPrime field element.
const SharingPrimeBytes = 66

func init() {
	SharingPrime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 521), big.NewInt(1))
}

// FieldAddInplace performs modular addition in-place: l = (l + r) mod fieldOrder.
// Both operands must already be reduced. The result is stored in l and also returned.
func FieldAddInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Add(l, r)
	if l.Cmp(fieldOrder) >= 0 {
		l.Sub(l, fieldOrder)
	}
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}

// FieldSubInplace performs modular subtraction in-place: l = (l - r) mod fieldOrder.
// The result is stored in l and also returned.
func FieldSubInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Sub(l, r)
	if l.Cmp(fieldOrder) >= 0 {
		l.Sub(l, fieldOrder)
	}
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}

// FieldAdd returns (a + b) mod MaskFieldOrder for reduced operands.
func FieldAdd(a, b uint64) uint64 {
	s := a + b
	if s >= MaskFieldOrder {
		s -= MaskFieldOrder
	}
	return s
}

// FieldSub returns (a - b) mod MaskFieldOrder for reduced operands.
func FieldSub(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return a + MaskFieldOrder - b
}

// FieldReduce maps an arbitrary 64-bit word into the mask field.
func FieldReduce(x uint64) uint64 {
	x = (x & MaskFieldOrder) + (x >> 61)
	if x >= MaskFieldOrder {
		x -= MaskFieldOrder
	}
	return x
}

// VectorAddInplace sets ls[i] = ls[i] + rs[i] in the mask field.
func VectorAddInplace(ls, rs []uint64) {
	for i := range ls {
		ls[i] = FieldAdd(ls[i], rs[i])
	}
}

// VectorSubInplace sets ls[i] = ls[i] - rs[i] in the mask field.
func VectorSubInplace(ls, rs []uint64) {
	for i := range ls {
		ls[i] = FieldSub(ls[i], rs[i])
	}
}

// EncodeFixedPoint maps a float to the mask field as round(v * 2^bits) mod p.
// Negative values wrap around to the upper half of the field.
func EncodeFixedPoint(v float64, bits int) (uint64, error) {
	scaled := math.Round(math.Ldexp(v, bits))
	if math.IsNaN(scaled) || math.Abs(scaled) >= float64(MaskFieldOrder/2) {
		return 0, fmt.Errorf("value %g out of fixed-point range", v)
	}
	if scaled < 0 {
		return MaskFieldOrder - uint64(-scaled), nil
	}
	return uint64(scaled), nil
}

// DecodeFixedPoint is the inverse of EncodeFixedPoint. Elements above p/2 decode as negative.
func DecodeFixedPoint(x uint64, bits int) float64 {
	if x > MaskFieldOrder/2 {
		return -math.Ldexp(float64(MaskFieldOrder-x), -bits)
	}
	return math.Ldexp(float64(x), -bits)
}
