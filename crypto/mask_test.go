package crypto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

var allExpanders = []ExpanderKind{ExpanderChaCha20, ExpanderHMAC, ExpanderBlake3}

func TestExpandDeterministic(t *testing.T) {
	seed := NewSharedKey(make([]byte, 32))
	seed[0] = 7

	for _, kind := range allExpanders {
		t.Run(string(kind), func(t *testing.T) {
			e, err := NewExpander(kind)
			require.NoError(t, err)
			require.Equal(t, kind, e.Kind())

			a, err := e.Expand(seed, 1000)
			require.NoError(t, err)
			b, err := e.Expand(seed, 1000)
			require.NoError(t, err)
			require.Len(t, a, 1000)
			require.Equal(t, a, b)

			prefix, err := e.Expand(seed, 100)
			require.NoError(t, err)
			require.Equal(t, a[:100], prefix, "streams must be prefix-stable")

			other := seed.Bytes()
			other[0] = 8
			c, err := e.Expand(other, 1000)
			require.NoError(t, err)
			require.NotEqual(t, a, c)
		})
	}

	_, err := NewExpander("rot13")
	require.Error(t, err)
}

func TestMaskForSchemaShapes(t *testing.T) {
	g := NewMaskGenerator(must(NewExpander(ExpanderChaCha20)))
	seed := NewSharedKey(make([]byte, 32))

	sizes := map[string]int{"w": 6, "b": 2, "empty": 0}
	masks, err := g.MaskForSchema(seed, sizes)
	require.NoError(t, err)
	require.Len(t, masks, 3)
	for name, size := range sizes {
		require.Len(t, masks[name], size)
		for _, v := range masks[name] {
			require.Less(t, v, MaskFieldOrder)
		}
	}

	again, err := g.MaskForSchema(seed, sizes)
	require.NoError(t, err)
	require.Equal(t, masks, again)
}

// Two participants mask with opposite signs; the sum of the masked vectors
// must equal the sum of the plaintext vectors exactly.
func TestPairwiseMaskCancellation(t *testing.T) {
	pubA, privA, err := GenerateKemKeyPair()
	require.NoError(t, err)
	pubB, privB, err := GenerateKemKeyPair()
	require.NoError(t, err)

	label := PairLabel("mask", 3, "bob", "alice")
	require.Equal(t, label, PairLabel("mask", 3, "alice", "bob"))

	seedA, err := DeriveSharedSecret(privA, pubB, label)
	require.NoError(t, err)
	seedB, err := DeriveSharedSecret(privB, pubA, label)
	require.NoError(t, err)

	sizes := map[string]int{"layer": 4}
	trueA := []float64{1.5, -2, 0.25, 1000}
	trueB := []float64{-0.5, 4, 0, -999.75}

	for _, kind := range allExpanders {
		g := NewMaskGenerator(must(NewExpander(kind)))
		maskA, err := g.MaskForSchema(seedA, sizes)
		require.NoError(t, err)
		maskB, err := g.MaskForSchema(seedB, sizes)
		require.NoError(t, err)
		require.Equal(t, maskA, maskB)

		maskedA := encode(t, trueA)
		maskedB := encode(t, trueB)
		require.Equal(t, 1, MaskSign("alice", "bob"))
		require.Equal(t, -1, MaskSign("bob", "alice"))
		VectorAddInplace(maskedA, maskA["layer"])
		VectorSubInplace(maskedB, maskB["layer"])

		sum := make([]uint64, 4)
		VectorAddInplace(sum, maskedA)
		VectorAddInplace(sum, maskedB)

		plain := encode(t, trueA)
		VectorAddInplace(plain, encode(t, trueB))
		require.Equal(t, plain, sum, "masks must cancel exactly")

		for i := range sum {
			require.InDelta(t, trueA[i]+trueB[i], DecodeFixedPoint(sum[i], DefaultFixedPointBits), 1e-6)
		}
	}
}

func TestEncodeFixedPointRange(t *testing.T) {
	_, err := EncodeFixedPoint(math.NaN(), DefaultFixedPointBits)
	require.Error(t, err)
	_, err = EncodeFixedPoint(1e30, DefaultFixedPointBits)
	require.Error(t, err)

	x, err := EncodeFixedPoint(-1, DefaultFixedPointBits)
	require.NoError(t, err)
	require.Equal(t, MaskFieldOrder-(1<<DefaultFixedPointBits), x)
	require.Equal(t, -1.0, DecodeFixedPoint(x, DefaultFixedPointBits))
}

func TestRedactHidesSecret(t *testing.T) {
	key := NewSharedKey([]byte("0123456789abcdef0123456789abcdef"))
	out := key.String()
	require.Contains(t, out, "len=32")
	require.NotContains(t, out, "0123456789")
}

func encode(t *testing.T, vs []float64) []uint64 {
	t.Helper()
	out := make([]uint64, len(vs))
	for i, v := range vs {
		x, err := EncodeFixedPoint(v, DefaultFixedPointBits)
		require.NoError(t, err)
		out[i] = x
	}
	return out
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
