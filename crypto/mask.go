package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
)

// ExpanderKind names a deterministic seed expander.
type ExpanderKind string

const (
	ExpanderChaCha20 ExpanderKind = "chacha20"
	ExpanderHMAC     ExpanderKind = "hmac-sha256"
	ExpanderBlake3   ExpanderKind = "blake3"
)

// BytesPerElement is the stream length consumed per field-integer mask element.
const BytesPerElement = 8

// Expander deterministically stretches a 32-byte seed into a pseudorandom byte stream.
// The same seed always produces the same stream.
type Expander interface {
	Expand(seed []byte, n int) ([]byte, error)
	Kind() ExpanderKind
}

// NewExpander returns the expander for kind. An empty kind selects ChaCha20.
func NewExpander(kind ExpanderKind) (Expander, error) {
	switch kind {
	case "", ExpanderChaCha20:
		return chachaExpander{}, nil
	case ExpanderHMAC:
		return hmacExpander{}, nil
	case ExpanderBlake3:
		return blake3Expander{}, nil
	default:
		return nil, fmt.Errorf("unknown expander %q", kind)
	}
}

type chachaExpander struct{}

func (chachaExpander) Kind() ExpanderKind { return ExpanderChaCha20 }

func (chachaExpander) Expand(seed []byte, n int) ([]byte, error) {
	if len(seed) != chacha20.KeySize {
		return nil, cryptoErr("expand", fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, chacha20.KeySize))
	}
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(seed, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	c.XORKeyStream(out, out)
	return out, nil
}

// hmacExpander is a counter-mode HMAC-SHA256 DRBG: block i = HMAC(seed, uint64_be(i)).
type hmacExpander struct{}

func (hmacExpander) Kind() ExpanderKind { return ExpanderHMAC }

func (hmacExpander) Expand(seed []byte, n int) ([]byte, error) {
	if len(seed) == 0 {
		return nil, cryptoErr("expand", fmt.Errorf("%w: empty seed", ErrInvalidKey))
	}
	out := make([]byte, 0, n+sha256.Size)
	mac := hmac.New(sha256.New, seed)
	var ctr [8]byte
	for i := uint64(0); len(out) < n; i++ {
		binary.BigEndian.PutUint64(ctr[:], i)
		mac.Reset()
		mac.Write(ctr[:])
		out = mac.Sum(out)
	}
	return out[:n], nil
}

type blake3Expander struct{}

func (blake3Expander) Kind() ExpanderKind { return ExpanderBlake3 }

func (blake3Expander) Expand(seed []byte, n int) ([]byte, error) {
	h, err := blake3.NewKeyed(seed)
	if err != nil {
		return nil, cryptoErr("expand", fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	out := make([]byte, n)
	if _, err := h.Digest().Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MaskGenerator turns pairwise seeds into field-integer masks shaped like a parameter schema.
type MaskGenerator struct {
	expander Expander
}

// NewMaskGenerator binds a generator to one expander for its whole lifetime.
func NewMaskGenerator(expander Expander) *MaskGenerator {
	return &MaskGenerator{expander: expander}
}

// Kind reports the expander the generator was built with.
func (g *MaskGenerator) Kind() ExpanderKind {
	return g.expander.Kind()
}

// MaskForSchema expands seed into one field vector per parameter.
// sizes maps parameter name to element count. Parameters consume the stream
// in sorted-name order, 8 bytes per element, each reduced into the mask field.
func (g *MaskGenerator) MaskForSchema(seed SharedKey, sizes map[string]int) (map[string][]uint64, error) {
	names := make([]string, 0, len(sizes))
	total := 0
	for name, size := range sizes {
		if size < 0 {
			return nil, fmt.Errorf("negative size for parameter %q", name)
		}
		names = append(names, name)
		total += size
	}
	slices.Sort(names)

	stream, err := g.expander.Expand(seed, total*BytesPerElement)
	if err != nil {
		return nil, err
	}

	masks := make(map[string][]uint64, len(names))
	offset := 0
	for _, name := range names {
		vec := make([]uint64, sizes[name])
		for i := range vec {
			vec[i] = FieldReduce(binary.BigEndian.Uint64(stream[offset : offset+BytesPerElement]))
			offset += BytesPerElement
		}
		masks[name] = vec
	}
	return masks, nil
}

// MaskSign reports whether owner adds (+1) or subtracts (-1) the mask shared with peer.
// The lexicographically smaller identifier adds.
func MaskSign(owner, peer string) int {
	if owner < peer {
		return 1
	}
	return -1
}

// PairLabel builds the HKDF info for a pair, independent of argument order.
func PairLabel(purpose string, round uint64, a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return fmt.Appendf(nil, "%s/%d/%s/%s", purpose, round, a, b)
}
