package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Redact renders secret material as a length and short hash preview, safe for logs.
func Redact(secret []byte) string {
	sum := blake3.Sum256(secret)
	return fmt.Sprintf("len=%d blake3=%s", len(secret), hex.EncodeToString(sum[:4]))
}
