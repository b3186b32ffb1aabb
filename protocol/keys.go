package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// StaticKeyProvider serves keys from an in-memory map.
type StaticKeyProvider map[string][]byte

func (p StaticKeyProvider) PrivateKeyBytes(keyID string) ([]byte, error) {
	key, ok := p[keyID]
	if !ok {
		return nil, fmt.Errorf("key %q not found", keyID)
	}
	return bytes.Clone(key), nil
}

// EnvKeyProvider reads hex-encoded keys from environment variables named Prefix + upper-cased key id.
type EnvKeyProvider struct {
	Prefix string
}

func (p EnvKeyProvider) PrivateKeyBytes(keyID string) ([]byte, error) {
	name := p.Prefix + strings.ToUpper(strings.ReplaceAll(keyID, "-", "_"))
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("environment variable %s not set", name)
	}
	key, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return key, nil
}
