// Package common provides shared utilities for secagg CLI commands.
//
// This package contains helpers used by the coordinator, participant and demo
// binaries:
//
//   - YAML configuration loading with defaults
//   - Key loading through a protocol.KeyProvider, generating a key when none is configured
//   - Store selection (in-memory or PostgreSQL)
//   - Logger construction
package common

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
	"gopkg.in/yaml.v3"
)

// DefaultAuditSecretEnv names the variable holding the audit signing secret.
const DefaultAuditSecretEnv = "AUDIT_SECRET"

// KeysConfig selects where private keys come from.
type KeysConfig struct {
	// Provider is "env" or "static". Empty generates a fresh key on every start.
	Provider string `yaml:"provider"`

	// EnvPrefix is prepended to the upper-cased key id for the env provider.
	EnvPrefix string `yaml:"env_prefix"`

	// Static maps key ids to hex-encoded keys for the static provider.
	Static map[string]string `yaml:"static"`

	// KeyID names the key this process uses.
	KeyID string `yaml:"key_id"`
}

// AuditConfig configures the coordinator's round ledger.
type AuditConfig struct {
	Dir string `yaml:"dir"`

	// SecretEnv names the environment variable holding the signing secret.
	SecretEnv string `yaml:"secret_env"`
}

// Config is the YAML configuration shared by the secagg commands.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	AdminToken  string   `yaml:"admin_token"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`
	LogJSON     bool     `yaml:"log_json"`

	// CoordinatorURL is where participants reach the coordinator.
	CoordinatorURL string `yaml:"coordinator_url"`

	// AdvertiseURL is the participant endpoint announced at registration.
	AdvertiseURL string `yaml:"advertise_url"`

	// ClientID identifies a participant.
	ClientID string `yaml:"client_id"`

	Keys     KeysConfig               `yaml:"keys"`
	Audit    AuditConfig              `yaml:"audit"`
	Postgres *services.PostgresConfig `yaml:"postgres,omitempty"`
	Schema   protocol.ParamSchema     `yaml:"schema"`
	SecAgg   protocol.SecAggConfig    `yaml:"secagg"`
}

// DefaultConfig returns a configuration that runs everything in memory.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Audit: AuditConfig{
			Dir:       "audit",
			SecretEnv: DefaultAuditSecretEnv,
		},
		Schema: protocol.ParamSchema{},
		SecAgg: *protocol.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults; unset fields keep their default.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.SecAgg.Validate(); err != nil {
		return nil, fmt.Errorf("secagg: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger.
func NewLogger(w io.Writer, level string, json bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// NewKeyProvider returns the provider selected by cfg, or nil when keys are generated.
func NewKeyProvider(cfg KeysConfig) (protocol.KeyProvider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "env":
		return protocol.EnvKeyProvider{Prefix: cfg.EnvPrefix}, nil
	case "static":
		keys := protocol.StaticKeyProvider{}
		for id, hexKey := range cfg.Static {
			key, err := hex.DecodeString(hexKey)
			if err != nil {
				return nil, fmt.Errorf("static key %s: %w", id, err)
			}
			keys[id] = key
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("unknown key provider %q", cfg.Provider)
	}
}

// LoadOrGenerateKemKey loads key id through provider, or generates a new key
// pair if provider is nil.
func LoadOrGenerateKemKey(provider protocol.KeyProvider, keyID string) (crypto.KemPrivateKey, error) {
	if provider == nil {
		_, priv, err := crypto.GenerateKemKeyPair()
		return priv, err
	}
	if keyID == "" {
		return crypto.KemPrivateKey{}, errors.New("key provider configured without key_id")
	}
	raw, err := provider.PrivateKeyBytes(keyID)
	if err != nil {
		return crypto.KemPrivateKey{}, err
	}
	return crypto.ParseKemPrivateKey(raw)
}

// AuditSecret reads the audit signing secret from the configured variable.
func AuditSecret(cfg AuditConfig) ([]byte, error) {
	name := cfg.SecretEnv
	if name == "" {
		name = DefaultAuditSecretEnv
	}
	secret := strings.TrimSpace(os.Getenv(name))
	if secret == "" {
		return nil, fmt.Errorf("%s is not set", name)
	}
	return []byte(secret), nil
}

// Stores holds the coordinator's replay and masked-share stores.
type Stores struct {
	Sequences protocol.SequenceStore
	Shares    protocol.MaskedShareStore
	closer    io.Closer
}

// Close releases the backing database, if any.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenStores connects to PostgreSQL when configured and falls back to memory otherwise.
func OpenStores(cfg *services.PostgresConfig) (*Stores, error) {
	if cfg == nil {
		return &Stores{
			Sequences: protocol.NewMemorySequenceStore(),
			Shares:    protocol.NewMemoryShareStore(),
		}, nil
	}
	pg, err := services.NewPostgresStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Stores{Sequences: pg, Shares: pg, closer: pg}, nil
}
