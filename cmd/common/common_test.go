package common

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
http_addr: ":9000"
admin_token: "admin:secret"
cors_origins: ["https://dashboard.example"]
keys:
  provider: env
  env_prefix: SECAGG_KEY_
  key_id: coordinator
postgres:
  host: localhost
  port: 5432
  user: secagg
  database: secagg
schema:
  layer: [2, 3]
  bias: [3]
secagg:
  threshold_fraction: 0.6
  round_timeout: 45s
  method: median
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, "admin:secret", cfg.AdminToken)
	require.Equal(t, []string{"https://dashboard.example"}, cfg.CORSOrigins)
	require.Equal(t, "env", cfg.Keys.Provider)
	require.NotNil(t, cfg.Postgres)
	require.Equal(t, 5432, cfg.Postgres.Port)
	require.True(t, cfg.Schema.Equal(protocol.ParamSchema{"layer": {2, 3}, "bias": {3}}))

	require.Equal(t, 0.6, cfg.SecAgg.ThresholdFraction)
	require.Equal(t, 45*time.Second, cfg.SecAgg.RoundTimeout)
	require.Equal(t, aggregator.Median, cfg.SecAgg.Method)

	// unset fields keep their defaults
	defaults := protocol.DefaultConfig()
	require.Equal(t, defaults.MaxRetries, cfg.SecAgg.MaxRetries)
	require.Equal(t, defaults.Expander, cfg.SecAgg.Expander)
	require.Equal(t, DefaultAuditSecretEnv, cfg.Audit.SecretEnv)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	_, err := ParseConfig([]byte("secagg:\n  threshold_fraction: 2\n"))
	require.Error(t, err)

	_, err = ParseConfig([]byte("http_addr: [\n"))
	require.Error(t, err)
}

func TestLoadOrGenerateKemKey(t *testing.T) {
	generated, err := LoadOrGenerateKemKey(nil, "")
	require.NoError(t, err)
	require.NotEqual(t, crypto.KemPrivateKey{}, generated)

	_, want, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	provider, err := NewKeyProvider(KeysConfig{
		Provider: "static",
		Static:   map[string]string{"coordinator": hex.EncodeToString(want[:])},
	})
	require.NoError(t, err)
	got, err := LoadOrGenerateKemKey(provider, "coordinator")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = LoadOrGenerateKemKey(provider, "")
	require.Error(t, err)
	_, err = LoadOrGenerateKemKey(provider, "missing")
	require.Error(t, err)

	t.Setenv("SECAGG_TEST_COORDINATOR", hex.EncodeToString(want[:]))
	provider, err = NewKeyProvider(KeysConfig{Provider: "env", EnvPrefix: "SECAGG_TEST_"})
	require.NoError(t, err)
	got, err = LoadOrGenerateKemKey(provider, "coordinator")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = NewKeyProvider(KeysConfig{Provider: "vault"})
	require.Error(t, err)
	_, err = NewKeyProvider(KeysConfig{Provider: "static", Static: map[string]string{"x": "zz"}})
	require.Error(t, err)
}

func TestAuditSecret(t *testing.T) {
	t.Setenv("SECAGG_TEST_AUDIT", "")
	_, err := AuditSecret(AuditConfig{SecretEnv: "SECAGG_TEST_AUDIT"})
	require.Error(t, err)

	t.Setenv("SECAGG_TEST_AUDIT", " s3cret\n")
	secret, err := AuditSecret(AuditConfig{SecretEnv: "SECAGG_TEST_AUDIT"})
	require.NoError(t, err)
	require.Equal(t, []byte("s3cret"), secret)
}

func TestNewLoggerAndStores(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn", true)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(&buf, "loud", false)
	require.Error(t, err)

	stores, err := OpenStores(nil)
	require.NoError(t, err)
	require.NotNil(t, stores.Sequences)
	require.NotNil(t, stores.Shares)
	require.NoError(t, stores.Close())
}
