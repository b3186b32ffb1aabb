package testutil

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	mrand "math/rand/v2"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// =====================================
// Configuration Generators
// =====================================

// TestConfigOption is a function that modifies a SecAggConfig
type TestConfigOption func(*protocol.SecAggConfig)

// WithThresholdFraction sets the reconstruction threshold fraction
func WithThresholdFraction(fraction float64) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.ThresholdFraction = fraction
	}
}

// WithTimeouts sets the per-call, unmask and round timeouts
func WithTimeouts(call, unmask, round time.Duration) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.CallTimeout = call
		cfg.UnmaskTimeout = unmask
		cfg.RoundTimeout = round
	}
}

// WithRetries sets the attempt count and the first backoff
func WithRetries(attempts int, backoff time.Duration) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.MaxRetries = attempts
		cfg.BackoffBase = backoff
	}
}

// WithExpander selects the mask seed expander
func WithExpander(kind crypto.ExpanderKind) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.Expander = kind
	}
}

// WithBlacklistThreshold sets the failure score that disables a participant
func WithBlacklistThreshold(score int) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.BlacklistThreshold = score
	}
}

// NewTestConfig creates a configuration with short timeouts and fast retries
// that can be customized using options
func NewTestConfig(options ...TestConfigOption) *protocol.SecAggConfig {
	cfg := protocol.DefaultConfig()
	cfg.CallTimeout = 2 * time.Second
	cfg.UnmaskTimeout = 2 * time.Second
	cfg.RoundTimeout = 15 * time.Second
	cfg.MaxRetries = 2
	cfg.BackoffBase = 10 * time.Millisecond

	for _, option := range options {
		option(cfg)
	}
	return cfg
}

// =====================================
// Crypto Generators
// =====================================

// GenerateRandomBytes generates a slice of random bytes with the specified length
func GenerateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	_, err := rand.Read(bytes)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// GenerateTestKemKeys generates count key-agreement key pairs
func GenerateTestKemKeys(count int) ([]crypto.KemPublicKey, []crypto.KemPrivateKey, error) {
	pubs := make([]crypto.KemPublicKey, count)
	privs := make([]crypto.KemPrivateKey, count)
	for i := 0; i < count; i++ {
		pub, priv, err := crypto.GenerateKemKeyPair()
		if err != nil {
			return nil, nil, err
		}
		pubs[i], privs[i] = pub, priv
	}
	return pubs, privs, nil
}

// =====================================
// Participant Fixtures
// =====================================

// ParticipantID returns the id used for the i-th test participant.
func ParticipantID(i int) string {
	return fmt.Sprintf("participant-%02d", i)
}

// NewTestParticipants creates count participants bound to the given coordinator key.
func NewTestParticipants(count int, schema protocol.ParamSchema, coordinatorKey crypto.KemPublicKey, cfg *protocol.SecAggConfig) ([]*protocol.Participant, error) {
	out := make([]*protocol.Participant, count)
	for i := range out {
		p, err := protocol.NewParticipant(ParticipantID(i), schema, coordinatorKey, cfg)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// =====================================
// Contribution Generators
// =====================================

// GenerateContribution returns a deterministic contribution shaped by schema,
// seeded by id and round, with values in [-scale, scale).
func GenerateContribution(schema protocol.ParamSchema, id string, round uint64, scale float64) map[string][]float64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	rng := mrand.New(mrand.NewPCG(h.Sum64(), round))

	out := make(map[string][]float64, len(schema))
	for _, name := range schema.Names() {
		v := make([]float64, schema.Sizes()[name])
		for i := range v {
			v[i] = (2*rng.Float64() - 1) * scale
		}
		out[name] = v
	}
	return out
}

// ContributionFunc adapts GenerateContribution to the shape the orchestrator expects.
func ContributionFunc(schema protocol.ParamSchema, scale float64) func(id string, round uint64) (map[string][]float64, error) {
	return func(id string, round uint64) (map[string][]float64, error) {
		return GenerateContribution(schema, id, round, scale), nil
	}
}

// SumContributions adds contributions coordinate-wise.
func SumContributions(contributions ...map[string][]float64) map[string][]float64 {
	sum := make(map[string][]float64)
	for _, c := range contributions {
		for name, vs := range c {
			acc, ok := sum[name]
			if !ok {
				acc = make([]float64, len(vs))
				sum[name] = acc
			}
			for i, v := range vs {
				acc[i] += v
			}
		}
	}
	return sum
}

// ExpectedSum is the plaintext sum of the generated contributions of ids for round.
func ExpectedSum(schema protocol.ParamSchema, ids []string, round uint64, scale float64) map[string][]float64 {
	contributions := make([]map[string][]float64, 0, len(ids))
	for _, id := range ids {
		contributions = append(contributions, GenerateContribution(schema, id, round, scale))
	}
	return SumContributions(contributions...)
}
