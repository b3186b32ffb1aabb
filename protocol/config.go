package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
)

// SecAggConfig provides configuration parameters for secure aggregation rounds.
type SecAggConfig struct {
	// ThresholdFraction determines the reconstruction threshold t = ceil(n * fraction).
	ThresholdFraction float64 `json:"threshold_fraction" yaml:"threshold_fraction"`

	// CallTimeout bounds every individual participant call.
	CallTimeout time.Duration `json:"call_timeout,string" yaml:"call_timeout"`

	// RoundTimeout bounds mask key exchange and update collection. Participants still
	// outstanding are marked missing; unmasking then runs within UnmaskTimeout.
	RoundTimeout time.Duration `json:"round_timeout,string" yaml:"round_timeout"`

	// UnmaskTimeout bounds the unmask share collection phase.
	UnmaskTimeout time.Duration `json:"unmask_timeout,string" yaml:"unmask_timeout"`

	// MaxRetries is the number of attempts per participant call.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BackoffBase, BackoffFactor and BackoffJitter shape the retry schedule:
	// wait = base * factor^(attempt-1), perturbed by +/- jitter of itself.
	BackoffBase   time.Duration `json:"backoff_base,string" yaml:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	BackoffJitter float64       `json:"backoff_jitter" yaml:"backoff_jitter"`

	// BlacklistThreshold disables a participant once its failure score reaches it.
	BlacklistThreshold int `json:"blacklist_threshold" yaml:"blacklist_threshold"`

	// MaxConcurrency limits in-flight participant calls.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// FixedPointBits is the number of fractional bits in the field encoding.
	FixedPointBits int `json:"fixed_point_bits" yaml:"fixed_point_bits"`

	// Expander selects the seed expander for every mask in the session.
	Expander crypto.ExpanderKind `json:"expander" yaml:"expander"`

	// Method is the aggregation strategy applied after unmasking.
	Method aggregator.Method `json:"method" yaml:"method"`

	// Clip bounds every decoded coordinate to [-Clip, Clip] when positive.
	Clip float64 `json:"clip" yaml:"clip"`

	// PrivacyParams are recorded verbatim in the audit trail.
	PrivacyParams map[string]any `json:"privacy_params,omitempty" yaml:"privacy_params,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *SecAggConfig {
	return &SecAggConfig{
		ThresholdFraction:  0.5,
		CallTimeout:        30 * time.Second,
		RoundTimeout:       2 * time.Minute,
		UnmaskTimeout:      2 * time.Second,
		MaxRetries:         3,
		BackoffBase:        time.Second,
		BackoffFactor:      2.0,
		BackoffJitter:      0.1,
		BlacklistThreshold: 5,
		MaxConcurrency:     16,
		FixedPointBits:     crypto.DefaultFixedPointBits,
		Expander:           crypto.ExpanderChaCha20,
		Method:             aggregator.FedAvg,
	}
}

// Validate reports the first invalid field.
func (c *SecAggConfig) Validate() error {
	switch {
	case c.ThresholdFraction <= 0 || c.ThresholdFraction > 1:
		return fmt.Errorf("threshold_fraction %v not in (0, 1]", c.ThresholdFraction)
	case c.CallTimeout <= 0:
		return errors.New("call_timeout must be positive")
	case c.UnmaskTimeout <= 0:
		return errors.New("unmask_timeout must be positive")
	case c.MaxRetries < 1:
		return errors.New("max_retries must be at least 1")
	case c.BackoffFactor < 1:
		return errors.New("backoff_factor must be at least 1")
	case c.BackoffJitter < 0 || c.BackoffJitter >= 1:
		return errors.New("backoff_jitter must be in [0, 1)")
	case c.BlacklistThreshold < 1:
		return errors.New("blacklist_threshold must be at least 1")
	case c.MaxConcurrency < 1:
		return errors.New("max_concurrency must be at least 1")
	case c.FixedPointBits < 0 || c.FixedPointBits > 40:
		return fmt.Errorf("fixed_point_bits %d not in [0, 40]", c.FixedPointBits)
	}
	switch c.Method {
	case aggregator.FedAvg, aggregator.TrimmedMean, aggregator.Median:
	default:
		return fmt.Errorf("unknown aggregation method %q", c.Method)
	}
	if _, err := crypto.NewExpander(c.Expander); err != nil {
		return err
	}
	return nil
}

// Threshold returns the reconstruction threshold for n participants, at least 1.
func (c *SecAggConfig) Threshold(n int) int {
	// the epsilon keeps 5 * 0.6 at 3 rather than 4
	t := int(math.Ceil(float64(n)*c.ThresholdFraction - 1e-9))
	return max(1, min(t, n))
}
