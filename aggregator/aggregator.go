// Package aggregator combines validated numeric contributions with robust strategies.
//
// Contributions are named float vectors matching a declared schema. Strategies are
// applied coordinate-wise across the participant axis:
//
//   - fedavg: weighted mean, uniform weights by default
//   - trimmed_mean: drops floor(0.1 * n) extremes on each side, median fallback when nothing would remain
//   - median: coordinate-wise median
//
// Aggregators may be stacked: Combine merges the outputs of several lower-level
// aggregations into one, weighted by how many participants each one covered.
package aggregator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/montanaflynn/stats"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/floats"
)

// Method names an aggregation strategy.
type Method string

const (
	FedAvg      Method = "fedavg"
	TrimmedMean Method = "trimmed_mean"
	Median      Method = "median"
)

// TrimFraction is the share of participants dropped from each tail by TrimmedMean.
const TrimFraction = 0.1

var (
	ErrNoParticipants = errors.New("no valid participants")
	ErrInvalidWeights = errors.New("invalid weights")
)

// AggregationError reports why a set of contributions could not be aggregated.
type AggregationError struct {
	Err error
}

func (e *AggregationError) Error() string {
	return "aggregation: " + e.Err.Error()
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

func aggErr(format string, args ...any) error {
	return &AggregationError{Err: fmt.Errorf(format, args...)}
}

// Update is one participant's contribution, parameter name to flat row-major values.
type Update map[string][]float64

// Anomalies counts data problems observed since the aggregator was created.
type Anomalies struct {
	NonFinite     int64
	Clipped       int64
	Rejected      int64
	TrimFallbacks int64
}

// Aggregator validates and combines updates for one schema.
type Aggregator struct {
	sizes  map[string]int
	method Method
	clip   float64
	log    *slog.Logger

	nonFinite     atomic.Int64
	clipped       atomic.Int64
	rejected      atomic.Int64
	trimFallbacks atomic.Int64
}

// New creates an aggregator. sizes maps parameter name to element count.
// A positive clip bounds every value to [-clip, clip].
func New(sizes map[string]int, method Method, clip float64, log *slog.Logger) (*Aggregator, error) {
	switch method {
	case FedAvg, TrimmedMean, Median:
	default:
		return nil, fmt.Errorf("unknown aggregation method %q", method)
	}
	if len(sizes) == 0 {
		return nil, errors.New("empty schema")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		sizes:  sizes,
		method: method,
		clip:   clip,
		log:    log,
	}, nil
}

// Method returns the configured strategy.
func (a *Aggregator) Method() Method {
	return a.method
}

// Anomalies returns a snapshot of the anomaly counters.
func (a *Aggregator) Anomalies() Anomalies {
	return Anomalies{
		NonFinite:     a.nonFinite.Load(),
		Clipped:       a.clipped.Load(),
		Rejected:      a.rejected.Load(),
		TrimFallbacks: a.trimFallbacks.Load(),
	}
}

// Validate checks u against the schema and returns a sanitized copy:
// non-finite values become zero and, when clipping is enabled, values are clipped.
func (a *Aggregator) Validate(u Update) (Update, error) {
	for name := range u {
		if _, ok := a.sizes[name]; !ok {
			return nil, aggErr("unexpected parameter %q", name)
		}
	}

	out := make(Update, len(a.sizes))
	for name, size := range a.sizes {
		values, ok := u[name]
		if !ok {
			return nil, aggErr("missing parameter %q", name)
		}
		if len(values) != size {
			return nil, aggErr("parameter %q has %d values, want %d", name, len(values), size)
		}

		clean := slices.Clone(values)
		var nonFinite, clipped int64
		for i, v := range clean {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				clean[i] = 0
				nonFinite++
				continue
			}
			if a.clip > 0 && math.Abs(v) > a.clip {
				clean[i] = math.Copysign(a.clip, v)
				clipped++
			}
		}
		if nonFinite > 0 {
			a.nonFinite.Add(nonFinite)
			a.log.Warn("replaced non-finite values", "param", name, "count", nonFinite)
		}
		if clipped > 0 {
			a.clipped.Add(clipped)
		}
		out[name] = clean
	}
	return out, nil
}

// Aggregate validates every update, drops invalid ones, and combines the rest.
// weights may be nil for uniform weighting; it is only used by FedAvg.
func (a *Aggregator) Aggregate(updates []Update, weights []float64) (Update, error) {
	if weights != nil && len(weights) != len(updates) {
		return nil, &AggregationError{Err: fmt.Errorf("%w: %d weights for %d updates", ErrInvalidWeights, len(weights), len(updates))}
	}

	valid := make([]Update, 0, len(updates))
	var validWeights []float64
	for i, u := range updates {
		clean, err := a.Validate(u)
		if err != nil {
			a.rejected.Inc()
			a.log.Warn("rejected update", "index", i, "err", err)
			continue
		}
		valid = append(valid, clean)
		if weights != nil {
			validWeights = append(validWeights, weights[i])
		}
	}
	if len(valid) == 0 {
		return nil, &AggregationError{Err: ErrNoParticipants}
	}

	switch a.method {
	case FedAvg:
		return a.fedAvg(valid, validWeights)
	case TrimmedMean:
		return a.trimmedMean(valid)
	default:
		return a.median(valid)
	}
}

func normalizeWeights(weights []float64, n int) ([]float64, error) {
	if weights == nil {
		w := make([]float64, n)
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return w, nil
	}
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, &AggregationError{Err: fmt.Errorf("%w: weight %v", ErrInvalidWeights, w)}
		}
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return nil, &AggregationError{Err: fmt.Errorf("%w: weights sum to %v", ErrInvalidWeights, total)}
	}
	w := slices.Clone(weights)
	floats.Scale(1/total, w)
	return w, nil
}

func (a *Aggregator) fedAvg(updates []Update, weights []float64) (Update, error) {
	w, err := normalizeWeights(weights, len(updates))
	if err != nil {
		return nil, err
	}
	out := make(Update, len(a.sizes))
	for name, size := range a.sizes {
		acc := make([]float64, size)
		for i, u := range updates {
			floats.AddScaled(acc, w[i], u[name])
		}
		out[name] = acc
	}
	return out, nil
}

func (a *Aggregator) trimmedMean(updates []Update) (Update, error) {
	n := len(updates)
	k := int(math.Floor(TrimFraction * float64(n)))
	if 2*k >= n {
		a.trimFallbacks.Inc()
		a.log.Warn("trimmed mean would discard every participant, using median", "participants", n, "trim", k)
		return a.median(updates)
	}

	return a.columnwise(updates, func(col []float64) (float64, error) {
		slices.Sort(col)
		return stats.Mean(stats.Float64Data(col[k : n-k]))
	})
}

func (a *Aggregator) median(updates []Update) (Update, error) {
	return a.columnwise(updates, func(col []float64) (float64, error) {
		return stats.Median(stats.Float64Data(col))
	})
}

// columnwise applies reduce to every coordinate across the participant axis.
func (a *Aggregator) columnwise(updates []Update, reduce func([]float64) (float64, error)) (Update, error) {
	out := make(Update, len(a.sizes))
	col := make([]float64, len(updates))
	for name, size := range a.sizes {
		res := make([]float64, size)
		for j := 0; j < size; j++ {
			for i, u := range updates {
				col[i] = u[name][j]
			}
			v, err := reduce(col)
			if err != nil {
				return nil, aggErr("parameter %q index %d: %v", name, j, err)
			}
			res[j] = v
		}
		out[name] = res
	}
	return out, nil
}

// Combine merges several aggregated results into one weighted mean.
// weights typically carry the participant count behind each result; nil means uniform.
func Combine(results []Update, weights []float64) (Update, error) {
	if len(results) == 0 {
		return nil, &AggregationError{Err: ErrNoParticipants}
	}
	sizes := make(map[string]int, len(results[0]))
	for name, values := range results[0] {
		sizes[name] = len(values)
	}
	a, err := New(sizes, FedAvg, 0, nil)
	if err != nil {
		return nil, &AggregationError{Err: err}
	}
	return a.Aggregate(results, weights)
}
