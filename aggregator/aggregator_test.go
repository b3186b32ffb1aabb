package aggregator

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func setupTestAggregator(t *testing.T, method Method, clip float64) *Aggregator {
	t.Helper()
	a, err := New(map[string]int{"w": 1}, method, clip, nil)
	require.NoError(t, err)
	return a
}

func scalars(vs ...float64) []Update {
	out := make([]Update, len(vs))
	for i, v := range vs {
		out[i] = Update{"w": {v}}
	}
	return out
}

func TestFedAvgWeighted(t *testing.T) {
	a := setupTestAggregator(t, FedAvg, 0)

	res, err := a.Aggregate(scalars(1.0, 3.0), []float64{1, 3})
	require.NoError(t, err)
	require.InDelta(t, 2.5, res["w"][0], 1e-12)
}

func TestFedAvgUniform(t *testing.T) {
	a, err := New(map[string]int{"w": 2, "b": 1}, FedAvg, 0, nil)
	require.NoError(t, err)

	res, err := a.Aggregate([]Update{
		{"w": {1, 2}, "b": {10}},
		{"w": {3, 4}, "b": {20}},
	}, nil)
	require.NoError(t, err)

	want := Update{"w": {2, 3}, "b": {15}}
	if diff := cmp.Diff(want, res, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("unexpected aggregate (-want +got):\n%s", diff)
	}
}

func TestTrimmedMeanRobustness(t *testing.T) {
	a := setupTestAggregator(t, TrimmedMean, 0)

	values := make([]float64, 10)
	values[9] = 1000
	res, err := a.Aggregate(scalars(values...), nil)
	require.NoError(t, err)
	require.InDelta(t, 0.0, res["w"][0], 1.0)
	require.Zero(t, a.Anomalies().TrimFallbacks)
}

func TestTrimmedMeanSmallTrimsNothing(t *testing.T) {
	// n = 3 gives k = 0, so nothing is trimmed and the result is the mean
	a := setupTestAggregator(t, TrimmedMean, 0)
	res, err := a.Aggregate(scalars(1, 2, 9), nil)
	require.NoError(t, err)
	require.InDelta(t, 4.0, res["w"][0], 1e-12)
	require.Zero(t, a.Anomalies().TrimFallbacks)
}

func TestMedian(t *testing.T) {
	a := setupTestAggregator(t, Median, 0)

	res, err := a.Aggregate(scalars(5, 1, 100, 3, 2), nil)
	require.NoError(t, err)
	require.Equal(t, 3.0, res["w"][0])

	res, err = a.Aggregate(scalars(1, 2, 3, 4), nil)
	require.NoError(t, err)
	require.Equal(t, 2.5, res["w"][0])
}

func TestValidateRejectsUnknownAndShape(t *testing.T) {
	a := setupTestAggregator(t, FedAvg, 0)

	_, err := a.Validate(Update{"w": {1}, "extra": {1}})
	var aerr *AggregationError
	require.ErrorAs(t, err, &aerr)

	_, err = a.Validate(Update{"w": {1, 2}})
	require.ErrorAs(t, err, &aerr)

	_, err = a.Validate(Update{})
	require.ErrorAs(t, err, &aerr)

	// invalid updates are dropped, the rest still aggregate
	res, err := a.Aggregate([]Update{{"w": {4}}, {"bogus": {1}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 4.0, res["w"][0])
	require.EqualValues(t, 1, a.Anomalies().Rejected)
}

func TestValidateSanitizes(t *testing.T) {
	a, err := New(map[string]int{"w": 4}, FedAvg, 2.0, nil)
	require.NoError(t, err)

	in := Update{"w": {math.NaN(), math.Inf(1), -5, 1}}
	out, err := a.Validate(in)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, -2, 1}, out["w"])
	require.True(t, math.IsNaN(in["w"][0]), "input must not be modified")

	an := a.Anomalies()
	require.EqualValues(t, 2, an.NonFinite)
	require.EqualValues(t, 1, an.Clipped)
}

func TestAggregateErrors(t *testing.T) {
	a := setupTestAggregator(t, FedAvg, 0)

	_, err := a.Aggregate(nil, nil)
	require.ErrorIs(t, err, ErrNoParticipants)

	_, err = a.Aggregate([]Update{{"bad": {1}}}, nil)
	require.ErrorIs(t, err, ErrNoParticipants)

	_, err = a.Aggregate(scalars(1, 2), []float64{0, 0})
	require.ErrorIs(t, err, ErrInvalidWeights)

	_, err = a.Aggregate(scalars(1, 2), []float64{1})
	require.ErrorIs(t, err, ErrInvalidWeights)

	_, err = New(map[string]int{"w": 1}, "mode", 0, nil)
	require.Error(t, err)
}

func TestCombine(t *testing.T) {
	edgeA := Update{"w": {1, 1}}
	edgeB := Update{"w": {4, 7}}

	res, err := Combine([]Update{edgeA, edgeB}, []float64{2, 1})
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{2, 3}, res["w"], 1e-12)

	_, err = Combine(nil, nil)
	require.ErrorIs(t, err, ErrNoParticipants)
}
