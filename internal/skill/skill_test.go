package skill

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

func makeFrame(t *testing.T, start time.Time, n int, cols map[string][]float64) *timeseries.Frame {
	t.Helper()
	idx := timeseries.Range(start, start.Add(time.Duration(n-1)*15*time.Minute), 15*time.Minute)
	f := timeseries.New(idx)
	for name, vals := range cols {
		require.NoError(t, f.SetColumn(name, vals))
	}
	return f
}

func TestPinballQ10(t *testing.T) {
	obs := []float64{100, 100}
	pred := []float64{90, 110}

	// 0.1*10 and 0.9*10, averaged.
	assert.InDelta(t, 5.0, Pinball(obs, pred, 0.1), 1e-9)
}

func TestWinklerIntervalViolation(t *testing.T) {
	obs := []float64{150}
	lo := []float64{110}
	hi := []float64{130}

	// Width 20 plus (2/0.2)*(150-130).
	assert.InDelta(t, 220.0, Winkler(obs, lo, hi, 0.2), 1e-9)
}

func TestWinklerInsideInterval(t *testing.T) {
	obs := []float64{120}
	lo := []float64{110}
	hi := []float64{130}

	assert.InDelta(t, 20.0, Winkler(obs, lo, hi, 0.2), 1e-9)
}

func TestRMSEAndMAE(t *testing.T) {
	obs := []float64{1, 2, 3}
	pred := []float64{2, 2, 5}

	assert.InDelta(t, math.Sqrt(5.0/3.0), RMSE(obs, pred), 1e-9)
	assert.InDelta(t, 1.0, MAE(obs, pred), 1e-9)
}

func TestMetricsSkipNulls(t *testing.T) {
	obs := []float64{1, timeseries.Null(), 3}
	pred := []float64{1, 2, timeseries.Null()}

	assert.InDelta(t, 0.0, RMSE(obs, pred), 1e-9)
	assert.True(t, timeseries.IsNull(RMSE(nil, nil)))
}

func TestComputeScoresRMSEForMedianPinballForTails(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	x := makeFrame(t, start, 4, map[string][]float64{
		"alice_q50": {10, 10, 10, 10},
		"alice_q10": {8, 8, 8, 8},
		"bob_q50":   {12, 12, 12, 12},
	})
	y := makeFrame(t, start, 4, map[string][]float64{
		"target": {10, 10, 10, 10},
	})

	calc := NewCalculator(96, 0.2)
	scores, err := calc.ComputeScores(x, y, market.AllQuantiles(), 6)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, scores[market.Q50]["alice_q50"], 1e-9)
	assert.InDelta(t, 2.0, scores[market.Q50]["bob_q50"], 1e-9)
	// obs > pred at every step: 0.1 * 2.
	assert.InDelta(t, 0.2, scores[market.Q10]["alice_q10"], 1e-9)
	assert.Empty(t, scores[market.Q90])
}

func TestComputeScoresIdempotent(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	x := makeFrame(t, start, 8, map[string][]float64{
		"alice_q50": {9, 11, 10, 12, 9, 11, 10, 12},
	})
	y := makeFrame(t, start, 8, map[string][]float64{
		"target": {10, 10, 10, 10, 10, 10, 10, 10},
	})

	calc := NewCalculator(96, 0.2)
	first, err := calc.ComputeScores(x, y, []market.Quantile{market.Q50}, 6)
	require.NoError(t, err)
	second, err := calc.ComputeScores(x, y, []market.Quantile{market.Q50}, 6)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestComputeScoresEmptyOverlapOmitsColumn(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	x := makeFrame(t, start, 4, map[string][]float64{
		"alice_q50": {10, 10, 10, 10},
	})
	// Observations over a disjoint window.
	y := makeFrame(t, start.Add(24*time.Hour), 4, map[string][]float64{
		"target": {10, 10, 10, 10},
	})

	calc := NewCalculator(96, 0.2)
	scores, err := calc.ComputeScores(x, y, []market.Quantile{market.Q50}, 6)
	require.NoError(t, err)
	assert.Empty(t, scores[market.Q50])
}

func TestComputeScoresUsesOnlyLookbackTail(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// Two "days" of one step each: first day terrible, second perfect.
	x := makeFrame(t, start, 2, map[string][]float64{
		"alice_q50": {1000, 10},
	})
	y := makeFrame(t, start, 2, map[string][]float64{
		"target": {10, 10},
	})

	calc := NewCalculator(1, 0.2)
	scores, err := calc.ComputeScores(x, y, []market.Quantile{market.Q50}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, scores[market.Q50]["alice_q50"], 1e-9)
}

func TestEvaluateEntriesEmitsPerMetricRows(t *testing.T) {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	idx := timeseries.Range(start, start.Add(15*time.Minute), 15*time.Minute)
	obs := timeseries.New(idx)
	require.NoError(t, obs.SetColumn("target", []float64{100, 100}))

	entries := []Entry{
		{ID: "s1", Owner: "alice", Quantile: market.Q50, Times: idx, Values: []float64{90, 110}},
		{ID: "s2", Owner: "alice", Quantile: market.Q10, Times: idx, Values: []float64{80, 80}},
		{ID: "s3", Owner: "alice", Quantile: market.Q90, Times: idx, Values: []float64{120, 120}},
	}

	calc := NewCalculator(96, 0.2)
	results, err := calc.EvaluateEntries(obs, entries)
	require.NoError(t, err)

	byKey := map[string]map[market.Metric]float64{}
	for _, r := range results {
		if byKey[r.ID] == nil {
			byKey[r.ID] = map[market.Metric]float64{}
		}
		_, dup := byKey[r.ID][r.Metric]
		require.False(t, dup, "duplicate row for id=%s metric=%s", r.ID, r.Metric)
		byKey[r.ID][r.Metric] = r.Value
	}

	// Median quantile gets pinball, rmse and mae.
	assert.InDelta(t, 5.0, byKey["s1"][market.MetricPinball], 1e-9)
	assert.InDelta(t, 10.0, byKey["s1"][market.MetricRMSE], 1e-9)
	assert.InDelta(t, 10.0, byKey["s1"][market.MetricMAE], 1e-9)

	// Tails get pinball plus a shared winkler row each.
	assert.InDelta(t, 2.0, byKey["s2"][market.MetricPinball], 1e-9)
	assert.InDelta(t, 40.0, byKey["s2"][market.MetricWinkler], 1e-9)
	assert.InDelta(t, 40.0, byKey["s3"][market.MetricWinkler], 1e-9)
	assert.NotContains(t, byKey["s2"], market.MetricRMSE)
}

func TestEvaluateEntriesUnpairedTailSkipsWinkler(t *testing.T) {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	idx := timeseries.Range(start, start, 15*time.Minute)
	obs := timeseries.New(idx)
	require.NoError(t, obs.SetColumn("target", []float64{100}))

	entries := []Entry{
		{ID: "s7", Owner: "bob", Quantile: market.Q10, Times: idx, Values: []float64{90}},
	}

	calc := NewCalculator(96, 0.2)
	results, err := calc.EvaluateEntries(obs, entries)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, market.MetricPinball, results[0].Metric)
}

func TestEvaluateEntriesRejectsBadLabel(t *testing.T) {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	idx := timeseries.Range(start, start, 15*time.Minute)
	obs := timeseries.New(idx)
	require.NoError(t, obs.SetColumn("target", []float64{100}))

	entries := []Entry{
		{ID: "s9", Owner: "bob", Quantile: market.Quantile("p50"), Times: idx, Values: []float64{90}},
	}

	calc := NewCalculator(96, 0.2)
	_, err := calc.EvaluateEntries(obs, entries)
	assert.Error(t, err)
}
