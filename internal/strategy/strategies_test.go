package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

func frameOf(t *testing.T, start time.Time, n int, cols map[string]float64) *timeseries.Frame {
	t.Helper()
	idx := timeseries.Range(start, start.Add(time.Duration(n-1)*15*time.Minute), 15*time.Minute)
	f := timeseries.New(idx)
	for name, v := range cols {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = v
		}
		require.NoError(t, f.SetColumn(name, vals))
	}
	return f
}

var trainStart = time.Date(2025, 5, 26, 0, 0, 0, 0, time.UTC)
var testStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestWeightedAverageExponentialWeights(t *testing.T) {
	// Constant offsets from the target give exact RMSE 10, 20, 30.
	xTrain := frameOf(t, trainStart, 8, map[string]float64{
		"a_q50": 110, "b_q50": 120, "c_q50": 130,
	})
	yTrain := frameOf(t, trainStart, 8, map[string]float64{"target": 100})

	p := DefaultParams()
	p.Beta = 0.1
	p.OutlierDetection = false
	s := NewWeightedAverage(p)
	require.NoError(t, s.Fit(xTrain, yTrain, []market.Quantile{market.Q50}))

	// All forecasters agree: the ensemble must reproduce them.
	flat := frameOf(t, testStart, 4, map[string]float64{
		"a_q50": 100, "b_q50": 100, "c_q50": 100,
	})
	points, err := s.Predict(flat, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 4)
	for _, pt := range points {
		assert.InDelta(t, 100.0, pt.Value, 1e-9)
	}

	w := s.Weights()[market.Q50]
	assert.InDelta(t, 0.665, w["a"], 1e-3)
	assert.InDelta(t, 0.245, w["b"], 1e-3)
	assert.InDelta(t, 0.090, w["c"], 1e-3)

	// Disagreement resolves by the exponential weights.
	spread := frameOf(t, testStart, 1, map[string]float64{
		"a_q50": 100, "b_q50": 200, "c_q50": 300,
	})
	points, err = s.Predict(spread, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 1)

	e1, e2, e3 := math.Exp(-1), math.Exp(-2), math.Exp(-3)
	want := (e1*100 + e2*200 + e3*300) / (e1 + e2 + e3)
	assert.InDelta(t, want, points[0].Value, 1e-9)
}

func TestWeightedAverageUnknownForecasterGetsDefaultScore(t *testing.T) {
	xTrain := frameOf(t, trainStart, 8, map[string]float64{"a_q50": 110})
	yTrain := frameOf(t, trainStart, 8, map[string]float64{"target": 100})

	p := DefaultParams()
	p.OutlierDetection = false
	s := NewWeightedAverage(p)
	require.NoError(t, s.Fit(xTrain, yTrain, []market.Quantile{market.Q50}))

	xTest := frameOf(t, testStart, 1, map[string]float64{
		"a_q50": 100, "stranger_q50": 500,
	})
	points, err := s.Predict(xTest, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 1)

	// exp(-0.001 * 999999) underflows: the stranger contributes nothing.
	assert.InDelta(t, 100.0, points[0].Value, 1e-6)
	w := s.Weights()[market.Q50]
	assert.InDelta(t, 1.0, w["a"], 1e-9)
	assert.InDelta(t, 0.0, w["stranger"], 1e-9)
}

func TestArithmeticMeanOutlierRemoval(t *testing.T) {
	xTest := frameOf(t, testStart, 4, map[string]float64{
		"a_q50": 10, "b_q50": 11, "c_q50": 12, "d_q50": 110,
	})

	p := DefaultParams()
	p.OutlierDetection = true
	s := NewArithmeticMean(p)
	require.NoError(t, s.Fit(nil, nil, nil))

	points, err := s.Predict(xTest, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 4)
	for _, pt := range points {
		assert.InDelta(t, 11.0, pt.Value, 1e-9)
	}
	assert.Equal(t, []string{"d_q50"}, s.Metadata()["outliers_q50"])

	w := s.Weights()[market.Q50]
	require.Len(t, w, 3)
	assert.InDelta(t, 1.0/3, w["a"], 1e-9)

	// Detection off: the wild submission pulls the mean.
	p.OutlierDetection = false
	s = NewArithmeticMean(p)
	require.NoError(t, s.Fit(nil, nil, nil))
	points, err = s.Predict(xTest, []market.Quantile{market.Q50})
	require.NoError(t, err)
	for _, pt := range points {
		assert.InDelta(t, 35.75, pt.Value, 1e-9)
	}
}

func TestBestForecasterChampionAndFallback(t *testing.T) {
	xTrain := frameOf(t, trainStart, 8, map[string]float64{
		"a_q50": 120, "b_q50": 105,
	})
	yTrain := frameOf(t, trainStart, 8, map[string]float64{"target": 100})

	p := DefaultParams()
	s := NewBestForecaster(p)
	require.NoError(t, s.Fit(xTrain, yTrain, []market.Quantile{market.Q50}))
	assert.Equal(t, "b_q50", s.Metadata()["champion_q50"])

	// Champion present: emitted verbatim.
	xTest := frameOf(t, testStart, 2, map[string]float64{
		"a_q50": 50, "b_q50": 70,
	})
	points, err := s.Predict(xTest, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 70.0, points[0].Value, 1e-9)
	w := s.Weights()[market.Q50]
	assert.InDelta(t, 1.0, w["b"], 1e-9)
	assert.InDelta(t, 0.0, w["a"], 1e-9)

	// Champion absent: fall back to the first available column.
	xOnlyC := frameOf(t, testStart, 2, map[string]float64{"c_q50": 42})
	points, err = s.Predict(xOnlyC, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 42.0, points[0].Value, 1e-9)
	assert.InDelta(t, 1.0, s.Weights()[market.Q50]["c"], 1e-9)
}

func TestMedianStrategy(t *testing.T) {
	xTest := frameOf(t, testStart, 3, map[string]float64{
		"a_q50": 10, "b_q50": 20, "c_q50": 100,
	})

	s := NewMedian(DefaultParams())
	require.NoError(t, s.Fit(nil, nil, nil))

	points, err := s.Predict(xTest, []market.Quantile{market.Q50})
	require.NoError(t, err)
	require.Len(t, points, 3)
	for _, pt := range points {
		assert.InDelta(t, 20.0, pt.Value, 1e-9)
	}
	w := s.Weights()[market.Q50]
	require.Len(t, w, 3)
	assert.InDelta(t, 1.0/3, w["b"], 1e-9)
}

func TestAllStrategiesContract(t *testing.T) {
	quantiles := market.AllQuantiles()
	cols := map[string]float64{}
	for _, q := range quantiles {
		cols[q.Column("a")] = 100
		cols[q.Column("b")] = 120
	}
	xTrain := frameOf(t, trainStart, 8, cols)
	yTrain := frameOf(t, trainStart, 8, map[string]float64{"target": 110})
	xTest := frameOf(t, testStart, 4, cols)
	empty := timeseries.New(nil)

	for _, name := range Default().List() {
		t.Run(name, func(t *testing.T) {
			s, err := Default().Get(name, DefaultParams())
			require.NoError(t, err)

			// Predict before fit fails.
			_, err = s.Predict(xTest, quantiles)
			require.ErrorIs(t, err, ErrNotFitted)
			assert.False(t, s.IsFitted())

			require.NoError(t, s.Fit(xTrain, yTrain, quantiles))
			assert.True(t, s.IsFitted())

			// Empty test input yields an empty table, not an error.
			points, err := s.Predict(empty, quantiles)
			require.NoError(t, err)
			assert.Empty(t, points)

			points, err = s.Predict(xTest, quantiles)
			require.NoError(t, err)
			assert.Len(t, points, 4*len(quantiles))
			for _, pt := range points {
				assert.GreaterOrEqual(t, pt.Value, 0.0)
			}

			// Per-quantile weights are a distribution.
			for _, q := range quantiles {
				w := s.Weights()[q]
				require.NotEmpty(t, w, "quantile %s", q)
				sum := 0.0
				for id, v := range w {
					assert.GreaterOrEqual(t, v, 0.0, "weight %s", id)
					sum += v
				}
				assert.InDelta(t, 1.0, sum, 1e-6)
			}

			// Refit resets recorded weights.
			require.NoError(t, s.Fit(xTrain, yTrain, quantiles))
			assert.Empty(t, s.Weights())
		})
	}
}

func TestPredictClipsNegatives(t *testing.T) {
	xTest := frameOf(t, testStart, 2, map[string]float64{
		"a_q50": -5, "b_q50": -3,
	})

	s := NewMedian(DefaultParams())
	require.NoError(t, s.Fit(nil, nil, nil))
	points, err := s.Predict(xTest, []market.Quantile{market.Q50})
	require.NoError(t, err)
	for _, pt := range points {
		assert.Equal(t, 0.0, pt.Value)
	}
}

func TestMissingQuantileFallsBackToPrefiltered(t *testing.T) {
	xTest := frameOf(t, testStart, 2, map[string]float64{"a_q50": 10})

	s := NewMedian(DefaultParams())
	require.NoError(t, s.Fit(nil, nil, nil))
	points, err := s.Predict(xTest, []market.Quantile{market.Q50, market.Q90})
	require.NoError(t, err)

	// q90 falls back to the pre-filtered interpretation and still emits;
	// only a truly empty frame omits the quantile.
	require.Len(t, points, 4)
	vars := map[string]bool{}
	for _, pt := range points {
		vars[pt.Variable] = true
	}
	assert.True(t, vars["q50"])
	assert.True(t, vars["q90"])
}

func TestWeightedAverageRejectsBadQuantile(t *testing.T) {
	xTrain := frameOf(t, trainStart, 4, map[string]float64{"a_q50": 110})
	yTrain := frameOf(t, trainStart, 4, map[string]float64{"target": 100})

	s := NewWeightedAverage(DefaultParams())
	err := s.Fit(xTrain, yTrain, []market.Quantile{market.Quantile("bogus")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
	assert.False(t, s.IsFitted())
}
