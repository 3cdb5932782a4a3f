package timeseries

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean_SkipsNaN(t *testing.T) {
	assert.InDelta(t, 2.0, Mean([]float64{1, math.NaN(), 3}), 1e-9)
	assert.True(t, math.IsNaN(Mean(nil)))
	assert.True(t, math.IsNaN(Mean([]float64{math.NaN()})))
}

func TestMedian_EvenAndOdd(t *testing.T) {
	assert.InDelta(t, 2.0, Median([]float64{3, 1, 2}), 1e-9)
	assert.InDelta(t, 2.5, Median([]float64{4, 1, 2, 3}), 1e-9)
	assert.InDelta(t, 2.0, Median([]float64{1, math.NaN(), 3}), 1e-9)
}

func TestStd_SampleDenominator(t *testing.T) {
	// Sample std of {2,4,4,4,5,5,7,9} with n-1 is ~2.138.
	got := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 2.13809, got, 1e-4)

	assert.True(t, math.IsNaN(Std([]float64{5})), "single sample has no spread")
}

func TestPercentile_LinearInterpolation(t *testing.T) {
	vals := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1.0, Percentile(vals, 0), 1e-9)
	assert.InDelta(t, 4.0, Percentile(vals, 1), 1e-9)
	assert.InDelta(t, 3.25, Percentile(vals, 0.75), 1e-9)
	assert.True(t, math.IsNaN(Percentile(vals, 1.5)))
	assert.True(t, math.IsNaN(Percentile(nil, 0.5)))
}

func TestMinMaxSumCount(t *testing.T) {
	vals := []float64{3, math.NaN(), -1, 5}
	assert.Equal(t, -1.0, Min(vals))
	assert.Equal(t, 5.0, Max(vals))
	assert.Equal(t, 7.0, Sum(vals))
	assert.Equal(t, 3, Count(vals))
	assert.True(t, math.IsNaN(Min(nil)))
	assert.True(t, math.IsNaN(Max([]float64{math.NaN()})))
}
