package timeseries

import (
	"math"
	"sort"
)

// The slice aggregations below skip NaN values and return NaN when no
// finite value remains, mirroring null-aware dataframe semantics.

// Mean returns the NaN-skipping arithmetic mean.
func Mean(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Sum returns the NaN-skipping sum (0 for an all-NaN slice).
func Sum(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

// Count returns the number of finite values.
func Count(values []float64) int {
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Min returns the NaN-skipping minimum.
func Min(values []float64) float64 {
	min, ok := math.Inf(1), false
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v < min {
			min = v
		}
		ok = true
	}
	if !ok {
		return math.NaN()
	}
	return min
}

// Max returns the NaN-skipping maximum.
func Max(values []float64) float64 {
	max, ok := math.Inf(-1), false
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v > max {
			max = v
		}
		ok = true
	}
	if !ok {
		return math.NaN()
	}
	return max
}

// Median returns the NaN-skipping median.
func Median(values []float64) float64 {
	return Percentile(values, 0.5)
}

// Std returns the NaN-skipping sample standard deviation (n-1 denominator,
// matching dataframe defaults). A single value yields NaN.
func Std(values []float64) float64 {
	mean := Mean(values)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	sq, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		sq += d * d
		n++
	}
	if n < 2 {
		return math.NaN()
	}
	return math.Sqrt(sq / float64(n-1))
}

// Percentile returns the NaN-skipping p-quantile (0 <= p <= 1) using linear
// interpolation between closest ranks, the dataframe default.
func Percentile(values []float64, p float64) float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 || p < 0 || p > 1 {
		return math.NaN()
	}
	sort.Float64s(finite)
	if len(finite) == 1 {
		return finite[0]
	}
	pos := p * float64(len(finite)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return finite[lo]
	}
	frac := pos - float64(lo)
	return finite[lo]*(1-frac) + finite[hi]*frac
}

// IsNull reports whether a value is the missing sentinel.
func IsNull(v float64) bool { return math.IsNaN(v) }

// Null returns the missing sentinel.
func Null() float64 { return math.NaN() }
