// Package outlier flags forecasters whose submitted profile sits far from
// the population consensus. Profiles are min-max normalised with a single
// global range, compared to the per-timestamp median profile by Dynamic
// Time Warping, and thresholded at median + alpha * MAD of the distance
// distribution. MAD keeps a few degenerate submissions from inflating the
// cutoff the way a standard deviation would.
package outlier

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/timeseries"
)

// Method selects the profile distance.
type Method string

const (
	// MethodDTW is Dynamic Time Warping, tolerant of small phase shifts.
	MethodDTW Method = "dtw"
	// MethodEuclidean is plain pointwise distance.
	MethodEuclidean Method = "euclidean"
)

// Detector holds the detection parameters.
type Detector struct {
	Alpha          float64
	MinForecasters int
	Method         Method
}

// NewDetector creates a DTW detector with the given threshold multiplier
// and minimum population size.
func NewDetector(alpha float64, minForecasters int) *Detector {
	return &Detector{Alpha: alpha, MinForecasters: minForecasters, Method: MethodDTW}
}

// Detect returns the names of columns whose distance to the median profile
// exceeds median + Alpha * MAD. Fewer than MinForecasters columns yields
// no outliers: a small population has no meaningful consensus.
func (d *Detector) Detect(m *timeseries.Frame) []string {
	cols := m.Columns()
	if len(cols) < d.MinForecasters {
		return nil
	}

	lo, hi, ok := m.MinMax()
	if !ok || hi == lo {
		return nil
	}
	span := hi - lo

	norm := make(map[string][]float64, len(cols))
	for _, col := range cols {
		vals, _ := m.Column(col)
		scaled := make([]float64, len(vals))
		for i, v := range vals {
			if timeseries.IsNull(v) {
				scaled[i] = timeseries.Null()
				continue
			}
			scaled[i] = (v - lo) / span
		}
		norm[col] = scaled
	}

	profile := make([]float64, m.Len())
	row := make([]float64, 0, len(cols))
	for i := 0; i < m.Len(); i++ {
		row = row[:0]
		for _, col := range cols {
			row = append(row, norm[col][i])
		}
		profile[i] = timeseries.Median(row)
	}

	distances := make([]float64, 0, len(cols))
	byCol := make(map[string]float64, len(cols))
	for _, col := range cols {
		var dist float64
		switch d.Method {
		case MethodEuclidean:
			dist = euclidean(norm[col], profile)
		default:
			dist = DTW(norm[col], profile)
		}
		if timeseries.IsNull(dist) {
			continue
		}
		byCol[col] = dist
		distances = append(distances, dist)
	}
	if len(distances) == 0 {
		return nil
	}

	mu := timeseries.Median(distances)
	deviations := make([]float64, len(distances))
	for i, v := range distances {
		deviations[i] = math.Abs(v - mu)
	}
	mad := timeseries.Median(deviations)
	threshold := mu + d.Alpha*mad

	var flagged []string
	for col, dist := range byCol {
		if dist > threshold {
			flagged = append(flagged, col)
		}
	}
	sort.Strings(flagged)

	if len(flagged) > 0 {
		log.Debug().Strs("columns", flagged).
			Float64("threshold", threshold).
			Msg("outlier profiles detected")
	}
	return flagged
}

// DTW computes the Dynamic Time Warping distance between two series.
// Null cells are dropped from each series before alignment.
func DTW(a, b []float64) float64 {
	a = compact(a)
	b = compact(b)
	if len(a) == 0 || len(b) == 0 {
		return timeseries.Null()
	}

	prev := make([]float64, len(b)+1)
	curr := make([]float64, len(b)+1)
	for j := range prev {
		prev[j] = math.Inf(1)
	}
	prev[0] = 0

	for i := 1; i <= len(a); i++ {
		curr[0] = math.Inf(1)
		for j := 1; j <= len(b); j++ {
			cost := math.Abs(a[i-1] - b[j-1])
			curr[j] = cost + math.Min(prev[j], math.Min(curr[j-1], prev[j-1]))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// euclidean is the pointwise L2 distance over non-null pairs.
func euclidean(a, b []float64) float64 {
	var sum float64
	n := 0
	for i := range a {
		if i >= len(b) || timeseries.IsNull(a[i]) || timeseries.IsNull(b[i]) {
			continue
		}
		d := a[i] - b[i]
		sum += d * d
		n++
	}
	if n == 0 {
		return timeseries.Null()
	}
	return math.Sqrt(sum)
}

func compact(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !timeseries.IsNull(v) {
			out = append(out, v)
		}
	}
	return out
}
