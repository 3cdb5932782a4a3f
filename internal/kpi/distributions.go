package kpi

import (
	"math"

	"github.com/castmarket/castmarket/internal/timeseries"
)

// Histogram holds residual counts for a forecaster and the month's best
// forecaster on shared symmetric bin edges.
type Histogram struct {
	Edges []float64 `json:"edges"`
	Self  []int     `json:"self"`
	Best  []int     `json:"best"`
}

// BoxStats is a five-number summary plus sample count.
type BoxStats struct {
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

func boxStats(values []float64) BoxStats {
	return BoxStats{
		Min:    timeseries.Min(values),
		Q1:     timeseries.Percentile(values, 0.25),
		Median: timeseries.Median(values),
		Q3:     timeseries.Percentile(values, 0.75),
		Max:    timeseries.Max(values),
		Count:  timeseries.Count(values),
	}
}

// PowerBin is the squared-error distribution inside one slice of the
// observed power range, for a forecaster and the month's best.
type PowerBin struct {
	Low  float64  `json:"low"`
	High float64  `json:"high"`
	Self BoxStats `json:"self"`
	Best BoxStats `json:"best"`
}

// residuals returns forecast minus observed over non-null pairs.
func residuals(p SeriesPair) []float64 {
	n := len(p.Forecast)
	if len(p.Observed) < n {
		n = len(p.Observed)
	}
	var out []float64
	for i := 0; i < n; i++ {
		if timeseries.IsNull(p.Forecast[i]) || timeseries.IsNull(p.Observed[i]) {
			continue
		}
		out = append(out, p.Forecast[i]-p.Observed[i])
	}
	return out
}

// residualHistogram bins both forecasters' residuals on symmetric edges
// covering the larger of the two absolute ranges.
func residualHistogram(self, best SeriesPair, bins int) *Histogram {
	rSelf := residuals(self)
	rBest := residuals(best)
	if len(rSelf) == 0 && len(rBest) == 0 {
		return nil
	}

	maxAbs := 0.0
	for _, r := range append(append([]float64{}, rSelf...), rBest...) {
		if a := math.Abs(r); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}

	edges := make([]float64, bins+1)
	width := 2 * maxAbs / float64(bins)
	for i := range edges {
		edges[i] = -maxAbs + float64(i)*width
	}

	return &Histogram{
		Edges: edges,
		Self:  histCounts(rSelf, edges),
		Best:  histCounts(rBest, edges),
	}
}

// histCounts assigns each value to its half-open bin; the last bin is
// closed so the maximum lands inside.
func histCounts(values []float64, edges []float64) []int {
	bins := len(edges) - 1
	counts := make([]int, bins)
	lo, hi := edges[0], edges[bins]
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		if v < lo || v > hi || width == 0 {
			continue
		}
		i := int((v - lo) / width)
		if i == bins {
			i = bins - 1
		}
		counts[i]++
	}
	return counts
}

// powerBinBoxplots partitions the observed range into equal-width bins and
// summarises the squared error within each, for self and best.
func powerBinBoxplots(self, best SeriesPair, bins int) []PowerBin {
	obs := append(append([]float64{}, self.Observed...), best.Observed...)
	lo, hi := timeseries.Min(obs), timeseries.Max(obs)
	if timeseries.IsNull(lo) || timeseries.IsNull(hi) {
		return nil
	}
	if lo == hi {
		hi = lo + 1
	}
	width := (hi - lo) / float64(bins)

	sqErrByBin := func(p SeriesPair, bin int) []float64 {
		binLo := lo + float64(bin)*width
		binHi := binLo + width
		n := len(p.Forecast)
		if len(p.Observed) < n {
			n = len(p.Observed)
		}
		var out []float64
		for i := 0; i < n; i++ {
			o := p.Observed[i]
			if timeseries.IsNull(o) || timeseries.IsNull(p.Forecast[i]) {
				continue
			}
			inBin := o >= binLo && o < binHi
			if bin == bins-1 {
				inBin = o >= binLo && o <= binHi
			}
			if !inBin {
				continue
			}
			d := p.Forecast[i] - o
			out = append(out, d*d)
		}
		return out
	}

	out := make([]PowerBin, bins)
	for b := 0; b < bins; b++ {
		out[b] = PowerBin{
			Low:  lo + float64(b)*width,
			High: lo + float64(b+1)*width,
			Self: boxStats(sqErrByBin(self, b)),
			Best: boxStats(sqErrByBin(best, b)),
		}
	}
	return out
}
