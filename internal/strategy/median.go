package strategy

import (
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// Median emits the per-timestamp median across forecasters. The smallest
// useful ensemble; robust to a single wild submission without any scoring
// history.
type Median struct {
	simple
}

// NewMedian builds the strategy from parameters.
func NewMedian(p Params) Strategy {
	return &Median{simple: newSimple(NameMedian, p, func(sub *timeseries.Frame) []float64 {
		return sub.RowMedian()
	})}
}

// simple is the helper base for strategies that reduce the per-quantile
// column set row-wise with a single function and take equal weights. It
// iterates the quantiles, extracts columns, formats the long-form output
// and records 1/n weights.
type simple struct {
	base
	combine func(sub *timeseries.Frame) []float64
}

func newSimple(name string, p Params, combine func(*timeseries.Frame) []float64) simple {
	return simple{base: newBase(name, p), combine: combine}
}

// Fit resets state and marks the strategy ready; row-wise reducers carry
// no trained state.
func (s *simple) Fit(_, _ *timeseries.Frame, _ []market.Quantile) error {
	s.reset()
	s.markFitted()
	return nil
}

// Predict applies the combine function per quantile with equal weights.
func (s *simple) Predict(xTest *timeseries.Frame, quantiles []market.Quantile) ([]timeseries.Point, error) {
	if !s.fitted {
		return nil, ErrNotFitted
	}

	var points []timeseries.Point
	for _, q := range quantiles {
		sub := quantileColumns(xTest, q)
		if sub.NumColumns() == 0 {
			warnEmptyQuantile(s.name, q)
			continue
		}

		vals := clipNonNegative(s.combine(sub))
		points = appendPoints(points, sub.Index(), q, vals)
		s.setWeights(q, equalWeights(sub.Columns(), q))
	}
	return points, nil
}
