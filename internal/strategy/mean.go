package strategy

import (
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// ArithmeticMean averages the surviving forecasters with equal weight.
// It shares the outlier filter with WeightedAverage and serves as the
// benchmark every weighted ensemble has to beat.
type ArithmeticMean struct {
	base
}

// NewArithmeticMean builds the strategy from parameters.
func NewArithmeticMean(p Params) Strategy {
	return &ArithmeticMean{base: newBase(NameArithmeticMean, p)}
}

// Fit needs no training data; it resets state and marks the strategy
// ready.
func (s *ArithmeticMean) Fit(_, _ *timeseries.Frame, _ []market.Quantile) error {
	s.reset()
	s.markFitted()
	return nil
}

// Predict emits the per-quantile unweighted mean of the surviving columns.
func (s *ArithmeticMean) Predict(xTest *timeseries.Frame, quantiles []market.Quantile) ([]timeseries.Point, error) {
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
		sub = s.dropOutliers(sub, q)

		vals := clipNonNegative(sub.RowMean())
		points = appendPoints(points, sub.Index(), q, vals)
		s.setWeights(q, equalWeights(sub.Columns(), q))
	}
	return points, nil
}
