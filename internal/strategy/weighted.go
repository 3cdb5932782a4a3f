package strategy

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/skill"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// WeightedAverage is the production ensemble: forecasters are weighted by
// exp(-beta * skill score), so a lower historical error earns a larger
// share. Unknown forecasters carry the default score, which for the
// production beta pushes their weight towards zero without excluding them.
type WeightedAverage struct {
	base
	calc   *skill.Calculator
	scores skill.Scores
}

// NewWeightedAverage builds the strategy from parameters.
func NewWeightedAverage(p Params) Strategy {
	return &WeightedAverage{
		base: newBase(NameWeightedAverage, p),
		calc: skill.NewCalculator(p.StepsPerDay, p.WinklerAlpha),
	}
}

// Fit computes and caches per-column skill scores over the score lookback.
func (s *WeightedAverage) Fit(xTrain, yTrain *timeseries.Frame, quantiles []market.Quantile) error {
	s.reset()
	scores, err := s.calc.ComputeScores(xTrain, yTrain, quantiles, s.params.ScoreDays)
	if err != nil {
		return err
	}
	s.scores = scores
	s.meta["beta"] = s.params.Beta
	s.markFitted()
	return nil
}

// Predict combines the test columns per quantile using normalised
// exponential weights over the cached scores.
func (s *WeightedAverage) Predict(xTest *timeseries.Frame, quantiles []market.Quantile) ([]timeseries.Point, error) {
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

		cols := sub.Columns()
		colWeights := make(map[string]float64, len(cols))
		var total float64
		for _, col := range cols {
			score, known := s.scores[q][col]
			if !known {
				score = s.params.DefaultScore
			}
			w := math.Exp(-s.params.Beta * score)
			colWeights[col] = w
			total += w
		}
		if total == 0 {
			// Every weight underflowed: no forecaster has usable history.
			log.Warn().Str("quantile", string(q)).
				Msg("all exponential weights underflowed, falling back to equal weights")
			for col := range colWeights {
				colWeights[col] = 1
			}
			total = float64(len(colWeights))
		}

		keyed := make(map[string]float64, len(cols))
		for col, w := range colWeights {
			norm := w / total
			colWeights[col] = norm
			keyed[weightKey(col, q)] = norm
		}

		vals := clipNonNegative(sub.WeightedSum(colWeights))
		points = appendPoints(points, sub.Index(), q, vals)
		s.setWeights(q, keyed)
	}
	return points, nil
}
