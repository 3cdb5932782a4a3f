package strategy

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/skill"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// BestForecaster relays the historically best forecaster's series
// untouched: per quantile the column with the lowest cached skill score
// becomes the champion and is emitted verbatim.
type BestForecaster struct {
	base
	calc      *skill.Calculator
	champions map[market.Quantile]string
}

// NewBestForecaster builds the strategy from parameters.
func NewBestForecaster(p Params) Strategy {
	return &BestForecaster{
		base: newBase(NameBestForecaster, p),
		calc: skill.NewCalculator(p.StepsPerDay, p.WinklerAlpha),
	}
}

// Fit scores the training columns and records the per-quantile champion.
func (s *BestForecaster) Fit(xTrain, yTrain *timeseries.Frame, quantiles []market.Quantile) error {
	s.reset()
	scores, err := s.calc.ComputeScores(xTrain, yTrain, quantiles, s.params.ScoreDays)
	if err != nil {
		return err
	}

	s.champions = make(map[market.Quantile]string, len(quantiles))
	for _, q := range quantiles {
		cols := make([]string, 0, len(scores[q]))
		for col := range scores[q] {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		best := ""
		bestScore := 0.0
		for _, col := range cols {
			if best == "" || scores[q][col] < bestScore {
				best = col
				bestScore = scores[q][col]
			}
		}
		if best != "" {
			s.champions[q] = best
			s.meta["champion_"+string(q)] = best
		}
	}
	s.markFitted()
	return nil
}

// Predict emits the champion column per quantile, falling back to the
// first available column when the champion is missing from the test set.
func (s *BestForecaster) Predict(xTest *timeseries.Frame, quantiles []market.Quantile) ([]timeseries.Point, error) {
	if !s.fitted {
		return nil, ErrNotFitted
	}

	var points []timeseries.Point
	for _, q := range quantiles {
		sub := quantileColumns(xTest, q)
		cols := sub.Columns()
		if len(cols) == 0 {
			warnEmptyQuantile(s.name, q)
			continue
		}

		selected := s.champions[q]
		if !sub.HasColumn(selected) {
			fallback := cols[0]
			log.Warn().Str("strategy", s.name).Str("quantile", string(q)).
				Str("champion", selected).Str("fallback", fallback).
				Msg("champion absent from test columns, using fallback")
			selected = fallback
		}

		vals, _ := sub.Column(selected)
		vals = clipNonNegative(vals)
		points = appendPoints(points, sub.Index(), q, vals)

		w := make(map[string]float64, len(cols))
		for _, col := range cols {
			w[weightKey(col, q)] = 0
		}
		w[weightKey(selected, q)] = 1.0
		s.setWeights(q, w)
	}
	return points, nil
}
