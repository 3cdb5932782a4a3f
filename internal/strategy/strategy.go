// Package strategy implements the ensemble strategies that combine many
// forecasters' quantile submissions into a single series, plus the
// registry they are looked up from. Every strategy follows the same
// contract: Fit on history, Predict over the challenge window, expose
// per-quantile weights that sum to one.
package strategy

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/outlier"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// ErrNotFitted is returned by Predict when Fit has not run.
var ErrNotFitted = errors.New("strategy is not fitted")

// Builtin strategy names.
const (
	NameWeightedAverage = "weighted_avg"
	NameArithmeticMean  = "arithmetic_mean"
	NameBestForecaster  = "best_forecaster"
	NameMedian          = "median"
)

// Strategy is the ensemble contract. Fit resets any prior state before
// training; Predict emits the long-form (datetime, quantile, value) table
// and records the weights used.
type Strategy interface {
	Name() string
	Fit(xTrain, yTrain *timeseries.Frame, quantiles []market.Quantile) error
	Predict(xTest *timeseries.Frame, quantiles []market.Quantile) ([]timeseries.Point, error)
	Weights() map[market.Quantile]map[string]float64
	IsFitted() bool
	Metadata() map[string]interface{}
}

// Params carries the tunable strategy parameters. Zero values are not
// meaningful; start from DefaultParams.
type Params struct {
	Beta                  float64
	OutlierDetection      bool
	OutlierAlpha          float64
	OutlierMinForecasters int
	DefaultScore          float64
	ScoreDays             int
	StepsPerDay           int
	WinklerAlpha          float64
}

// DefaultParams returns the production parameter set.
func DefaultParams() Params {
	return Params{
		Beta:                  0.001,
		OutlierDetection:      true,
		OutlierAlpha:          20.0,
		OutlierMinForecasters: 4,
		DefaultScore:          999999,
		ScoreDays:             6,
		StepsPerDay:           96,
		WinklerAlpha:          0.2,
	}
}

// base carries the state shared by every strategy implementation.
type base struct {
	name    string
	params  Params
	fitted  bool
	weights map[market.Quantile]map[string]float64
	meta    map[string]interface{}
}

func newBase(name string, p Params) base {
	return base{
		name:    name,
		params:  p,
		weights: make(map[market.Quantile]map[string]float64),
		meta:    make(map[string]interface{}),
	}
}

// Name returns the registry name of the strategy.
func (b *base) Name() string { return b.name }

// IsFitted reports whether Fit has completed.
func (b *base) IsFitted() bool { return b.fitted }

// Weights returns the per-quantile forecaster weights recorded by the
// last Predict.
func (b *base) Weights() map[market.Quantile]map[string]float64 { return b.weights }

// Metadata returns run details such as removed outliers.
func (b *base) Metadata() map[string]interface{} { return b.meta }

// reset clears weights, metadata and the fitted flag. Every Fit starts
// here.
func (b *base) reset() {
	b.fitted = false
	b.weights = make(map[market.Quantile]map[string]float64)
	b.meta = make(map[string]interface{})
}

func (b *base) markFitted() { b.fitted = true }

func (b *base) setWeights(q market.Quantile, w map[string]float64) {
	b.weights[q] = w
}

// quantileColumns extracts the columns carrying q's suffix as a copy. When
// no column matches, the whole frame is treated as pre-filtered input for
// this quantile.
func quantileColumns(x *timeseries.Frame, q market.Quantile) *timeseries.Frame {
	sub := x.SelectSuffix(q.ColumnSuffix())
	if sub.NumColumns() == 0 {
		return x.SelectColumns(x.Columns()...)
	}
	return sub
}

// dropOutliers removes columns flagged by the outlier detector and records
// them in the metadata under "outliers_<quantile>".
func (b *base) dropOutliers(sub *timeseries.Frame, q market.Quantile) *timeseries.Frame {
	if !b.params.OutlierDetection || sub.NumColumns() < b.params.OutlierMinForecasters {
		return sub
	}
	det := outlier.NewDetector(b.params.OutlierAlpha, b.params.OutlierMinForecasters)
	flagged := det.Detect(sub)
	if len(flagged) == 0 {
		return sub
	}
	log.Info().Str("strategy", b.name).Str("quantile", string(q)).
		Strs("forecasters", flagged).Msg("removing outlier forecasters")
	b.meta["outliers_"+string(q)] = flagged
	for _, col := range flagged {
		sub.DropColumn(col)
	}
	return sub
}

// weightKey strips the quantile suffix from a column so weights are keyed
// by forecaster id; pre-filtered columns keep their name.
func weightKey(col string, q market.Quantile) string {
	if id, ok := q.ForecasterFromColumn(col); ok {
		return id
	}
	return col
}

// equalWeights assigns 1/n to every column's forecaster.
func equalWeights(cols []string, q market.Quantile) map[string]float64 {
	w := make(map[string]float64, len(cols))
	for _, col := range cols {
		w[weightKey(col, q)] = 1.0 / float64(len(cols))
	}
	return w
}

// clipNonNegative floors finite values at zero. Energy output cannot be
// negative.
func clipNonNegative(vals []float64) []float64 {
	for i, v := range vals {
		if !math.IsNaN(v) && v < 0 {
			vals[i] = 0
		}
	}
	return vals
}

// appendPoints emits one long-form row per timestamp under the quantile
// label.
func appendPoints(points []timeseries.Point, index []time.Time, q market.Quantile, vals []float64) []timeseries.Point {
	for i, t := range index {
		points = append(points, timeseries.Point{Time: t, Variable: string(q), Value: vals[i]})
	}
	return points
}

// warnEmptyQuantile logs the omission of a quantile with no input columns.
func warnEmptyQuantile(name string, q market.Quantile) {
	log.Warn().Str("strategy", name).Str("quantile", string(q)).
		Msg("no forecaster columns for quantile, omitting from output")
}
