// Package loader turns raw API payloads into per-resource forecast
// contexts: challenge windows, forecaster submission matrices and
// resampled measurements, with the submission-eligibility gates applied.
package loader

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// TargetColumn is the measurement column attached to every context.
const TargetColumn = "target"

// Loader errors.
var (
	ErrNoBuyers = errors.New("no challenges with submissions")
	ErrNoUsers  = errors.New("no seller forecasts supplied")
)

// Context is the forecast state for one resource in one session: the
// challenge, its window timestamps and the dataset frame holding the
// target column plus one {forecaster}_{quantile} column per submission.
type Context struct {
	Challenge market.Challenge
	Window    []time.Time
	Data      *timeseries.Frame
	Removed   []string
}

// ForecasterColumns lists the non-target columns.
func (c *Context) ForecasterColumns() []string {
	var cols []string
	for _, col := range c.Data.Columns() {
		if col != TargetColumn {
			cols = append(cols, col)
		}
	}
	return cols
}

// TrainFeatures returns the forecaster matrix strictly before the window.
func (c *Context) TrainFeatures() *timeseries.Frame {
	return c.beforeWindow().SelectColumns(c.ForecasterColumns()...)
}

// TrainTarget returns the measurement frame strictly before the window.
func (c *Context) TrainTarget() *timeseries.Frame {
	return c.beforeWindow().SelectColumns(TargetColumn)
}

// TestFeatures returns the forecaster matrix over the challenge window.
func (c *Context) TestFeatures() *timeseries.Frame {
	return c.Data.Reindex(c.Window).SelectColumns(c.ForecasterColumns()...)
}

func (c *Context) beforeWindow() *timeseries.Frame {
	if len(c.Window) == 0 {
		return c.Data
	}
	idx := c.Data.Index()
	if len(idx) == 0 {
		return c.Data
	}
	return c.Data.Slice(idx[0], c.Window[0].Add(-time.Nanosecond))
}

// SubmissionSeries is one forecaster's raw series for one challenge and
// quantile.
type SubmissionSeries struct {
	SubmissionID string
	UserID       string
	Quantile     market.Quantile
	Times        []time.Time
	Values       []float64
}

// MeasurementSeries is one resource's observed series.
type MeasurementSeries struct {
	ResourceID string
	Times      []time.Time
	Values     []float64
}

// Loader applies the market geometry and eligibility gates.
type Loader struct {
	resolution   time.Duration
	stepsPerDay  int
	historyDays  int
	lookbackDays int
	minDays      int
}

// New creates a loader from the market configuration.
func New(mc config.MarketConfig) *Loader {
	return &Loader{
		resolution:   mc.Resolution,
		stepsPerDay:  int(24 * time.Hour / mc.Resolution),
		historyDays:  mc.HistoryDays,
		lookbackDays: mc.SubmissionLookbackDays,
		minDays:      mc.MinSubmissionDays,
	}
}

// LoadChallenges builds one context per challenge that has submissions.
// Challenges without submissions are dropped with a warning; dropping all
// of them fails with ErrNoBuyers.
func (l *Loader) LoadChallenges(challenges []market.Challenge) ([]*Context, error) {
	var contexts []*Context
	for _, ch := range challenges {
		if len(ch.Submissions) == 0 {
			log.Warn().Str("challenge", ch.ID).Str("resource", ch.ResourceID).
				Msg("challenge has no submissions, dropping")
			continue
		}
		window := timeseries.Range(ch.Start, ch.End, l.resolution)
		datasetStart := ch.End.Add(-time.Duration(l.historyDays) * 24 * time.Hour)
		index := timeseries.Range(datasetStart, ch.End, l.resolution)
		contexts = append(contexts, &Context{
			Challenge: ch,
			Window:    window,
			Data:      timeseries.New(index),
		})
	}
	if len(contexts) == 0 {
		return nil, ErrNoBuyers
	}
	return contexts, nil
}

// LoadForecasters outer-joins each submission series onto its context's
// dataset under {forecaster}_{quantile}, then removes forecasters whose
// recent submission coverage is too thin. A resource is never stripped of
// its last forecaster.
func (l *Loader) LoadForecasters(contexts []*Context, forecasts map[string][]SubmissionSeries) error {
	total := 0
	for _, series := range forecasts {
		total += len(series)
	}
	if total == 0 {
		return ErrNoUsers
	}

	for _, ctx := range contexts {
		for _, sub := range forecasts[ctx.Challenge.ID] {
			col := sub.Quantile.Column(sub.UserID)
			if err := ctx.Data.InsertSeries(col, sub.Times, sub.Values); err != nil {
				return fmt.Errorf("challenge %s: insert %s: %w", ctx.Challenge.ID, col, err)
			}
		}
		l.applyEligibility(ctx)
	}
	return nil
}

// applyEligibility flags forecasters with fewer than minDays full days of
// submissions over the lookback and drops their columns, unless that
// would leave the resource without any forecaster.
func (l *Loader) applyEligibility(ctx *Context) {
	required := l.minDays * l.stepsPerDay
	recent := ctx.Data.Tail(l.lookbackDays * l.stepsPerDay)

	flagged := map[string]bool{}
	all := map[string]bool{}
	for _, col := range ctx.ForecasterColumns() {
		id, _, ok := market.SplitColumn(col)
		if !ok {
			id = col
		}
		all[id] = true
		if recent.CountNonNull(col) < required {
			flagged[id] = true
		}
	}

	if len(flagged) == 0 {
		return
	}
	if len(flagged) == len(all) {
		log.Warn().Str("challenge", ctx.Challenge.ID).Str("resource", ctx.Challenge.ResourceID).
			Msg("all forecasters below submission threshold, keeping them")
		return
	}

	var removed []string
	for id := range flagged {
		removed = append(removed, id)
	}
	sort.Strings(removed)

	for _, col := range ctx.ForecasterColumns() {
		id, _, ok := market.SplitColumn(col)
		if !ok {
			id = col
		}
		if flagged[id] {
			ctx.Data.DropColumn(col)
		}
	}
	ctx.Removed = append(ctx.Removed, removed...)

	log.Info().Str("challenge", ctx.Challenge.ID).Str("resource", ctx.Challenge.ResourceID).
		Strs("forecasters", removed).Msg("removed forecasters below submission threshold")
}

// LoadBuyerMeasurements resamples each resource's observed series to the
// market resolution and attaches it to the matching contexts as the
// target column, reindexed onto the dataset range.
func (l *Loader) LoadBuyerMeasurements(contexts []*Context, series map[string]MeasurementSeries) error {
	for _, ctx := range contexts {
		s, ok := series[ctx.Challenge.ResourceID]
		if !ok {
			log.Warn().Str("resource", ctx.Challenge.ResourceID).
				Msg("no measurements for resource")
			continue
		}
		vals, err := l.Preprocess(s.Times, s.Values, ctx.Data.Index())
		if err != nil {
			return fmt.Errorf("resource %s: %w", ctx.Challenge.ResourceID, err)
		}
		if err := ctx.Data.SetColumn(TargetColumn, vals); err != nil {
			return fmt.Errorf("resource %s: %w", ctx.Challenge.ResourceID, err)
		}
	}
	return nil
}

// Preprocess resamples a raw series to the market resolution with mean
// aggregation and reindexes it onto the expected index, nulls preserved.
func (l *Loader) Preprocess(ts []time.Time, vals []float64, index []time.Time) ([]float64, error) {
	f := timeseries.New(ts)
	raw := make([]float64, len(ts))
	copy(raw, vals)
	if err := f.InsertSeries(TargetColumn, ts, raw); err != nil {
		return nil, err
	}
	resampled := f.Resample(l.resolution).Reindex(index)
	out, _ := resampled.Column(TargetColumn)
	return out, nil
}

// DropIncompleteForecasters removes every forecaster that did not submit
// all required quantiles over the challenge window; a partial forecaster
// never contributes to any ensemble quantile. Returns the removed ids.
func (l *Loader) DropIncompleteForecasters(ctx *Context, quantiles []market.Quantile) []string {
	ids, _ := l.ValidateForecasters(ctx.Window, ctx.Data, quantiles, -1)
	complete := make(map[string]bool, len(ids))
	for _, id := range ids {
		complete[id] = true
	}

	removedSet := map[string]bool{}
	for _, col := range ctx.ForecasterColumns() {
		id, _, ok := market.SplitColumn(col)
		if !ok {
			id = col
		}
		if complete[id] {
			continue
		}
		ctx.Data.DropColumn(col)
		removedSet[id] = true
	}
	if len(removedSet) == 0 {
		return nil
	}

	removed := make([]string, 0, len(removedSet))
	for id := range removedSet {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	ctx.Removed = append(ctx.Removed, removed...)

	log.Info().Str("challenge", ctx.Challenge.ID).Str("resource", ctx.Challenge.ResourceID).
		Strs("forecasters", removed).Msg("removed forecasters with incomplete quantile sets")
	return removed
}

// ValidateForecasters returns the forecaster ids holding at least one
// non-null value in every quantile over the window, and the columns of
// that set with at least minSamples non-null historical points. A
// non-positive minSamples selects the one-month default.
func (l *Loader) ValidateForecasters(window []time.Time, matrix *timeseries.Frame, quantiles []market.Quantile, minSamples int) (ids []string, columns []string) {
	if minSamples <= 0 {
		minSamples = l.stepsPerDay * 31
	}
	if len(window) == 0 || matrix == nil {
		return nil, nil
	}
	slice := matrix.Reindex(window)

	counts := make(map[string]map[market.Quantile]int)
	for _, col := range matrix.Columns() {
		id, q, ok := market.SplitColumn(col)
		if !ok {
			continue
		}
		if counts[id] == nil {
			counts[id] = make(map[market.Quantile]int, len(quantiles))
		}
		counts[id][q] = slice.CountNonNull(col)
	}

	for id, byQ := range counts {
		valid := true
		for _, q := range quantiles {
			if byQ[q] == 0 {
				valid = false
				break
			}
		}
		if valid {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	validSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		validSet[id] = true
	}
	for _, col := range matrix.Columns() {
		id, _, ok := market.SplitColumn(col)
		if !ok || !validSet[id] {
			continue
		}
		if matrix.CountNonNull(col) >= minSamples {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)
	return ids, columns
}
