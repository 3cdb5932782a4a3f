// Package skill computes forecaster skill scores: RMSE and MAE on the
// median quantile, pinball loss per quantile, and the Winkler interval
// score on the q10-q90 band. All metrics skip null cells and round to
// three decimals for stable comparison across runs.
package skill

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// Scores maps quantile -> column name -> skill score.
type Scores map[market.Quantile]map[string]float64

// Calculator scores forecaster columns against observations.
type Calculator struct {
	stepsPerDay  int
	winklerAlpha float64
}

// NewCalculator creates a skill calculator. stepsPerDay fixes how many
// rows one lookback day spans; winklerAlpha is the interval-score level.
func NewCalculator(stepsPerDay int, winklerAlpha float64) *Calculator {
	return &Calculator{stepsPerDay: stepsPerDay, winklerAlpha: winklerAlpha}
}

// ComputeScores scores every column of x carrying a requested quantile
// suffix against the single observation column of y, over the last
// nDays of x. Columns with no overlapping non-null rows are omitted.
func (c *Calculator) ComputeScores(x, y *timeseries.Frame, quantiles []market.Quantile, nDays int) (Scores, error) {
	if y == nil || y.NumColumns() != 1 {
		return nil, fmt.Errorf("observations must carry exactly one column")
	}
	targetCol := y.Columns()[0]

	tail := x.Tail(nDays * c.stepsPerDay)
	joined := tail.InnerJoin(y)
	target, _ := joined.Column(targetCol)

	out := make(Scores, len(quantiles))
	for _, q := range quantiles {
		level, err := q.Value()
		if err != nil {
			return nil, err
		}
		byColumn := make(map[string]float64)
		for _, col := range joined.Columns() {
			if col == targetCol || !strings.HasSuffix(col, q.ColumnSuffix()) {
				continue
			}
			pred, _ := joined.Column(col)
			var score float64
			if q == market.Q50 {
				score = RMSE(target, pred)
			} else {
				score = Pinball(target, pred, level)
			}
			if timeseries.IsNull(score) {
				continue
			}
			byColumn[col] = round3(score)
		}
		out[q] = byColumn
	}
	return out, nil
}

// Entry is one forecast series to evaluate after the fact: a single
// submission or ensemble, identified by ID and owned by a forecaster or
// strategy. Values align position-wise with Times.
type Entry struct {
	ID       string
	Owner    string
	Quantile market.Quantile
	Times    []time.Time
	Values   []float64
}

// Result is one (entry, metric) score row.
type Result struct {
	ID     string
	Metric market.Metric
	Value  float64
}

// EvaluateEntries scores each entry against the observation frame and
// emits one Result per (entry, metric). The median quantile receives
// pinball, rmse and mae; the tail quantiles receive pinball, plus a
// shared winkler row each when the same owner supplied both tails.
func (c *Calculator) EvaluateEntries(obs *timeseries.Frame, entries []Entry) ([]Result, error) {
	if obs == nil || obs.NumColumns() != 1 {
		return nil, fmt.Errorf("observations must carry exactly one column")
	}
	target, _ := obs.Column(obs.Columns()[0])
	index := obs.Index()
	position := make(map[int64]int, len(index))
	for i, t := range index {
		position[t.UnixNano()] = i
	}

	aligned := make(map[string][]float64, len(entries))
	for _, e := range entries {
		vals, err := alignEntry(e, position, len(index))
		if err != nil {
			return nil, err
		}
		aligned[e.ID] = vals
	}

	byOwner := make(map[string]map[market.Quantile]Entry)
	for _, e := range entries {
		m, ok := byOwner[e.Owner]
		if !ok {
			m = make(map[market.Quantile]Entry, 3)
			byOwner[e.Owner] = m
		}
		m[e.Quantile] = e
	}

	var results []Result
	emit := func(id string, metric market.Metric, v float64) {
		if timeseries.IsNull(v) {
			return
		}
		results = append(results, Result{ID: id, Metric: metric, Value: round3(v)})
	}

	for _, e := range entries {
		level, err := e.Quantile.Value()
		if err != nil {
			return nil, err
		}
		pred := aligned[e.ID]
		emit(e.ID, market.MetricPinball, Pinball(target, pred, level))
		if e.Quantile == market.Q50 {
			emit(e.ID, market.MetricRMSE, RMSE(target, pred))
			emit(e.ID, market.MetricMAE, MAE(target, pred))
		}
	}

	for owner, byQ := range byOwner {
		lo, hasLo := byQ[market.Q10]
		hi, hasHi := byQ[market.Q90]
		if hasLo != hasHi {
			log.Warn().Str("owner", owner).
				Bool("has_q10", hasLo).Bool("has_q90", hasHi).
				Msg("interval incomplete, skipping winkler")
			continue
		}
		if !hasLo {
			continue
		}
		w := Winkler(target, aligned[lo.ID], aligned[hi.ID], c.winklerAlpha)
		emit(lo.ID, market.MetricWinkler, w)
		emit(hi.ID, market.MetricWinkler, w)
	}

	return results, nil
}

// alignEntry maps an entry's values onto the observation index, padding
// timestamps outside the index with nulls.
func alignEntry(e Entry, position map[int64]int, n int) ([]float64, error) {
	if len(e.Times) != len(e.Values) {
		return nil, fmt.Errorf("entry %s: %d timestamps for %d values", e.ID, len(e.Times), len(e.Values))
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = timeseries.Null()
	}
	for i, t := range e.Times {
		if pos, ok := position[t.UnixNano()]; ok {
			out[pos] = e.Values[i]
		}
	}
	return out, nil
}

// RMSE is the root-mean-squared error over non-null pairs.
func RMSE(obs, pred []float64) float64 {
	var sum float64
	n := 0
	for i := range obs {
		if i >= len(pred) || timeseries.IsNull(obs[i]) || timeseries.IsNull(pred[i]) {
			continue
		}
		d := obs[i] - pred[i]
		sum += d * d
		n++
	}
	if n == 0 {
		return timeseries.Null()
	}
	return math.Sqrt(sum / float64(n))
}

// MAE is the mean absolute error over non-null pairs.
func MAE(obs, pred []float64) float64 {
	var sum float64
	n := 0
	for i := range obs {
		if i >= len(pred) || timeseries.IsNull(obs[i]) || timeseries.IsNull(pred[i]) {
			continue
		}
		sum += math.Abs(obs[i] - pred[i])
		n++
	}
	if n == 0 {
		return timeseries.Null()
	}
	return sum / float64(n)
}

// Pinball is the quantile loss at level q over non-null pairs.
func Pinball(obs, pred []float64, q float64) float64 {
	var sum float64
	n := 0
	for i := range obs {
		if i >= len(pred) || timeseries.IsNull(obs[i]) || timeseries.IsNull(pred[i]) {
			continue
		}
		if obs[i] > pred[i] {
			sum += q * (obs[i] - pred[i])
		} else {
			sum += (1 - q) * (pred[i] - obs[i])
		}
		n++
	}
	if n == 0 {
		return timeseries.Null()
	}
	return sum / float64(n)
}

// Winkler is the interval score at level alpha for the [lo, hi] band,
// averaged over rows where all three series are non-null.
func Winkler(obs, lo, hi []float64, alpha float64) float64 {
	var sum float64
	n := 0
	for i := range obs {
		if i >= len(lo) || i >= len(hi) {
			continue
		}
		if timeseries.IsNull(obs[i]) || timeseries.IsNull(lo[i]) || timeseries.IsNull(hi[i]) {
			continue
		}
		width := hi[i] - lo[i]
		score := width
		if obs[i] < lo[i] {
			score += (2 / alpha) * (lo[i] - obs[i])
		}
		if obs[i] > hi[i] {
			score += (2 / alpha) * (obs[i] - hi[i])
		}
		sum += score
		n++
	}
	if n == 0 {
		return timeseries.Null()
	}
	return sum / float64(n)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
