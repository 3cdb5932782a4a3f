// Package kpi turns a month of per-challenge skill scores into the
// monthly forecaster records the market publishes: daily ranks, raw and
// penalty-adjusted score statistics, league assignment, per-day league
// thresholds and error distributions against the month's best forecaster.
package kpi

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// DailyScore is one input row: one forecaster's score for one challenge,
// keyed by the target day in the buyer's local calendar.
type DailyScore struct {
	UserID      string
	ChallengeID string
	Day         time.Time
	Metric      market.Metric
	Value       float64
}

// Stats summarises a value series the way the monthly record needs it.
// Absent values are NaN.
type Stats struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Count  int     `json:"count"`
}

func statsOf(values []float64) Stats {
	return Stats{
		Mean:   timeseries.Mean(values),
		Min:    timeseries.Min(values),
		Max:    timeseries.Max(values),
		Median: timeseries.Median(values),
		Std:    timeseries.Std(values),
		Count:  timeseries.Count(values),
	}
}

// Record is the monthly KPI row for one (forecaster, resource, track).
type Record struct {
	UserID     string        `json:"user_id"`
	ResourceID string        `json:"resource_id"`
	Year       int           `json:"year"`
	Month      time.Month    `json:"month"`
	Metric     market.Metric `json:"metric"`
	Track      market.Track  `json:"track"`

	DaysParticipated int `json:"days_participated"`
	DaysMissing      int `json:"days_missing"`

	Raw          Stats `json:"raw"`
	Adjusted     Stats `json:"adjusted"`
	AdjustedRank int   `json:"adjusted_rank"`
	Ranks        Stats `json:"ranks"`

	League         market.League `json:"league"`
	BestForecaster string        `json:"best_forecaster"`

	Histogram *Histogram `json:"histogram,omitempty"`
	PowerBins []PowerBin `json:"power_bins,omitempty"`
}

// Threshold is the per-day league entry bar derived from cumulative means.
// A band is NaN while too few forecasters have history through that day.
type Threshold struct {
	Day        time.Time `json:"day"`
	Elite      float64   `json:"elite"`
	Challenger float64   `json:"challenger"`
	RunnerUp   float64   `json:"runner_up"`
}

// SeriesPair aligns one forecaster's month of q50 forecasts with the
// observed values, position-wise. Only the deterministic track carries it.
type SeriesPair struct {
	Forecast []float64
	Observed []float64
}

// Input is one (resource, month, track) aggregation request.
type Input struct {
	ResourceID   string
	Year         int
	Month        time.Month
	Track        market.Track
	Scores       []DailyScore
	FixedPayment map[string]bool
	Series       map[string]SeriesPair
}

// MonthResult is the full output for one aggregation request.
type MonthResult struct {
	Records        []Record
	Thresholds     []Threshold
	BestForecaster string
}

// Aggregator computes monthly KPI records.
type Aggregator struct {
	cfg config.KPIConfig
}

// New creates an aggregator from the KPI configuration.
func New(cfg config.KPIConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate builds the monthly records for one resource and track. Scores
// carrying a metric other than the track's headline metric are ignored.
func (a *Aggregator) Aggregate(in Input) (*MonthResult, error) {
	metric, err := market.MetricFor(in.Track)
	if err != nil {
		return nil, err
	}

	rows := make([]DailyScore, 0, len(in.Scores))
	for _, r := range in.Scores {
		if r.Metric == metric {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no %s scores for resource %s %d-%02d",
			metric, in.ResourceID, in.Year, int(in.Month))
	}

	days := uniqueDays(rows)
	users := uniqueUsers(rows)

	rankStats := a.dailyRankStats(rows, users)
	matrix := dailyMatrix(rows, users, days)

	penalty := penaltyLevel(matrix, a.cfg.PenaltyQuantile)
	adjusted := fillPenalty(matrix, penalty)

	adjMeans := make(map[string]float64, len(users))
	for _, u := range users {
		adjMeans[u] = timeseries.Mean(adjusted[u])
	}

	contracted := func(u string) bool { return in.FixedPayment[u] }

	// Dense rank of the penalty-adjusted average among non-contracted
	// forecasters; contracted ones keep rank 0 and never shift the rest.
	var ranked []string
	for _, u := range users {
		if !contracted(u) {
			ranked = append(ranked, u)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if adjMeans[ranked[i]] == adjMeans[ranked[j]] {
			return ranked[i] < ranked[j]
		}
		return adjMeans[ranked[i]] < adjMeans[ranked[j]]
	})
	adjRank := denseRankByValue(ranked, adjMeans)

	leagues, best, qualified := a.assignLeagues(ranked, users, days, matrix)

	records := make([]Record, 0, len(users))
	for _, u := range users {
		participated := timeseries.Count(matrix[u])
		rec := Record{
			UserID:           u,
			ResourceID:       in.ResourceID,
			Year:             in.Year,
			Month:            in.Month,
			Metric:           metric,
			Track:            in.Track,
			DaysParticipated: participated,
			DaysMissing:      len(days) - participated,
			Raw:              statsOf(matrix[u]),
			Adjusted:         statsOf(adjusted[u]),
			AdjustedRank:     adjRank[u],
			Ranks:            rankStats[u],
			League:           leagues[u],
			BestForecaster:   best,
		}
		if in.Track == market.TrackDeterministic {
			if pair, ok := in.Series[u]; ok {
				bestPair, hasBest := in.Series[best]
				if !hasBest {
					bestPair = pair
				}
				rec.Histogram = residualHistogram(pair, bestPair, a.cfg.HistogramBins)
				rec.PowerBins = powerBinBoxplots(pair, bestPair, a.cfg.PowerBins)
			}
		}
		records = append(records, rec)
	}

	return &MonthResult{
		Records:        records,
		Thresholds:     a.thresholds(qualified, days, matrix),
		BestForecaster: best,
	}, nil
}

// dailyRankStats dense-ranks forecasters ascending within every
// (challenge, day) cell and summarises each forecaster's ranks.
func (a *Aggregator) dailyRankStats(rows []DailyScore, users []string) map[string]Stats {
	type cell struct {
		challenge string
		day       int64
	}
	groups := make(map[cell][]DailyScore)
	for _, r := range rows {
		key := cell{r.ChallengeID, r.Day.UnixNano()}
		groups[key] = append(groups[key], r)
	}

	perUser := make(map[string][]float64, len(users))
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool {
			if g[i].Value == g[j].Value {
				return g[i].UserID < g[j].UserID
			}
			return g[i].Value < g[j].Value
		})
		rank := 0
		prev := timeseries.Null()
		for _, r := range g {
			if timeseries.IsNull(prev) || r.Value != prev {
				rank++
				prev = r.Value
			}
			perUser[r.UserID] = append(perUser[r.UserID], float64(rank))
		}
	}

	out := make(map[string]Stats, len(users))
	for _, u := range users {
		out[u] = statsOf(perUser[u])
	}
	return out
}

// dailyMatrix pivots the rows to one value per (forecaster, day), averaging
// when a forecaster scored several challenges on the same day.
func dailyMatrix(rows []DailyScore, users []string, days []time.Time) map[string][]float64 {
	pos := make(map[int64]int, len(days))
	for i, d := range days {
		pos[d.UnixNano()] = i
	}

	sums := make(map[string][]float64, len(users))
	counts := make(map[string][]int, len(users))
	for _, u := range users {
		sums[u] = make([]float64, len(days))
		counts[u] = make([]int, len(days))
	}
	for _, r := range rows {
		i := pos[r.Day.UnixNano()]
		sums[r.UserID][i] += r.Value
		counts[r.UserID][i]++
	}

	out := make(map[string][]float64, len(users))
	for _, u := range users {
		vals := make([]float64, len(days))
		for i := range days {
			if counts[u][i] == 0 {
				vals[i] = timeseries.Null()
			} else {
				vals[i] = sums[u][i] / float64(counts[u][i])
			}
		}
		out[u] = vals
	}
	return out
}

// penaltyLevel is the configured percentile across every observed
// (forecaster, day) cell: bad but not catastrophic.
func penaltyLevel(matrix map[string][]float64, q float64) float64 {
	var cells []float64
	for _, vals := range matrix {
		for _, v := range vals {
			if !timeseries.IsNull(v) {
				cells = append(cells, v)
			}
		}
	}
	return timeseries.Percentile(cells, q)
}

func fillPenalty(matrix map[string][]float64, penalty float64) map[string][]float64 {
	out := make(map[string][]float64, len(matrix))
	for u, vals := range matrix {
		filled := make([]float64, len(vals))
		for i, v := range vals {
			if timeseries.IsNull(v) {
				filled[i] = penalty
			} else {
				filled[i] = v
			}
		}
		out[u] = filled
	}
	return out
}

func denseRankByValue(sorted []string, value map[string]float64) map[string]int {
	out := make(map[string]int, len(sorted))
	rank := 0
	prev := timeseries.Null()
	for _, u := range sorted {
		if timeseries.IsNull(prev) || value[u] != prev {
			rank++
			prev = value[u]
		}
		out[u] = rank
	}
	return out
}

// assignLeagues bands the qualified forecasters by their position in the
// penalty-adjusted ordering. Contracted forecasters stay unassigned and
// never occupy a band position.
func (a *Aggregator) assignLeagues(ranked, users []string, days []time.Time,
	matrix map[string][]float64) (map[string]market.League, string, []string) {

	leagues := make(map[string]market.League, len(users))
	for _, u := range users {
		leagues[u] = market.LeagueUnassigned
	}

	var qualified []string
	for _, u := range ranked {
		missing := len(days) - timeseries.Count(matrix[u])
		if missing > a.cfg.MaxMissingDays {
			leagues[u] = market.LeagueUnqualified
			log.Debug().Str("forecaster", u).Int("missing_days", missing).
				Msg("forecaster disqualified from leagues")
			continue
		}
		qualified = append(qualified, u)
	}

	best := ""
	for i, u := range qualified {
		position := i + 1
		switch {
		case position <= a.cfg.EliteCutoff:
			leagues[u] = market.LeagueElite
		case position <= a.cfg.ChallengerCutoff:
			leagues[u] = market.LeagueChallenger
		case position == a.cfg.RunnerUpRank:
			leagues[u] = market.LeagueRunnerUp
		default:
			leagues[u] = market.LeagueUnassigned
		}
		if i == 0 {
			best = u
		}
	}
	return leagues, best, qualified
}

// thresholds emits, for each day, the cumulative-mean cutoffs a forecaster
// would have needed to sit at the elite, challenger and runner-up borders.
// The population is the qualified set: contracted and missing-day
// disqualified forecasters never shape the bars.
func (a *Aggregator) thresholds(qualified []string, days []time.Time, matrix map[string][]float64) []Threshold {
	out := make([]Threshold, 0, len(days))
	for d := range days {
		var cumMeans []float64
		for _, u := range qualified {
			m := timeseries.Mean(matrix[u][:d+1])
			if !timeseries.IsNull(m) {
				cumMeans = append(cumMeans, m)
			}
		}
		sort.Float64s(cumMeans)

		nth := func(n int) float64 {
			if len(cumMeans) < n {
				return timeseries.Null()
			}
			return cumMeans[n-1]
		}
		out = append(out, Threshold{
			Day:        days[d],
			Elite:      nth(a.cfg.EliteCutoff),
			Challenger: nth(a.cfg.ChallengerCutoff),
			RunnerUp:   nth(a.cfg.RunnerUpRank),
		})
	}
	return out
}

func uniqueDays(rows []DailyScore) []time.Time {
	seen := make(map[int64]time.Time)
	for _, r := range rows {
		seen[r.Day.UnixNano()] = r.Day
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func uniqueUsers(rows []DailyScore) []string {
	seen := make(map[string]bool)
	for _, r := range rows {
		seen[r.UserID] = true
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
