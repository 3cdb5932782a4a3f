package kpi

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/timeseries"
)

func day(n int) time.Time {
	return time.Date(2026, time.March, n, 0, 0, 0, 0, time.UTC)
}

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return New(config.Default().KPI)
}

func score(user string, d int, value float64) DailyScore {
	return DailyScore{
		UserID:      user,
		ChallengeID: fmt.Sprintf("ch-%02d", d),
		Day:         day(d),
		Metric:      market.MetricRMSE,
		Value:       value,
	}
}

func TestDailyRanksAreDense(t *testing.T) {
	rows := []DailyScore{
		score("a", 1, 1.0),
		score("b", 1, 1.0),
		score("c", 1, 2.0),
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows,
	})
	require.NoError(t, err)

	byUser := recordsByUser(res.Records)
	assert.InDelta(t, 1.0, byUser["a"].Ranks.Mean, 1e-9)
	assert.InDelta(t, 1.0, byUser["b"].Ranks.Mean, 1e-9)
	assert.InDelta(t, 2.0, byUser["c"].Ranks.Mean, 1e-9)
}

func TestPenaltyFillsMissingDays(t *testing.T) {
	// X scores 5 on days 1-3 and misses day 4; Y scores 8 on all four
	// days, putting the month-wide 75th percentile at 8.
	var rows []DailyScore
	for d := 1; d <= 3; d++ {
		rows = append(rows, score("x", d, 5))
	}
	for d := 1; d <= 4; d++ {
		rows = append(rows, score("y", d, 8))
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows,
	})
	require.NoError(t, err)

	x := recordsByUser(res.Records)["x"]
	assert.Equal(t, 3, x.DaysParticipated)
	assert.Equal(t, 1, x.DaysMissing)
	assert.InDelta(t, 5.0, x.Raw.Mean, 1e-9)
	assert.InDelta(t, (5+5+5+8.0)/4, x.Adjusted.Mean, 1e-9)
}

func TestLeagueAssignment(t *testing.T) {
	// 15 forecasters with full months, sorted by score, plus one with six
	// missing days.
	var rows []DailyScore
	for i := 1; i <= 15; i++ {
		for d := 1; d <= 10; d++ {
			rows = append(rows, score(fmt.Sprintf("f%02d", i), d, float64(i)))
		}
	}
	for d := 1; d <= 4; d++ {
		rows = append(rows, score("f16", d, 20))
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows,
	})
	require.NoError(t, err)

	byUser := recordsByUser(res.Records)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, market.LeagueElite, byUser[fmt.Sprintf("f%02d", i)].League, "f%02d", i)
	}
	for i := 6; i <= 10; i++ {
		assert.Equal(t, market.LeagueChallenger, byUser[fmt.Sprintf("f%02d", i)].League, "f%02d", i)
	}
	assert.Equal(t, market.LeagueRunnerUp, byUser["f11"].League)
	for i := 12; i <= 15; i++ {
		assert.Equal(t, market.LeagueUnassigned, byUser[fmt.Sprintf("f%02d", i)].League, "f%02d", i)
	}
	assert.Equal(t, market.LeagueUnqualified, byUser["f16"].League)
	assert.Equal(t, "f01", res.BestForecaster)
	assert.Equal(t, 1, byUser["f01"].AdjustedRank)
}

func TestFixedPaymentForecastersStayOutOfBands(t *testing.T) {
	var rows []DailyScore
	for i := 1; i <= 6; i++ {
		for d := 1; d <= 5; d++ {
			rows = append(rows, score(fmt.Sprintf("f%d", i), d, float64(i)))
		}
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track:        market.TrackDeterministic,
		Scores:       rows,
		FixedPayment: map[string]bool{"f1": true},
	})
	require.NoError(t, err)

	byUser := recordsByUser(res.Records)
	assert.Equal(t, market.LeagueUnassigned, byUser["f1"].League)
	assert.Equal(t, 0, byUser["f1"].AdjustedRank)
	// The contracted forecaster vacates its elite slot for the rest.
	for i := 2; i <= 6; i++ {
		assert.Equal(t, market.LeagueElite, byUser[fmt.Sprintf("f%d", i)].League, "f%d", i)
	}
	assert.Equal(t, "f2", res.BestForecaster)
}

func TestThresholdsUseCumulativeMeans(t *testing.T) {
	var rows []DailyScore
	for i := 1; i <= 12; i++ {
		for d := 1; d <= 3; d++ {
			rows = append(rows, score(fmt.Sprintf("f%02d", i), d, float64(i)))
		}
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows,
	})
	require.NoError(t, err)

	require.Len(t, res.Thresholds, 3)
	for _, th := range res.Thresholds {
		assert.InDelta(t, 5.0, th.Elite, 1e-9)
		assert.InDelta(t, 10.0, th.Challenger, 1e-9)
		assert.InDelta(t, 11.0, th.RunnerUp, 1e-9)
	}
}

func TestThresholdsIgnoreDisqualifiedForecasters(t *testing.T) {
	// Twelve full-month forecasters scoring 2..13, plus one with the best
	// raw score but six missing days. The disqualified forecaster must not
	// compress the league bars.
	var rows []DailyScore
	for i := 1; i <= 12; i++ {
		for d := 1; d <= 10; d++ {
			rows = append(rows, score(fmt.Sprintf("f%02d", i), d, float64(i+1)))
		}
	}
	for d := 1; d <= 4; d++ {
		rows = append(rows, score("bad", d, 1))
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows,
	})
	require.NoError(t, err)

	assert.Equal(t, market.LeagueUnqualified, recordsByUser(res.Records)["bad"].League)
	require.Len(t, res.Thresholds, 10)
	for _, th := range res.Thresholds {
		assert.InDelta(t, 6.0, th.Elite, 1e-9)
		assert.InDelta(t, 11.0, th.Challenger, 1e-9)
		assert.InDelta(t, 12.0, th.RunnerUp, 1e-9)
	}
}

func TestThresholdsEmptyBelowPopulation(t *testing.T) {
	rows := []DailyScore{score("a", 1, 1), score("b", 1, 2)}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows,
	})
	require.NoError(t, err)

	require.Len(t, res.Thresholds, 1)
	assert.True(t, timeseries.IsNull(res.Thresholds[0].Elite))
	assert.True(t, timeseries.IsNull(res.Thresholds[0].Challenger))
}

func TestResidualHistogramSharesEdges(t *testing.T) {
	self := SeriesPair{Forecast: []float64{1, 2}, Observed: []float64{0, 0}}
	best := SeriesPair{Forecast: []float64{-4, 0}, Observed: []float64{0, 0}}

	h := residualHistogram(self, best, 20)
	require.NotNil(t, h)
	require.Len(t, h.Edges, 21)
	assert.InDelta(t, -4.0, h.Edges[0], 1e-9)
	assert.InDelta(t, 4.0, h.Edges[20], 1e-9)
	assert.Equal(t, 2, sum(h.Self))
	assert.Equal(t, 2, sum(h.Best))
}

func TestPowerBinBoxplots(t *testing.T) {
	// Observations 0..10 split into five bins of width 2; a constant
	// error of 1 puts squared error 1 in every bin.
	obs := []float64{0, 1, 3, 5, 7, 9, 10}
	fc := make([]float64, len(obs))
	for i, o := range obs {
		fc[i] = o + 1
	}
	pair := SeriesPair{Forecast: fc, Observed: obs}

	bins := powerBinBoxplots(pair, pair, 5)
	require.Len(t, bins, 5)
	total := 0
	for _, b := range bins {
		assert.InDelta(t, 1.0, b.Self.Median, 1e-9)
		total += b.Self.Count
	}
	assert.Equal(t, len(obs), total)
	assert.InDelta(t, 0.0, bins[0].Low, 1e-9)
	assert.InDelta(t, 10.0, bins[4].High, 1e-9)
}

func TestDeterministicTrackCarriesDistributions(t *testing.T) {
	rows := []DailyScore{score("a", 1, 1), score("b", 1, 2)}
	series := map[string]SeriesPair{
		"a": {Forecast: []float64{1, 2}, Observed: []float64{1, 1}},
		"b": {Forecast: []float64{3, 3}, Observed: []float64{1, 1}},
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackDeterministic, Scores: rows, Series: series,
	})
	require.NoError(t, err)

	byUser := recordsByUser(res.Records)
	require.NotNil(t, byUser["b"].Histogram)
	assert.NotEmpty(t, byUser["b"].PowerBins)
}

func TestProbabilisticTrackFiltersMetric(t *testing.T) {
	rows := []DailyScore{
		score("a", 1, 1),
		{UserID: "a", ChallengeID: "ch-01", Day: day(1), Metric: market.MetricWinkler, Value: 40},
		{UserID: "b", ChallengeID: "ch-01", Day: day(1), Metric: market.MetricWinkler, Value: 50},
	}

	res, err := newAggregator(t).Aggregate(Input{
		ResourceID: "r1", Year: 2026, Month: time.March,
		Track: market.TrackProbabilistic, Scores: rows,
	})
	require.NoError(t, err)

	byUser := recordsByUser(res.Records)
	require.Len(t, res.Records, 2)
	assert.Equal(t, market.MetricWinkler, byUser["a"].Metric)
	assert.InDelta(t, 40.0, byUser["a"].Raw.Mean, 1e-9)
	assert.Nil(t, byUser["a"].Histogram)
}

func recordsByUser(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, r := range records {
		out[r.UserID] = r
	}
	return out
}

func sum(counts []int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
