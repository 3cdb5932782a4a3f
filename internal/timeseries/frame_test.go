package timeseries

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quarterHours(t *testing.T, start string, n int) []time.Time {
	t.Helper()
	base, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	return Range(base, base.Add(time.Duration(n-1)*15*time.Minute), 15*time.Minute)
}

func TestRange_ClosedInterval(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 1, 23, 45, 0, 0, time.UTC)

	idx := Range(start, end, 15*time.Minute)
	assert.Len(t, idx, 96, "a day-ahead window has 96 quarter hours")
	assert.Equal(t, start, idx[0])
	assert.Equal(t, end, idx[len(idx)-1])

	assert.Nil(t, Range(end, start, 15*time.Minute))
	assert.Nil(t, Range(start, end, 0))
}

func TestNew_SortsAndDeduplicates(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(15 * time.Minute)

	f := New([]time.Time{b, a, b})
	require.Equal(t, 2, f.Len())
	assert.Equal(t, []time.Time{a, b}, f.Index())
}

func TestFrame_SetColumn_LengthMismatch(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 4))
	err := f.SetColumn("a_q50", []float64{1, 2})
	assert.Error(t, err)
}

func TestFrame_InsertSeries_OuterJoins(t *testing.T) {
	idx := quarterHours(t, "2025-01-01T00:00:00Z", 3)
	f := New(idx)
	require.NoError(t, f.SetColumn("obs", []float64{1, 2, 3}))

	extra := idx[2].Add(15 * time.Minute)
	require.NoError(t, f.InsertSeries("alice_q50", []time.Time{idx[1], extra}, []float64{20, 40}))

	require.Equal(t, 4, f.Len(), "index grows to the union")

	obs, ok := f.Column("obs")
	require.True(t, ok)
	assert.True(t, math.IsNaN(obs[3]), "existing column padded with NaN at new rows")

	alice, ok := f.Column("alice_q50")
	require.True(t, ok)
	assert.True(t, math.IsNaN(alice[0]))
	assert.Equal(t, 20.0, alice[1])
	assert.Equal(t, 40.0, alice[3])
}

func TestFrame_InnerJoin_IntersectsIndex(t *testing.T) {
	left := New(quarterHours(t, "2025-01-01T00:00:00Z", 4))
	require.NoError(t, left.SetColumn("x", []float64{1, 2, 3, 4}))

	right := New(quarterHours(t, "2025-01-01T00:30:00Z", 4))
	require.NoError(t, right.SetColumn("y", []float64{30, 45, 60, 75}))

	joined := left.InnerJoin(right)
	require.Equal(t, 2, joined.Len())
	x, _ := joined.Column("x")
	y, _ := joined.Column("y")
	assert.Equal(t, []float64{3, 4}, x)
	assert.Equal(t, []float64{30, 45}, y)
}

func TestFrame_Resample_MeanAggregation(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := []time.Time{
		base, base.Add(5 * time.Minute), base.Add(10 * time.Minute),
		base.Add(15 * time.Minute),
		base.Add(30 * time.Minute), base.Add(35 * time.Minute),
	}
	f := New(idx)
	require.NoError(t, f.SetColumn("v", []float64{1, 2, 3, 10, math.NaN(), 6}))

	r := f.Resample(15 * time.Minute)
	require.Equal(t, 3, r.Len())
	v, _ := r.Column("v")
	assert.InDelta(t, 2.0, v[0], 1e-9, "mean of 1,2,3")
	assert.InDelta(t, 10.0, v[1], 1e-9)
	assert.InDelta(t, 6.0, v[2], 1e-9, "NaN skipped inside the bucket")
}

func TestFrame_Reindex_FillsMissingWithNaN(t *testing.T) {
	idx := quarterHours(t, "2025-01-01T00:00:00Z", 2)
	f := New(idx)
	require.NoError(t, f.SetColumn("v", []float64{5, 6}))

	wide := f.Reindex(quarterHours(t, "2025-01-01T00:00:00Z", 4))
	require.Equal(t, 4, wide.Len())
	v, _ := wide.Column("v")
	assert.Equal(t, 5.0, v[0])
	assert.True(t, math.IsNaN(v[2]))
	assert.True(t, math.IsNaN(v[3]))
}

func TestFrame_SelectSuffix(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 2))
	require.NoError(t, f.SetColumn("alice_q10", []float64{1, 1}))
	require.NoError(t, f.SetColumn("alice_q50", []float64{2, 2}))
	require.NoError(t, f.SetColumn("bob_q50", []float64{3, 3}))

	q50 := f.SelectSuffix("_q50")
	assert.ElementsMatch(t, []string{"alice_q50", "bob_q50"}, q50.Columns())
	assert.Equal(t, 2, q50.Len())
}

func TestFrame_DropNullRows(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 3))
	require.NoError(t, f.SetColumn("a", []float64{1, math.NaN(), 3}))
	require.NoError(t, f.SetColumn("b", []float64{4, 5, math.NaN()}))

	all := f.DropNullRows()
	assert.Equal(t, 1, all.Len())

	onlyA := f.DropNullRows("a")
	assert.Equal(t, 2, onlyA.Len())
}

func TestFrame_Tail(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 5))
	require.NoError(t, f.SetColumn("v", []float64{1, 2, 3, 4, 5}))

	tail := f.Tail(2)
	v, _ := tail.Column("v")
	assert.Equal(t, []float64{4, 5}, v)

	assert.Equal(t, 5, f.Tail(99).Len())
	assert.Equal(t, 0, f.Tail(0).Len())
}

func TestFrame_RowMedian_SkipsNaN(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 2))
	require.NoError(t, f.SetColumn("a", []float64{1, 10}))
	require.NoError(t, f.SetColumn("b", []float64{3, math.NaN()}))
	require.NoError(t, f.SetColumn("c", []float64{5, 30}))

	med := f.RowMedian()
	assert.InDelta(t, 3.0, med[0], 1e-9)
	assert.InDelta(t, 20.0, med[1], 1e-9, "median of 10 and 30")
}

func TestFrame_WeightedSum_RenormalisesOverNaN(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 2))
	require.NoError(t, f.SetColumn("a", []float64{100, 100}))
	require.NoError(t, f.SetColumn("b", []float64{200, math.NaN()}))

	out := f.WeightedSum(map[string]float64{"a": 0.5, "b": 0.5})
	assert.InDelta(t, 150.0, out[0], 1e-9)
	assert.InDelta(t, 100.0, out[1], 1e-9, "weight of the NaN column redistributed")
}

func TestFrame_Melt_LongForm(t *testing.T) {
	idx := quarterHours(t, "2025-01-01T00:00:00Z", 2)
	f := New(idx)
	require.NoError(t, f.SetColumn("q10", []float64{1, 2}))
	require.NoError(t, f.SetColumn("q50", []float64{3, 4}))

	pts := f.Melt()
	require.Len(t, pts, 4)
	assert.Equal(t, Point{Time: idx[0], Variable: "q10", Value: 1}, pts[0])
	assert.Equal(t, Point{Time: idx[1], Variable: "q50", Value: 4}, pts[3])
}

func TestFrame_MinMax_Global(t *testing.T) {
	f := New(quarterHours(t, "2025-01-01T00:00:00Z", 2))
	require.NoError(t, f.SetColumn("a", []float64{-3, math.NaN()}))
	require.NoError(t, f.SetColumn("b", []float64{7, 2}))

	min, max, ok := f.MinMax()
	require.True(t, ok)
	assert.Equal(t, -3.0, min)
	assert.Equal(t, 7.0, max)

	_, _, ok = New(nil).MinMax()
	assert.False(t, ok)
}
