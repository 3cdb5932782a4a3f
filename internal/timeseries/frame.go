// Package timeseries provides the in-memory frame abstraction the market
// core computes on: a sorted time index with named float64 columns, where
// missing values are NaN. Frames are value-oriented — every operation
// returns a new frame and never mutates its receiver's index.
package timeseries

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Point is one cell of a frame in long form (datetime, variable, value).
type Point struct {
	Time     time.Time
	Variable string
	Value    float64
}

// Frame is a time-indexed table of float64 columns. The index is sorted
// ascending and unique; every column has exactly len(index) values with
// NaN marking missing observations.
type Frame struct {
	index []time.Time
	order []string
	cols  map[string][]float64
}

// New creates an empty frame over the given index. The index is copied,
// sorted and de-duplicated.
func New(index []time.Time) *Frame {
	idx := make([]time.Time, len(index))
	copy(idx, index)
	sort.Slice(idx, func(i, j int) bool { return idx[i].Before(idx[j]) })

	uniq := idx[:0]
	for i, t := range idx {
		if i == 0 || !t.Equal(uniq[len(uniq)-1]) {
			uniq = append(uniq, t)
		}
	}

	return &Frame{
		index: uniq,
		cols:  make(map[string][]float64),
	}
}

// Range builds a closed interval [start, end] sampled every step.
// start after end yields an empty slice.
func Range(start, end time.Time, step time.Duration) []time.Time {
	if step <= 0 || start.After(end) {
		return nil
	}
	n := int(end.Sub(start)/step) + 1
	out := make([]time.Time, 0, n)
	for t := start; !t.After(end); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.index) }

// Index returns a copy of the time index.
func (f *Frame) Index() []time.Time {
	out := make([]time.Time, len(f.index))
	copy(out, f.index)
	return out
}

// Columns returns the column names in insertion order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// NumColumns returns the number of columns.
func (f *Frame) NumColumns() int { return len(f.order) }

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// Column returns a copy of the named column's values.
func (f *Frame) Column(name string) ([]float64, bool) {
	vals, ok := f.cols[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, true
}

// SetColumn sets or replaces a column. Values must match the index length.
func (f *Frame) SetColumn(name string, values []float64) error {
	if len(values) != len(f.index) {
		return fmt.Errorf("column %s: %d values for %d index rows", name, len(values), len(f.index))
	}
	if _, exists := f.cols[name]; !exists {
		f.order = append(f.order, name)
	}
	vals := make([]float64, len(values))
	copy(vals, values)
	f.cols[name] = vals
	return nil
}

// DropColumn removes a column if present.
func (f *Frame) DropColumn(name string) {
	if _, ok := f.cols[name]; !ok {
		return
	}
	delete(f.cols, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// At returns the value of column name at row i.
func (f *Frame) At(i int, name string) float64 {
	vals, ok := f.cols[name]
	if !ok || i < 0 || i >= len(vals) {
		return math.NaN()
	}
	return vals[i]
}

// InsertSeries outer-joins a (timestamps, values) series under the given
// column name: index rows absent from the frame are added, existing columns
// get NaN at the new rows and the new column gets NaN wherever the series
// has no observation.
func (f *Frame) InsertSeries(name string, ts []time.Time, values []float64) error {
	if len(ts) != len(values) {
		return fmt.Errorf("series %s: %d timestamps for %d values", name, len(ts), len(values))
	}

	merged := make([]time.Time, 0, len(f.index)+len(ts))
	merged = append(merged, f.index...)
	merged = append(merged, ts...)
	out := New(merged)

	for _, col := range f.order {
		out.order = append(out.order, col)
		out.cols[col] = reindexValues(f.index, f.cols[col], out.index)
	}

	if _, exists := out.cols[name]; !exists {
		out.order = append(out.order, name)
	}
	out.cols[name] = reindexValues(ts, values, out.index)

	*f = *out
	return nil
}

// reindexValues maps (srcIdx, srcVals) onto dstIdx, NaN where absent.
// Duplicate source timestamps keep the last value.
func reindexValues(srcIdx []time.Time, srcVals []float64, dstIdx []time.Time) []float64 {
	byTime := make(map[int64]float64, len(srcIdx))
	for i, t := range srcIdx {
		byTime[t.UnixNano()] = srcVals[i]
	}
	out := make([]float64, len(dstIdx))
	for i, t := range dstIdx {
		if v, ok := byTime[t.UnixNano()]; ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// Reindex returns a frame on exactly the given index; rows absent from the
// receiver become NaN across all columns.
func (f *Frame) Reindex(index []time.Time) *Frame {
	out := New(index)
	for _, col := range f.order {
		out.order = append(out.order, col)
		out.cols[col] = reindexValues(f.index, f.cols[col], out.index)
	}
	return out
}

// Slice returns the rows with from <= t <= to.
func (f *Frame) Slice(from, to time.Time) *Frame {
	lo := sort.Search(len(f.index), func(i int) bool { return !f.index[i].Before(from) })
	hi := sort.Search(len(f.index), func(i int) bool { return f.index[i].After(to) })
	return f.sliceRows(lo, hi)
}

// Tail returns the last n rows (all rows when n exceeds the length).
func (f *Frame) Tail(n int) *Frame {
	if n >= len(f.index) {
		n = len(f.index)
	}
	if n < 0 {
		n = 0
	}
	return f.sliceRows(len(f.index)-n, len(f.index))
}

func (f *Frame) sliceRows(lo, hi int) *Frame {
	out := &Frame{
		index: append([]time.Time(nil), f.index[lo:hi]...),
		cols:  make(map[string][]float64, len(f.order)),
	}
	out.order = append(out.order, f.order...)
	for _, col := range f.order {
		out.cols[col] = append([]float64(nil), f.cols[col][lo:hi]...)
	}
	return out
}

// SelectSuffix returns the sub-frame of columns whose names end in suffix.
func (f *Frame) SelectSuffix(suffix string) *Frame {
	var names []string
	for _, col := range f.order {
		if strings.HasSuffix(col, suffix) {
			names = append(names, col)
		}
	}
	return f.SelectColumns(names...)
}

// SelectColumns returns the sub-frame of the named columns, skipping any
// that do not exist.
func (f *Frame) SelectColumns(names ...string) *Frame {
	out := &Frame{
		index: append([]time.Time(nil), f.index...),
		cols:  make(map[string][]float64, len(names)),
	}
	for _, name := range names {
		vals, ok := f.cols[name]
		if !ok {
			continue
		}
		out.order = append(out.order, name)
		out.cols[name] = append([]float64(nil), vals...)
	}
	return out
}

// DropNullRows removes every row that has NaN in any of the named columns;
// with no names it considers all columns.
func (f *Frame) DropNullRows(names ...string) *Frame {
	if len(names) == 0 {
		names = f.order
	}
	keep := make([]int, 0, len(f.index))
rows:
	for i := range f.index {
		for _, name := range names {
			vals, ok := f.cols[name]
			if !ok {
				continue
			}
			if math.IsNaN(vals[i]) {
				continue rows
			}
		}
		keep = append(keep, i)
	}
	return f.takeRows(keep)
}

func (f *Frame) takeRows(rows []int) *Frame {
	out := &Frame{
		index: make([]time.Time, len(rows)),
		cols:  make(map[string][]float64, len(f.order)),
	}
	out.order = append(out.order, f.order...)
	for j, i := range rows {
		out.index[j] = f.index[i]
	}
	for _, col := range f.order {
		src := f.cols[col]
		dst := make([]float64, len(rows))
		for j, i := range rows {
			dst[j] = src[i]
		}
		out.cols[col] = dst
	}
	return out
}

// InnerJoin joins on the index intersection; columns of other shadow
// same-named columns of the receiver.
func (f *Frame) InnerJoin(other *Frame) *Frame {
	set := make(map[int64]bool, other.Len())
	for _, t := range other.index {
		set[t.UnixNano()] = true
	}
	var shared []time.Time
	for _, t := range f.index {
		if set[t.UnixNano()] {
			shared = append(shared, t)
		}
	}
	return f.joinOn(other, shared)
}

// OuterJoin joins on the index union.
func (f *Frame) OuterJoin(other *Frame) *Frame {
	merged := make([]time.Time, 0, f.Len()+other.Len())
	merged = append(merged, f.index...)
	merged = append(merged, other.index...)
	return f.joinOn(other, New(merged).index)
}

func (f *Frame) joinOn(other *Frame, index []time.Time) *Frame {
	out := New(index)
	for _, col := range f.order {
		if other.HasColumn(col) {
			continue
		}
		out.order = append(out.order, col)
		out.cols[col] = reindexValues(f.index, f.cols[col], out.index)
	}
	for _, col := range other.order {
		out.order = append(out.order, col)
		out.cols[col] = reindexValues(other.index, other.cols[col], out.index)
	}
	return out
}

// Resample buckets rows into fixed steps (timestamps truncated to the step)
// and aggregates each bucket with the NaN-skipping mean. Buckets with no
// observations are absent from the result.
func (f *Frame) Resample(step time.Duration) *Frame {
	if step <= 0 || f.Len() == 0 {
		return f.sliceRows(0, f.Len())
	}

	buckets := make([]time.Time, 0, f.Len())
	seen := make(map[int64]bool, f.Len())
	rowBucket := make([]time.Time, f.Len())
	for i, t := range f.index {
		b := t.Truncate(step)
		rowBucket[i] = b
		if !seen[b.UnixNano()] {
			seen[b.UnixNano()] = true
			buckets = append(buckets, b)
		}
	}

	out := New(buckets)
	for _, col := range f.order {
		src := f.cols[col]
		sums := make(map[int64]float64, len(buckets))
		counts := make(map[int64]int, len(buckets))
		for i, v := range src {
			if math.IsNaN(v) {
				continue
			}
			key := rowBucket[i].UnixNano()
			sums[key] += v
			counts[key]++
		}
		vals := make([]float64, len(out.index))
		for i, t := range out.index {
			key := t.UnixNano()
			if counts[key] == 0 {
				vals[i] = math.NaN()
			} else {
				vals[i] = sums[key] / float64(counts[key])
			}
		}
		out.order = append(out.order, col)
		out.cols[col] = vals
	}
	return out
}

// CountNonNull returns the number of non-NaN values in the named column.
func (f *Frame) CountNonNull(name string) int {
	vals, ok := f.cols[name]
	if !ok {
		return 0
	}
	n := 0
	for _, v := range vals {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// RowMedian computes the per-row NaN-skipping median across the named
// columns (all columns when none are named).
func (f *Frame) RowMedian(names ...string) []float64 {
	return f.rowAgg(Median, names)
}

// RowMean computes the per-row NaN-skipping mean across the named columns.
func (f *Frame) RowMean(names ...string) []float64 {
	return f.rowAgg(Mean, names)
}

func (f *Frame) rowAgg(agg func([]float64) float64, names []string) []float64 {
	if len(names) == 0 {
		names = f.order
	}
	out := make([]float64, len(f.index))
	row := make([]float64, 0, len(names))
	for i := range f.index {
		row = row[:0]
		for _, name := range names {
			if vals, ok := f.cols[name]; ok {
				row = append(row, vals[i])
			}
		}
		out[i] = agg(row)
	}
	return out
}

// WeightedSum returns the per-row weighted sum of the given columns; NaN
// cells contribute nothing and their weight is dropped from that row's
// renormalisation. Rows where every weighted column is NaN yield NaN.
func (f *Frame) WeightedSum(weights map[string]float64) []float64 {
	out := make([]float64, len(f.index))
	for i := range f.index {
		sum, wsum := 0.0, 0.0
		for col, w := range weights {
			vals, ok := f.cols[col]
			if !ok {
				continue
			}
			v := vals[i]
			if math.IsNaN(v) {
				continue
			}
			sum += w * v
			wsum += w
		}
		if wsum == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / wsum
		}
	}
	return out
}

// Melt converts the named columns (all when none are given) into long form,
// ordered by column then time. NaN cells are kept so callers can decide.
func (f *Frame) Melt(names ...string) []Point {
	if len(names) == 0 {
		names = f.order
	}
	out := make([]Point, 0, len(names)*len(f.index))
	for _, name := range names {
		vals, ok := f.cols[name]
		if !ok {
			continue
		}
		for i, t := range f.index {
			out = append(out, Point{Time: t, Variable: name, Value: vals[i]})
		}
	}
	return out
}

// MinMax returns the global minimum and maximum over all columns, skipping
// NaN. ok is false when the frame holds no finite value.
func (f *Frame) MinMax() (min, max float64, ok bool) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, col := range f.order {
		for _, v := range f.cols[col] {
			if math.IsNaN(v) {
				continue
			}
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			ok = true
		}
	}
	if !ok {
		return 0, 0, false
	}
	return min, max, true
}
