// Package analysis derives summary statistics from combined datasets.
package analysis

import (
	"sort"
	"strings"

	"github.com/ratescope/ratescope/internal/combine"
)

// maxCategoricalCardinality is the distinct-value ceiling above which a
// string column is no longer summarized as categorical.
const maxCategoricalCardinality = 50

// topValueCount caps how many value counts a categorical summary keeps.
const topValueCount = 10

// rateColumns are checked in order when looking for the rate column.
var rateColumns = []string{"negotiated_rate", "rate"}

// NumericStats summarizes one numeric column.
type NumericStats struct {
	Count  int     `json:"count"`
	Nulls  int     `json:"nulls"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// ValueCount is one categorical value and its frequency.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// CategoricalStats summarizes one low-cardinality string column.
type CategoricalStats struct {
	Distinct  int          `json:"distinct"`
	Nulls     int          `json:"nulls"`
	TopValues []ValueCount `json:"top_values"`
}

// RateStats are the rate-specific aggregates when a rate column exists.
type RateStats struct {
	Column  string  `json:"column"`
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
	P95     float64 `json:"p95"`
}

// Summary is the derived analysis of a combined dataset.
type Summary struct {
	RowCount      int                         `json:"row_count"`
	ColumnCount   int                         `json:"column_count"`
	Columns       []string                    `json:"columns"`
	Numeric       map[string]NumericStats     `json:"numeric"`
	Categorical   map[string]CategoricalStats `json:"categorical"`
	NullFractions map[string]float64          `json:"null_fractions"`
	Rate          *RateStats                  `json:"rate,omitempty"`
}

// Summarize computes the summary for a dataset. Synthetic
// underscore-prefixed columns are excluded.
func Summarize(ds *combine.CombinedDataset) *Summary {
	s := &Summary{
		RowCount:      int(ds.RowCount()),
		Numeric:       make(map[string]NumericStats),
		Categorical:   make(map[string]CategoricalStats),
		NullFractions: make(map[string]float64),
	}

	for _, col := range ds.Columns {
		if strings.HasPrefix(col, "_") {
			continue
		}
		s.Columns = append(s.Columns, col)
	}
	s.ColumnCount = len(s.Columns)

	for _, col := range s.Columns {
		values := ds.Column(col)

		nulls := 0
		for _, v := range values {
			if v == nil {
				nulls++
			}
		}
		if len(values) > 0 {
			s.NullFractions[col] = float64(nulls) / float64(len(values))
		}

		if nums, ok := numericValues(values); ok && len(nums) > 0 {
			s.Numeric[col] = numericStats(nums, nulls)
			continue
		}
		if cat, ok := categoricalStats(values, nulls); ok {
			s.Categorical[col] = cat
		}
	}

	for _, col := range rateColumns {
		if stats, ok := s.Numeric[col]; ok {
			nums, _ := numericValues(ds.Column(col))
			sort.Float64s(nums)
			s.Rate = &RateStats{
				Column:  col,
				Average: stats.Mean,
				Median:  stats.Median,
				P95:     percentile(nums, 0.95),
			}
			break
		}
	}

	return s
}

// numericValues coerces a column to float64, reporting whether every
// non-nil value was numeric.
func numericValues(values []interface{}) ([]float64, bool) {
	var nums []float64
	for _, v := range values {
		if v == nil {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		nums = append(nums, f)
	}
	return nums, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func numericStats(nums []float64, nulls int) NumericStats {
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, n := range sorted {
		sum += n
	}

	return NumericStats{
		Count:  len(sorted),
		Nulls:  nulls,
		Mean:   sum / float64(len(sorted)),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: percentile(sorted, 0.5),
		Q1:     percentile(sorted, 0.25),
		Q3:     percentile(sorted, 0.75),
	}
}

// percentile returns the linearly interpolated percentile of a sorted
// slice. p is in [0,1].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}

// categoricalStats summarizes string columns under the cardinality
// ceiling. Non-string columns and high-cardinality columns are skipped.
func categoricalStats(values []interface{}, nulls int) (CategoricalStats, bool) {
	counts := make(map[string]int)
	for _, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return CategoricalStats{}, false
		}
		counts[str]++
	}
	if len(counts) == 0 || len(counts) > maxCategoricalCardinality {
		return CategoricalStats{}, false
	}

	top := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		top = append(top, ValueCount{Value: v, Count: c})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Value < top[j].Value
	})
	if len(top) > topValueCount {
		top = top[:topValueCount]
	}

	return CategoricalStats{
		Distinct:  len(counts),
		Nulls:     nulls,
		TopValues: top,
	}, true
}
