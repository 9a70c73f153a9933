package metrics

import (
	"math"
	"sort"
	"time"
)

// AggregatedMetric accumulates every sample merged under one identity.
// Unit and Timestamp are captured from the first sample.
type AggregatedMetric struct {
	Name        string
	Dimensions  Dimensions
	Unit        Unit
	Timestamp   time.Time
	Sum         Value
	Values      []Value
	SampleCount int
}

// NewAggregatedMetric creates an accumulator seeded with one sample.
func NewAggregatedMetric(seed Metric) *AggregatedMetric {
	return &AggregatedMetric{
		Name:        seed.Name,
		Dimensions:  seed.Dimensions.Clone(),
		Unit:        seed.Unit,
		Timestamp:   seed.Timestamp,
		Sum:         seed.Value,
		Values:      []Value{seed.Value},
		SampleCount: 1,
	}
}

// Push merges a sample into the accumulator.
// Sum is refolded over Values in merge order instead of being incremented, so it
// always matches a re-summation of the full list.
func (a *AggregatedMetric) Push(m Metric) {
	a.Values = append(a.Values, m.Value)
	a.Sum = foldSum(a.Values)
	a.SampleCount++
}

func foldSum(values []Value) Value {
	var sum Value
	for _, v := range values {
		sum += v
	}
	return sum
}

// SingleValue is the compact view of an AggregatedMetric: one summed datapoint.
type SingleValue struct {
	Name       string
	Dimensions Dimensions
	Unit       Unit
	Timestamp  time.Time
	Value      Value
}

// ValueSet is the expanded view of an AggregatedMetric: every raw sample value.
// Counts is either nil or parallel to Values, holding how often each value occurred.
type ValueSet struct {
	Name       string
	Dimensions Dimensions
	Unit       Unit
	Timestamp  time.Time
	Values     []Value
	Counts     []float64
}

// AsSingleValue returns the summed view. The result does not share memory with a.
func (a *AggregatedMetric) AsSingleValue() SingleValue {
	return SingleValue{
		Name:       a.Name,
		Dimensions: a.Dimensions.Clone(),
		Unit:       a.Unit,
		Timestamp:  a.Timestamp,
		Value:      a.Sum,
	}
}

// AsValueSet returns the statistical-set view. The result does not share memory with a.
func (a *AggregatedMetric) AsValueSet() ValueSet {
	values := make([]Value, len(a.Values))
	copy(values, a.Values)
	return ValueSet{
		Name:       a.Name,
		Dimensions: a.Dimensions.Clone(),
		Unit:       a.Unit,
		Timestamp:  a.Timestamp,
		Values:     values,
	}
}

// Sum returns the weighted sum of the set.
func (s *ValueSet) Sum() Value {
	if s.Counts == nil {
		return foldSum(s.Values)
	}
	var sum Value
	for i, v := range s.Values {
		sum += v * Value(s.Counts[i])
	}
	return sum
}

// SampleCount returns how many raw samples the set represents.
func (s *ValueSet) SampleCount() int {
	if s.Counts == nil {
		return len(s.Values)
	}
	var n float64
	for _, c := range s.Counts {
		n += c
	}
	return int(n)
}

// Compact returns a copy of the set with repeated values folded into Counts.
// Distinct values are emitted in ascending order. NaN samples fold into a single
// trailing NaN entry.
func (s *ValueSet) Compact() ValueSet {
	seen := make(map[Value]float64, len(s.Values))
	var nan float64
	for i, v := range s.Values {
		c := 1.0
		if s.Counts != nil {
			c = s.Counts[i]
		}
		if math.IsNaN(float64(v)) {
			nan += c
			continue
		}
		seen[v] += c
	}
	values := make([]Value, 0, len(seen)+1)
	for v := range seen {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	counts := make([]float64, len(values), len(values)+1)
	for i, v := range values {
		counts[i] = seen[v]
	}
	if nan > 0 {
		values = append(values, Value(math.NaN()))
		counts = append(counts, nan)
	}
	return ValueSet{
		Name:       s.Name,
		Dimensions: s.Dimensions.Clone(),
		Unit:       s.Unit,
		Timestamp:  s.Timestamp,
		Values:     values,
		Counts:     counts,
	}
}
