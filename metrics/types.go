// Package metrics buffers metric samples produced by application code and reduces them
// into aggregated datapoints before they are handed to a monitoring backend.
//
// Samples sharing a name and a dimension set are merged into one AggregatedMetric,
// a coalesce pass adds a dimension-less rollup per metric name, and a Flusher drains
// the queue on a fixed interval and passes both views to a caller supplied callback.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidMetric is returned when a metric is rejected by the queue.
var ErrInvalidMetric = errors.New("invalid metric")

// Value represents a metric value as a float64.
type Value float64

// Unit names the unit a metric value is expressed in.
// An empty Unit means no unit was provided.
type Unit string

// Units understood by most monitoring backends.
const (
	UnitNone         Unit = "None"
	UnitCount        Unit = "Count"
	UnitPercent      Unit = "Percent"
	UnitSeconds      Unit = "Seconds"
	UnitMilliseconds Unit = "Milliseconds"
	UnitMicroseconds Unit = "Microseconds"
	UnitBytes        Unit = "Bytes"
	UnitKilobytes    Unit = "Kilobytes"
	UnitMegabytes    Unit = "Megabytes"
	UnitCountPerSec  Unit = "Count/Second"
	UnitBytesPerSec  Unit = "Bytes/Second"
)

const (
	// KB represents a kilobyte (1024 bytes).
	KB = 1024.0
	// MB represents a megabyte (1024 * 1024 bytes).
	MB = 1024.0 * 1024.0
)

// Dimension is a name/value pair further qualifying a metric, such as a host or an endpoint.
type Dimension struct {
	Name  string
	Value string
}

// Dimensions is an ordered list of dimensions.
// Two lists holding the same pairs in a different order describe the same identity.
type Dimensions []Dimension

// DimensionsFromMap builds a dimension list from a map, sorted by name.
func DimensionsFromMap(m map[string]string) Dimensions {
	if len(m) == 0 {
		return nil
	}
	dims := make(Dimensions, 0, len(m))
	for k, v := range m {
		dims = append(dims, Dimension{Name: k, Value: v})
	}
	sort.Sort(dims)
	return dims
}

func (d Dimensions) Len() int      { return len(d) }
func (d Dimensions) Swap(i, j int) { d[i], d[j] = d[j], d[i] }
func (d Dimensions) Less(i, j int) bool {
	if d[i].Name != d[j].Name {
		return d[i].Name < d[j].Name
	}
	return d[i].Value < d[j].Value
}

// Clone returns a copy of the list. A nil or empty list yields nil.
func (d Dimensions) Clone() Dimensions {
	if len(d) == 0 {
		return nil
	}
	cp := make(Dimensions, len(d))
	copy(cp, d)
	return cp
}

// Canonical returns a sorted copy of the list, leaving the receiver untouched.
func (d Dimensions) Canonical() Dimensions {
	cp := d.Clone()
	if len(cp) > 1 {
		sort.Sort(cp)
	}
	return cp
}

// Map returns the dimensions as a name to value map.
func (d Dimensions) Map() map[string]string {
	m := make(map[string]string, len(d))
	for _, dim := range d {
		m[dim.Name] = dim.Value
	}
	return m
}

// Metric is one observed sample. It is treated as immutable once added to a Queue.
type Metric struct {
	Name       string
	Value      Value
	Timestamp  time.Time // zero when not provided
	Unit       Unit      // empty when not provided
	Dimensions Dimensions
}

// Validate reports whether the metric can be buffered.
func (m *Metric) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidMetric)
	}
	return nil
}
