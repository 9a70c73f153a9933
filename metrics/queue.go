package metrics

import (
	"fmt"
	"sync"
)

// NoLimit drains every buffered metric.
const NoLimit = 0

// Queue is a FIFO buffer of pending metrics.
// Add and Drain are mutually exclusive: a drain removes a definite prefix, and a
// concurrent Add lands either in that prefix or behind it, never split.
type Queue struct {
	lock    sync.Mutex
	pending []Metric
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add appends metrics to the tail in arrival order.
// The whole call is rejected if any metric is invalid.
func (q *Queue) Add(metrics ...Metric) error {
	for i := range metrics {
		if err := metrics[i].Validate(); err != nil {
			return fmt.Errorf("metric %d: %w", i, err)
		}
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	q.pending = append(q.pending, metrics...)
	return nil
}

// Count returns the number of buffered metrics.
func (q *Queue) Count() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

// Drain removes up to limit metrics from the head and groups them by identity.
// A limit <= 0 drains everything. Groups are returned in first-seen order.
func (q *Queue) Drain(limit int) []*AggregatedMetric {
	return group(q.take(limit))
}

// DrainAll drains every buffered metric.
func (q *Queue) DrainAll() []*AggregatedMetric {
	return q.Drain(NoLimit)
}

// DrainAndCoalesce drains up to limit metrics and runs the coalesce pass on the groups.
func (q *Queue) DrainAndCoalesce(limit int) []ValueSet {
	return Coalesce(q.Drain(limit))
}

// take detaches the head of the queue. The remainder is copied into a fresh slice so
// the drained prefix can be collected once grouping is done.
func (q *Queue) take(limit int) []Metric {
	q.lock.Lock()
	defer q.lock.Unlock()

	n := len(q.pending)
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit >= n {
		head := q.pending
		q.pending = nil
		return head
	}

	head := q.pending[:limit:limit]
	rest := make([]Metric, n-limit)
	copy(rest, q.pending[limit:])
	q.pending = rest
	return head
}

func group(ms []Metric) []*AggregatedMetric {
	idx := newOrderedIndex[*AggregatedMetric](len(ms))
	for _, m := range ms {
		id := newIdentity(m.Name, m.Dimensions)
		if agg, ok := idx.get(id); ok {
			agg.Push(m)
			continue
		}
		idx.put(id, NewAggregatedMetric(m))
	}
	return idx.ordered()
}
