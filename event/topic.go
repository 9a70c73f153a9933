package event

import "time"

// Topics published by metricq.
const (
	// ReloadConfig carries the new configuration after a hot reload.
	ReloadConfig = "ReloadConfig"
	// MetricsFlushed carries a metricq.FlushedBatch after every flusher tick.
	MetricsFlushed = "MetricsFlushed"
)

// Subscriber receives a published payload.
type Subscriber func(param any)

// Topic subscription list for a single topic.
type Topic struct {
	timeout     time.Duration // Publish timeout, 0 waits forever.
	subscribers []Subscriber  // Subscription queue.
}
