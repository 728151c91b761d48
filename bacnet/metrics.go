package bacnet

import (
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing metric.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()           { c.value.Add(1) }
func (c *Counter) Add(n int64)    { c.value.Add(n) }
func (c *Counter) Value() int64   { return c.value.Load() }

// Gauge is a metric that can go up and down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(n int64)    { g.value.Store(n) }
func (g *Gauge) Inc()           { g.value.Add(1) }
func (g *Gauge) Dec()           { g.value.Add(-1) }
func (g *Gauge) Value() int64   { return g.value.Load() }

// latencyBuckets are the histogram upper bounds in milliseconds.
var latencyBuckets = [...]int64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

// LatencyHistogram tracks request latency distribution.
type LatencyHistogram struct {
	buckets  [len(latencyBuckets) + 1]atomic.Int64
	count    atomic.Int64
	totalMs  atomic.Int64
}

// Observe records one latency sample.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := d.Milliseconds()
	h.count.Add(1)
	h.totalMs.Add(ms)
	for i, bound := range latencyBuckets {
		if ms <= bound {
			h.buckets[i].Add(1)
			return
		}
	}
	h.buckets[len(latencyBuckets)].Add(1)
}

// Count returns the number of samples observed.
func (h *LatencyHistogram) Count() int64 { return h.count.Load() }

// MeanMs returns the mean latency in milliseconds, or 0 with no samples.
func (h *LatencyHistogram) MeanMs() float64 {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return float64(h.totalMs.Load()) / float64(n)
}

// Metrics aggregates the client's operational counters. All fields are
// safe for concurrent use.
type Metrics struct {
	RequestsSent       Counter
	ResponsesReceived  Counter
	RequestTimeouts    Counter
	RequestErrors      Counter
	FramesReceived     Counter
	FramesDiscarded    Counter
	BroadcastsSent     Counter
	NotificationsRecv  Counter
	DevicesDiscovered  Counter

	SegmentsSent          Counter
	SegmentsReceived      Counter
	SegmentsRetransmitted Counter
	ReassembledResponses  Counter

	BBMDRequests         Counter
	RegistrationRenewals Counter
	RegistrationFailures Counter

	PendingRequests Gauge
	RequestLatency  LatencyHistogram
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	RequestsSent          int64
	ResponsesReceived     int64
	RequestTimeouts       int64
	RequestErrors         int64
	FramesReceived        int64
	FramesDiscarded       int64
	BroadcastsSent        int64
	NotificationsRecv     int64
	DevicesDiscovered     int64
	SegmentsSent          int64
	SegmentsReceived      int64
	SegmentsRetransmitted int64
	ReassembledResponses  int64
	BBMDRequests          int64
	RegistrationRenewals  int64
	RegistrationFailures  int64
	PendingRequests       int64
	MeanLatencyMs         float64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		RequestsSent:          m.RequestsSent.Value(),
		ResponsesReceived:     m.ResponsesReceived.Value(),
		RequestTimeouts:       m.RequestTimeouts.Value(),
		RequestErrors:         m.RequestErrors.Value(),
		FramesReceived:        m.FramesReceived.Value(),
		FramesDiscarded:       m.FramesDiscarded.Value(),
		BroadcastsSent:        m.BroadcastsSent.Value(),
		NotificationsRecv:     m.NotificationsRecv.Value(),
		DevicesDiscovered:     m.DevicesDiscovered.Value(),
		SegmentsSent:          m.SegmentsSent.Value(),
		SegmentsReceived:      m.SegmentsReceived.Value(),
		SegmentsRetransmitted: m.SegmentsRetransmitted.Value(),
		ReassembledResponses:  m.ReassembledResponses.Value(),
		BBMDRequests:          m.BBMDRequests.Value(),
		RegistrationRenewals:  m.RegistrationRenewals.Value(),
		RegistrationFailures:  m.RegistrationFailures.Value(),
		PendingRequests:       m.PendingRequests.Value(),
		MeanLatencyMs:         m.RequestLatency.MeanMs(),
	}
}
