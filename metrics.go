package aio

import (
	"sync/atomic"
	"time"

	"github.com/taedlar/neolith-aio/internal/poller"
)

// WaitLatencyBuckets defines the wait-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var WaitLatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a runtime
type Metrics struct {
	// Wait statistics
	WaitCalls       atomic.Uint64 // Total Wait invocations
	EventsDelivered atomic.Uint64 // Total events returned across all waits
	EmptyWaits      atomic.Uint64 // Waits that returned zero events

	// Event counters by type
	ReadableEvents atomic.Uint64
	WritableEvents atomic.Uint64
	ErrorEvents    atomic.Uint64
	ClosedEvents   atomic.Uint64

	// Worker-side counters
	CompletionsPosted atomic.Uint64 // PostCompletion calls observed
	Wakeups           atomic.Uint64 // Wakeup calls observed
	AcceptedConns     atomic.Uint64 // Accepted connections: by the accept worker, or reported by consumers via RecordAccept

	// Queue depth sampling
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Wait latency histogram (cumulative counts)
	// Each bucket[i] counts waits with latency <= WaitLatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64
	TotalLatencyNs atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Runtime start timestamp (UnixNano)
	StopTime  atomic.Int64 // Runtime stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordWait records one Wait invocation
func (m *Metrics) RecordWait(events int, latencyNs uint64) {
	m.WaitCalls.Add(1)
	m.EventsDelivered.Add(uint64(events))
	if events == 0 {
		m.EmptyWaits.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	for i, bound := range WaitLatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordEvent records one delivered event by type bitmask
func (m *Metrics) RecordEvent(eventType uint32) {
	if eventType&poller.EventReadable != 0 {
		m.ReadableEvents.Add(1)
	}
	if eventType&poller.EventWritable != 0 {
		m.WritableEvents.Add(1)
	}
	if eventType&poller.EventError != 0 {
		m.ErrorEvents.Add(1)
	}
	if eventType&poller.EventClosed != 0 {
		m.ClosedEvents.Add(1)
	}
}

// RecordCompletion records one posted worker completion
func (m *Metrics) RecordCompletion() {
	m.CompletionsPosted.Add(1)
}

// RecordWakeup records one wake-up request
func (m *Metrics) RecordWakeup() {
	m.Wakeups.Add(1)
}

// RecordAccept records one accepted connection. The completion backend's
// accept worker records its own accepts; consumers that accept after a
// listener readable event record theirs through this method.
func (m *Metrics) RecordAccept() {
	m.AcceptedConns.Add(1)
}

// RecordQueueDepth records a queue depth sample
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// Stop marks the runtime as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of runtime metrics
type MetricsSnapshot struct {
	WaitCalls         uint64  `json:"wait_calls"`
	EventsDelivered   uint64  `json:"events_delivered"`
	EmptyWaits        uint64  `json:"empty_waits"`
	ReadableEvents    uint64  `json:"readable_events"`
	WritableEvents    uint64  `json:"writable_events"`
	ErrorEvents       uint64  `json:"error_events"`
	ClosedEvents      uint64  `json:"closed_events"`
	CompletionsPosted uint64  `json:"completions_posted"`
	Wakeups           uint64  `json:"wakeups"`
	AcceptedConns     uint64  `json:"accepted_conns"`
	AvgQueueDepth     float64 `json:"avg_queue_depth"`
	MaxQueueDepth     uint32  `json:"max_queue_depth"`
	AvgWaitLatencyNs  uint64  `json:"avg_wait_latency_ns"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Snapshot returns a point-in-time snapshot of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		WaitCalls:         m.WaitCalls.Load(),
		EventsDelivered:   m.EventsDelivered.Load(),
		EmptyWaits:        m.EmptyWaits.Load(),
		ReadableEvents:    m.ReadableEvents.Load(),
		WritableEvents:    m.WritableEvents.Load(),
		ErrorEvents:       m.ErrorEvents.Load(),
		ClosedEvents:      m.ClosedEvents.Load(),
		CompletionsPosted: m.CompletionsPosted.Load(),
		Wakeups:           m.Wakeups.Load(),
		AcceptedConns:     m.AcceptedConns.Load(),
		MaxQueueDepth:     m.MaxQueueDepth.Load(),
	}

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}
	if calls := snap.WaitCalls; calls > 0 {
		snap.AvgWaitLatencyNs = m.TotalLatencyNs.Load() / calls
	}

	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	snap.UptimeSeconds = float64(stop-m.StartTime.Load()) / float64(time.Second)

	return snap
}

// MetricsObserver is an Observer that records into a Metrics instance
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveWait(events int, latencyNs uint64) {
	o.metrics.RecordWait(events, latencyNs)
}

func (o *MetricsObserver) ObserveEvent(eventType uint32) {
	o.metrics.RecordEvent(eventType)
}

func (o *MetricsObserver) ObserveCompletion(key uintptr) {
	o.metrics.RecordCompletion()
}

func (o *MetricsObserver) ObserveWakeup() {
	o.metrics.RecordWakeup()
}

func (o *MetricsObserver) ObserveAccept() {
	o.metrics.RecordAccept()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// NoOpObserver discards all observations
type NoOpObserver struct{}

func (NoOpObserver) ObserveWait(events int, latencyNs uint64) {}
func (NoOpObserver) ObserveEvent(eventType uint32)            {}
func (NoOpObserver) ObserveCompletion(key uintptr)            {}
func (NoOpObserver) ObserveWakeup()                           {}
func (NoOpObserver) ObserveAccept()                           {}
func (NoOpObserver) ObserveQueueDepth(depth uint32)           {}
