package dlaq

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the task residency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing. Residency is
// measured from submit to reclaim of the oldest task in a completion scan.
var LatencyBuckets = []uint64{
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

// Metrics tracks operational statistics for one engine instance
type Metrics struct {
	// Task lifecycle counters
	Submits     atomic.Uint64 // Tasks accepted by Submit
	Completions atomic.Uint64 // Tasks reclaimed by completion scans
	Aborts      atomic.Uint64 // Queue aborts that drained tasks

	// Error counters
	SubmitErrors   atomic.Uint64 // Submit calls that returned an error
	DispatchErrors atomic.Uint64 // Post-queue dispatch/registration failures

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative depth samples
	QueueDepthCount atomic.Uint64 // Number of depth samples
	MaxQueueDepth   atomic.Uint32 // Maximum observed depth

	// Residency tracking
	TotalResidencyNs atomic.Uint64
	ResidencySamples atomic.Uint64

	// Residency histogram (cumulative counts per bucket)
	ResidencyBuckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one accepted or rejected submission
func (m *Metrics) RecordSubmit(success bool) {
	if success {
		m.Submits.Add(1)
	} else {
		m.SubmitErrors.Add(1)
	}
}

// RecordDispatchError records a failure after the task was queued
func (m *Metrics) RecordDispatchError() {
	m.DispatchErrors.Add(1)
}

// RecordCompletions records n tasks reclaimed in one scan, with the
// residency of the oldest
func (m *Metrics) RecordCompletions(n int, oldest time.Duration) {
	m.Completions.Add(uint64(n))
	m.recordResidency(uint64(oldest.Nanoseconds()))
}

// RecordAbort records one queue abort
func (m *Metrics) RecordAbort() {
	m.Aborts.Add(1)
}

// RecordQueueDepth records current queue depth for statistics
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

func (m *Metrics) recordResidency(ns uint64) {
	m.TotalResidencyNs.Add(ns)
	m.ResidencySamples.Add(1)

	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			m.ResidencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of the metrics
type MetricsSnapshot struct {
	Submits     uint64
	Completions uint64
	Aborts      uint64

	SubmitErrors   uint64
	DispatchErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgResidencyNs uint64
	UptimeNs       uint64

	ResidencyP50Ns uint64
	ResidencyP99Ns uint64

	ResidencyHistogram [numLatencyBuckets]uint64

	InFlight   uint64 // Submits - Completions
	SubmitRate float64
	ErrorRate  float64 // Percentage of failed submissions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submits:        m.Submits.Load(),
		Completions:    m.Completions.Load(),
		Aborts:         m.Aborts.Load(),
		SubmitErrors:   m.SubmitErrors.Load(),
		DispatchErrors: m.DispatchErrors.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
	}

	if snap.Submits >= snap.Completions {
		snap.InFlight = snap.Submits - snap.Completions
	}

	depthTotal := m.QueueDepthTotal.Load()
	depthCount := m.QueueDepthCount.Load()
	if depthCount > 0 {
		snap.AvgQueueDepth = float64(depthTotal) / float64(depthCount)
	}

	totalNs := m.TotalResidencyNs.Load()
	samples := m.ResidencySamples.Load()
	if samples > 0 {
		snap.AvgResidencyNs = totalNs / samples
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.UptimeNs > 0 {
		snap.SubmitRate = float64(snap.Submits) / (float64(snap.UptimeNs) / 1e9)
	}

	attempts := snap.Submits + snap.SubmitErrors
	if attempts > 0 {
		snap.ErrorRate = float64(snap.SubmitErrors) / float64(attempts) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.ResidencyHistogram[i] = m.ResidencyBuckets[i].Load()
	}

	if samples > 0 {
		snap.ResidencyP50Ns = m.calculatePercentile(0.50)
		snap.ResidencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

// calculatePercentile estimates the residency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	samples := m.ResidencySamples.Load()
	if samples == 0 {
		return 0
	}

	targetCount := uint64(float64(samples) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.ResidencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.ResidencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Submits.Store(0)
	m.Completions.Store(0)
	m.Aborts.Store(0)
	m.SubmitErrors.Store(0)
	m.DispatchErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalResidencyNs.Store(0)
	m.ResidencySamples.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.ResidencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of task lifecycle events
type Observer interface {
	// ObserveSubmit is called for each submission attempt
	ObserveSubmit(queueID uint16, taskID uint32, success bool)

	// ObserveCompletions is called per completion scan that reclaimed tasks
	ObserveCompletions(queueID uint16, n int, oldest time.Duration)

	// ObserveAbort is called when a queue abort drains tasks
	ObserveAbort(queueID uint16)

	// ObserveQueueDepth is called with the depth after each submission
	ObserveQueueDepth(queueID uint16, depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint16, uint32, bool)              {}
func (NoOpObserver) ObserveCompletions(uint16, int, time.Duration)   {}
func (NoOpObserver) ObserveAbort(uint16)                             {}
func (NoOpObserver) ObserveQueueDepth(uint16, uint32)                {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(_ uint16, _ uint32, success bool) {
	o.metrics.RecordSubmit(success)
}

func (o *MetricsObserver) ObserveCompletions(_ uint16, n int, oldest time.Duration) {
	o.metrics.RecordCompletions(n, oldest)
}

func (o *MetricsObserver) ObserveAbort(uint16) {
	o.metrics.RecordAbort()
}

func (o *MetricsObserver) ObserveQueueDepth(_ uint16, depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
