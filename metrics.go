package goSession

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter of [Metrics].
type MetricID uint16

const (
	// MetricLoad counts every repository load, locked or not.
	MetricLoad MetricID = iota
	// MetricLoadLocked counts loads that acquired a lock.
	MetricLoadLocked
	// MetricLockConflict counts lock attempts rejected because another node holds the lock.
	MetricLockConflict
	// MetricLoadNotFound counts loads answered with authoritative absence.
	MetricLoadNotFound
	// MetricLoadError counts loads that failed on transport or decoding.
	MetricLoadError
	// MetricClaim counts new sessions claimed on their first lock.
	MetricClaim
	MetricSave
	MetricSaveFailure
	MetricTouch
	MetricTouchFailure
	MetricUnlock
	MetricUnlockFailure
	// MetricPendingWait counts callers that had to wait for an in-flight operation.
	MetricPendingWait
	// MetricPendingWaitTimeout counts waits that gave up and forced a reload.
	MetricPendingWaitTimeout
	MetricSessionCreated
	MetricSessionExpired
	// MetricDispatchOverflow counts operations run outside the worker pool because its
	// queue was full.
	MetricDispatchOverflow
	// MetricLoadLatency is the load latency histogram.
	MetricLoadLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a set of lock-free counters. A nil or disabled Metrics ignores updates.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram. Dispatch
// and Sessions are filled in by [Manager.MetricsSnapshot].
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
	Dispatch   DispatchStats
	Sessions   int
}

// DispatchStats describes the persistence worker pool.
type DispatchStats struct {
	// Queued operations wait for a worker; Running ones are executing now.
	Queued    int
	Running   int64
	Completed uint64
}

// Pending is the number of persistence operations not yet finished by the pool.
func (d DispatchStats) Pending() int64 {
	return int64(d.Queued) + d.Running
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only latency metrics keep histograms.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricLoadLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricLoadLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricLoadLatency].buckets[i])
		}
		s.Histograms[MetricLoadLatency] = buckets
	}

	return s
}

// bucketIndex maps a latency onto the upper bounds 1, 2, 5, 10, 25, 50, 100 ms and
// an overflow bucket.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 1:
		return 0
	case ms <= 2:
		return 1
	case ms <= 5:
		return 2
	case ms <= 10:
		return 3
	case ms <= 25:
		return 4
	case ms <= 50:
		return 5
	case ms <= 100:
		return 6
	default:
		return 7
	}
}
