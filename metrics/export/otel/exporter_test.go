package otel

import (
	"context"
	"sync"
	"testing"

	goSession "github.com/MrEthical07/goSession"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot goSession.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() goSession.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := f.snapshot
	out.Counters = make(map[goSession.MetricID]uint64, len(f.snapshot.Counters))
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	out.Histograms = make(map[goSession.MetricID][]uint64, len(f.snapshot.Histograms))
	for k, buckets := range f.snapshot.Histograms {
		out.Histograms[k] = append([]uint64(nil), buckets...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// pointValue returns the value of the data point whose attributes include every
// key/value in want.
func pointValue(t *testing.T, m metricdata.Metrics, want ...attribute.KeyValue) int64 {
	t.Helper()
	var points []metricdata.DataPoint[int64]
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		points = data.DataPoints
	case metricdata.Gauge[int64]:
		points = data.DataPoints
	default:
		t.Fatalf("%s: unexpected data type %T", m.Name, m.Data)
	}
	for _, dp := range points {
		match := true
		for _, kv := range want {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v.AsString() != kv.Value.AsString() {
				match = false
				break
			}
		}
		if match {
			return dp.Value
		}
	}
	t.Fatalf("%s: no data point with attributes %v", m.Name, want)
	return 0
}

func TestExporterObservesOperationResults(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gosession-test")

	src := &fakeSource{
		snapshot: goSession.MetricsSnapshot{
			Counters: map[goSession.MetricID]uint64{
				goSession.MetricSave:          3,
				goSession.MetricSaveFailure:   1,
				goSession.MetricUnlockFailure: 2,
				goSession.MetricLoadNotFound:  4,
			},
			Histograms: map[goSession.MetricID][]uint64{
				goSession.MetricLoadLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
			Dispatch: goSession.DispatchStats{Queued: 5, Running: 1},
			Sessions: 6,
		},
		dropped: 1,
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	got := collect(t, reader)
	ops := got["gosession_operations_total"]
	if v := pointValue(t, ops, attribute.String("op", "save"), attribute.String("result", "ok")); v != 3 {
		t.Fatalf("expected 3 saves, got %d", v)
	}
	if v := pointValue(t, ops, attribute.String("op", "save"), attribute.String("result", "error")); v != 1 {
		t.Fatalf("expected 1 failed save, got %d", v)
	}
	if v := pointValue(t, ops, attribute.String("op", "unlock"), attribute.String("result", "error")); v != 2 {
		t.Fatalf("expected 2 failed unlocks, got %d", v)
	}
	if v := pointValue(t, got["gosession_load_outcomes_total"], attribute.String("outcome", "not_found")); v != 4 {
		t.Fatalf("expected 4 not-found loads, got %d", v)
	}
	if v := pointValue(t, got["gosession_pending_operations"], attribute.String("state", "queued")); v != 5 {
		t.Fatalf("expected 5 queued operations, got %d", v)
	}
	if v := pointValue(t, got["gosession_sessions_registered"]); v != 6 {
		t.Fatalf("expected 6 registered sessions, got %d", v)
	}
	if v := pointValue(t, got["gosession_load_latency_seconds_bucket_le_inf"]); v != 8 {
		t.Fatalf("expected cumulative +Inf bucket 8, got %d", v)
	}
	if v := pointValue(t, got["gosession_audit_dropped_total"]); v != 1 {
		t.Fatalf("expected 1 dropped audit event, got %d", v)
	}
}

func TestExporterRejectsNilSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gosession-test")

	if _, err := NewOTelExporterFromSource(meter, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := NewOTelExporterFromSource(nil, &fakeSource{}); err == nil {
		t.Fatal("expected error for nil meter")
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gosession-test")

	src := &fakeSource{
		snapshot: goSession.MetricsSnapshot{
			Counters: map[goSession.MetricID]uint64{
				goSession.MetricSave: 1,
			},
			Histograms: map[goSession.MetricID][]uint64{
				goSession.MetricLoadLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[goSession.MetricSave] = v
			src.snapshot.Dispatch.Queued = int(v)
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
