package internaldefs

import (
	goSession "github.com/MrEthical07/goSession"
)

// Kind tells exporters whether a family is monotonic.
type Kind uint8

const (
	KindCounter Kind = iota
	KindGauge
)

// Label is one name/value pair of a series.
type Label struct {
	Name  string
	Value string
}

// Series is one labeled value of a family.
type Series struct {
	Labels []Label
	Value  uint64
}

// Family is a named metric with a fixed set of series. The series layout never
// depends on the snapshot values, so exporters may register instruments from the
// families of an empty snapshot.
type Family struct {
	Name   string
	Help   string
	Kind   Kind
	Series []Series
}

// HistogramDef names one goSession histogram for exporters.
type HistogramDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

type labeled struct {
	value string
	id    goSession.MetricID
}

// loadOutcomes splits repository loads by how they ended.
var loadOutcomes = []labeled{
	{"locked", goSession.MetricLoadLocked},
	{"claimed", goSession.MetricClaim},
	{"conflict", goSession.MetricLockConflict},
	{"not_found", goSession.MetricLoadNotFound},
	{"error", goSession.MetricLoadError},
}

// operation pairs the success and failure counters of one persistence operation.
type operation struct {
	name       string
	ok, failed goSession.MetricID
}

var operations = []operation{
	{"save", goSession.MetricSave, goSession.MetricSaveFailure},
	{"touch", goSession.MetricTouch, goSession.MetricTouchFailure},
	{"unlock", goSession.MetricUnlock, goSession.MetricUnlockFailure},
}

const (
	LoadsName            = "gosession_loads_total"
	LoadOutcomesName     = "gosession_load_outcomes_total"
	OperationsName       = "gosession_operations_total"
	PendingWaitsName     = "gosession_pending_waits_total"
	SessionEventsName    = "gosession_session_events_total"
	DispatchOverflowName = "gosession_dispatch_overflow_total"
	DispatchDoneName     = "gosession_dispatch_completed_total"
	PendingOpsName       = "gosession_pending_operations"
	RegisteredName       = "gosession_sessions_registered"
	AuditDroppedName     = "gosession_audit_dropped_total"
)

// Families flattens a snapshot into the exported session families in render order.
func Families(s goSession.MetricsSnapshot) []Family {
	c := s.Counters

	outcomes := make([]Series, 0, len(loadOutcomes))
	for _, o := range loadOutcomes {
		outcomes = append(outcomes, Series{Labels: []Label{{"outcome", o.value}}, Value: c[o.id]})
	}

	ops := make([]Series, 0, 2*len(operations))
	for _, op := range operations {
		ops = append(ops,
			Series{Labels: []Label{{"op", op.name}, {"result", "ok"}}, Value: c[op.ok]},
			Series{Labels: []Label{{"op", op.name}, {"result", "error"}}, Value: c[op.failed]},
		)
	}

	running := s.Dispatch.Running
	if running < 0 {
		running = 0
	}

	return []Family{
		{Name: LoadsName, Help: "Repository loads, locked or not.", Kind: KindCounter,
			Series: []Series{{Value: c[goSession.MetricLoad]}}},
		{Name: LoadOutcomesName, Help: "Repository loads by outcome.", Kind: KindCounter,
			Series: outcomes},
		{Name: OperationsName, Help: "Asynchronous persistence operations by result.", Kind: KindCounter,
			Series: ops},
		{Name: PendingWaitsName, Help: "Lock attempts that waited for an in-flight operation.", Kind: KindCounter,
			Series: []Series{
				{Labels: []Label{{"result", "completed"}}, Value: c[goSession.MetricPendingWait]},
				{Labels: []Label{{"result", "timeout"}}, Value: c[goSession.MetricPendingWaitTimeout]},
			}},
		{Name: SessionEventsName, Help: "Session lifecycle events.", Kind: KindCounter,
			Series: []Series{
				{Labels: []Label{{"event", "created"}}, Value: c[goSession.MetricSessionCreated]},
				{Labels: []Label{{"event", "expired"}}, Value: c[goSession.MetricSessionExpired]},
			}},
		{Name: DispatchOverflowName, Help: "Operations run outside the worker pool because its queue was full.", Kind: KindCounter,
			Series: []Series{{Value: c[goSession.MetricDispatchOverflow]}}},
		{Name: DispatchDoneName, Help: "Operations finished by the worker pool.", Kind: KindCounter,
			Series: []Series{{Value: s.Dispatch.Completed}}},
		{Name: PendingOpsName, Help: "Persistence operations not yet finished by the worker pool.", Kind: KindGauge,
			Series: []Series{
				{Labels: []Label{{"state", "queued"}}, Value: uint64(s.Dispatch.Queued)},
				{Labels: []Label{{"state", "running"}}, Value: uint64(running)},
			}},
		{Name: RegisteredName, Help: "Sessions known to this node.", Kind: KindGauge,
			Series: []Series{{Value: uint64(s.Sessions)}}},
	}
}

// Empty reports whether a snapshot carries nothing worth exporting, which is the
// case when metrics are disabled.
func Empty(s goSession.MetricsSnapshot) bool {
	return len(s.Counters) == 0 && len(s.Histograms) == 0
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goSession.MetricLoadLatency, Name: "gosession_load_latency_seconds", Help: "Repository load latency histogram."},
}

// HistogramBounds are the bucket upper bounds in seconds, matching the load
// latency buckets of [goSession.Metrics].
var HistogramBounds = []string{"0.001", "0.002", "0.005", "0.01", "0.025", "0.05", "0.1", "+Inf"}

// CumulativeBuckets converts raw per-bucket counts into cumulative counts, treating
// missing buckets as empty.
func CumulativeBuckets(raw []uint64) []uint64 {
	out := make([]uint64, len(HistogramBounds))
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
