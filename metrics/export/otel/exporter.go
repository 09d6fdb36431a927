package otel

import (
	"context"
	"errors"
	"fmt"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() goSession.MetricsSnapshot
	AuditDropped() uint64
}

// observedFamily is one instrument with the attribute set of each of its series,
// indexed like internaldefs.Family.Series.
type observedFamily struct {
	instrument metric.Int64Observable
	attrs      []metric.ObserveOption
}

type observedHistogram struct {
	id      goSession.MetricID
	buckets []metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter owns the callback registration; Close unregisters it.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	families     []observedFamily
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
}

// NewOTelExporter registers instruments on meter that observe m.
func NewOTelExporter(meter metric.Meter, m *goSession.Manager) (*OTelExporter, error) {
	if m == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, m)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	layout := internaldefs.Families(goSession.MetricsSnapshot{})
	exporter := &OTelExporter{
		source:     source,
		families:   make([]observedFamily, 0, len(layout)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}
	var observables []metric.Observable

	for _, f := range layout {
		ins, err := newInstrument(meter, f)
		if err != nil {
			return nil, err
		}
		of := observedFamily{instrument: ins, attrs: make([]metric.ObserveOption, len(f.Series))}
		for i, s := range f.Series {
			of.attrs[i] = metric.WithAttributes(attributes(s.Labels)...)
		}
		exporter.families = append(exporter.families, of)
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID, buckets: make([]metric.Int64ObservableGauge, len(internaldefs.HistogramBounds))}
		for i, le := range internaldefs.HistogramBounds {
			name := def.Name + "_bucket_le_" + boundSuffix(le)
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countName := def.Name + "_count"
		countIns, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		internaldefs.AuditDroppedName,
		metric.WithDescription("Audit events dropped because the relay buffer was full."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	if !internaldefs.Empty(snapshot) {
		for i, f := range internaldefs.Families(snapshot) {
			of := e.families[i]
			for j, s := range f.Series {
				observer.ObserveInt64(of.instrument, int64(s.Value), of.attrs[j])
			}
		}
		for _, h := range e.histograms {
			cumulative := internaldefs.CumulativeBuckets(snapshot.Histograms[h.id])
			for i, v := range cumulative {
				observer.ObserveInt64(h.buckets[i], int64(v))
			}
			observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
		}
	}
	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func newInstrument(meter metric.Meter, f internaldefs.Family) (metric.Int64Observable, error) {
	if f.Kind == internaldefs.KindGauge {
		ins, err := meter.Int64ObservableGauge(f.Name, metric.WithDescription(f.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable gauge %s: %w", f.Name, err)
		}
		return ins, nil
	}
	ins, err := meter.Int64ObservableCounter(f.Name, metric.WithDescription(f.Help))
	if err != nil {
		return nil, fmt.Errorf("create observable counter %s: %w", f.Name, err)
	}
	return ins, nil
}

func attributes(labels []internaldefs.Label) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		kvs[i] = attribute.String(l.Name, l.Value)
	}
	return kvs
}

// boundSuffix spells a bucket bound for an instrument name: "0.005" becomes
// "0_005" and "+Inf" becomes "inf".
func boundSuffix(le string) string {
	if le == "+Inf" {
		return "inf"
	}
	out := []byte(le)
	for i, c := range out {
		if c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
