// Package otel binds goSession metrics to OpenTelemetry observable instruments.
//
// Each metric family becomes one instrument whose series are told apart by
// attributes, so save, touch and unlock results share gosession_operations_total
// with op and result attributes. Pool depth and registry size are observable
// gauges. A single callback reads [goSession.Manager.MetricsSnapshot] on each
// collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
package otel
