// Package prometheus renders goSession metrics in Prometheus text exposition format.
//
// Persistence results are exposed as gosession_operations_total{op,result}, load
// outcomes as gosession_load_outcomes_total{outcome}, and the worker pool backlog
// as the gosession_pending_operations{state} gauge. The load latency histogram is
// gosession_load_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate manager state.
package prometheus
