// Package internaldefs maps a goSession metrics snapshot onto labeled metric
// families shared by the Prometheus and OTel exporters, so both expose identical
// series.
//
// # What this package must NOT do
//
//   - Perform I/O.
//   - Import an exporter package.
package internaldefs
