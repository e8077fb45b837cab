// Package prometheus renders core rotation metrics for Prometheus scraping.
//
// [NewExporter] accepts a [rotor.Rotator] and exposes an [net/http.Handler]
// that renders all counters and histograms in Prometheus text exposition
// format. Counter names are prefixed rotor_*_total; the single histogram is
// rotor_rotation_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the Handler.
//   - Mutate engine state.
package prometheus
