// Package otel provides OpenTelemetry metric bindings for the core rotation
// counters and histograms.
//
// [NewExporter] registers Int64ObservableCounter instruments for each core
// metric and Int64ObservableGauge per histogram bucket. A single callback
// reads [rotor.Rotator.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider — callers supply the Meter.
//   - Mutate engine state.
package otel
