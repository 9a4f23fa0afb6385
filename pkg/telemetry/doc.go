// Package telemetry provides structured logging, metrics, and distributed
// tracing for the broker. It wraps zerolog, Prometheus, and OpenTelemetry
// behind a small Telemetry aggregate so components take one dependency.
package telemetry
