// Package telemetry wires OpenTelemetry tracing and metrics into policy
// execution.
//
// SetupProvider installs the process-wide OTLP trace exporter. Middleware
// plugs into policy.Executor and opens a span per policy invocation, closing
// it and recording counters and latency once the invocation's outcome settles,
// so operators can correlate denials with the callers that triggered them.
package telemetry
