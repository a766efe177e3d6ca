package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "authz.policy"

// Result classifies how a policy invocation settled.
type Result string

const (
	// ResultAllow means the policy resolved.
	ResultAllow Result = "allow"
	// ResultDeny means the policy rejected with a denial.
	ResultDeny Result = "deny"
	// ResultError means the policy rejected for any other reason.
	ResultError Result = "error"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	executionCounter  metric.Int64Counter
	deniedCounter     metric.Int64Counter
	durationHistogram metric.Float64Histogram
)

// PolicyMetrics captures the fields needed to record one policy invocation.
type PolicyMetrics struct {
	Name     string
	Result   Result
	Duration time.Duration
}

// RecordPolicyMetrics emits counters and histograms describing a settled
// policy invocation.
func RecordPolicyMetrics(ctx context.Context, m PolicyMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("policy.name", m.Name),
		attribute.String("policy.result", string(m.Result)),
	)

	executionCounter.Add(ctx, 1, attrs)

	if m.Duration > 0 {
		durationHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}

	if m.Result == ResultDeny {
		deniedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("policy.name", m.Name)))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		executionCounter, metricsInitErr = meter.Int64Counter(
			"authz.policy.executions_total",
			metric.WithDescription("Policy invocations partitioned by result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		deniedCounter, metricsInitErr = meter.Int64Counter(
			"authz.policy.denied_total",
			metric.WithDescription("Policy invocations that denied the request"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		durationHistogram, metricsInitErr = meter.Float64Histogram(
			"authz.policy.duration_ms",
			metric.WithDescription("Time from invocation until the policy outcome settled"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
