package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-authz/pkg/policy"
)

const tracerName = "authz.policy"

// Middleware returns a policy.Middleware that traces every invocation and
// records its metrics once the outcome settles. The policy's own Outcome is
// returned unchanged.
func Middleware() policy.Middleware {
	return func(name string, next policy.Func) policy.Func {
		return func(ctx context.Context, req *policy.Request) *policy.Outcome {
			ctx, span := otel.Tracer(tracerName).Start(ctx, "policy.evaluate",
				trace.WithAttributes(attribute.String("policy.name", name)),
			)
			start := time.Now()

			outcome := next(ctx, req)
			if outcome == nil {
				span.End()
				return nil
			}

			go func() {
				err := outcome.Err()
				result := Classify(err)
				RecordPolicyMetrics(context.WithoutCancel(ctx), PolicyMetrics{
					Name:     name,
					Result:   result,
					Duration: time.Since(start),
				})
				RecordPolicyDecision(span, result, err)
				span.End()
			}()

			return outcome
		}
	}
}

// Classify maps a settled outcome's error onto a Result.
func Classify(err error) Result {
	if err == nil {
		return ResultAllow
	}
	if _, ok := policy.IsDenied(err); ok {
		return ResultDeny
	}
	return ResultError
}

// RecordPolicyDecision annotates the provided span with the policy result.
func RecordPolicyDecision(span trace.Span, result Result, err error) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.result", string(result)))

	switch result {
	case ResultDeny:
		if denied, ok := policy.IsDenied(err); ok && denied.Reason != "" {
			span.SetAttributes(attribute.String("policy.denied.reason", denied.Reason))
		}
		span.AddEvent("policy.denied")
		span.SetStatus(codes.Error, "denied")
	case ResultError:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
