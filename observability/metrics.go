// Package observability provides an OTel metrics extension recording
// orchestrator lifecycle metrics. Register it as a hook extension to
// track submission, dedup, throttle, completion, failure, cancellation,
// and session-stop counts plus operation durations.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/quantops/hook"
	"github.com/xraph/quantops/job"
)

// meterName is the instrumentation scope name for quantops metrics.
const meterName = "github.com/xraph/quantops"

// Compile-time interface checks.
var (
	_ hook.Extension       = (*MetricsExtension)(nil)
	_ hook.JobSubmitted    = (*MetricsExtension)(nil)
	_ hook.JobDeduplicated = (*MetricsExtension)(nil)
	_ hook.JobThrottled    = (*MetricsExtension)(nil)
	_ hook.JobCompleted    = (*MetricsExtension)(nil)
	_ hook.JobFailed       = (*MetricsExtension)(nil)
	_ hook.JobCancelled    = (*MetricsExtension)(nil)
	_ hook.SessionStopped  = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle metrics via OTel instruments. With
// no MeterProvider configured the instruments are noops, so registering
// the extension is always safe.
type MetricsExtension struct {
	submitted    metric.Int64Counter
	deduplicated metric.Int64Counter
	throttled    metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	cancelled    metric.Int64Counter
	stopped      metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.submitted, _ = meter.Int64Counter("quantops.job.submitted",
		metric.WithDescription("Total jobs admitted and created"),
		metric.WithUnit("{job}"))
	m.deduplicated, _ = meter.Int64Counter("quantops.job.deduplicated",
		metric.WithDescription("Submissions answered by an existing fingerprint"),
		metric.WithUnit("{job}"))
	m.throttled, _ = meter.Int64Counter("quantops.job.throttled",
		metric.WithDescription("Submissions refused by the rate limiter"),
		metric.WithUnit("{job}"))
	m.completed, _ = meter.Int64Counter("quantops.job.completed",
		metric.WithDescription("Jobs completed successfully"),
		metric.WithUnit("{job}"))
	m.failed, _ = meter.Int64Counter("quantops.job.failed",
		metric.WithDescription("Jobs failed terminally"),
		metric.WithUnit("{job}"))
	m.cancelled, _ = meter.Int64Counter("quantops.job.cancelled",
		metric.WithDescription("Jobs cancelled"),
		metric.WithUnit("{job}"))
	m.stopped, _ = meter.Int64Counter("quantops.session.stopped",
		metric.WithDescription("Sessions stopped by the safety governor"),
		metric.WithUnit("{session}"))
	m.duration, _ = meter.Float64Histogram("quantops.job.duration",
		metric.WithDescription("Wall time from submission to terminal state in seconds"),
		metric.WithUnit("s"))

	return m
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func kindAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(j.Kind)))
}

// OnJobSubmitted implements hook.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.submitted.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobDeduplicated implements hook.JobDeduplicated.
func (m *MetricsExtension) OnJobDeduplicated(ctx context.Context, _ string, j *job.Job) error {
	m.deduplicated.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobThrottled implements hook.JobThrottled.
func (m *MetricsExtension) OnJobThrottled(ctx context.Context, kind job.Kind) error {
	m.throttled.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, kindAttr(j))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("kind", string(j.Kind)),
		attribute.String("status", "ok"),
	))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, kindAttr(j))
	m.duration.Record(ctx, sinceSubmission(j), metric.WithAttributes(
		attribute.String("kind", string(j.Kind)),
		attribute.String("status", "error"),
	))
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnSessionStopped implements hook.SessionStopped.
func (m *MetricsExtension) OnSessionStopped(ctx context.Context, j *job.Job, reason job.StopReason) error {
	m.stopped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(j.Kind)),
		attribute.String("reason", string(reason)),
	))
	return nil
}

func sinceSubmission(j *job.Job) float64 {
	if j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(j.SubmittedAt).Seconds()
}
