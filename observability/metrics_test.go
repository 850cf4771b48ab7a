package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/quantops/id"
	"github.com/xraph/quantops/job"
	"github.com/xraph/quantops/observability"
)

func testJob() *job.Job {
	finished := time.Now().UTC()
	return &job.Job{
		ID:          id.NewJobID(),
		Kind:        job.KindBacktest,
		SubmittedAt: finished.Add(-time.Minute),
		FinishedAt:  &finished,
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	e := observability.NewMetricsExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("Name() = %q, want observability-metrics", e.Name())
	}
}

// Without a configured MeterProvider the instruments are noops; every
// hook must still run cleanly.
func TestMetricsExtension_HooksNeverFail(t *testing.T) {
	e := observability.NewMetricsExtension()
	ctx := context.Background()
	j := testJob()

	if err := e.OnJobSubmitted(ctx, j); err != nil {
		t.Errorf("OnJobSubmitted() = %v", err)
	}
	if err := e.OnJobDeduplicated(ctx, "fp", j); err != nil {
		t.Errorf("OnJobDeduplicated() = %v", err)
	}
	if err := e.OnJobThrottled(ctx, job.KindBacktest); err != nil {
		t.Errorf("OnJobThrottled() = %v", err)
	}
	if err := e.OnJobCompleted(ctx, j, time.Minute); err != nil {
		t.Errorf("OnJobCompleted() = %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Errorf("OnJobFailed() = %v", err)
	}
	if err := e.OnJobCancelled(ctx, j); err != nil {
		t.Errorf("OnJobCancelled() = %v", err)
	}
	if err := e.OnSessionStopped(ctx, j, job.StopAutoDrawdown); err != nil {
		t.Errorf("OnSessionStopped() = %v", err)
	}
}

func TestMetricsExtension_FailedJobWithoutFinishTime(t *testing.T) {
	e := observability.NewMetricsExtension()
	j := testJob()
	j.FinishedAt = nil

	if err := e.OnJobFailed(context.Background(), j, errors.New("boom")); err != nil {
		t.Errorf("OnJobFailed() = %v", err)
	}
}
