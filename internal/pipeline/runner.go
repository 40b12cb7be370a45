// Package pipeline orchestrates ordered phases through the guarded
// executor and aggregates per-phase outcomes into a run summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/executor"
	"github.com/jordanhubbard/mend/internal/metrics"
	"github.com/jordanhubbard/mend/internal/telemetry"
	"github.com/jordanhubbard/mend/pkg/models"
)

// Phase is one named, ordered step of a pipeline run.
type Phase struct {
	Name   string
	Op     func() error
	Policy models.RetryPolicy
}

// Runner runs phases strictly sequentially on the caller's goroutine.
// Ordering between phases is positional; there is no parallel execution.
type Runner struct {
	executor *executor.Executor
	bus      *eventbus.EventBus
	metrics  *metrics.Metrics

	// HaltOnFailure stops the run at the first terminally-failed phase.
	// Default false: later phases still run so partial results survive,
	// and the overall run is marked failed.
	HaltOnFailure bool
}

// NewRunner creates a phase runner. m may be nil to disable metrics.
func NewRunner(exec *executor.Executor, bus *eventbus.EventBus, m *metrics.Metrics) *Runner {
	return &Runner{executor: exec, bus: bus, metrics: m}
}

// Run executes the phases in order and returns the aggregated summary.
// The summary is owned by the runner during the run and immutable after
// Run returns.
func (r *Runner) Run(ctx context.Context, phases []Phase) models.RunSummary {
	summary := models.RunSummary{
		RunID:     fmt.Sprintf("run-%s", uuid.New().String()[:8]),
		Status:    models.RunStatusSucceeded,
		StartedAt: time.Now().UTC(),
	}

	r.emit(eventbus.EventTypeRunStarted, map[string]interface{}{
		"run_id": summary.RunID,
		"phases": len(phases),
	})

	halted := false
	for _, phase := range phases {
		if halted {
			break
		}

		r.emit(eventbus.EventTypePhaseStarted, map[string]interface{}{
			"run_id": summary.RunID,
			"phase":  phase.Name,
		})

		phaseCtx := ctx
		var span trace.Span
		if telemetry.Tracer != nil {
			phaseCtx, span = telemetry.Tracer.Start(ctx, "pipeline.phase",
				trace.WithAttributes(
					attribute.String("phase", phase.Name),
					attribute.String("run_id", summary.RunID),
				))
		}

		phaseStart := time.Now()
		result := r.executor.RunGuarded(phaseCtx, phase.Name, phase.Op, phase.Policy)
		if span != nil {
			span.SetAttributes(
				attribute.Int("attempts", result.Attempts),
				attribute.Bool("succeeded", result.Succeeded),
			)
			span.End()
		}

		pr := models.PhaseResult{
			PhaseName:          phase.Name,
			AttemptsUsed:       result.Attempts,
			CorrectionsApplied: result.Corrections,
			StartedAt:          phaseStart.UTC(),
			CompletedAt:        time.Now().UTC(),
		}
		summary.TotalCorrectionsApplied += len(result.Corrections)

		if result.Succeeded {
			pr.Status = models.PhaseStatusSucceeded
			r.emit(eventbus.EventTypePhaseCompleted, map[string]interface{}{
				"run_id":   summary.RunID,
				"phase":    phase.Name,
				"attempts": result.Attempts,
			})
		} else {
			pr.Status = models.PhaseStatusFailed
			pr.Error = errString(result.LastError)
			summary.Status = models.RunStatusFailed
			r.emit(eventbus.EventTypePhaseFailed, map[string]interface{}{
				"run_id":   summary.RunID,
				"phase":    phase.Name,
				"attempts": result.Attempts,
				"error":    pr.Error,
			})
			if r.HaltOnFailure {
				halted = true
			}
			// Cancellation aborts the whole run regardless of the
			// halt policy; later phases cannot meaningfully run.
			var cancelled *executor.CancelledError
			if errors.As(result.LastError, &cancelled) {
				halted = true
			}
		}

		if r.metrics != nil {
			r.metrics.PhasesTotal.WithLabelValues(phase.Name, string(pr.Status)).Inc()
			r.metrics.PhaseDuration.WithLabelValues(phase.Name).Observe(time.Since(phaseStart).Seconds())
		}

		summary.Phases = append(summary.Phases, pr)
	}

	summary.CompletedAt = time.Now().UTC()

	if summary.Status == models.RunStatusSucceeded {
		r.emit(eventbus.EventTypeRunCompleted, map[string]interface{}{
			"run_id":      summary.RunID,
			"corrections": summary.TotalCorrectionsApplied,
		})
	} else {
		r.emit(eventbus.EventTypeRunFailed, map[string]interface{}{
			"run_id":      summary.RunID,
			"corrections": summary.TotalCorrectionsApplied,
		})
	}

	log.Printf("[Pipeline] Run %s finished: status=%s phases=%d corrections=%d",
		summary.RunID, summary.Status, len(summary.Phases), summary.TotalCorrectionsApplied)
	return summary
}

func (r *Runner) emit(eventType string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(eventType, "pipeline", payload)
	if r.metrics != nil {
		r.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
