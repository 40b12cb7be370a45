// Package executor runs guarded operations through a retry/correction
// loop backed by the skill library.
//
// State machine: Idle → Attempting → {Succeeded, Correcting, Failed};
// Correcting → Attempting on a successful correction, Correcting → Failed
// when the correction fails or the attempt budget is exhausted.
package executor

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/matcher"
	"github.com/jordanhubbard/mend/internal/metrics"
	"github.com/jordanhubbard/mend/internal/resolver"
	"github.com/jordanhubbard/mend/internal/skillstore"
	"github.com/jordanhubbard/mend/internal/telemetry"
	"github.com/jordanhubbard/mend/pkg/models"
)

// Result is the outcome of one guarded run.
type Result struct {
	Succeeded   bool
	Attempts    int
	Corrections []int64 // Skill ids applied, in order
	LastError   error
}

// Executor wraps fallible operations with skill-library-driven
// self-correction. The guarded operation runs on the caller's goroutine;
// the executor adds no internal pool.
type Executor struct {
	store      *skillstore.Store
	matcher    *matcher.Matcher
	resolver   *resolver.Resolver
	bus        *eventbus.EventBus
	candidates *CandidateLog
	metrics    *metrics.Metrics
	source     string
}

// New creates an executor. The skill store is an explicit dependency:
// sharing one store across executors (or processes) is the caller's
// choice, never ambient state. m may be nil to disable metrics.
func New(store *skillstore.Store, match *matcher.Matcher, res *resolver.Resolver,
	bus *eventbus.EventBus, candidates *CandidateLog, m *metrics.Metrics) *Executor {
	return &Executor{
		store:      store,
		matcher:    match,
		resolver:   res,
		bus:        bus,
		candidates: candidates,
		metrics:    m,
		source:     "executor",
	}
}

// RunGuarded runs op under the retry/correction loop. operation names the
// guarded call for events and candidate context. The error's string
// representation is the sole matching signal; structured error data is
// not consumed.
//
// Correction failures do not consume retry budget: a broken resolution
// should not eat attempts that a blind retry might still use. An
// operation failing again after a successful correction does consume
// budget, and records the correction as a failed usage.
func (e *Executor) RunGuarded(ctx context.Context, operation string, op func() error, policy models.RetryPolicy) Result {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = models.DefaultRetryPolicy().MaxAttempts
	}

	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "executor.run_guarded",
			trace.WithAttributes(attribute.String("operation", operation)))
		defer span.End()
	}

	result := Result{}
	var pendingCorrection int64 // Skill applied in the previous iteration, 0 if none
	// Skills whose corrective action already failed this run are not
	// re-applied; retries for them fall back to the blind path so the
	// attempt budget stays bounded.
	failedCorrections := make(map[int64]bool)

	attempt := 0
	for attempt < policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			result.Attempts = attempt
			result.LastError = &CancelledError{Err: err}
			return result
		}

		e.emit(eventbus.EventTypeAttemptStarted, map[string]interface{}{
			"operation": operation,
			"attempt":   attempt + 1,
		})

		start := time.Now()
		err := op()
		if e.metrics != nil {
			e.metrics.AttemptDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}

		if err == nil {
			e.emit(eventbus.EventTypeAttemptSucceeded, map[string]interface{}{
				"operation": operation,
				"attempt":   attempt + 1,
			})
			if pendingCorrection != 0 {
				e.recordUsage(pendingCorrection, true)
			}
			if e.metrics != nil {
				e.metrics.AttemptsTotal.WithLabelValues(operation, "succeeded").Inc()
				e.metrics.RunsTotal.WithLabelValues(operation, "succeeded").Inc()
			}
			result.Succeeded = true
			result.Attempts = attempt + 1
			return result
		}

		result.LastError = err
		errText := err.Error()
		e.emit(eventbus.EventTypeAttemptFailed, map[string]interface{}{
			"operation": operation,
			"attempt":   attempt + 1,
			"error":     errText,
		})
		if e.metrics != nil {
			e.metrics.AttemptsTotal.WithLabelValues(operation, "failed").Inc()
		}

		// The operation failed again after a correction was applied:
		// that correction did not fix the problem.
		if pendingCorrection != 0 {
			e.recordUsage(pendingCorrection, false)
			pendingCorrection = 0
		}

		entry, matched, kind, merr := e.matcher.Match(ctx, errText)
		if merr != nil {
			// Store lookup failed; fatal to the match, not the run.
			// Fall back to a blind retry.
			log.Printf("[Executor] Skill lookup failed: %v", merr)
			matched = false
		}
		if matched && failedCorrections[entry.ID] {
			matched = false
		}

		if matched {
			e.emit(eventbus.EventTypeCorrectionApplying, map[string]interface{}{
				"operation": operation,
				"skill_id":  entry.ID,
				"pattern":   entry.Pattern,
			})

			if err := ctx.Err(); err != nil {
				result.Attempts = attempt
				result.LastError = &CancelledError{Err: err}
				return result
			}

			applied, aerr := e.resolver.Apply(ctx, entry, errText)
			if !applied {
				e.recordUsage(entry.ID, false)
				failedCorrections[entry.ID] = true
				e.emit(eventbus.EventTypeCorrectionFailed, map[string]interface{}{
					"operation": operation,
					"skill_id":  entry.ID,
					"error":     aerr.Error(),
				})
				if e.metrics != nil {
					e.metrics.CorrectionsTotal.WithLabelValues("failed").Inc()
				}
				// Correction failures do not consume the retry budget.
				if !e.wait(ctx, policy.RetryDelay, &result, attempt) {
					return result
				}
				continue
			}

			result.Corrections = append(result.Corrections, entry.ID)
			pendingCorrection = entry.ID
			if e.metrics != nil {
				e.metrics.CorrectionsTotal.WithLabelValues("applied").Inc()
			}
			attempt++
			if !e.wait(ctx, policy.RetryDelay, &result, attempt) {
				return result
			}
			continue
		}

		// No skill matched: capture for triage and retry blind in case
		// the failure was transient.
		e.capture(errText, kind, operation)
		attempt++
		if !e.wait(ctx, policy.RetryDelay, &result, attempt) {
			return result
		}
	}

	// A correction applied on the final iteration never got its retry;
	// the usage is still counted, as unproven.
	if pendingCorrection != 0 {
		e.recordUsage(pendingCorrection, false)
	}

	e.emit(eventbus.EventTypeRunFailedTerminal, map[string]interface{}{
		"operation": operation,
		"attempts":  attempt,
		"error":     errString(result.LastError),
	})
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(operation, "failed").Inc()
	}

	result.Attempts = attempt
	result.LastError = &RetryExhaustedError{Attempts: attempt, LastErr: result.LastError}
	return result
}

// wait blocks for the inter-attempt delay, honoring cancellation. Returns
// false when the context was cancelled, with result updated in place.
func (e *Executor) wait(ctx context.Context, delay time.Duration, result *Result, attempts int) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		result.Attempts = attempts
		result.LastError = &CancelledError{Err: ctx.Err()}
		return false
	case <-timer.C:
		return true
	}
}

func (e *Executor) recordUsage(skillID int64, succeeded bool) {
	if err := e.store.RecordUsage(skillID, succeeded); err != nil {
		// Persistence failure decays into a missed statistic, not a
		// failed run.
		log.Printf("[Executor] Failed to record usage for skill %d: %v", skillID, err)
	}
}

func (e *Executor) capture(errText string, kind models.ErrorKind, operation string) {
	if e.candidates == nil {
		return
	}
	candidate, err := e.candidates.Capture(errText, kind, operation)
	if err != nil {
		log.Printf("[Executor] Failed to capture candidate failure: %v", err)
		return
	}
	e.emit(eventbus.EventTypeCandidateCaptured, map[string]interface{}{
		"candidate_id": candidate.ID,
		"error_kind":   string(kind),
		"operation":    operation,
	})
	if e.metrics != nil {
		e.metrics.CandidatesCaptured.Inc()
	}
}

func (e *Executor) emit(eventType string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventType, e.source, payload)
	if e.metrics != nil {
		e.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
