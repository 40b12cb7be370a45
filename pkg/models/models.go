package models

import (
	"time"
)

// ErrorKind is a coarse classification of an observed failure.
type ErrorKind string

const (
	ErrorKindDependencyMissing ErrorKind = "dependency_missing"
	ErrorKindSyntaxError       ErrorKind = "syntax_error"
	ErrorKindPermissionDenied  ErrorKind = "permission_denied"
	ErrorKindNetworkTimeout    ErrorKind = "network_timeout"
	ErrorKindCustom            ErrorKind = "custom"
)

// SkillEntry is a persisted error-signature-to-resolution mapping with
// usage statistics. Entries are never deleted and never mutated except
// for the two counters, which only the executor updates.
type SkillEntry struct {
	ID           int64     `json:"id"`
	Kind         ErrorKind `json:"error_kind"`
	Pattern      string    `json:"pattern"`
	Regex        bool      `json:"regex"` // Pattern is a regular expression rather than a substring
	Resolution   string    `json:"resolution"`
	Context      string    `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UsageCount   int64     `json:"usage_count"`
	SuccessCount int64     `json:"success_count"`
}

// SuccessRate returns successCount/usageCount, or 0 when the entry has
// never been applied.
func (s *SkillEntry) SuccessRate() float64 {
	if s.UsageCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.UsageCount)
}

// CandidateFailure is an unresolved failure captured for later triage.
// Candidates are promoted into permanent skills by an operator, never
// automatically.
type CandidateFailure struct {
	ID               string    `json:"id"`
	ErrorText        string    `json:"error_text"`
	Kind             ErrorKind `json:"error_kind"`
	OperationContext string    `json:"operation_context"`
	Timestamp        time.Time `json:"timestamp"`
}

// RetryPolicy bounds the executor's retry loop.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultRetryPolicy returns the standard three-attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		RetryDelay:  time.Second,
	}
}

// PhaseStatus is the terminal status of a single pipeline phase.
type PhaseStatus string

const (
	PhaseStatusSucceeded PhaseStatus = "succeeded"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// PhaseResult records the outcome of one phase of a run.
type PhaseResult struct {
	PhaseName          string      `json:"phase_name"`
	Status             PhaseStatus `json:"status"`
	AttemptsUsed       int         `json:"attempts_used"`
	CorrectionsApplied []int64     `json:"corrections_applied"`
	Error              string      `json:"error,omitempty"`
	StartedAt          time.Time   `json:"started_at"`
	CompletedAt        time.Time   `json:"completed_at"`
}

// RunStatus is the aggregate status of a pipeline run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary aggregates the results of one PhaseRunner invocation. It is
// owned by the runner for the duration of the run and immutable afterward.
type RunSummary struct {
	RunID                   string        `json:"run_id"`
	Status                  RunStatus     `json:"status"`
	Phases                  []PhaseResult `json:"phases"`
	TotalCorrectionsApplied int           `json:"total_corrections_applied"`
	StartedAt               time.Time     `json:"started_at"`
	CompletedAt             time.Time     `json:"completed_at"`
}
