package executor

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/jordanhubbard/mend/pkg/models"
)

func newTestCandidateLog(t *testing.T) *CandidateLog {
	t.Helper()
	return NewCandidateLog(filepath.Join(t.TempDir(), "candidates.jsonl"))
}

func TestCandidateCaptureAndList(t *testing.T) {
	c := newTestCandidateLog(t)

	first, err := c.Capture("weird failure one", models.ErrorKindCustom, "build")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	second, err := c.Capture("weird failure two", models.ErrorKindNetworkTimeout, "deploy")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if !strings.HasPrefix(first.ID, "cand-") {
		t.Errorf("Unexpected candidate id format: %s", first.ID)
	}
	if first.ID == second.ID {
		t.Error("Expected unique candidate ids")
	}

	candidates, err := c.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].ErrorText != "weird failure one" || candidates[1].ErrorText != "weird failure two" {
		t.Error("Capture order not preserved")
	}
	if candidates[1].Kind != models.ErrorKindNetworkTimeout {
		t.Errorf("Kind not preserved: %s", candidates[1].Kind)
	}
	if candidates[1].OperationContext != "deploy" {
		t.Errorf("Operation context not preserved: %s", candidates[1].OperationContext)
	}
}

func TestCandidateGet(t *testing.T) {
	c := newTestCandidateLog(t)

	cand, err := c.Capture("some failure", models.ErrorKindCustom, "test")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	got, err := c.Get(cand.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ErrorText != "some failure" {
		t.Errorf("Unexpected candidate: %+v", got)
	}

	if _, err := c.Get("cand-missing"); err == nil {
		t.Error("Expected error for unknown candidate id")
	}
}

func TestCandidateListEmptyBeforeFirstCapture(t *testing.T) {
	c := newTestCandidateLog(t)

	candidates, err := c.List()
	if err != nil {
		t.Fatalf("List on missing file failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("Expected empty list, got %d", len(candidates))
	}
}
