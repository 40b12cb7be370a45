package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/executor"
	"github.com/jordanhubbard/mend/internal/skillstore"
	"github.com/jordanhubbard/mend/pkg/config"
	"github.com/jordanhubbard/mend/pkg/models"
)

type testServer struct {
	ts         *httptest.Server
	store      *skillstore.Store
	bus        *eventbus.EventBus
	candidates *executor.CandidateLog
	cfg        *config.Config
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := skillstore.Open("sqlite", filepath.Join(dir, "skills.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus, err := eventbus.New(filepath.Join(dir, "events.jsonl"), 100)
	if err != nil {
		t.Fatalf("Failed to open event bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	candidates := executor.NewCandidateLog(filepath.Join(dir, "candidates.jsonl"))

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	server := NewServer(store, bus, candidates, nil, nil, nil, cfg)
	ts := httptest.NewServer(server.SetupRoutes())
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, store: store, bus: bus, candidates: candidates, cfg: cfg}
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (s *testServer) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestSkillsAddAndList(t *testing.T) {
	s := newTestServer(t, nil)

	resp, created := s.post(t, "/api/v1/skills", models.SkillEntry{
		Kind:       models.ErrorKindDependencyMissing,
		Pattern:    "No module named",
		Resolution: "pip install {match}",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", resp.StatusCode, created)
	}
	if created["id"].(float64) == 0 {
		t.Error("Expected assigned id in response")
	}

	resp, body := s.get(t, "/api/v1/skills")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("Expected 1 skill, got %v", body["count"])
	}
}

func TestSkillsAddValidation(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.post(t, "/api/v1/skills", map[string]string{"pattern": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing resolution, got %d", resp.StatusCode)
	}
}

func TestSkillsAddIgnoresClientCounters(t *testing.T) {
	s := newTestServer(t, nil)

	resp, created := s.post(t, "/api/v1/skills", map[string]interface{}{
		"pattern":       "x",
		"resolution":    "true",
		"usage_count":   99,
		"success_count": 99,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	if created["usage_count"].(float64) != 0 || created["success_count"].(float64) != 0 {
		t.Errorf("Client-supplied counters must be reset: %v", created)
	}
}

func TestSkillGetByID(t *testing.T) {
	s := newTestServer(t, nil)
	id, err := s.store.Add(&models.SkillEntry{Pattern: "p", Resolution: "true"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	resp, body := s.get(t, fmt.Sprintf("/api/v1/skills/%d", id))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["pattern"] != "p" {
		t.Errorf("Unexpected skill: %v", body)
	}

	resp, _ = s.get(t, "/api/v1/skills/99999")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown skill, got %d", resp.StatusCode)
	}

	resp, _ = s.get(t, "/api/v1/skills/notanumber")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", resp.StatusCode)
	}
}

func TestSkillsTop(t *testing.T) {
	s := newTestServer(t, nil)

	a, _ := s.store.Add(&models.SkillEntry{Pattern: "a", Resolution: "true"})
	b, _ := s.store.Add(&models.SkillEntry{Pattern: "b", Resolution: "true"})
	s.store.RecordUsage(b, true)
	s.store.RecordUsage(b, true)
	s.store.RecordUsage(a, true)

	resp, body := s.get(t, "/api/v1/skills/top?n=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	skills := body["skills"].([]interface{})
	if len(skills) != 1 {
		t.Fatalf("Expected 1 skill, got %d", len(skills))
	}
	if skills[0].(map[string]interface{})["id"].(float64) != float64(b) {
		t.Errorf("Expected most-used skill %d first", b)
	}
}

func TestEventsPublishAndTail(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.post(t, "/api/v1/events", map[string]interface{}{
		"eventType": "pipeline.event",
		"source":    "ci",
		"payload":   map[string]interface{}{"job": "nightly"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %v", resp.StatusCode, body)
	}

	resp, body = s.get(t, "/api/v1/events?limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	events := body["events"].([]interface{})
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	event := events[0].(map[string]interface{})
	if event["eventType"] != "pipeline.event" || event["source"] != "ci" {
		t.Errorf("Unexpected event: %v", event)
	}
}

func TestEventsPublishValidation(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.post(t, "/api/v1/events", map[string]interface{}{"payload": map[string]interface{}{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing eventType, got %d", resp.StatusCode)
	}
}

func TestEventsStats(t *testing.T) {
	s := newTestServer(t, nil)
	s.bus.Emit(eventbus.EventTypePhaseStarted, "test", nil)

	resp, body := s.get(t, "/api/v1/events/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["total_events"].(float64) != 1 {
		t.Errorf("Expected 1 event, got %v", body["total_events"])
	}
}

func TestCandidatePromotion(t *testing.T) {
	s := newTestServer(t, nil)

	cand, err := s.candidates.Capture("Cannot find module 'express'", models.ErrorKindDependencyMissing, "build")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	resp, body := s.post(t, "/api/v1/candidates/"+cand.ID+"/promote", map[string]interface{}{
		"pattern":    "Cannot find module",
		"resolution": "npm install {match}",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", resp.StatusCode, body)
	}

	// The promoted skill now matches.
	entry, found, err := s.store.Find("Error: Cannot find module 'express'")
	if err != nil || !found {
		t.Fatalf("Promoted skill not matchable: found=%v err=%v", found, err)
	}
	if entry.Resolution != "npm install {match}" {
		t.Errorf("Unexpected resolution: %q", entry.Resolution)
	}
	if entry.Kind != models.ErrorKindDependencyMissing {
		t.Errorf("Candidate kind not carried over: %s", entry.Kind)
	}
}

func TestCandidatePromotionRequiresResolution(t *testing.T) {
	s := newTestServer(t, nil)
	cand, _ := s.candidates.Capture("some failure", models.ErrorKindCustom, "job")

	resp, _ := s.post(t, "/api/v1/candidates/"+cand.ID+"/promote", map[string]interface{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without resolution, got %d", resp.StatusCode)
	}

	resp, _ = s.post(t, "/api/v1/candidates/cand-missing/promote", map[string]interface{}{
		"resolution": "true",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown candidate, got %d", resp.StatusCode)
	}
}

func TestCandidatesList(t *testing.T) {
	s := newTestServer(t, nil)
	s.candidates.Capture("one", models.ErrorKindCustom, "a")
	s.candidates.Capture("two", models.ErrorKindCustom, "b")

	resp, body := s.get(t, "/api/v1/candidates")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("Expected 2 candidates, got %v", body["count"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.EnableAuth = true
		cfg.Security.APIKeys = []string{"secret-key"}
	})

	// Protected endpoint rejects missing and bad keys.
	resp, err := http.Get(s.ts.URL + "/api/v1/skills")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/api/v1/skills", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", resp.StatusCode)
	}

	req.Header.Set("X-API-Key", "secret-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with valid key, got %d", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(s.ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected health to bypass auth, got %d", resp.StatusCode)
	}
}

func TestCORSPreflightAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, s.ts.URL+"/api/v1/skills", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected wildcard origin, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}
