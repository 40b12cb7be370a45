package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jordanhubbard/mend/pkg/models"
)

// handleSkills dispatches skill library requests.
// GET /api/v1/skills
// POST /api/v1/skills
func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSkills(w, r)
	case http.MethodPost:
		s.handleAddSkill(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleListSkills returns all skills in insertion order, which is also
// match precedence order.
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.store.List()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if skills == nil {
		skills = []models.SkillEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"skills": skills,
		"count":  len(skills),
	})
}

// handleAddSkill adds a new skill to the library.
func (s *Server) handleAddSkill(w http.ResponseWriter, r *http.Request) {
	var entry models.SkillEntry
	if err := s.parseJSON(r, &entry); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Usage counters are engine-owned; clients cannot pre-load them.
	entry.ID = 0
	entry.UsageCount = 0
	entry.SuccessCount = 0

	if _, err := s.store.Add(&entry); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, entry)
}

// handleSkill returns a single skill by id.
// GET /api/v1/skills/{id}
func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	idStr := s.extractID(r.URL.Path, "/api/v1/skills")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid skill id: %q", idStr))
		return
	}

	entry, err := s.store.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

// handleTopSkills returns the most-used skills.
// GET /api/v1/skills/top?n=10
func (s *Server) handleTopSkills(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	n, err := parseLimit(r, "n", 10, 1000)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	skills, err := s.store.Top(n)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if skills == nil {
		skills = []models.SkillEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"skills": skills,
		"count":  len(skills),
	})
}

// handleCandidates lists captured candidate failures awaiting triage.
// GET /api/v1/candidates
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.candidates == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Candidate log not available")
		return
	}

	candidates, err := s.candidates.List()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if candidates == nil {
		candidates = []models.CandidateFailure{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

// handleCandidate dispatches per-candidate requests.
// GET /api/v1/candidates/{id}
// POST /api/v1/candidates/{id}/promote
func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	if s.candidates == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Candidate log not available")
		return
	}

	id := s.extractID(r.URL.Path, "/api/v1/candidates")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Missing candidate id")
		return
	}

	if strings.HasSuffix(r.URL.Path, "/promote") {
		if r.Method != http.MethodPost {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handlePromoteCandidate(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	candidate, err := s.candidates.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, candidate)
}

// handlePromoteCandidate turns a captured failure into a permanent skill.
// The operator supplies the resolution; pattern defaults to the captured
// error text so the exact failure matches next time.
func (s *Server) handlePromoteCandidate(w http.ResponseWriter, r *http.Request, id string) {
	candidate, err := s.candidates.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	var req struct {
		Pattern    string `json:"pattern"`
		Regex      bool   `json:"regex"`
		Resolution string `json:"resolution"`
		Context    string `json:"context"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Resolution == "" {
		s.respondError(w, http.StatusBadRequest, "resolution is required")
		return
	}
	if req.Pattern == "" {
		req.Pattern = candidate.ErrorText
		req.Regex = false
	}
	if req.Context == "" {
		req.Context = candidate.OperationContext
	}

	entry := models.SkillEntry{
		Kind:       candidate.Kind,
		Pattern:    req.Pattern,
		Regex:      req.Regex,
		Resolution: req.Resolution,
		Context:    req.Context,
	}
	if _, err := s.store.Add(&entry); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":      "Candidate promoted",
		"candidate_id": candidate.ID,
		"skill":        entry,
	})
}
