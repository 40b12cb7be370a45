package executor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/mend/pkg/models"
)

// CandidateLog is the append-only overflow log of failures no skill
// matched. Candidates wait here for an operator to promote them into
// permanent skills; nothing promotes them automatically.
type CandidateLog struct {
	mu   sync.Mutex
	path string
}

// NewCandidateLog creates a candidate log at path. The file is created
// lazily on the first capture.
func NewCandidateLog(path string) *CandidateLog {
	return &CandidateLog{path: path}
}

// Capture records an unmatched failure and returns the stored candidate.
func (c *CandidateLog) Capture(errorText string, kind models.ErrorKind, operationContext string) (models.CandidateFailure, error) {
	candidate := models.CandidateFailure{
		ID:               fmt.Sprintf("cand-%s", uuid.New().String()[:8]),
		ErrorText:        errorText,
		Kind:             kind,
		OperationContext: operationContext,
		Timestamp:        time.Now().UTC(),
	}

	data, err := json.Marshal(candidate)
	if err != nil {
		return candidate, err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return candidate, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return candidate, err
	}
	return candidate, f.Sync()
}

// List returns all captured candidates in capture order.
func (c *CandidateLog) List() ([]models.CandidateFailure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var candidates []models.CandidateFailure
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var cand models.CandidateFailure
		if err := json.Unmarshal(line, &cand); err != nil {
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, scanner.Err()
}

// Get returns a candidate by id.
func (c *CandidateLog) Get(id string) (models.CandidateFailure, error) {
	candidates, err := c.List()
	if err != nil {
		return models.CandidateFailure{}, err
	}
	for _, cand := range candidates {
		if cand.ID == id {
			return cand, nil
		}
	}
	return models.CandidateFailure{}, fmt.Errorf("candidate %s not found", id)
}
