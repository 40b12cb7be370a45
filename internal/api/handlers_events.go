package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/mend/internal/eventbus"
)

const maxTailLimit = 10000

// handleEvents dispatches history reads and admin publishes.
// GET /api/v1/events?limit=100&type=xxx
// POST /api/v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetEvents(w, r)
	case http.MethodPost:
		s.handlePublishEvent(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleGetEvents returns the most recent events from the durable log,
// oldest first.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, "limit", s.config.Events.TailDefault, maxTailLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.bus.ReadAll(limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read event log: %v", err))
		return
	}

	if eventType := r.URL.Query().Get("type"); eventType != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Type == eventType {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if events == nil {
		events = []*eventbus.Event{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handlePublishEvent publishes an external event onto the bus (for
// pipeline tooling and admin use).
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string                 `json:"eventType"`
		Source  string                 `json:"source"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid event format")
		return
	}
	if req.Type == "" {
		s.respondError(w, http.StatusBadRequest, "eventType is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	event := eventbus.NewEvent(req.Type, req.Source, req.Payload)
	if err := s.bus.Publish(event); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to publish event: %v", err))
		return
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Event published",
		"id":      event.ID,
	})
}

// handleGetEventStats returns aggregate statistics over the durable log.
// GET /api/v1/events/stats
func (s *Server) handleGetEventStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, s.bus.Stats())
}

// handleEventStream handles SSE endpoint for real-time event updates
// GET /api/v1/events/stream?type=xxx&source=xxx
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Get optional filters from query params
	eventType := r.URL.Query().Get("type")
	source := r.URL.Query().Get("source")

	subscriberID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	filter := func(event *eventbus.Event) bool {
		if eventType != "" && event.Type != eventType {
			return false
		}
		if source != "" && event.Source != source {
			return false
		}
		return true
	}

	subscriber := s.bus.Subscribe(subscriberID, filter)
	defer s.bus.Unsubscribe(subscriberID)

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\n")
	fmt.Fprintf(w, "data: {\"message\": \"Connected to event stream\"}\n\n")
	flusher.Flush()

	// Stream events to client
	ctx := r.Context()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return
		case event, ok := <-subscriber.Channel:
			if !ok {
				// Channel closed
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
