// Package api exposes the engine over HTTP: skill library management,
// event history and streaming, candidate triage, and health.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/mend/internal/cache"
	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/executor"
	"github.com/jordanhubbard/mend/internal/gateway"
	"github.com/jordanhubbard/mend/internal/metrics"
	"github.com/jordanhubbard/mend/internal/skillstore"
	"github.com/jordanhubbard/mend/pkg/config"
)

// Server is the HTTP API server.
type Server struct {
	store      *skillstore.Store
	bus        *eventbus.EventBus
	candidates *executor.CandidateLog
	matchCache *cache.Cache
	gateway    *gateway.Gateway
	metrics    *metrics.Metrics
	config     *config.Config
	startedAt  time.Time
}

// NewServer creates a new API server. matchCache, gw, and m may be nil.
func NewServer(store *skillstore.Store, bus *eventbus.EventBus, candidates *executor.CandidateLog,
	matchCache *cache.Cache, gw *gateway.Gateway, m *metrics.Metrics, cfg *config.Config) *Server {
	return &Server{
		store:      store,
		bus:        bus,
		candidates: candidates,
		matchCache: matchCache,
		gateway:    gw,
		metrics:    m,
		config:     cfg,
		startedAt:  time.Now(),
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	// Skill library
	mux.HandleFunc("/api/v1/skills", s.handleSkills)
	mux.HandleFunc("/api/v1/skills/top", s.handleTopSkills)
	mux.HandleFunc("/api/v1/skills/", s.handleSkill)

	// Candidate failures
	mux.HandleFunc("/api/v1/candidates", s.handleCandidates)
	mux.HandleFunc("/api/v1/candidates/", s.handleCandidate)

	// Events (history, stats, real-time streams)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/v1/events/stats", s.handleGetEventStats)
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	// WebSocket observers
	if s.gateway != nil {
		mux.Handle("/api/v1/ws", s.gateway)
	}

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Apply middleware
	handler := s.metricsMiddleware(mux)
	handler = s.corsMiddleware(handler)
	handler = s.authMiddleware(handler)

	if s.config.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "mend-api")
	}

	return handler
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	skills, err := s.store.Count()
	status := "ok"
	if err != nil {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":         status,
		"skills":         skills,
		"subscribers":    s.bus.SubscriberCount(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.matchCache != nil {
		resp["match_cache"] = s.matchCache.Stats()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// Middleware

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Streaming endpoints hold the connection open; their duration is
		// connection lifetime, not latency, so they are not timed.
		if r.URL.Path == "/api/v1/events/stream" || r.URL.Path == "/api/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.Security.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.config.Security.AllowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware handles authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health, metrics, and the streaming endpoints
		// observers connect to.
		if r.URL.Path == "/api/v1/health" ||
			r.URL.Path == "/metrics" ||
			r.URL.Path == "/api/v1/events/stream" ||
			r.URL.Path == "/api/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}

		// Skip auth if disabled
		if !s.config.Security.EnableAuth {
			next.ServeHTTP(w, r)
			return
		}

		// If auth is enabled but no keys are configured, treat auth as disabled.
		if len(s.config.Security.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			http.Error(w, "Missing API key", http.StatusUnauthorized)
			return
		}

		valid := false
		for _, key := range s.config.Security.APIKeys {
			if key == apiKey {
				valid = true
				break
			}
		}

		if !valid {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// extractID extracts ID from URL path
func (s *Server) extractID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	id = strings.TrimPrefix(id, "/")
	id = strings.TrimSuffix(id, "/")

	// Handle sub-paths (e.g., /api/v1/candidates/cand-1234/promote)
	parts := strings.Split(id, "/")
	if len(parts) > 0 {
		return parts[0]
	}

	return id
}

// parseLimit reads an integer query parameter with a default and cap.
func parseLimit(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}
