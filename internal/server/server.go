// Package server exposes a small diagnostic HTTP API for a running link:
// health, connectivity, an on-demand connection test, and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/internal/messaging"
	"github.com/HerbHall/stationlink/internal/version"
	"github.com/HerbHall/stationlink/pkg/models"
)

// maxPublishBody caps request bodies accepted by the publish route.
const maxPublishBody = 64 << 10

// Link is the part of *stationlink.Link the server reports on.
type Link interface {
	State() models.ConnectivityState
	Snapshot() messaging.ActiveConnection
	Discover(ctx context.Context) []models.ProbeResult
	Publish(topic string, payload any) error
}

// Server is the stationlink status server.
type Server struct {
	httpServer *http.Server
	link       Link
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance. A nil gatherer disables /metrics.
func New(addr string, link Link, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		link:     link,
		gatherer: gatherer,
		logger:   logger,
		mux:      mux,
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/connectivity", s.handleConnectivity)
	s.mux.HandleFunc("POST /api/v1/discover", s.handleDiscover)
	s.mux.HandleFunc("POST /api/v1/publish/{topic}", s.handlePublish)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting status server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Stationlink-Version", version.Short())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

// handleHealth reports liveness of the process and the current connectivity
// state. It answers 200 even while disconnected.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "stationlink",
		"version":      version.Map(),
		"connectivity": s.link.State(),
	})
}

type connectivityResponse struct {
	State      models.ConnectivityState   `json:"state"`
	Connection messaging.ActiveConnection `json:"connection"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, connectivityResponse{
		State:      s.link.State(),
		Connection: s.link.Snapshot(),
	})
}

type probeResponse struct {
	Endpoint  string   `json:"endpoint"`
	Reachable bool     `json:"reachable"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// handleDiscover runs a connection test against every candidate.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	results := s.link.Discover(r.Context())
	out := make([]probeResponse, 0, len(results))
	for _, res := range results {
		pr := probeResponse{
			Endpoint:  res.Endpoint.String(),
			Reachable: res.Reachable,
			Error:     res.Error,
		}
		if ms, ok := res.LatencyMs(); ok {
			pr.LatencyMs = &ms
		}
		out = append(out, pr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		BadRequest(w, "request body too large", r.URL.Path)
		return
	}
	// The body is forwarded verbatim so that numbers keep their precision.
	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			BadRequest(w, "body must be JSON", r.URL.Path)
			return
		}
		payload = json.RawMessage(body)
	}

	if err := s.link.Publish(topic, payload); err != nil {
		if errors.Is(err, messaging.ErrNotConnected) {
			NotConnected(w, "no active session", r.URL.Path)
			return
		}
		s.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
