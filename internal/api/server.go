// Package api exposes the tracking core over HTTP: a JSON REST surface for
// control and queries, a WebSocket endpoint for live updates, and the
// Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skyfleet/tracker/internal/catalog"
	"github.com/skyfleet/tracker/internal/config"
	"github.com/skyfleet/tracker/internal/tracking"
	"github.com/skyfleet/tracker/internal/websocket"
	"github.com/skyfleet/tracker/pkg/logger"
)

// Server hosts the HTTP surface over the tracking core.
type Server struct {
	httpServer  *http.Server
	router      chi.Router
	coordinator *tracking.Coordinator
	catalog     catalog.Catalog
	hub         *websocket.Hub
	limiter     *tracking.PollingRateLimiter
	logger      *logger.Logger

	statusMu   sync.RWMutex
	lastStatus string
	statusAt   time.Time
}

// NewServer creates the HTTP server and mounts all routes. The hub must be
// started (Run) by the caller.
func NewServer(
	cfg config.ServerConfig,
	coordinator *tracking.Coordinator,
	cat catalog.Catalog,
	hub *websocket.Hub,
	limiter *tracking.PollingRateLimiter,
	loggerObj *logger.Logger,
) *Server {
	s := &Server{
		coordinator: coordinator,
		catalog:     cat,
		hub:         hub,
		limiter:     limiter,
		logger:      loggerObj.Named("api"),
	}

	// Status messages are pushed to WebSocket clients and retained for the
	// status endpoint. This subscription lives as long as the server.
	coordinator.SubscribeToStatus(func(msg string) {
		s.statusMu.Lock()
		s.lastStatus = msg
		s.statusAt = time.Now()
		s.statusMu.Unlock()
		hub.BroadcastStatus(msg)
	})
	coordinator.Subscribe(func(aircraft []tracking.MergedAircraft) {
		hub.BroadcastSnapshot(aircraft)
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/aircraft", s.handleAircraft)
		r.Get("/stats", s.handleStats)
		r.Get("/status", s.handleStatus)
		r.Get("/manufacturers", s.handleManufacturers)
		r.Post("/track/{manufacturer}", s.handleTrack)
		r.Delete("/track", s.handleUntrack)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/refresh/positions", s.handleRefreshPositions)
		r.Post("/refresh/aircraft", s.handleRefreshAircraft)
	})
	r.Get("/ws", hub.HandleConnection)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", s.handleHealth)

	s.router = r
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}
	return s
}

// Handler returns the mounted router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", logger.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft, err := s.coordinator.ExtendedAircraft(r.URL.Query().Get("model"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(aircraft),
		"aircraft": aircraft,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coordinator.ModelStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	lastStatus := s.lastStatus
	statusAt := s.statusAt
	s.statusMu.RUnlock()

	resp := map[string]interface{}{
		"manufacturer":       s.coordinator.CurrentManufacturer(),
		"loading":            s.coordinator.IsLoading(),
		"requests_remaining": s.limiter.Remaining(),
		"daily_remaining":    s.limiter.RemainingDaily(),
		"poll_interval_ms":   s.limiter.CurrentPollingInterval().Milliseconds(),
		"websocket_clients":  s.hub.ClientCount(),
	}
	if lastStatus != "" {
		resp["last_status"] = lastStatus
		resp["last_status_at"] = statusAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManufacturers(w http.ResponseWriter, r *http.Request) {
	names, err := s.catalog.Manufacturers()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"manufacturers": names})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	manufacturer := chi.URLParam(r, "manufacturer")
	if manufacturer == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("manufacturer is required"))
		return
	}

	if err := s.coordinator.TrackManufacturer(r.Context(), manufacturer); err != nil {
		if _, ok := tracking.IsRateLimit(err); ok {
			s.writeError(w, http.StatusTooManyRequests, err)
			return
		}
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"tracking": manufacturer,
	})
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	manufacturer := s.coordinator.CurrentManufacturer()
	if manufacturer == "" {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no manufacturer is being tracked"))
		return
	}
	s.coordinator.StopTracking(manufacturer)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": manufacturer})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RefreshNow(r.Context()); err != nil {
		s.writeRefreshError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"refreshed": true})
}

func (s *Server) handleRefreshPositions(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RefreshPositionsOnly(r.Context()); err != nil {
		s.writeRefreshError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"refreshed": true})
}

func (s *Server) handleRefreshAircraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ICAOs []string `json:"icao24"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(body.ICAOs) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("icao24 list is required"))
		return
	}

	if err := s.coordinator.RefreshSpecificAircraft(r.Context(), body.ICAOs); err != nil {
		s.writeRefreshError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": true,
		"count":     len(body.ICAOs),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) writeRefreshError(w http.ResponseWriter, err error) {
	if _, ok := tracking.IsRateLimit(err); ok {
		s.writeError(w, http.StatusTooManyRequests, err)
		return
	}
	if tracking.IsAuthentication(err) {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeError(w, http.StatusBadGateway, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("Request failed",
		logger.Int("status", status),
		logger.Error(err))
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// requestLogger logs each request at debug with its duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Handled request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)))
	})
}
