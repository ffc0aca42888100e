// Package server exposes the dashboard as a JSON and WebSocket feed.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/rewired-gh/polyboard/internal/logger"
	"github.com/rewired-gh/polyboard/internal/metrics"
	"github.com/rewired-gh/polyboard/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AlertHistory reads the persisted alert log.
type AlertHistory interface {
	RecentAlerts(ctx context.Context, k int) ([]models.AlertItem, error)
}

// Server serves the most recently published dashboard.
type Server struct {
	mtx     sync.RWMutex
	latest  *models.Dashboard
	encoded []byte

	hub      *Hub
	history  AlertHistory
	router   chi.Router
	upgrader websocket.Upgrader
}

// New builds the router. history may be nil when no alert log is kept.
func New(history AlertHistory) *Server {
	s := &Server{
		hub:     NewHub(),
		history: history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", s.handleWS)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/rankings/{horizon}", s.handleRanking)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/history", s.handleAlertHistory)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run drives the WebSocket hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Publish makes d the current dashboard and pushes it to WebSocket clients.
func (s *Server) Publish(d *models.Dashboard) {
	data, err := json.Marshal(d)
	if err != nil {
		logger.Error("Failed to encode dashboard: %v", err)
		return
	}

	s.mtx.Lock()
	s.latest = d
	s.encoded = data
	s.mtx.Unlock()

	s.hub.Broadcast(data)
}

func (s *Server) current() (*models.Dashboard, []byte) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.latest, s.encoded
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "ws_clients": s.hub.ClientCount()}
	if d, _ := s.current(); d != nil {
		resp["pool_size"] = d.PoolSize
		resp["updated_at"] = d.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	_, data := s.current()
	if data == nil {
		writeError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	d, _ := s.current()
	if d == nil {
		writeError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	ranking, ok := d.Ranking(chi.URLParam(r, "horizon"))
	if !ok {
		writeError(w, "unknown horizon", http.StatusNotFound)
		return
	}
	if limit, err := parseLimit(r, len(ranking.Rows), len(ranking.Rows)); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	} else if limit < len(ranking.Rows) {
		ranking.Rows = ranking.Rows[:limit]
	}
	writeJSON(w, http.StatusOK, ranking)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	d, _ := s.current()
	if d == nil {
		writeError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, d.Alerts)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, "alert history is not enabled", http.StatusNotFound)
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	alerts, err := s.history.RecentAlerts(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to read alert history: %v", err)
		writeError(w, "failed to read alert history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	_, data := s.current()
	s.hub.attach(conn, data)
}

type limitError string

func (e limitError) Error() string { return string(e) }

// parseLimit reads ?limit=, clamped to max.
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, limitError("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("%s %s from %s in %s (request %s)",
			r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
