// Package api serves the local ops endpoints of a monitor process.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"drivewatch/internal/config"
	"drivewatch/internal/engine"
	"drivewatch/internal/feed"
	"drivewatch/internal/metrics"
	"drivewatch/internal/model"
	"drivewatch/internal/session"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Summary() engine.Summary
}

type SessionSource interface {
	Current() *session.Monitor
	Driver() model.Driver
}

type Deps struct {
	Config   *config.Manager
	Engine   EngineControl
	Sessions SessionSource
	Scores   *metrics.Store
	Feed     *feed.Store
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Source   model.Source
	Version  string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Version    string            `json:"version"`
	ConfigPath string            `json:"config_path"`
	Source     model.Source      `json:"source"`
	Driver     model.Driver      `json:"driver"`
	Link       string            `json:"link,omitempty"`
	Session    *session.Snapshot `json:"session,omitempty"`
	Summary    engine.Summary    `json:"summary"`
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/config/penalties", s.handlePenalties)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/reset", s.handleReset)
	if s.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves the API until ctx ends. It returns nil when the API is
// disabled.
func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	logger := deps.Logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) snapshot() *session.Snapshot {
	if s.Sessions == nil {
		return nil
	}
	mon := s.Sessions.Current()
	if mon == nil {
		return nil
	}
	snap := mon.Snapshot()
	return &snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Source:     s.Source,
		Session:    s.snapshot(),
	}
	if s.Source == model.SourceSensor {
		resp.Link = cfg.Sensor.Link
	}
	if s.Sessions != nil {
		resp.Driver = s.Sessions.Driver()
	}
	if s.Engine != nil {
		resp.Summary = s.Engine.Summary()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.snapshot()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": model.ErrNoActiveSession.Error()})
		return
	}
	resp := map[string]any{"session": snap}
	if s.Scores != nil {
		if history, updated, ok := s.Scores.Get(snap.SessionID); ok {
			resp["score_history"] = history
			resp["updated_at"] = updated.Format(time.RFC3339Nano)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Feed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.Event{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Event
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.Feed.Since(ts)
	} else {
		list = s.Feed.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  list,
		"count":   len(list),
		"by_type": s.Feed.Summary(),
	})
}

type penaltiesRequest struct {
	Penalties      map[string]int `json:"penalties"`
	DefaultPenalty *int           `json:"default_penalty,omitempty"`
}

func (s *Server) handlePenalties(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.Config.Get()
		writeJSON(w, http.StatusOK, map[string]any{
			"penalties":       cfg.Scoring.Penalties,
			"default_penalty": cfg.Scoring.DefaultPenalty,
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req penaltiesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		penalties, ok := sanitizePenalties(req.Penalties)
		if !ok || (req.DefaultPenalty != nil && *req.DefaultPenalty < 0) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current := s.Config.Get()
		next := *current
		next.Scoring.Penalties = penalties
		if req.DefaultPenalty != nil {
			next.Scoring.DefaultPenalty = *req.DefaultPenalty
		}
		if err := s.Config.Update(&next); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("penalty update failed", "err", err)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.Engine != nil {
			s.Engine.UpdateConfig(&next)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.clearScores()
		s.clearFeed()
	case "events":
		s.clearFeed()
	case "scores":
		s.clearScores()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReset clears cooldowns and the in-memory views. The session and its
// score are untouched.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Engine != nil {
		s.Engine.Reset()
	}
	s.clearScores()
	s.clearFeed()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) clearScores() {
	if s.Scores != nil {
		s.Scores.Clear()
	}
}

func (s *Server) clearFeed() {
	if s.Feed != nil {
		s.Feed.Clear()
	}
}

func sanitizePenalties(values map[string]int) (map[string]int, bool) {
	if len(values) == 0 {
		return nil, false
	}
	out := make(map[string]int, len(values))
	for k, v := range values {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" || v < 0 {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
