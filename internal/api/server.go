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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"helmetwatch/internal/alerts"
	"helmetwatch/internal/config"
	"helmetwatch/internal/metrics"
	"helmetwatch/internal/model"
)

// Connection is the network manager as seen by the API.
type Connection interface {
	Status() model.StatusEvent
	Reconnect()
	Stop()
}

// AlertHistory reads persisted alerts. Optional.
type AlertHistory interface {
	RecentAlerts(ctx context.Context, limit int) ([]alerts.Entry, error)
}

type EngineControl interface {
	UpdateConfig(cfg *config.Config)
}

type Deps struct {
	Config    *config.Manager
	Readings  *metrics.Store
	Alerts    *alerts.Store
	History   AlertHistory
	Conn      Connection
	Engine    EngineControl
	Collector *metrics.Collector
	Hub       *Hub
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	Deps
	router *chi.Mux
}

type statusResponse struct {
	Status        string            `json:"status"`
	Time          string            `json:"time"`
	Version       string            `json:"version"`
	ConfigPath    string            `json:"config_path"`
	Connection    model.StatusEvent `json:"connection"`
	Sensors       map[string]bool   `json:"sensors"`
	FallDetection fallStatus        `json:"fall_detection"`
	Alerts        int               `json:"alerts"`
	LiveClients   int               `json:"live_clients"`
}

type fallStatus struct {
	Enabled    bool    `json:"enabled"`
	Threshold  float64 `json:"threshold"`
	WindowSize int     `json:"window_size"`
	DebounceMS int64   `json:"debounce_ms"`
	ModelPath  string  `json:"model_path,omitempty"`
}

func NewServer(deps Deps) *Server {
	s := &Server{Deps: deps, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/readings", s.handleReadings)
	r.Get("/readings/{kind}", s.handleReading)
	r.Get("/features", s.handleFeatures)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/alerts/history", s.handleAlertHistory)
	r.Post("/connect", s.handleConnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Get("/config", s.handleConfig)
	r.Post("/config/fall_detection", s.handleFallDetection)
	r.Post("/admin/clear", s.handleClear)
	if s.Collector != nil {
		r.Method(http.MethodGet, "/metrics", s.Collector.Handler())
	}
	if s.Hub != nil {
		r.Get("/ws", s.Hub.ServeHTTP)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves s on addr until ctx is done.
func Start(ctx context.Context, addr string, s *Server, logger *slog.Logger) *http.Server {
	if logger != nil {
		logger.Info("api enabled", "addr", addr)
	}
	httpServer := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Get()
	sensors := make(map[string]bool, len(cfg.Sensors))
	for name, sc := range cfg.Sensors {
		sensors[name] = sc.Enabled
	}
	fd := cfg.ML.FallDetection
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Sensors:    sensors,
		FallDetection: fallStatus{
			Enabled:    fd.Enabled,
			Threshold:  fd.Threshold,
			WindowSize: fd.WindowSize,
			DebounceMS: cfg.DebounceDuration().Milliseconds(),
			ModelPath:  fd.ModelPath,
		},
	}
	if s.Conn != nil {
		resp.Connection = s.Conn.Status()
	}
	if s.Alerts != nil {
		resp.Alerts = s.Alerts.Len()
	}
	if s.Hub != nil {
		resp.LiveClients = s.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	all := s.Readings.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"readings": all,
		"count":    len(all),
	})
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	kind := model.Kind(strings.ToLower(chi.URLParam(r, "kind")))
	latest, ok := s.Readings.Get(kind)
	if !ok {
		writeError(w, http.StatusNotFound, "no reading for "+string(kind))
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	type named struct {
		model.FeatureVector
		Named map[string]float64 `json:"named"`
	}
	fvs := s.Readings.Features()
	out := make([]named, 0, len(fvs))
	for _, fv := range fvs {
		out = append(out, named{FeatureVector: fv, Named: fv.Named()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": out})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	var list []alerts.Entry
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.Alerts.Since(ts)
	} else {
		list = s.Alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := s.History.RecentAlerts(r.Context(), limit)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("alert history query failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.Conn == nil {
		writeError(w, http.StatusServiceUnavailable, "no connection manager")
		return
	}
	s.Conn.Reconnect()
	writeJSON(w, http.StatusAccepted, s.Conn.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.Conn == nil {
		writeError(w, http.StatusServiceUnavailable, "no connection manager")
		return
	}
	s.Conn.Stop()
	writeJSON(w, http.StatusOK, s.Conn.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *s.Config.Get()
	if cfg.Bridge.MQTT.Password != "" {
		cfg.Bridge.MQTT.Password = "********"
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleFallDetection updates threshold, debounce and enabled at runtime and
// persists them to the config file.
func (s *Server) handleFallDetection(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var req struct {
		Enabled   *bool    `json:"enabled"`
		Threshold *float64 `json:"threshold"`
		Debounce  *float64 `json:"debounce"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	next := *s.Config.Get()
	if req.Enabled != nil {
		next.ML.FallDetection.Enabled = *req.Enabled
	}
	if req.Threshold != nil {
		next.ML.FallDetection.Threshold = *req.Threshold
	}
	if req.Debounce != nil {
		next.ML.FallDetection.Debounce = *req.Debounce
	}
	if err := config.Validate(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Config.Update(&next); err != nil {
		if s.Logger != nil {
			s.Logger.Error("config update failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "config update failed")
		return
	}
	if s.Engine != nil {
		s.Engine.UpdateConfig(&next)
	}
	writeJSON(w, http.StatusOK, next.ML.FallDetection)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
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
		s.Readings.Clear()
		s.Alerts.Clear()
	case "alerts":
		s.Alerts.Clear()
	case "readings":
		s.Readings.Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target "+target)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
