// Package httpapi exposes manual triggering and status endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/service"
	"coinrate-alerts/internal/storage"
	"coinrate-alerts/internal/tracker"
	"coinrate-alerts/internal/version"
)

// Monitor is the part of the service the API drives.
type Monitor interface {
	StartManual(parent context.Context, rec service.SessionRecorder) (string, error)
	Status(ctx context.Context) (*service.StatusReport, error)
	Deferred(ctx context.Context) ([]model.DeferredNotification, error)
	ResetCooldown(ctx context.Context, key string) (model.InstrumentState, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	HistoryLimit    int
}

// Server serves the monitoring API.
type Server struct {
	monitor Monitor
	tracker *tracker.Tracker
	history storage.HistoryStore
	opts    Options
	logger  zerolog.Logger

	// runCtx outlives individual requests; manual runs are bound to it.
	runCtx context.Context
}

// New builds a server. history may be nil.
func New(runCtx context.Context, monitor Monitor, tr *tracker.Tracker, history storage.HistoryStore, opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	return &Server{
		monitor: monitor,
		tracker: tr,
		history: history,
		opts:    opts,
		logger:  logger.With().Str("component", "http").Logger(),
		runCtx:  runCtx,
	}
}

// Router returns the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/monitor/run", s.handleRun)
		r.Get("/monitor/run/status", s.handleRunStatus)
		r.Route("/status", func(r chi.Router) {
			r.Get("/instruments", s.handleInstruments)
			r.Get("/deferred", s.handleDeferred)
			r.Get("/history", s.handleHistory)
			r.Post("/cooldown/reset", s.handleResetCooldown)
		})
	})
	return r
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := s.monitor.StartManual(s.runCtx, s.tracker)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": id})
	case errors.Is(err, service.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err)
	case errors.Is(err, service.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, "no_recipients", err)
	default:
		s.logger.Error().Err(err).Msg("failed to start manual run")
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build status")
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type deferredView struct {
	Key           string                 `json:"key"`
	Type          model.NotificationType `json:"type"`
	Symbol        string                 `json:"symbol"`
	Rate          string                 `json:"rate"`
	Recipients    []string               `json:"recipients"`
	ScheduledTime time.Time              `json:"scheduled_time"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (s *Server) handleDeferred(w http.ResponseWriter, r *http.Request) {
	queue, err := s.monitor.Deferred(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	views := make([]deferredView, 0, len(queue))
	for _, n := range queue {
		v := deferredView{
			Key:           n.Key,
			Type:          n.Type,
			Symbol:        n.Payload.Instrument.Symbol,
			Rate:          n.Payload.Rate.String(),
			Recipients:    make([]string, 0, len(n.Payload.Recipients)),
			ScheduledTime: n.ScheduledTime,
			CreatedAt:     n.CreatedAt,
		}
		for _, rcpt := range n.Payload.Recipients {
			v.Recipients = append(v.Recipients, rcpt.Email)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []storage.NotificationRecord{})
		return
	}
	limit := s.opts.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", errors.New("limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}
	records, err := s.history.ListRecentNotifications(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	if records == nil {
		records = []storage.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type resetRequest struct {
	Key       string `json:"key"`
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Timeframe string `json:"timeframe"`
}

func (req resetRequest) resolve() (string, error) {
	if strings.TrimSpace(req.Key) != "" {
		return model.ParseInstrumentKey(req.Key)
	}
	if req.Symbol == "" || req.Exchange == "" || req.Timeframe == "" {
		return "", errors.New("key or symbol, exchange and timeframe are required")
	}
	tf := model.Timeframe(req.Timeframe)
	if !tf.Valid() {
		return "", errors.New("timeframe must be 1h or 24h")
	}
	return model.InstrumentKey(req.Symbol, req.Exchange, tf), nil
}

func (s *Server) handleResetCooldown(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", errors.New("invalid request body"))
		return
	}
	key, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}

	state, err := s.monitor.ResetCooldown(r.Context(), key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"key":               key,
			"status":            state.Status,
			"next_notification": state.NextNotification,
		})
	case errors.Is(err, service.ErrNotInAlert):
		writeError(w, http.StatusUnprocessableEntity, "not_in_alert", err)
	case errors.Is(err, service.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
