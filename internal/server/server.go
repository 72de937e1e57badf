// Package server exposes the HTTP surface: webhook ingestion, run
// lookup, and metrics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gh "github.com/google/go-github/v82/github"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/monitoring"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/store"
	"github.com/pullcrit/pullcrit/internal/webhook"
)

// Server wires the HTTP routes to the pipeline services.
type Server struct {
	store          store.Store
	webhooks       *webhook.Service
	collector      *monitoring.Collector
	queue          *queue.Queue
	webhookSecret  []byte
	allowedOrigins []string
}

func New(st store.Store, webhooks *webhook.Service, collector *monitoring.Collector, q *queue.Queue, webhookSecret string, allowedOrigins []string) *Server {
	var secret []byte
	if webhookSecret != "" {
		secret = []byte(webhookSecret)
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{
		store:          st,
		webhooks:       webhooks,
		collector:      collector,
		queue:          q,
		webhookSecret:  secret,
		allowedOrigins: allowedOrigins,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-GitHub-Event", "X-Hub-Signature-256"},
	}))

	r.Get("/health", s.health)
	r.Post("/webhook/github", s.handleWebhook)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Get("/metrics", s.metrics)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook validates and routes a GitHub event. It answers 202 for
// anything well-formed: the outcome body says whether a run was created,
// skipped, deduplicated, or the action ignored.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := gh.ValidatePayload(r, s.webhookSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	if eventType := gh.WebHookType(r); eventType != "pull_request" {
		writeJSON(w, http.StatusAccepted, webhook.Outcome{Reason: "event type " + eventType + " ignored"})
		return
	}

	var event model.PullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	outcome, err := s.webhooks.HandleEvent(r.Context(), &event)
	if err != nil {
		zap.L().Error("webhook handling failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("run lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status:       model.RunStatus(r.URL.Query().Get("status")),
		RepoFullName: r.URL.Query().Get("repo"),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("run listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && h > 0 {
		hours = h
	}

	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("metrics collection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}

	delivered, failed := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  snap,
		"queue": map[string]int64{"tasks_delivered": delivered, "tasks_failed": failed},
	})
}

// requestLogger logs each request with zap after it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
