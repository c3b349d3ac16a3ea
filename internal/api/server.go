// Package api exposes the queue over HTTP: submission, status, cancel,
// queue stats, a manual cycle nudge and an SSE stream of status changes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/engine"
	"github.com/lumenlearn/gradeq/internal/notify"
)

// Queue is the engine surface the handlers drive.
type Queue interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResponse, error)
	Status(ctx context.Context, jobID string) (domain.JobView, error)
	Cancel(ctx context.Context, jobID string) error
	QueueStats(ctx context.Context) (engine.QueueStats, error)
	TriggerCycle()
}

// Subscription delivers one job's status changes until closed.
type Subscription interface {
	Events() <-chan notify.Event
	Close() error
}

// Subscriber hands out per-job status change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) Subscription
}

// NotifySubscriber adapts the Redis notifier to the Subscriber interface.
type NotifySubscriber struct{ N *notify.Notifier }

func (s NotifySubscriber) Subscribe(ctx context.Context, jobID string) Subscription {
	return s.N.Subscribe(ctx, jobID)
}

type Server struct {
	queue Queue
	subs  Subscriber
	log   *zap.Logger
}

func NewServer(queue Queue, subs Subscriber, log *zap.Logger) *Server {
	return &Server{queue: queue, subs: subs, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
		r.Post("/process", s.handleProcess)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
