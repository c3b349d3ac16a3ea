package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/engine"
	"github.com/lumenlearn/gradeq/internal/notify"
	"github.com/lumenlearn/gradeq/internal/storage"
)

type submitRequest struct {
	Kind       domain.Kind       `json:"kind"`
	Items      []domain.WorkItem `json:"items"`
	Priority   domain.Priority   `json:"priority,omitempty"`
	MaxRetries int               `json:"maxRetries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	JobID            string `json:"jobId"`
	Position         int    `json:"position"`
	EstimatedWaitSec int    `json:"estimatedWaitSec"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	resp, err := s.queue.Submit(r.Context(), engine.SubmitRequest{
		Kind:       req.Kind,
		Items:      req.Items,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		Metadata:   req.Metadata,
	})
	if errors.Is(err, engine.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("submit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:            resp.JobID,
		Position:         resp.Position,
		EstimatedWaitSec: int(resp.EstimatedWait / time.Second),
	})
}

type jobViewResponse struct {
	JobID       string            `json:"jobId"`
	Kind        domain.Kind       `json:"kind"`
	Status      domain.Status     `json:"status"`
	Priority    domain.Priority   `json:"priority"`
	Progress    int               `json:"progress"`
	ItemCount   int               `json:"itemCount"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Results     []domain.Result   `json:"results"`
	Errors      []string          `json:"errors"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.queue.Status(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		s.log.Error("status", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not fetch job")
		return
	}

	writeJSON(w, http.StatusOK, jobViewResponse{
		JobID:       view.ID,
		Kind:        view.Kind,
		Status:      view.Status,
		Priority:    view.Priority,
		Progress:    view.Progress,
		ItemCount:   view.ItemCount,
		RetryCount:  view.RetryCount,
		MaxRetries:  view.MaxRetries,
		CreatedAt:   view.CreatedAt,
		StartedAt:   view.StartedAt,
		CompletedAt: view.CompletedAt,
		Results:     view.Results,
		Errors:      view.Errors,
		Metadata:    view.Metadata,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown job")
	case errors.Is(err, storage.ErrNotPending):
		writeError(w, http.StatusConflict, "job already claimed; processing jobs run to completion")
	case err != nil:
		s.log.Error("cancel", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel job")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(domain.Failed)})
	}
}

type statsResponse struct {
	TotalJobs            int `json:"totalJobs"`
	PendingJobs          int `json:"pendingJobs"`
	ActiveJobs           int `json:"activeJobs"`
	CompletedJobs        int `json:"completedJobs"`
	FailedJobs           int `json:"failedJobs"`
	CurrentAPICallRate   int `json:"currentApiCallRate"`
	MaxConcurrentJobs    int `json:"maxConcurrentJobs"`
	MaxAPICallsPerMinute int `json:"maxApiCallsPerMinute"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.QueueStats(r.Context())
	if err != nil {
		s.log.Error("queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not compute stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalJobs:            st.Total,
		PendingJobs:          st.Pending,
		ActiveJobs:           st.Processing,
		CompletedJobs:        st.Completed,
		FailedJobs:           st.Failed,
		CurrentAPICallRate:   st.CurrentAPICallRate,
		MaxConcurrentJobs:    st.MaxConcurrentJobs,
		MaxAPICallsPerMinute: st.MaxAPICallsPerMinute,
	})
}

// handleProcess nudges one processing cycle. Idempotent: with nothing
// pending, or another cycle already holding the lock, it is a no-op.
func (s *Server) handleProcess(w http.ResponseWriter, _ *http.Request) {
	s.queue.TriggerCycle()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle triggered"})
}

// handleEvents streams status changes for one job as server-sent events
// until the job reaches a terminal state or the client disconnects.
// Disconnecting releases the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.queue.Status(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		s.log.Error("job status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// subscribe before the snapshot goes out so no transition between the
	// two is lost
	sub := s.subs.Subscribe(r.Context(), id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// the job's current state opens the stream; an already-terminal job
	// yields exactly this one event instead of a silent stream
	writeEvent(w, flusher, notify.Event{
		JobID:    id,
		Status:   view.Status,
		Progress: view.Progress,
		At:       time.Now().UTC(),
	})
	if view.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeEvent(w, flusher, ev)
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev notify.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}
