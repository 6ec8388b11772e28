// Package api exposes the HTTP surface: job intake, inspection, cancellation,
// dead-letter management, and the SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/queue"
	"ingest-orchestrator/internal/ratelimit"
	"ingest-orchestrator/internal/scheduler"
	"ingest-orchestrator/internal/store"
)

const maxBatchSize = 100

// Intake admits new jobs.
type Intake interface {
	Submit(ctx context.Context, sub scheduler.Submission) (models.Job, error)
}

// JobStore is the read/cancel persistence subset the API needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f store.ListFilter) ([]models.Job, int, error)
	MarkCancelled(ctx context.Context, id string) error
}

// DeadLetters exposes the dead-letter sink operations served over HTTP.
type DeadLetters interface {
	List(ctx context.Context, page, limit int) ([]models.DeadLetterEntry, int, error)
	Get(ctx context.Context, jobID string) (models.DeadLetterEntry, error)
	Replay(ctx context.Context, jobID string) (models.Job, error)
}

// Broker provides ordered, resumable event subscriptions.
type Broker interface {
	Subscribe(ctx context.Context, jobID string, afterSeq int64) (<-chan models.Event, func())
}

// Server wires the HTTP handlers.
type Server struct {
	intake      Intake
	store       JobStore
	queue       queue.Queue
	deadLetters DeadLetters
	broker      Broker
	heartbeat   time.Duration
	log         *zap.Logger
}

// NewServer builds the server. heartbeat bounds SSE keep-alive comments.
func NewServer(intake Intake, st JobStore, q queue.Queue, dl DeadLetters, broker Broker, heartbeat time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Server{intake: intake, store: st, queue: q, deadLetters: dl, broker: broker, heartbeat: heartbeat, log: log}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/ingest", s.handleSubmit)
	r.Post("/ingest/batch", s.handleSubmitBatch)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/status", s.handleJobStatus)
		r.Delete("/{id}", s.handleCancelJob)
	})

	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Get("/{id}", s.handleGetDeadLetter)
		r.Post("/{id}/replay", s.handleReplayDeadLetter)
	})

	r.Get("/events/stream", s.handleEventStream)
	return r
}

type submitResponse struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub scheduler.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON", err)
		return
	}
	job, err := s.intake.Submit(r.Context(), sub)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{JobID: job.ID, Status: job.Status, AcceptedAt: job.CreatedAt})
}

type batchResult struct {
	Index int    `json:"index"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Submissions []scheduler.Submission `json:"submissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON", err)
		return
	}
	if len(req.Submissions) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "submissions must not be empty", nil)
		return
	}
	if len(req.Submissions) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "validation",
			"batch exceeds "+strconv.Itoa(maxBatchSize)+" submissions", nil)
		return
	}

	results := make([]batchResult, len(req.Submissions))
	accepted := 0
	for i, sub := range req.Submissions {
		job, err := s.intake.Submit(r.Context(), sub)
		if err != nil {
			results[i] = batchResult{Index: i, Error: err.Error()}
			continue
		}
		results[i] = batchResult{Index: i, JobID: job.ID}
		accepted++
	}

	status := http.StatusCreated
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"accepted": accepted, "results": results})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalid):
		writeError(w, http.StatusBadRequest, "validation", "submission rejected", err)
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "tenant quota exhausted, retry later", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", "submission failed", err)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Tenant: q.Get("tenant"),
		Status: q.Get("status"),
		Page:   intParam(q.Get("page"), 1),
		Limit:  intParam(q.Get("limit"), 20),
	}
	jobs, total, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list jobs failed", err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
		"page":  f.Page,
		"limit": f.Limit,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get job failed", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStatus is the lightweight polling endpoint: progress counters plus
// a naive linear time-remaining estimate.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get job failed", err)
		return
	}

	resp := map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"progress_percent": job.ProgressPercent(),
		"items_total":      job.ItemsTotal,
		"items_processed":  job.ItemsProcessed,
		"items_succeeded":  job.ItemsSucceeded,
		"items_failed":     job.ItemsFailed,
		"retry_count":      job.RetryCount,
	}
	if job.LastError != nil {
		resp["last_error"] = *job.LastError
	}
	if remaining, ok := estimateRemaining(job); ok {
		resp["estimated_remaining_ms"] = remaining.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func estimateRemaining(job models.Job) (time.Duration, bool) {
	if models.IsTerminal(job.Status) || job.StartedAt == nil {
		return 0, false
	}
	if job.ItemsProcessed <= 0 || job.ItemsTotal <= job.ItemsProcessed {
		return 0, false
	}
	elapsed := time.Since(*job.StartedAt)
	perItem := elapsed / time.Duration(job.ItemsProcessed)
	return perItem * time.Duration(job.ItemsTotal-job.ItemsProcessed), true
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get job failed", err)
		return
	}

	// Pull the job out of the queue first so a worker cannot lease it while
	// the status flips; a worker already running it observes the cancelled
	// status at its next stage boundary.
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "cancel failed", err)
		return
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeError(w, http.StatusConflict, "conflict", "job already finished", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "cancel failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": models.StatusCancelled})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intParam(q.Get("page"), 1)
	limit := intParam(q.Get("limit"), 20)
	entries, total, err := s.deadLetters.List(r.Context(), page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list dead letters failed", err)
		return
	}
	if entries == nil {
		entries = []models.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": entries,
		"total":        total,
		"page":         page,
		"limit":        limit,
	})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get dead letter failed", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	job, err := s.deadLetters.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "replay failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{JobID: job.ID, Status: job.Status, AcceptedAt: job.CreatedAt})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, err error) {
	body := errorBody{Error: msg, Code: code}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
