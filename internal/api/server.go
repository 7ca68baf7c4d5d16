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

	"studio-jobcore/internal/config"
	"studio-jobcore/internal/models"
	"studio-jobcore/internal/ratelimit"
	"studio-jobcore/internal/telemetry"
	"studio-jobcore/internal/workflow"
)

// Store is what the API reads and writes. Both the Postgres store and the
// in-memory store satisfy it.
type Store interface {
	Enqueue(ctx context.Context, p models.EnqueueParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, p models.ListJobsParams) ([]models.Job, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	Ping(ctx context.Context) error
}

// Signals is the optional Redis side channel.
type Signals interface {
	Ring(ctx context.Context, jobID string) error
	Terminal(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles operator-triggered workflows.
type Limiter interface {
	AllowOperator(ctx context.Context, operatorID string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   Store
	signals Signals
	limiter Limiter
	logger  *zap.Logger
}

// New constructs the API server. signals and limiter may be nil.
func New(cfg config.Config, st Store, signals Signals, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		signals: signals,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/failed", s.handleFailed)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Post("/projects/{id}/workflows/{workflow}", s.handleTrigger)
	r.Get("/projects/{id}/workflows", s.handleWorkflowState)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxAttempts  int            `json:"max_attempts"`
	EntityType   string         `json:"entity_type"`
	EntityKey    string         `json:"entity_key"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.DelaySeconds < 0 || req.MaxAttempts < 0 {
		http.Error(w, "delay_seconds and max_attempts must not be negative", http.StatusBadRequest)
		return
	}
	params := models.EnqueueParams{
		Type:        req.Type,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		EntityType:  req.EntityType,
		EntityKey:   req.EntityKey,
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = s.cfg.MaxAttempts
	}
	if req.RunAt != nil {
		params.RunAfter = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		params.RunAfter = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	job, err := s.enqueue(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// enqueue stores the job and rings the doorbell. A failed ring only delays
// pickup until the next poll, so it is logged and not returned.
func (s *Server) enqueue(ctx context.Context, params models.EnqueueParams) (models.Job, error) {
	job, err := s.store.Enqueue(ctx, params)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Type).Inc()
	if s.signals != nil && !job.RunAfter.After(time.Now()) {
		if err := s.signals.Ring(ctx, job.ID); err != nil {
			s.logger.Warn("ring doorbell", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	s.logger.Info("job enqueued", zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := models.ListJobsParams{
		Status:     q.Get("status"),
		EntityType: q.Get("entity_type"),
		EntityKey:  q.Get("entity_key"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		params.Limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// handleFailed lists recently failed jobs, newest first. The Redis feed is
// used when configured; otherwise the store is queried.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s.signals == nil {
		jobs, err := s.store.ListJobs(r.Context(), models.ListJobsParams{Status: models.StatusFailed, Limit: limit})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
		return
	}
	ids, err := s.signals.Terminal(r.Context(), int64(limit))
	if err != nil {
		http.Error(w, "failed to read failed-job feed", http.StatusInternalServerError)
		return
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.store.GetJob(r.Context(), id)
		if errors.Is(err, models.ErrJobNotFound) {
			continue
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		jobs = append(jobs, job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

type triggerRequest struct {
	Force        bool `json:"force"`
	AllowNonReal bool `json:"allowNonReal"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	def, ok := workflow.Lookup(chi.URLParam(r, "workflow"))
	if !ok {
		http.Error(w, "unknown workflow", http.StatusNotFound)
		return
	}
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	operator := r.Header.Get("X-Operator-ID")
	if s.limiter != nil {
		decision, err := s.limiter.AllowOperator(r.Context(), operator)
		if err != nil {
			s.logger.Error("rate limiter", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if secs := decision.RetryAfterSeconds(); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The worker re-checks everything against the project lease; this only
	// spares a queued job that is likely to be refused. Forced triggers go
	// through so a status left by a crashed worker can be recovered.
	if project.StatusKey == def.Guard.InProgress && !req.Force {
		s.writeError(w, workflow.ErrWorkflowRunning)
		return
	}

	payload := map[string]any{
		"projectId":    project.ID,
		"force":        req.Force,
		"allowNonReal": req.AllowNonReal,
	}
	if operator != "" {
		payload["requestedBy"] = operator
	}
	job, err := s.enqueue(r.Context(), models.EnqueueParams{
		Type:        def.JobType,
		Payload:     payload,
		MaxAttempts: s.cfg.MaxAttempts,
		EntityType:  models.EntityTypeProject,
		EntityKey:   project.ID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleWorkflowState(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := workflow.ParseState(project.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projectId": project.ID,
		"status":    project.StatusKey,
		"workflows": state,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrProjectNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, workflow.ErrWorkflowRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
