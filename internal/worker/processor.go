package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"studio-jobcore/internal/config"
	"studio-jobcore/internal/models"
	"studio-jobcore/internal/telemetry"
)

// finalizeTimeout bounds the store writes that record a job's outcome after
// the worker context has been cancelled.
const finalizeTimeout = 10 * time.Second

// JobStore is the narrow slice of the job store the worker needs.
type JobStore interface {
	TryClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)
	ReapStaleRunningJobs(ctx context.Context) (int64, error)
	MarkSucceeded(ctx context.Context, id, workerID string) error
	MarkFailed(ctx context.Context, id, workerID string, newAttempts int, errText string) (bool, error)
}

// Signals is the optional Redis side channel: early wake-ups and the
// terminal-failure feed.
type Signals interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	RecordTerminal(ctx context.Context, jobID string) error
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the worker execution loop. One Processor runs one claim
// loop; run more processes for more throughput.
type Processor struct {
	store        JobStore
	signals      Signals
	logger       *zap.Logger
	handlers     map[string]Handler
	workerID     string
	lease        time.Duration
	pollInterval time.Duration
	errorBackoff time.Duration
	reapInterval time.Duration
	lastReap     time.Time
}

// NewProcessor creates a processor. signals may be nil.
func NewProcessor(cfg config.Config, st JobStore, signals Signals, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		store:        st,
		signals:      signals,
		handlers:     make(map[string]Handler),
		workerID:     cfg.ResolveWorkerID(),
		lease:        cfg.LeaseDuration,
		pollInterval: cfg.PollInterval,
		errorBackoff: cfg.ErrorBackoff,
		reapInterval: cfg.ReapInterval,
	}
	if p.lease <= 0 {
		p.lease = 10 * time.Minute
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 3 * time.Second
	}
	if p.errorBackoff <= 0 {
		p.errorBackoff = 5 * time.Second
	}
	p.logger = logger.With(zap.String("worker_id", p.workerID))
	return p
}

// WorkerID is the identity written to locked_by for claimed jobs.
func (p *Processor) WorkerID() string { return p.workerID }

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker loop started",
		zap.Duration("lease", p.lease),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Duration("reap_interval", p.reapInterval))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.maybeReap(ctx)

		processed, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			telemetry.WorkerLoopErrors.Inc()
			p.logger.Error("worker loop error", zap.Error(err), zap.Duration("backoff", p.errorBackoff))
			sleep(ctx, p.errorBackoff)
			continue
		}
		if !processed {
			p.idle(ctx)
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// processed. Returned errors are infrastructure failures of the claim or
// finalize step; handler failures are recorded on the job instead.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.TryClaimJob(ctx, p.workerID, p.lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	telemetry.JobsClaimed.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Int("attempt", job.Attempts+1))
	log.Info("job claimed")

	started := time.Now()
	herr := p.execute(ctx, *job)

	// Outcome writes must land even when shutdown cancelled ctx.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if herr == nil {
		if err := p.store.MarkSucceeded(fctx, job.ID, p.workerID); err != nil {
			if errors.Is(err, models.ErrLeaseLost) {
				p.leaseLost(log, "succeeded")
				return true, nil
			}
			return true, fmt.Errorf("mark succeeded %s: %w", job.ID, err)
		}
		telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
		log.Info("job succeeded", zap.Duration("elapsed", time.Since(started)))
		return true, nil
	}

	if ctx.Err() != nil {
		herr = fmt.Errorf("job cancelled: %w", herr)
	}
	newAttempts := job.Attempts + 1
	if IsPermanent(herr) && newAttempts < job.MaxAttempts {
		newAttempts = job.MaxAttempts
	}
	terminal, err := p.store.MarkFailed(fctx, job.ID, p.workerID, newAttempts, herr.Error())
	if errors.Is(err, models.ErrLeaseLost) {
		p.leaseLost(log, "failed")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("mark failed %s: %w", job.ID, err)
	}
	if !terminal {
		telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
		log.Warn("job failed, retry scheduled", zap.Error(herr), zap.Int("attempts", newAttempts), zap.Int("max_attempts", job.MaxAttempts))
		return true, nil
	}
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	log.Error("job failed terminally", zap.Error(herr), zap.Int("attempts", newAttempts))
	if p.signals != nil {
		if err := p.signals.RecordTerminal(fctx, job.ID); err != nil {
			log.Warn("record terminal failure", zap.Error(err))
		}
	}
	return true, nil
}

// leaseLost logs an outcome that was dropped because the job was reaped and
// may already belong to another worker.
func (p *Processor) leaseLost(log *zap.Logger, outcome string) {
	telemetry.JobsLeaseLost.Inc()
	log.Warn("job lease lost; outcome not recorded", zap.String("outcome", outcome))
}

// execute runs the handler with panic recovery while a heartbeat keeps the
// job lease alive. Losing the lease cancels the handler.
func (p *Processor) execute(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	hctx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !p.heartbeat(hctx, job.ID) {
			cancel(models.ErrLeaseLost)
		}
	}()
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(hctx, job)
}

// heartbeat extends the job lease every half lease until ctx ends. It
// returns false once the lease is lost.
func (p *Processor) heartbeat(ctx context.Context, jobID string) bool {
	ticker := time.NewTicker(p.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			owned, err := p.store.ExtendLease(ctx, jobID, p.workerID, p.lease)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Warn("extend job lease", zap.String("job_id", jobID), zap.Error(err))
				}
				continue
			}
			if !owned {
				p.logger.Warn("job lease lost; cancelling handler", zap.String("job_id", jobID))
				return false
			}
		}
	}
}

func (p *Processor) maybeReap(ctx context.Context) {
	if p.reapInterval <= 0 || time.Since(p.lastReap) < p.reapInterval {
		return
	}
	p.lastReap = time.Now()
	n, err := p.store.ReapStaleRunningJobs(ctx)
	if err != nil {
		p.logger.Warn("reap stale jobs", zap.Error(err))
		return
	}
	if n > 0 {
		telemetry.JobsReaped.Add(float64(n))
		p.logger.Warn("reaped stale running jobs", zap.Int64("count", n))
	}
}

func (p *Processor) idle(ctx context.Context) {
	if p.signals == nil {
		sleep(ctx, p.pollInterval)
		return
	}
	if _, err := p.signals.Wait(ctx, p.pollInterval); err != nil && ctx.Err() == nil {
		p.logger.Debug("doorbell wait failed; falling back to sleep", zap.Error(err))
		sleep(ctx, p.pollInterval)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
