package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studio-jobcore/internal/models"
	"studio-jobcore/internal/telemetry"
)

// cleanupTimeout bounds lock release and status restore after the run
// context is gone.
const cleanupTimeout = 10 * time.Second

// Request asks the Runner to execute a workflow for a project.
type Request struct {
	ProjectID    string
	JobID        string
	HolderID     string
	RequestedBy  string
	Force        bool
	AllowNonReal bool
}

// Runner executes workflow definitions: guard, lock, domains, aggregate,
// history, status.
type Runner struct {
	projects ProjectStore
	locker   Locker
	appender *Appender
	logger   *zap.Logger
	now      func() time.Time
}

func NewRunner(projects ProjectStore, locker Locker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		projects: projects,
		locker:   locker,
		appender: NewAppender(projects),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes def for req.ProjectID and returns the recorded run.
//
// Blocked starts (non-real data, ineligible status) are recorded as runs
// with errors and leave the project status alone. A held project lease
// returns ErrWorkflowRunning and records nothing. An in-progress status only
// means "running" while someone holds the lease: once the lease is ours, an
// in-progress status was left by a holder that died and is recovered to that
// workflow's failure status. The guards run once before the lease is taken
// and again on a fresh read under it, so a run another worker committed in
// between is seen. Cancellation discards partial domain results and restores
// the prior status.
func (r *Runner) Run(ctx context.Context, def Definition, req Request) (RunResult, error) {
	if req.ProjectID == "" {
		return RunResult{}, fmt.Errorf("%w: project id is required", models.ErrInvalidRequest)
	}
	project, err := r.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		return RunResult{}, err
	}
	log := r.logger.With(zap.String("workflow", def.Name), zap.String("project_id", project.ID), zap.String("job_id", req.JobID))

	run := RunResult{
		RunID:       uuid.NewString(),
		JobID:       req.JobID,
		EntityID:    project.ID,
		Workflow:    def.Name,
		StartedAt:   r.now(),
		RequestedBy: req.RequestedBy,
		Forced:      req.Force,
	}

	// Settle doomed starts without contending for the lease.
	state, note, running := r.admit(def, project, req)
	if state != "" {
		return r.recordBlocked(ctx, def, project.ID, run, state, note, log)
	}

	holder := req.HolderID
	if holder == "" {
		holder = run.RunID
	}
	lease, err := r.locker.TryAcquire(ctx, project.ID, LockKindProjectStructure, holder)
	if err != nil {
		return RunResult{}, err
	}
	if lease == nil {
		telemetry.WorkflowContention.WithLabelValues(def.Name).Inc()
		if running {
			return RunResult{}, fmt.Errorf("%w: %s is in progress (status %q)", ErrWorkflowRunning, def.Name, project.StatusKey)
		}
		return RunResult{}, fmt.Errorf("%w: project %s is locked by another workflow", ErrWorkflowRunning, project.ID)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := lease.Release(cctx); err != nil {
			log.Warn("release workflow lease", zap.Error(err))
		}
	}()

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go lease.KeepAlive(runCtx, func() {
		if runCtx.Err() != nil {
			return
		}
		log.Error("workflow lease lost; aborting run", zap.Time("expired_at", lease.ExpiresAt))
		stop(ErrWorkflowLeaseLost)
	})

	// The first read may predate a run that finished while we waited.
	project, err = r.projects.GetProject(runCtx, req.ProjectID)
	if err != nil {
		return RunResult{}, err
	}
	if recovered, ok := abandonedStatus(project.StatusKey); ok {
		log.Warn("recovering status left by an abandoned workflow",
			zap.String("status", project.StatusKey), zap.String("recovered", recovered))
		if err := r.projects.UpdateProjectStatus(runCtx, project.ID, recovered); err != nil {
			return RunResult{}, err
		}
		project.StatusKey = recovered
	}
	state, note, running = r.admit(def, project, req)
	if running {
		return RunResult{}, fmt.Errorf("%w: %s is in progress (status %q)", ErrWorkflowRunning, def.Name, project.StatusKey)
	}
	if state != "" {
		return r.recordBlocked(runCtx, def, project.ID, run, state, note, log)
	}

	if err := r.projects.UpdateProjectStatus(runCtx, project.ID, def.Guard.InProgress); err != nil {
		return RunResult{}, err
	}
	committed := false
	defer func() {
		// Without the lease the project may already belong to another run.
		if committed || errors.Is(context.Cause(runCtx), ErrWorkflowLeaseLost) {
			return
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := r.projects.UpdateProjectStatus(cctx, project.ID, project.StatusKey); err != nil {
			log.Error("restore project status", zap.String("status", project.StatusKey), zap.Error(err))
		}
	}()

	log.Info("workflow started", zap.Strings("domains", def.Domains()), zap.Bool("force", req.Force))
	task := Task{Workflow: def.Name, RunID: run.RunID, JobID: req.JobID, Project: project, Force: req.Force}
	for _, exec := range def.Executors {
		res := r.executeDomain(runCtx, def, exec, task)
		if runCtx.Err() != nil {
			log.Warn("workflow cancelled; partial results discarded", zap.Int("domains_done", len(run.Domains)+1))
			return RunResult{}, fmt.Errorf("%s cancelled: %w", def.Name, context.Cause(runCtx))
		}
		run.Domains = append(run.Domains, res)
	}

	outcome := Aggregate(def.Name, run.Domains, def.RequireSuccess)
	run.HasErrors = outcome.HasErrors
	run.LastError = outcome.LastError
	run.Outcome = OutcomeSucceeded
	status := def.SuccessStatus
	if run.HasErrors {
		run.Outcome = OutcomeFailed
		status = def.FailureStatus
	}
	run.FinishedAt = r.now()

	if err := r.appender.Append(runCtx, project.ID, run, status); err != nil {
		return RunResult{}, err
	}
	committed = true

	telemetry.WorkflowRuns.WithLabelValues(def.Name, run.Outcome).Inc()
	if run.HasErrors {
		log.Warn("workflow finished with errors", zap.String("last_error", run.LastError), zap.String("status", status))
	} else {
		log.Info("workflow finished", zap.String("status", status))
	}

	if def.AfterCommit != nil {
		notes := def.AfterCommit(ctx, project, run)
		// The run is already committed; losing a note must not retry it.
		if err := r.appender.Annotate(context.WithoutCancel(ctx), project.ID, run, notes...); err != nil {
			log.Warn("record post-commit notes", zap.Strings("notes", notes), zap.Error(err))
		}
		run.Notes = append(run.Notes, notes...)
	}
	return run, nil
}

// admit applies the data-profile guard and then the status guard. A
// non-empty state blocks the run with note. running reports an in-progress
// status, which the caller weighs against the lease.
func (r *Runner) admit(def Definition, project models.Project, req Request) (state, note string, running bool) {
	if note := CheckDataProfile(project.DataProfile, req.AllowNonReal); note != "" {
		return StateBlockedNonRealData, note, false
	}
	decision := def.Guard.ValidateStart(project.StatusKey, req.Force)
	if decision.AlreadyRunning {
		return "", "", true
	}
	if !decision.OK {
		return StateBlockedStatusNotReady, decision.Err, false
	}
	return "", "", false
}

func (r *Runner) recordBlocked(ctx context.Context, def Definition, projectID string, run RunResult, state, note string, log *zap.Logger) (RunResult, error) {
	run.Domains = BlockedResults(def.Domains(), state, note)
	run.HasErrors = true
	run.LastError = note
	run.Outcome = OutcomeBlocked
	run.FinishedAt = r.now()
	if err := r.appender.Append(ctx, projectID, run, ""); err != nil {
		return RunResult{}, err
	}
	telemetry.WorkflowRuns.WithLabelValues(def.Name, run.Outcome).Inc()
	log.Info("workflow blocked", zap.String("root_state", state), zap.String("reason", note))
	return run, nil
}

// executeDomain turns executor errors and panics into a failed domain
// result so one broken domain never hides what the others did.
func (r *Runner) executeDomain(ctx context.Context, def Definition, exec Executor, task Task) (res DomainResult) {
	domain := exec.Domain()
	defer func() {
		if p := recover(); p != nil {
			res = DomainResult{Domain: domain, RootState: def.FailedState, Notes: []string{fmt.Sprintf("%s executor panic: %v", domain, p)}}
		}
	}()
	res, err := exec.Execute(ctx, task)
	res.Domain = domain
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.logger.Debug("domain executor interrupted", zap.String("domain", domain), zap.Error(err))
		}
		res.RootState = def.FailedState
		res.Notes = append([]string{fmt.Sprintf("%s: %v", domain, err)}, res.Notes...)
	}
	return res
}
