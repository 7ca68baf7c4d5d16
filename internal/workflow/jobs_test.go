package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"studio-jobcore/internal/config"
	"studio-jobcore/internal/models"
	"studio-jobcore/internal/worker"
)

func enqueue(t *testing.T, runner *Runner, payload map[string]any) models.Job {
	t.Helper()
	st := runner.projects.(interface {
		Enqueue(context.Context, models.EnqueueParams) (models.Job, error)
	})
	job, err := st.Enqueue(context.Background(), models.EnqueueParams{
		Type:       models.JobTypeProjectArchive,
		Payload:    payload,
		EntityType: models.EntityTypeProject,
		EntityKey:  "p1",
	})
	require.NoError(t, err)
	return job
}

func TestJobHandlerAnnotatesPayload(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	job := enqueue(t, runner, map[string]any{"requestedBy": "ops"})

	handle := JobHandler(runner, Archive(ok("nas", StateArchived)), st)
	require.NoError(t, handle(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Payload["runId"])
	assert.Equal(t, false, got.Payload["hasErrors"])
	assert.Equal(t, "ops", got.Payload["requestedBy"])

	ns := history(t, st, WorkflowArchive)
	assert.Equal(t, job.ID, ns.Current.JobID)
	assert.Equal(t, "ops", ns.Current.RequestedBy)
}

func TestJobHandlerFailedRunCompletesJob(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	job := enqueue(t, runner, map[string]any{"projectId": "p1"})

	handle := JobHandler(runner, Archive(&stubExecutor{domain: "nas", err: errors.New("disk full")}), st)
	require.NoError(t, handle(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Payload["hasErrors"])
	assert.Equal(t, "nas: disk full", got.Payload["lastError"])
}

func TestJobHandlerPermanentErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("already running", func(t *testing.T) {
		runner, st := setup(t, models.ProjectArchiving)
		held, err := runner.locker.TryAcquire(ctx, "p1", LockKindProjectStructure, "other-job")
		require.NoError(t, err)
		require.NotNil(t, held)
		job := enqueue(t, runner, nil)
		err = JobHandler(runner, Archive(), st)(ctx, job)
		require.ErrorIs(t, err, ErrWorkflowRunning)
		assert.True(t, worker.IsPermanent(err))
	})

	t.Run("unknown project", func(t *testing.T) {
		runner, st := setup(t, models.ProjectReadyToArchive)
		job := enqueue(t, runner, map[string]any{"projectId": "missing"})
		err := JobHandler(runner, Archive(), st)(ctx, job)
		require.ErrorIs(t, err, models.ErrProjectNotFound)
		assert.True(t, worker.IsPermanent(err))
	})

	t.Run("no project id", func(t *testing.T) {
		runner, st := setup(t, models.ProjectReadyToArchive)
		err := JobHandler(runner, Archive(), st)(ctx, models.Job{ID: "j"})
		require.ErrorIs(t, err, models.ErrInvalidRequest)
		assert.True(t, worker.IsPermanent(err))
	})
}

type brokenProjects struct{ ProjectStore }

func (brokenProjects) GetProject(context.Context, string) (models.Project, error) {
	return models.Project{}, errors.New("connection reset")
}

func TestJobHandlerInfrastructureErrorRetries(t *testing.T) {
	runner := NewRunner(brokenProjects{}, NewStoreLocker(nil, time.Hour), nil)
	err := JobHandler(runner, Archive(), nil)(context.Background(), models.Job{ID: "j", Payload: map[string]any{"projectId": "p1"}})
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestRequestFromJobFlags(t *testing.T) {
	req, err := requestFromJob(models.Job{ID: "j", Payload: map[string]any{
		"projectId": "p9", "force": true, "allowNonReal": "true",
	}})
	require.NoError(t, err)
	assert.Equal(t, "p9", req.ProjectID)
	assert.Equal(t, "j", req.HolderID)
	assert.True(t, req.Force)
	assert.True(t, req.AllowNonReal)
}

func TestReapedJobRecoversAbandonedWorkflow(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	now := time.Now().UTC()
	st.SetClock(func() time.Time { return now })
	job := enqueue(t, runner, map[string]any{"projectId": "p1"})

	// w1 claims the job, takes the project lease, marks the project
	// archiving and dies without releasing anything.
	claimed, err := st.TryClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	lease, err := runner.locker.TryAcquire(ctx, "p1", LockKindProjectStructure, job.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, st.UpdateProjectStatus(ctx, "p1", models.ProjectArchiving))

	now = now.Add(2*time.Hour + time.Minute)
	reaped, err := st.ReapStaleRunningJobs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, reaped)

	nas := ok("nas", StateArchived)
	p := worker.NewProcessor(config.Config{WorkerID: "w2", LeaseDuration: time.Minute}, st, nil, zap.NewNop())
	p.RegisterHandler(models.JobTypeProjectArchive, JobHandler(runner, Archive(nas), st))
	processed, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.EqualValues(t, 1, nas.calls.Load(), "the retry runs the archive")
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, models.ProjectArchived, projectStatus(t, st))
	assert.Equal(t, 1, history(t, st, WorkflowArchive).Runs.Len())
}
