package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"studio-jobcore/internal/models"
	"studio-jobcore/internal/notify"
	"studio-jobcore/internal/store/memstore"
)

type stubExecutor struct {
	domain string
	result DomainResult
	err    error
	panics bool
	calls  atomic.Int32
	hook   func(ctx context.Context)
}

func (e *stubExecutor) Domain() string { return e.domain }

func (e *stubExecutor) Execute(ctx context.Context, task Task) (DomainResult, error) {
	e.calls.Add(1)
	if e.hook != nil {
		e.hook(ctx)
	}
	if e.panics {
		panic("boom")
	}
	return e.result, e.err
}

func ok(domain, state string) *stubExecutor {
	return &stubExecutor{domain: domain, result: DomainResult{RootState: state}}
}

type recordingGateway struct {
	sent []notify.Message
	err  error
}

func (g *recordingGateway) Send(_ context.Context, msg notify.Message) (notify.SendAudit, error) {
	if g.err != nil {
		return notify.SendAudit{}, g.err
	}
	g.sent = append(g.sent, msg)
	return notify.SendAudit{MessageID: "m-1", Provider: "test"}, nil
}

func setup(t *testing.T, status string) (*Runner, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.UpsertProject(context.Background(), models.Project{
		ID:          "p1",
		Name:        "Harbor Shoot",
		ClientName:  "Dana",
		ClientEmail: "dana@example.com",
		StatusKey:   status,
		DataProfile: models.DataProfileReal,
	}))
	return NewRunner(st, NewStoreLocker(st, time.Hour), zap.NewNop()), st
}

func history(t *testing.T, st *memstore.Store, workflow string) *Namespace {
	t.Helper()
	p, err := st.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	state, err := ParseState(p.Metadata)
	require.NoError(t, err)
	ns, err := state.Namespace(workflow)
	require.NoError(t, err)
	return ns
}

func projectStatus(t *testing.T, st *memstore.Store) string {
	t.Helper()
	p, err := st.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	return p.StatusKey
}

func TestRunDeliverySucceeds(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToDeliver)
	gw := &recordingGateway{}
	share := &stubExecutor{domain: "s3", result: DomainResult{RootState: StateShareCreated, ShareURL: "https://share/p1"}}
	def := Delivery(gw, "studio@example.com", ok("nas", StateSourceReady), ok("dropbox", StateDestinationReady), share)

	run, err := runner.Run(ctx, def, Request{ProjectID: "p1", JobID: "j1", RequestedBy: "ops"})
	require.NoError(t, err)

	assert.False(t, run.HasErrors)
	assert.Equal(t, OutcomeSucceeded, run.Outcome)
	assert.Len(t, run.Domains, 3)
	assert.Equal(t, models.ProjectDelivered, projectStatus(t, st))

	ns := history(t, st, WorkflowDelivery)
	require.Equal(t, 1, ns.Runs.Len())
	assert.Equal(t, run.RunID, ns.Current.RunID)
	assert.Equal(t, "https://share/p1", ns.Current.ShareURL)

	require.Len(t, gw.sent, 1)
	assert.Equal(t, "dana@example.com", gw.sent[0].To)
	assert.Contains(t, gw.sent[0].Body, "https://share/p1")
	assert.Contains(t, run.Notes[0], "m-1")
	stored := ns.Runs.Runs()[0]
	require.Len(t, stored.Notes, 1)
	assert.Contains(t, stored.Notes[0], "m-1", "send audit is kept with the recorded run")
}

type failingMetadata struct {
	*memstore.Store
}

func (f failingMetadata) UpdateProjectMetadata(context.Context, string, func([]byte) ([]byte, error)) error {
	return errors.New("connection reset")
}

func TestRunDeliveryEmailWaitsForCommit(t *testing.T) {
	_, st := setup(t, models.ProjectReadyToDeliver)
	runner := NewRunner(failingMetadata{st}, NewStoreLocker(st, time.Hour), zap.NewNop())
	gw := &recordingGateway{}

	_, err := runner.Run(context.Background(), Delivery(gw, "", ok("nas", StateSourceReady)), Request{ProjectID: "p1"})
	require.Error(t, err)
	assert.Empty(t, gw.sent, "no email for a run that was not recorded")
	assert.Equal(t, models.ProjectReadyToDeliver, projectStatus(t, st))
}

func TestRunDomainFailureSetsFailureStatus(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	failing := &stubExecutor{domain: "s3", err: errors.New("bucket unreachable")}
	def := Archive(ok("nas", StateArchived), failing)

	run, err := runner.Run(ctx, def, Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.True(t, run.HasErrors)
	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, StateArchiveFailed, run.Domains[1].RootState)
	assert.Equal(t, "s3: bucket unreachable", run.LastError)
	assert.Equal(t, models.ProjectArchiveFailed, projectStatus(t, st))
}

func TestRunExecutorPanicIsContained(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToProvision)
	after := ok("s3", StateRootCreated)
	def := Bootstrap(&stubExecutor{domain: "nas", panics: true}, after)

	run, err := runner.Run(ctx, def, Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), after.calls.Load())
	assert.Equal(t, StateProvisionFailed, run.Domains[0].RootState)
	assert.Contains(t, run.LastError, "panic")
	assert.Equal(t, models.ProjectProvisionFailed, projectStatus(t, st))
}

func TestRunBootstrapRequiresASuccess(t *testing.T) {
	runner, st := setup(t, models.ProjectReadyToProvision)

	run, err := runner.Run(context.Background(), Bootstrap(), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.True(t, run.HasErrors)
	assert.Equal(t, models.ProjectProvisionFailed, projectStatus(t, st))
}

func TestRunBlockedByStatus(t *testing.T) {
	runner, st := setup(t, models.ProjectActive)
	nas := ok("nas", StateArchived)

	run, err := runner.Run(context.Background(), Archive(nas), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, run.Outcome)
	assert.True(t, run.HasErrors)
	assert.Zero(t, nas.calls.Load())
	require.Len(t, run.Domains, 1)
	assert.Equal(t, StateBlockedStatusNotReady, run.Domains[0].RootState)
	assert.Equal(t, models.ProjectActive, projectStatus(t, st))
	assert.Equal(t, 1, history(t, st, WorkflowArchive).Runs.Len())
}

func TestRunForceBypassesEligibility(t *testing.T) {
	runner, st := setup(t, models.ProjectActive)

	run, err := runner.Run(context.Background(), Archive(ok("nas", StateArchived)), Request{ProjectID: "p1", Force: true})
	require.NoError(t, err)
	assert.False(t, run.HasErrors)
	assert.True(t, run.Forced)
	assert.Equal(t, models.ProjectArchived, projectStatus(t, st))
}

func TestRunBlockedByDataProfile(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	p, err := st.GetProject(ctx, "p1")
	require.NoError(t, err)
	p.DataProfile = "synthetic"
	require.NoError(t, st.UpsertProject(ctx, p))

	run, err := runner.Run(ctx, Archive(ok("nas", StateArchived)), Request{ProjectID: "p1", Force: true})
	require.NoError(t, err)
	assert.Equal(t, StateBlockedNonRealData, run.Domains[0].RootState)
	assert.Equal(t, models.ProjectReadyToArchive, projectStatus(t, st))

	run, err = runner.Run(ctx, Archive(ok("nas", StateArchived)), Request{ProjectID: "p1", AllowNonReal: true})
	require.NoError(t, err)
	assert.False(t, run.HasErrors)
	assert.Equal(t, 2, history(t, st, WorkflowArchive).Runs.Len())
}

func TestRunAlreadyRunningRecordsNothing(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectArchiving)
	held, err := runner.locker.TryAcquire(ctx, "p1", LockKindProjectStructure, "archive-job")
	require.NoError(t, err)
	require.NotNil(t, held)

	nas := ok("nas", StateArchived)
	_, err = runner.Run(ctx, Archive(nas), Request{ProjectID: "p1", Force: true})
	require.ErrorIs(t, err, ErrWorkflowRunning)
	assert.Zero(t, nas.calls.Load())
	assert.Equal(t, 0, history(t, st, WorkflowArchive).Runs.Len())
	assert.Equal(t, models.ProjectArchiving, projectStatus(t, st))
}

func TestRunRecoversAbandonedInProgressStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		def    func(...Executor) Definition
		state  string
		want   string
	}{
		{"archive", models.ProjectArchiving, Archive, StateArchived, models.ProjectArchived},
		{"bootstrap", models.ProjectProvisioning, Bootstrap, StateRootCreated, models.ProjectActive},
		{"delivery", models.ProjectDelivering, func(e ...Executor) Definition { return Delivery(nil, "", e...) }, StateShareCreated, models.ProjectDelivered},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Status set by a worker that died; its lease is gone.
			runner, st := setup(t, tc.status)
			exec := ok("nas", tc.state)

			run, err := runner.Run(context.Background(), tc.def(exec), Request{ProjectID: "p1"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeSucceeded, run.Outcome)
			assert.EqualValues(t, 1, exec.calls.Load())
			assert.Equal(t, tc.want, projectStatus(t, st))
		})
	}
}

func TestRunAbandonedStatusOfAnotherWorkflow(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectArchiving)
	nas := ok("nas", StateShareCreated)

	run, err := runner.Run(ctx, Delivery(nil, "", nas), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, run.Outcome)
	assert.Zero(t, nas.calls.Load())
	assert.Equal(t, models.ProjectArchiving, projectStatus(t, st))

	run, err = runner.Run(ctx, Delivery(nil, "", nas), Request{ProjectID: "p1", Force: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, run.Outcome)
	assert.EqualValues(t, 1, nas.calls.Load())
	assert.Equal(t, models.ProjectDelivered, projectStatus(t, st))
}

func TestRunKeepsLeaseAliveWhileExecuting(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.UpsertProject(ctx, models.Project{
		ID: "p1", StatusKey: models.ProjectReadyToArchive, DataProfile: models.DataProfileReal,
	}))
	locker := NewStoreLocker(st, 60*time.Millisecond)
	runner := NewRunner(st, locker, zap.NewNop())

	var rival *Lease
	nas := ok("nas", StateArchived)
	nas.hook = func(ctx context.Context) {
		time.Sleep(200 * time.Millisecond)
		rival, _ = locker.TryAcquire(ctx, "p1", LockKindProjectStructure, "rival")
	}

	run, err := runner.Run(ctx, Archive(nas), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.False(t, run.HasErrors)
	assert.Nil(t, rival, "the lease outlived its TTL because the runner renewed it")
}

type lostLeaseStore struct{ LeaseStore }

func (lostLeaseStore) RenewLease(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestRunAbortsWhenLeaseIsLost(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	runner.locker = NewStoreLocker(lostLeaseStore{st}, 30*time.Millisecond)

	first := ok("nas", StateArchived)
	first.hook = func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
	second := ok("s3", StateArchived)

	_, err := runner.Run(ctx, Archive(first, second), Request{ProjectID: "p1"})
	require.ErrorIs(t, err, ErrWorkflowLeaseLost)
	assert.Zero(t, second.calls.Load())
	assert.Equal(t, 0, history(t, st, WorkflowArchive).Runs.Len())
	assert.Equal(t, models.ProjectArchiving, projectStatus(t, st), "status belongs to whoever holds the lease now")
}

func TestRunLockContention(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)

	held, err := runner.locker.TryAcquire(ctx, "p1", LockKindProjectStructure, "someone-else")
	require.NoError(t, err)
	require.NotNil(t, held)

	nas := ok("nas", StateArchived)
	_, err = runner.Run(ctx, Archive(nas), Request{ProjectID: "p1"})
	require.ErrorIs(t, err, ErrWorkflowRunning)
	assert.Zero(t, nas.calls.Load())
	assert.Equal(t, models.ProjectReadyToArchive, projectStatus(t, st))

	require.NoError(t, held.Release(ctx))
	_, err = runner.Run(ctx, Archive(nas), Request{ProjectID: "p1"})
	require.NoError(t, err)
}

func TestRunArchiveAndDeliveryShareTheProjectLease(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)

	entered := make(chan struct{})
	release := make(chan struct{})
	nas := ok("nas", StateArchived)
	nas.hook = func(context.Context) {
		close(entered)
		<-release
	}
	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, Archive(nas), Request{ProjectID: "p1", JobID: "archive-job"})
		done <- err
	}()
	<-entered

	deliver := ok("nas", StateDestinationReady)
	blocked, err := runner.Run(ctx, Delivery(nil, "", deliver), Request{ProjectID: "p1", JobID: "delivery-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, blocked.Outcome)

	_, err = runner.Run(ctx, Delivery(nil, "", deliver), Request{ProjectID: "p1", JobID: "delivery-2", Force: true})
	require.ErrorIs(t, err, ErrWorkflowRunning)
	assert.Zero(t, deliver.calls.Load(), "forced delivery must not run beside the archive")

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, models.ProjectArchived, projectStatus(t, st))
	assert.Equal(t, 1, history(t, st, WorkflowArchive).Runs.Len())
	delivery := history(t, st, WorkflowDelivery)
	require.Equal(t, 1, delivery.Runs.Len(), "blocked delivery survives the archive commit")
	assert.Equal(t, blocked.RunID, delivery.Current.RunID)
}

// staleReadProjects runs afterFirstRead once the first project read has
// returned, so the caller holds a snapshot that is already out of date.
type staleReadProjects struct {
	*memstore.Store
	afterFirstRead func()
	reads          int
}

func (s *staleReadProjects) GetProject(ctx context.Context, id string) (models.Project, error) {
	p, err := s.Store.GetProject(ctx, id)
	s.reads++
	if s.reads == 1 && s.afterFirstRead != nil {
		s.afterFirstRead()
	}
	return p, err
}

func TestRunRechecksGuardsUnderLease(t *testing.T) {
	ctx := context.Background()
	first, st := setup(t, models.ProjectReadyToProvision)
	nas := ok("nas", StateRootCreated)

	var firstRun RunResult
	stale := &staleReadProjects{Store: st, afterFirstRead: func() {
		var err error
		firstRun, err = first.Run(ctx, Bootstrap(nas), Request{ProjectID: "p1", JobID: "a"})
		require.NoError(t, err)
	}}
	second := NewRunner(stale, NewStoreLocker(st, time.Hour), zap.NewNop())

	run, err := second.Run(ctx, Bootstrap(nas), Request{ProjectID: "p1", JobID: "b"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, firstRun.Outcome)
	assert.Equal(t, OutcomeBlocked, run.Outcome)
	assert.Equal(t, StateBlockedStatusNotReady, run.Domains[0].RootState)
	assert.EqualValues(t, 1, nas.calls.Load(), "bootstrap runs once")

	assert.Equal(t, models.ProjectActive, projectStatus(t, st))
	runs := history(t, st, WorkflowBootstrap).Runs.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, firstRun.RunID, runs[0].RunID)
	assert.Equal(t, run.RunID, runs[1].RunID)
}

func TestRunReleasesLockAndSetsInProgress(t *testing.T) {
	ctx := context.Background()
	runner, st := setup(t, models.ProjectReadyToArchive)
	var during string
	nas := ok("nas", StateArchived)
	nas.hook = func(ctx context.Context) {
		p, _ := st.GetProject(ctx, "p1")
		during = p.StatusKey
	}

	_, err := runner.Run(ctx, Archive(nas), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectArchiving, during)

	lease, err := runner.locker.TryAcquire(ctx, "p1", LockKindProjectStructure, "next")
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestRunCancellationRestoresStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner, st := setup(t, models.ProjectReadyToArchive)
	first := ok("nas", StateArchived)
	first.hook = func(context.Context) { cancel() }
	second := ok("s3", StateArchived)

	_, err := runner.Run(ctx, Archive(first, second), Request{ProjectID: "p1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, second.calls.Load())
	assert.Equal(t, models.ProjectReadyToArchive, projectStatus(t, st))
	assert.Equal(t, 0, history(t, st, WorkflowArchive).Runs.Len())

	lease, err := runner.locker.TryAcquire(context.Background(), "p1", LockKindProjectStructure, "next")
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestRunUnknownProject(t *testing.T) {
	runner, _ := setup(t, models.ProjectReadyToArchive)
	_, err := runner.Run(context.Background(), Archive(), Request{ProjectID: "nope"})
	require.ErrorIs(t, err, models.ErrProjectNotFound)

	_, err = runner.Run(context.Background(), Archive(), Request{})
	require.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestRunDeliveryEmailFailureIsANote(t *testing.T) {
	runner, st := setup(t, models.ProjectReadyToDeliver)
	gw := &recordingGateway{err: errors.New("smtp down")}

	run, err := runner.Run(context.Background(), Delivery(gw, "", ok("nas", StateSourceReady)), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.False(t, run.HasErrors)
	assert.Contains(t, run.Notes[0], "smtp down")
	assert.Equal(t, models.ProjectDelivered, projectStatus(t, st))
}

func TestRunLogsOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	runner, _ := setup(t, models.ProjectReadyToArchive)
	runner.logger = zap.New(core)

	_, err := runner.Run(context.Background(), Archive(ok("nas", StateArchived)), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("workflow finished").Len())
}
