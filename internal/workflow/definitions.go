package workflow

import (
	"context"
	"errors"
	"fmt"

	"studio-jobcore/internal/models"
	"studio-jobcore/internal/notify"
)

// Workflow names. They double as metadata namespaces.
const (
	WorkflowBootstrap = "bootstrap"
	WorkflowArchive   = "archive"
	WorkflowDelivery  = "delivery"
)

// LockKindProjectStructure is the lease kind every workflow takes on its
// project. Bootstrap, archive and delivery all move project files, so at most
// one of them may run against a project at a time.
const LockKindProjectStructure = "project_structure"

// ErrWorkflowRunning means the workflow is already running for the project.
// Retrying within the same request cannot change that, so callers surface it
// instead of queueing a retry.
var ErrWorkflowRunning = errors.New("workflow already running")

// ErrWorkflowLeaseLost aborts a run whose project lease expired or was taken
// over before the run committed.
var ErrWorkflowLeaseLost = errors.New("workflow lease lost")

// Task is what a domain executor is asked to do.
type Task struct {
	Workflow string
	RunID    string
	JobID    string
	Project  models.Project
	Force    bool
}

// Executor performs one workflow's steps against one storage domain.
type Executor interface {
	Domain() string
	Execute(ctx context.Context, task Task) (DomainResult, error)
}

// Definition describes one workflow to the Runner.
type Definition struct {
	Name           string
	JobType        string
	Guard          Guard
	SuccessStatus  string
	FailureStatus  string
	FailedState    string
	RequireSuccess bool
	Executors      []Executor

	// AfterCommit runs once the run and status are persisted, still under
	// the project lease. Returned notes are added to the recorded run.
	AfterCommit func(ctx context.Context, project models.Project, run RunResult) []string
}

// Domains lists the executor domain keys in execution order.
func (d Definition) Domains() []string {
	out := make([]string, 0, len(d.Executors))
	for _, e := range d.Executors {
		out = append(out, e.Domain())
	}
	return out
}

// Bootstrap provisions a new project's storage layout. At least one domain
// must succeed for the run to count.
func Bootstrap(executors ...Executor) Definition {
	return Definition{
		Name:    WorkflowBootstrap,
		JobType: models.JobTypeProjectBootstrap,
		Guard: Guard{
			Workflow:   WorkflowBootstrap,
			InProgress: models.ProjectProvisioning,
			Allowed:    []string{models.ProjectReadyToProvision, models.ProjectProvisionFailed},
		},
		SuccessStatus:  models.ProjectActive,
		FailureStatus:  models.ProjectProvisionFailed,
		FailedState:    StateProvisionFailed,
		RequireSuccess: true,
		Executors:      executors,
	}
}

// Archive moves a finished project's files to archive storage.
func Archive(executors ...Executor) Definition {
	return Definition{
		Name:    WorkflowArchive,
		JobType: models.JobTypeProjectArchive,
		Guard: Guard{
			Workflow:   WorkflowArchive,
			InProgress: models.ProjectArchiving,
			Allowed:    []string{models.ProjectReadyToArchive, models.ProjectArchiveFailed},
		},
		SuccessStatus: models.ProjectArchived,
		FailureStatus: models.ProjectArchiveFailed,
		FailedState:   StateArchiveFailed,
		Executors:     executors,
	}
}

// Delivery hands deliverables to the client and, when every domain
// succeeded, notifies them through gateway. gateway may be nil.
func Delivery(gateway notify.Gateway, from string, executors ...Executor) Definition {
	def := Definition{
		Name:    WorkflowDelivery,
		JobType: models.JobTypeProjectDelivery,
		Guard: Guard{
			Workflow:   WorkflowDelivery,
			InProgress: models.ProjectDelivering,
			Allowed:    []string{models.ProjectReadyToDeliver, models.ProjectDeliveryFailed, models.ProjectDelivered},
		},
		SuccessStatus: models.ProjectDelivered,
		FailureStatus: models.ProjectDeliveryFailed,
		FailedState:   StateDeliveryFailed,
		Executors:     executors,
	}
	if gateway != nil {
		def.AfterCommit = func(ctx context.Context, project models.Project, run RunResult) []string {
			return notifyDelivered(ctx, gateway, from, project, run)
		}
	}
	return def
}

// abandonedStatus maps a workflow's in-progress status to its failure
// status. Seen under a freshly acquired project lease, an in-progress status
// belongs to a holder that died before restoring it.
func abandonedStatus(status string) (string, bool) {
	for _, def := range []Definition{Bootstrap(), Archive(), Delivery(nil, "")} {
		if status == def.Guard.InProgress {
			return def.FailureStatus, true
		}
	}
	return "", false
}

// Lookup returns the executor-less definition for a workflow name. Callers
// that only need the job type and guard, like the HTTP API, use it.
func Lookup(name string) (Definition, bool) {
	switch name {
	case WorkflowBootstrap:
		return Bootstrap(), true
	case WorkflowArchive:
		return Archive(), true
	case WorkflowDelivery:
		return Delivery(nil, ""), true
	}
	return Definition{}, false
}

// The email goes out only after the delivered run is committed, so a retry
// caused by a failed history write never sends it twice. A failed send is a
// note; it never turns a delivered run into a failed one.
func notifyDelivered(ctx context.Context, gateway notify.Gateway, from string, project models.Project, run RunResult) []string {
	if run.HasErrors || project.ClientEmail == "" {
		return nil
	}
	msg := notify.Message{
		From:    from,
		To:      project.ClientEmail,
		Subject: fmt.Sprintf("%s is ready", project.Name),
		Body:    deliveryBody(project, run.ShareURL()),
	}
	audit, err := gateway.Send(ctx, msg)
	if err != nil {
		return []string{"delivery email not sent: " + err.Error()}
	}
	return []string{fmt.Sprintf("delivery email sent to %s (%s)", msg.To, audit.MessageID)}
}

func deliveryBody(project models.Project, shareURL string) string {
	body := fmt.Sprintf("Hello %s,\n\nThe files for %s have been delivered.", project.ClientName, project.Name)
	if shareURL != "" {
		body += "\n\nDownload: " + shareURL
	}
	return body
}
