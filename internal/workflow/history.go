package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"studio-jobcore/internal/models"
)

// HistoryLimit is how many runs each workflow keeps per project.
const HistoryLimit = 10

// StateVersion is the current schema version of the project workflow document.
const StateVersion = 1

// RunRing keeps the newest HistoryLimit runs in a fixed array. head is the
// slot of the oldest run.
type RunRing struct {
	buf  [HistoryLimit]RunResult
	head int
	n    int
}

// Push appends run, overwriting the oldest entry once full.
func (r *RunRing) Push(run RunResult) {
	if r.n < HistoryLimit {
		r.buf[(r.head+r.n)%HistoryLimit] = run
		r.n++
		return
	}
	r.buf[r.head] = run
	r.head = (r.head + 1) % HistoryLimit
}

// Len returns the number of stored runs.
func (r *RunRing) Len() int { return r.n }

// Runs returns the stored runs oldest first.
func (r *RunRing) Runs() []RunResult {
	out := make([]RunResult, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%HistoryLimit])
	}
	return out
}

// Latest returns the newest run.
func (r *RunRing) Latest() (RunResult, bool) {
	if r.n == 0 {
		return RunResult{}, false
	}
	return r.buf[(r.head+r.n-1)%HistoryLimit], true
}

func (r RunRing) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Runs())
}

func (r *RunRing) UnmarshalJSON(data []byte) error {
	var runs []RunResult
	if err := json.Unmarshal(data, &runs); err != nil {
		return err
	}
	*r = RunRing{}
	for _, run := range runs {
		r.Push(run)
	}
	return nil
}

// Snapshot is the derived "current" view of a workflow namespace.
type Snapshot struct {
	RunID       string            `json:"runId,omitempty"`
	JobID       string            `json:"jobId,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty"`
	HasErrors   *bool             `json:"hasErrors,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	RequestedBy string            `json:"requestedBy,omitempty"`
	Domains     map[string]string `json:"domains,omitempty"`
	ShareURL    string            `json:"shareUrl,omitempty"`
}

func snapshotOf(run RunResult) Snapshot {
	s := Snapshot{
		RunID:       run.RunID,
		JobID:       run.JobID,
		Outcome:     run.Outcome,
		LastError:   run.LastError,
		RequestedBy: run.RequestedBy,
		ShareURL:    run.ShareURL(),
	}
	hasErrors := run.HasErrors
	s.HasErrors = &hasErrors
	if !run.StartedAt.IsZero() {
		t := run.StartedAt
		s.StartedAt = &t
	}
	if !run.FinishedAt.IsZero() {
		t := run.FinishedAt
		s.FinishedAt = &t
	}
	if len(run.Domains) > 0 {
		s.Domains = make(map[string]string, len(run.Domains))
		for _, d := range run.Domains {
			s.Domains[d.Domain] = d.RootState
		}
	}
	return s
}

// Merge overlays the non-empty fields of next onto s. Fields next leaves
// empty keep their prior value.
func (s Snapshot) Merge(next Snapshot) Snapshot {
	if next.RunID != "" {
		s.RunID = next.RunID
	}
	if next.JobID != "" {
		s.JobID = next.JobID
	}
	if next.Outcome != "" {
		s.Outcome = next.Outcome
	}
	if next.StartedAt != nil {
		s.StartedAt = next.StartedAt
	}
	if next.FinishedAt != nil {
		s.FinishedAt = next.FinishedAt
	}
	if next.HasErrors != nil {
		s.HasErrors = next.HasErrors
	}
	if next.LastError != "" {
		s.LastError = next.LastError
	}
	if next.RequestedBy != "" {
		s.RequestedBy = next.RequestedBy
	}
	if len(next.Domains) > 0 {
		s.Domains = next.Domains
	}
	if next.ShareURL != "" {
		s.ShareURL = next.ShareURL
	}
	return s
}

// Namespace is one workflow's slice of the project document.
type Namespace struct {
	Current Snapshot `json:"current"`
	Runs    RunRing  `json:"runs"`
}

// State is the typed project workflow document. Keys it does not know are
// kept verbatim so other writers' data survives a rewrite.
type State struct {
	Version   int
	Bootstrap *Namespace
	Archive   *Namespace
	Delivery  *Namespace

	extra map[string]json.RawMessage
}

// ParseState decodes a metadata document. Empty input yields an empty state.
func ParseState(doc []byte) (*State, error) {
	st := &State{extra: map[string]json.RawMessage{}}
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return st, nil
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow state: %w", err)
	}
	for key, val := range raw {
		var err error
		switch key {
		case "version":
			err = json.Unmarshal(val, &st.Version)
		case WorkflowBootstrap:
			st.Bootstrap, err = parseNamespace(val)
		case WorkflowArchive:
			st.Archive, err = parseNamespace(val)
		case WorkflowDelivery:
			st.Delivery, err = parseNamespace(val)
		default:
			st.extra[key] = val
		}
		if err != nil {
			return nil, fmt.Errorf("parse workflow state %q: %w", key, err)
		}
	}
	return st, nil
}

func parseNamespace(val json.RawMessage) (*Namespace, error) {
	if bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
		return nil, nil
	}
	ns := &Namespace{}
	if err := json.Unmarshal(val, ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// Namespace returns the namespace for workflow, creating it when missing.
func (s *State) Namespace(workflow string) (*Namespace, error) {
	var slot **Namespace
	switch workflow {
	case WorkflowBootstrap:
		slot = &s.Bootstrap
	case WorkflowArchive:
		slot = &s.Archive
	case WorkflowDelivery:
		slot = &s.Delivery
	default:
		return nil, fmt.Errorf("unknown workflow %q", workflow)
	}
	if *slot == nil {
		*slot = &Namespace{}
	}
	return *slot, nil
}

func (s *State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.extra)+4)
	for k, v := range s.extra {
		out[k] = v
	}
	out["version"] = s.Version
	if s.Bootstrap != nil {
		out[WorkflowBootstrap] = s.Bootstrap
	}
	if s.Archive != nil {
		out[WorkflowArchive] = s.Archive
	}
	if s.Delivery != nil {
		out[WorkflowDelivery] = s.Delivery
	}
	return json.Marshal(out)
}

// AppendRun merges run into the metadata document: the run joins the
// bounded history and its non-empty fields overwrite the namespace's
// current snapshot.
func AppendRun(metadata []byte, run RunResult) ([]byte, error) {
	st, err := ParseState(metadata)
	if err != nil {
		return nil, err
	}
	ns, err := st.Namespace(run.Workflow)
	if err != nil {
		return nil, err
	}
	ns.Runs.Push(run)
	ns.Current = ns.Current.Merge(snapshotOf(run))
	st.Version = StateVersion
	return json.Marshal(st)
}

// AnnotateRun adds note to the recorded run with runID. A run that has
// already been trimmed from the history leaves the document unchanged.
func AnnotateRun(metadata []byte, workflow, runID, note string) ([]byte, error) {
	st, err := ParseState(metadata)
	if err != nil {
		return nil, err
	}
	ns, err := st.Namespace(workflow)
	if err != nil {
		return nil, err
	}
	if !ns.Runs.annotate(runID, note) {
		return metadata, nil
	}
	return json.Marshal(st)
}

func (r *RunRing) annotate(runID, note string) bool {
	for i := 0; i < r.n; i++ {
		run := &r.buf[(r.head+i)%HistoryLimit]
		if run.RunID == runID {
			run.Notes = append(run.Notes, note)
			return true
		}
	}
	return false
}

// ProjectStore is the project persistence the workflows need.
// UpdateProjectMetadata must apply fn atomically with respect to other
// metadata writers of the same project.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
	UpdateProjectMetadata(ctx context.Context, id string, fn func(doc []byte) ([]byte, error)) error
	UpdateProjectStatus(ctx context.Context, id, status string) error
}

// Appender persists runs into project metadata.
type Appender struct {
	projects ProjectStore
}

func NewAppender(projects ProjectStore) *Appender {
	return &Appender{projects: projects}
}

// Append merges run into the stored document and then, as a separate step,
// sets the project's status. An empty status leaves the status as is. The
// merge starts from the document as stored, never from a caller's copy, so
// runs recorded concurrently by other workflows are kept.
func (a *Appender) Append(ctx context.Context, entityID string, run RunResult, status string) error {
	err := a.projects.UpdateProjectMetadata(ctx, entityID, func(doc []byte) ([]byte, error) {
		return AppendRun(doc, run)
	})
	if err != nil {
		return fmt.Errorf("save run history: %w", err)
	}
	if status == "" {
		return nil
	}
	if err := a.projects.UpdateProjectStatus(ctx, entityID, status); err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	return nil
}

// Annotate adds notes to an already recorded run.
func (a *Appender) Annotate(ctx context.Context, entityID string, run RunResult, notes ...string) error {
	if len(notes) == 0 {
		return nil
	}
	err := a.projects.UpdateProjectMetadata(ctx, entityID, func(doc []byte) ([]byte, error) {
		for _, note := range notes {
			var err error
			if doc, err = AnnotateRun(doc, run.Workflow, run.RunID, note); err != nil {
				return nil, err
			}
		}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("annotate run %s: %w", run.RunID, err)
	}
	return nil
}
