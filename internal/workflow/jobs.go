package workflow

import (
	"context"
	"errors"
	"fmt"

	"studio-jobcore/internal/models"
	"studio-jobcore/internal/worker"
)

// JobHandler adapts a workflow definition to the worker. A recorded run,
// blocked or failed included, completes the job; the outcome lives in the
// project history. Only infrastructure errors are retried.
func JobHandler(runner *Runner, def Definition, payloads worker.PayloadStore) worker.Handler {
	return func(ctx context.Context, job models.Job) error {
		req, err := requestFromJob(job)
		if err != nil {
			return worker.Permanent(err)
		}
		run, err := runner.Run(ctx, def, req)
		if err != nil {
			if errors.Is(err, ErrWorkflowRunning) ||
				errors.Is(err, models.ErrInvalidRequest) ||
				errors.Is(err, models.ErrProjectNotFound) {
				return worker.Permanent(err)
			}
			return err
		}
		if payloads == nil {
			return nil
		}
		payload := clonePayload(job.Payload)
		payload["runId"] = run.RunID
		payload["outcome"] = run.Outcome
		payload["hasErrors"] = run.HasErrors
		if run.LastError != "" {
			payload["lastError"] = run.LastError
		}
		if url := run.ShareURL(); url != "" {
			payload["shareUrl"] = url
		}
		if err := payloads.UpdatePayload(ctx, job.ID, payload); err != nil {
			return fmt.Errorf("annotate job payload: %w", err)
		}
		return nil
	}
}

func requestFromJob(job models.Job) (Request, error) {
	req := Request{
		JobID:        job.ID,
		HolderID:     job.ID,
		ProjectID:    stringField(job.Payload, "projectId"),
		RequestedBy:  stringField(job.Payload, "requestedBy"),
		Force:        boolField(job.Payload, "force"),
		AllowNonReal: boolField(job.Payload, "allowNonReal"),
	}
	if req.ProjectID == "" && job.EntityType == models.EntityTypeProject {
		req.ProjectID = job.EntityKey
	}
	if req.ProjectID == "" {
		return Request{}, fmt.Errorf("%w: job %s has no projectId", models.ErrInvalidRequest, job.ID)
	}
	return req, nil
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func boolField(p map[string]any, key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+4)
	for k, v := range p {
		out[k] = v
	}
	return out
}
