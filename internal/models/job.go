package models

import (
	"errors"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job type keys. Dispatch is a flat string match on these.
const (
	JobTypeProjectBootstrap   = "project.bootstrap"
	JobTypeProjectArchive     = "project.archive"
	JobTypeProjectDelivery    = "project.delivery"
	JobTypeSquareWebhookEvent = "square.webhook_event.process"
)

// EntityTypeProject tags jobs that target a project row.
const EntityTypeProject = "project"

// StaleRunningThreshold is how long a running job without a lease may sit
// before the reaper assumes its worker died.
const StaleRunningThreshold = 60 * time.Minute

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrInvalidRequest  = errors.New("invalid request")

	// ErrLeaseLost means the worker no longer owns the running job, so its
	// outcome was not written.
	ErrLeaseLost = errors.New("job lease lost")
)

// Job is a row of the persisted work queue.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempt_count"`
	MaxAttempts int            `json:"max_attempts"`
	RunAfter    time.Time      `json:"run_after"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	LockedUntil *time.Time     `json:"locked_until,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	EntityType  string         `json:"entity_type,omitempty"`
	EntityKey   string         `json:"entity_key,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type        string
	Payload     map[string]any
	MaxAttempts int
	RunAfter    time.Time
	EntityType  string
	EntityKey   string
}

// ListJobsParams filters job listings. Zero values mean "any".
type ListJobsParams struct {
	Status     string
	EntityType string
	EntityKey  string
	Limit      int
}
