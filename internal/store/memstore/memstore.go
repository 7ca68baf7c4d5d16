// Package memstore is an in-process implementation of the store API. It
// mirrors the Postgres semantics (claim eligibility, FIFO order, retry
// backoff, reaping, leases) behind a single mutex and is used by tests and
// by local runs without a database.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio-jobcore/internal/backoff"
	"studio-jobcore/internal/models"
)

// ReapMessage matches the Postgres store's reaper text.
const ReapMessage = "lease expired or worker stopped responding; job returned to queue"

// Store keeps jobs, projects and leases in memory.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	jobs     map[string]*models.Job
	order    map[string]int64
	projects map[string]models.Project
	leases   map[string]models.WorkflowLease
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*models.Job),
		order:    make(map[string]int64),
		projects: make(map[string]models.Project),
		leases:   make(map[string]models.WorkflowLease),
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Enqueue(_ context.Context, p models.EnqueueParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, fmt.Errorf("%w: job type is required", models.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.RunAfter.IsZero() {
		p.RunAfter = now
	}
	payload, err := clonePayload(p.Payload)
	if err != nil {
		return models.Job{}, err
	}
	job := &models.Job{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Payload:     payload,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		RunAfter:    p.RunAfter,
		EntityType:  p.EntityType,
		EntityKey:   p.EntityKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.seq++
	s.jobs[job.ID] = job
	s.order[job.ID] = s.seq
	return copyJob(job)
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	return copyJob(job)
}

func (s *Store) ListJobs(_ context.Context, p models.ListJobsParams) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	ids := s.sortedIDs()
	out := make([]models.Job, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && len(out) < p.Limit; i-- {
		job := s.jobs[ids[i]]
		if p.Status != "" && job.Status != p.Status {
			continue
		}
		if p.EntityType != "" && job.EntityType != p.EntityType {
			continue
		}
		if p.EntityKey != "" && job.EntityKey != p.EntityKey {
			continue
		}
		c, err := copyJob(job)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) TryClaimJob(_ context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range s.sortedIDs() {
		job := s.jobs[id]
		if job.Status != models.StatusQueued || job.RunAfter.After(now) {
			continue
		}
		if job.LockedUntil != nil && !job.LockedUntil.Before(now) {
			continue
		}
		until := now.Add(lease)
		holder := workerID
		job.Status = models.StatusRunning
		job.LockedBy = &holder
		job.LockedUntil = &until
		if job.StartedAt == nil {
			started := now
			job.StartedAt = &started
		}
		job.LastError = nil
		job.UpdatedAt = now
		c, err := copyJob(job)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, nil
}

func (s *Store) ReapStaleRunningJobs(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, job := range s.jobs {
		if job.Status != models.StatusRunning {
			continue
		}
		expired := job.LockedUntil != nil && job.LockedUntil.Before(now)
		abandoned := job.LockedUntil == nil && job.StartedAt != nil && job.StartedAt.Before(now.Add(-models.StaleRunningThreshold))
		if !expired && !abandoned {
			continue
		}
		msg := ReapMessage
		job.Status = models.StatusQueued
		job.RunAfter = now
		job.LockedBy = nil
		job.LockedUntil = nil
		job.LastError = &msg
		job.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) MarkSucceeded(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || !ownedBy(job, workerID) {
		return models.ErrLeaseLost
	}
	now := s.now()
	job.Status = models.StatusSucceeded
	job.FinishedAt = &now
	job.LockedBy = nil
	job.LockedUntil = nil
	job.LastError = nil
	job.UpdatedAt = now
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, workerID string, newAttempts int, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || !ownedBy(job, workerID) {
		return false, models.ErrLeaseLost
	}
	now := s.now()
	msg := errText
	job.Attempts = newAttempts
	job.LockedBy = nil
	job.LockedUntil = nil
	job.LastError = &msg
	job.UpdatedAt = now
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	job.Payload["lastError"] = errText

	if newAttempts < job.MaxAttempts {
		job.Status = models.StatusQueued
		job.RunAfter = now.Add(backoff.Delay(newAttempts))
		job.FinishedAt = nil
		return false, nil
	}
	job.Status = models.StatusFailed
	job.FinishedAt = &now
	return true, nil
}

func (s *Store) UpdatePayload(_ context.Context, id string, payload map[string]any) error {
	cloned, err := clonePayload(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Payload = cloned
	job.UpdatedAt = s.now()
	return nil
}

func (s *Store) ExtendLease(_ context.Context, id, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || !ownedBy(job, workerID) {
		return false, nil
	}
	until := s.now().Add(lease)
	job.LockedUntil = &until
	job.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) Stats(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })
	return ids
}

// clonePayload deep-copies through JSON so callers never share maps with
// stored rows, matching what a database round trip does.
func clonePayload(p map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if p == nil {
		return out, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

func copyJob(j *models.Job) (models.Job, error) {
	c := *j
	payload, err := clonePayload(j.Payload)
	if err != nil {
		return models.Job{}, err
	}
	c.Payload = payload
	if j.LockedBy != nil {
		v := *j.LockedBy
		c.LockedBy = &v
	}
	if j.LockedUntil != nil {
		v := *j.LockedUntil
		c.LockedUntil = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	if j.LastError != nil {
		v := *j.LastError
		c.LastError = &v
	}
	return c, nil
}

func ownedBy(job *models.Job, workerID string) bool {
	return job.Status == models.StatusRunning && job.LockedBy != nil && *job.LockedBy == workerID
}
