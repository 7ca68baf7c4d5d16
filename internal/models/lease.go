package models

import "time"

// WorkflowLease records who holds the workflow lock for (ScopeID, Kind).
type WorkflowLease struct {
	ScopeID    string    `json:"scope_id"`
	Kind       string    `json:"kind"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
