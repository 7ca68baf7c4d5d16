// Package workflow holds the machinery shared by the project bootstrap,
// archive and delivery workflows: the start guard, the per-project lock,
// domain result aggregation and the bounded run history kept in project
// metadata.
package workflow

import (
	"strings"
	"time"
)

// Root states reported by domain executors. Anything starting with
// "blocked_" or "cleanup_", ending in "_failed", or in the missing set is
// an error; all other states are successes.
const (
	StateBlockedStatusNotReady = "blocked_status_not_ready"
	StateBlockedNonRealData    = "blocked_non_real_data"

	StateRootCreated     = "root_created"
	StateRootReady       = "root_ready"
	StateProvisionFailed = "provision_failed"

	StateArchived          = "archived"
	StateAlreadyArchived   = "already_archived"
	StateCleanupIncomplete = "cleanup_incomplete"
	StateArchiveFailed     = "archive_failed"

	StateSourceReady      = "source_ready"
	StateDestinationReady = "destination_ready"
	StateShareCreated     = "share_created"
	StateDeliveryFailed   = "delivery_failed"

	StateSourceMissing      = "source_missing"
	StateContainerMissing   = "container_missing"
	StateRootMissing        = "root_missing"
	StateDestinationMissing = "destination_missing"
)

var missingStates = map[string]bool{
	StateSourceMissing:      true,
	StateContainerMissing:   true,
	StateRootMissing:        true,
	StateDestinationMissing: true,
}

// IsErrorState classifies a root state tag.
func IsErrorState(state string) bool {
	switch {
	case strings.HasPrefix(state, "blocked_"),
		strings.HasPrefix(state, "cleanup_"),
		strings.HasSuffix(state, "_failed"):
		return true
	}
	return missingStates[state]
}

// Run outcomes written to the history snapshot.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeBlocked   = "blocked"
)

// ProvisioningSummary is the structured detail a domain may attach when it
// creates storage layout.
type ProvisioningSummary struct {
	Created  []string `json:"created,omitempty"`
	Existing []string `json:"existing,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// DomainResult is one storage domain's outcome within a run.
type DomainResult struct {
	Domain       string               `json:"domain"`
	RootState    string               `json:"rootState"`
	Notes        []string             `json:"notes,omitempty"`
	Provisioning *ProvisioningSummary `json:"provisioning,omitempty"`
	ShareURL     string               `json:"shareUrl,omitempty"`
}

// Failed reports whether the result is classified as an error.
func (d DomainResult) Failed() bool { return IsErrorState(d.RootState) }

// RunResult is one recorded execution of a workflow against a project.
type RunResult struct {
	RunID       string         `json:"runId"`
	JobID       string         `json:"jobId,omitempty"`
	EntityID    string         `json:"entityId"`
	Workflow    string         `json:"workflow"`
	Outcome     string         `json:"outcome"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	Domains     []DomainResult `json:"domains"`
	HasErrors   bool           `json:"hasErrors"`
	LastError   string         `json:"lastError,omitempty"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	Forced      bool           `json:"forced,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
}

// ShareURL returns the first share link any domain produced.
func (r RunResult) ShareURL() string {
	for _, d := range r.Domains {
		if d.ShareURL != "" {
			return d.ShareURL
		}
	}
	return ""
}
