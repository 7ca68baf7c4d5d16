package workflow

import (
	"fmt"
	"strings"

	"studio-jobcore/internal/models"
)

// Guard decides whether a workflow may start from a project's status.
type Guard struct {
	Workflow   string
	InProgress string
	Allowed    []string
}

// Decision is the outcome of Guard.ValidateStart.
type Decision struct {
	OK             bool
	Err            string
	AlreadyRunning bool
}

// ValidateStart applies, in order: an in-progress status always refuses
// (force cannot override it); force passes; otherwise the status must be
// one of the allowed starting statuses.
func (g Guard) ValidateStart(current string, force bool) Decision {
	if current == g.InProgress {
		return Decision{
			Err:            fmt.Sprintf("%s is already in progress (status %q)", g.Workflow, current),
			AlreadyRunning: true,
		}
	}
	if force {
		return Decision{OK: true}
	}
	for _, s := range g.Allowed {
		if s == current {
			return Decision{OK: true}
		}
	}
	return Decision{
		Err: fmt.Sprintf("%s cannot start from status %q; expected one of: %s",
			g.Workflow, current, strings.Join(g.Allowed, ", ")),
	}
}

// CheckDataProfile refuses non-real data profiles unless explicitly allowed.
// It returns an empty string when the run may proceed.
func CheckDataProfile(profile string, allowNonReal bool) string {
	if profile == models.DataProfileReal || allowNonReal {
		return ""
	}
	if profile == "" {
		profile = "unset"
	}
	return fmt.Sprintf("data profile %q is not real; pass allowNonReal to run against it", profile)
}
