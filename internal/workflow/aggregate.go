package workflow

import (
	"fmt"
	"strings"
)

// Outcome is the aggregated verdict over a run's domain results.
type Outcome struct {
	HasErrors bool
	LastError string
}

// Aggregate classifies domain results. A run has errors when any domain
// failed, or, with requireSuccess, when no domain succeeded. The reported
// error comes from the first domain's provisioning errors, then the first
// failed domain's first note, then a generic message.
func Aggregate(workflow string, results []DomainResult, requireSuccess bool) Outcome {
	var firstFailed *DomainResult
	succeeded := 0
	for i := range results {
		if results[i].Failed() {
			if firstFailed == nil {
				firstFailed = &results[i]
			}
			continue
		}
		succeeded++
	}

	hasErrors := firstFailed != nil || (requireSuccess && succeeded == 0)
	if !hasErrors {
		return Outcome{}
	}

	if len(results) > 0 && results[0].Provisioning != nil && len(results[0].Provisioning.Errors) > 0 {
		return Outcome{HasErrors: true, LastError: strings.Join(results[0].Provisioning.Errors, "; ")}
	}
	if firstFailed != nil && len(firstFailed.Notes) > 0 {
		return Outcome{HasErrors: true, LastError: firstFailed.Notes[0]}
	}
	return Outcome{HasErrors: true, LastError: fmt.Sprintf("%s run completed with errors", workflow)}
}

// BlockedResults builds one result per domain sharing the same state and
// note, so a run refused before any domain executed records like any other.
func BlockedResults(domains []string, rootState, note string) []DomainResult {
	out := make([]DomainResult, 0, len(domains))
	for _, d := range domains {
		out = append(out, DomainResult{Domain: d, RootState: rootState, Notes: []string{note}})
	}
	return out
}
