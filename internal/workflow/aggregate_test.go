package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	t.Run("all succeeded", func(t *testing.T) {
		out := Aggregate(WorkflowDelivery, []DomainResult{
			{Domain: "nas", RootState: StateSourceReady},
			{Domain: "s3", RootState: StateShareCreated},
		}, false)
		assert.False(t, out.HasErrors)
		assert.Empty(t, out.LastError)
	})

	t.Run("first failed note wins", func(t *testing.T) {
		out := Aggregate(WorkflowArchive, []DomainResult{
			{Domain: "nas", RootState: StateArchived},
			{Domain: "s3", RootState: StateArchiveFailed, Notes: []string{"bucket unreachable", "second"}},
			{Domain: "gdrive", RootState: StateRootMissing, Notes: []string{"missing"}},
		}, false)
		assert.True(t, out.HasErrors)
		assert.Equal(t, "bucket unreachable", out.LastError)
	})

	t.Run("provisioning errors take precedence", func(t *testing.T) {
		out := Aggregate(WorkflowBootstrap, []DomainResult{
			{Domain: "nas", RootState: StateRootCreated, Provisioning: &ProvisioningSummary{Errors: []string{"mkdir raw: denied", "mkdir edit: denied"}}},
			{Domain: "s3", RootState: StateProvisionFailed, Notes: []string{"s3 down"}},
		}, true)
		assert.True(t, out.HasErrors)
		assert.Equal(t, "mkdir raw: denied; mkdir edit: denied", out.LastError)
	})

	t.Run("failure without notes", func(t *testing.T) {
		out := Aggregate(WorkflowArchive, []DomainResult{{Domain: "nas", RootState: StateCleanupIncomplete}}, false)
		assert.True(t, out.HasErrors)
		assert.Equal(t, "archive run completed with errors", out.LastError)
	})

	t.Run("require success with no domains", func(t *testing.T) {
		out := Aggregate(WorkflowBootstrap, nil, true)
		assert.True(t, out.HasErrors)
		assert.Equal(t, "bootstrap run completed with errors", out.LastError)
	})

	t.Run("no domains without requirement", func(t *testing.T) {
		assert.False(t, Aggregate(WorkflowArchive, nil, false).HasErrors)
	})
}

func TestBlockedResults(t *testing.T) {
	res := BlockedResults([]string{"nas", "s3"}, StateBlockedNonRealData, "not real")
	assert.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, StateBlockedNonRealData, r.RootState)
		assert.Equal(t, []string{"not real"}, r.Notes)
		assert.True(t, r.Failed())
	}
	assert.Empty(t, BlockedResults(nil, StateBlockedNonRealData, "x"))
}
