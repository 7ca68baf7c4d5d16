package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-jobcore/internal/models"
	"studio-jobcore/internal/store/memstore"
)

func TestWebhookEventHandler(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	job, err := st.Enqueue(ctx, models.EnqueueParams{
		Type:    models.JobTypeSquareWebhookEvent,
		Payload: map[string]any{"eventId": "evt_42"},
	})
	require.NoError(t, err)

	require.NoError(t, WebhookEventHandler(st, nil)(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "evt_42", got.Payload["eventId"])
	assert.NotEmpty(t, got.Payload["acknowledgedAt"])
}

func TestWebhookEventHandlerRequiresEventID(t *testing.T) {
	err := WebhookEventHandler(memstore.New(), nil)(context.Background(), models.Job{ID: "j"})
	require.ErrorIs(t, err, models.ErrInvalidRequest)
	assert.True(t, IsPermanent(err))
}
