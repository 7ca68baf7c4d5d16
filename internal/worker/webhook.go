package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"studio-jobcore/internal/models"
)

// PayloadStore lets a handler annotate its job.
type PayloadStore interface {
	UpdatePayload(ctx context.Context, id string, payload map[string]any) error
}

// WebhookEventHandler acknowledges payment-provider webhook events. The
// event's business effect belongs to the billing service; here the event id
// is recorded on the job so replays can be traced.
func WebhookEventHandler(payloads PayloadStore, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job models.Job) error {
		eventID, _ := job.Payload["eventId"].(string)
		if eventID == "" {
			return Permanent(fmt.Errorf("%w: webhook job %s has no eventId", models.ErrInvalidRequest, job.ID))
		}
		payload := make(map[string]any, len(job.Payload)+1)
		for k, v := range job.Payload {
			payload[k] = v
		}
		payload["acknowledgedAt"] = time.Now().UTC().Format(time.RFC3339)
		if err := payloads.UpdatePayload(ctx, job.ID, payload); err != nil {
			return fmt.Errorf("record webhook event %s: %w", eventID, err)
		}
		logger.Info("webhook event acknowledged", zap.String("job_id", job.ID), zap.String("event_id", eventID))
		return nil
	}
}
