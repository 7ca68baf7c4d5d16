// Package notify defines the outbound email gateway the workflows use. Real
// providers live outside this module; LogGateway records messages in the log.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is a composed email ready to send.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// SendAudit is what a gateway reports back for a sent message.
type SendAudit struct {
	MessageID string
	Provider  string
	SentAt    time.Time
}

// Gateway sends composed messages.
type Gateway interface {
	Send(ctx context.Context, msg Message) (SendAudit, error)
}

// LogGateway writes messages to the log instead of sending them.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, msg Message) (SendAudit, error) {
	if err := ctx.Err(); err != nil {
		return SendAudit{}, err
	}
	if msg.To == "" {
		return SendAudit{}, errors.New("message has no recipient")
	}
	audit := SendAudit{MessageID: uuid.NewString(), Provider: "log", SentAt: time.Now().UTC()}
	g.logger.Info("email",
		zap.String("message_id", audit.MessageID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return audit, nil
}
