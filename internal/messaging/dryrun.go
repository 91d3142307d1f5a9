package messaging

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// DryRun acknowledges every message as queued without sending it. It is
// used when no provider is configured.
type DryRun struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []Sent
}

// Sent records one message accepted by DryRun.
type Sent struct {
	MessageID string
	Channel   types.Channel
	Recipient string
	Message   provider.Message
}

var _ provider.Messenger = (*DryRun)(nil)

// NewDryRun creates a dry-run messenger.
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger.Named("messaging")}
}

// SendMessage records the message and returns a synthetic message id.
func (d *DryRun) SendMessage(ctx context.Context, channel types.Channel, recipient string, msg provider.Message) (*provider.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "dryrun-" + uuid.NewString()
	d.mu.Lock()
	d.sent = append(d.sent, Sent{MessageID: id, Channel: channel, Recipient: recipient, Message: msg})
	d.mu.Unlock()
	d.logger.Info("dry-run message",
		zap.String("channel", string(channel)),
		zap.String("recipient", recipient),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id),
	)
	return &provider.SendResult{ProviderMessageID: id, Status: provider.AckQueued}, nil
}

// Sent returns a copy of the messages accepted so far.
func (d *DryRun) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}
