// Package webhook is the inbound boundary for delivery callbacks. It checks
// authenticity, validates the two provider payload shapes and normalizes
// them into delivery callbacks for the reconciler.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/types"
)

// Kind identifies a payload shape.
type Kind string

// Payload kinds
const (
	KindEmail     Kind = "email"
	KindMessaging Kind = "messaging"
)

// CampaignMetadata is echoed back by providers from the send's metadata.
type CampaignMetadata struct {
	EntityID   string `json:"entity_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// ErrorInfo describes a provider-side failure.
type ErrorInfo struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorInfo) detail() string {
	if e == nil {
		return ""
	}
	if e.Code == nil {
		return e.Message
	}
	return fmt.Sprintf("%v: %s", e.Code, e.Message)
}

// EmailEvent is one entry of an email provider's event batch. Timestamp is
// in Unix seconds.
type EmailEvent struct {
	MessageID string           `json:"message_id"`
	EventType string           `json:"event_type"`
	Timestamp int64            `json:"timestamp"`
	Recipient string           `json:"recipient,omitempty"`
	Metadata  CampaignMetadata `json:"campaign_metadata"`
	Error     *ErrorInfo       `json:"error_info,omitempty"`
}

// MessagingEvent is a status callback from the SMS/WhatsApp provider.
type MessagingEvent struct {
	MessageID string           `json:"message_id"`
	EventType string           `json:"event_type"`
	Channel   types.Channel    `json:"channel"`
	Timestamp time.Time        `json:"timestamp"`
	Recipient string           `json:"recipient,omitempty"`
	Metadata  CampaignMetadata `json:"campaign_metadata"`
	Error     *ErrorInfo       `json:"error_info,omitempty"`
}

// emailStates maps email event types to delivery states. Events absent
// from the map carry no state change.
var emailStates = map[string]types.DeliveryState{
	"processed": types.DeliverySent,
	"delivered": types.DeliveryDelivered,
	"open":      types.DeliveryOpened,
	"click":     types.DeliveryClicked,
	"bounce":    types.DeliveryBounced,
	"dropped":   types.DeliverySendFailed,
}

var messagingStates = map[string]types.DeliveryState{
	"accepted":    types.DeliveryQueued,
	"queued":      types.DeliveryQueued,
	"sent":        types.DeliverySent,
	"delivered":   types.DeliveryDelivered,
	"undelivered": types.DeliveryUndelivered,
	"failed":      types.DeliverySendFailed,
	"read":        types.DeliveryRead,
	"received":    types.DeliveryReplied,
}

// EmailState returns the delivery state an email event type maps to.
func EmailState(eventType string) (types.DeliveryState, bool) {
	s, ok := emailStates[eventType]
	return s, ok
}

// MessagingState returns the delivery state a messaging event type maps to.
func MessagingState(eventType string) (types.DeliveryState, bool) {
	s, ok := messagingStates[eventType]
	return s, ok
}

// Skipped is an event that carried no state change.
type Skipped struct {
	MessageID string `json:"message_id"`
	EventType string `json:"event_type"`
}

// DecodeEmail parses a validated email batch into callbacks.
func DecodeEmail(body []byte) ([]delivery.Inbound, []Skipped, error) {
	var batch []EmailEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, nil, fmt.Errorf("failed to decode email events: %w", err)
	}
	var (
		out     []delivery.Inbound
		skipped []Skipped
	)
	for _, ev := range batch {
		state, ok := EmailState(ev.EventType)
		if !ok {
			skipped = append(skipped, Skipped{MessageID: ev.MessageID, EventType: ev.EventType})
			continue
		}
		out = append(out, delivery.Inbound{
			Callback: delivery.Callback{
				MessageID:  ev.MessageID,
				Target:     state,
				OccurredAt: time.Unix(ev.Timestamp, 0).UTC(),
				Detail:     ev.Error.detail(),
			},
			CampaignID: parseID(ev.Metadata.CampaignID),
			Channel:    types.ChannelEmail,
		})
	}
	return out, skipped, nil
}

// DecodeMessaging parses a validated messaging callback.
func DecodeMessaging(body []byte) ([]delivery.Inbound, []Skipped, error) {
	var ev MessagingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, nil, fmt.Errorf("failed to decode messaging event: %w", err)
	}
	state, ok := MessagingState(ev.EventType)
	if !ok {
		return nil, []Skipped{{MessageID: ev.MessageID, EventType: ev.EventType}}, nil
	}
	return []delivery.Inbound{{
		Callback: delivery.Callback{
			MessageID:  ev.MessageID,
			Target:     state,
			OccurredAt: ev.Timestamp.UTC(),
			Detail:     ev.Error.detail(),
		},
		CampaignID: parseID(ev.Metadata.CampaignID),
		Channel:    ev.Channel,
	}}, nil, nil
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
