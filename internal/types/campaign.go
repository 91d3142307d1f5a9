package types

import (
	"time"

	"github.com/google/uuid"
)

// Channel is an outbound messaging medium.
type Channel string

// Channel constants
const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// AllChannels returns every supported channel in a stable order.
func AllChannels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp}
}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// DeliveryState is the state of one channel's delivery.
type DeliveryState string

// DeliveryState constants
const (
	DeliveryPending           DeliveryState = "pending"
	DeliveryQueued            DeliveryState = "queued"
	DeliverySent              DeliveryState = "sent"
	DeliveryDelivered         DeliveryState = "delivered"
	DeliveryOpened            DeliveryState = "opened"
	DeliveryRead              DeliveryState = "read"
	DeliveryClicked           DeliveryState = "clicked"
	DeliveryReplied           DeliveryState = "replied"
	DeliverySendFailed        DeliveryState = "send_failed"
	DeliveryBounced           DeliveryState = "bounced"
	DeliveryUndelivered       DeliveryState = "undelivered"
	DeliveryRetrying          DeliveryState = "retrying"
	DeliveryPermanentlyFailed DeliveryState = "permanently_failed"
)

// DeliveryTransition is one recorded state change.
type DeliveryTransition struct {
	From      DeliveryState `json:"from"`
	To        DeliveryState `json:"to"`
	At        time.Time     `json:"at"`
	Source    string        `json:"source"`
	MessageID string        `json:"message_id,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// DeferredEvent is a callback that arrived ahead of its predecessor state.
type DeferredEvent struct {
	Target     DeliveryState `json:"target"`
	OccurredAt time.Time     `json:"occurred_at"`
	Detail     string        `json:"detail,omitempty"`
}

// ChannelDelivery is one channel's delivery state within a campaign.
type ChannelDelivery struct {
	Channel           Channel              `json:"channel"`
	Enabled           bool                 `json:"enabled"`
	Recipient         string               `json:"recipient,omitempty"`
	State             DeliveryState        `json:"state"`
	Attempts          int                  `json:"attempts"`
	MaxAttempts       int                  `json:"max_attempts"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	History           []DeliveryTransition `json:"history"`
	Deferred          []DeferredEvent      `json:"deferred,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// DeliveryRef addresses one channel delivery of a campaign.
type DeliveryRef struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Channel    Channel   `json:"channel"`
}

// Clone returns a deep copy.
func (d ChannelDelivery) Clone() ChannelDelivery {
	out := d
	out.History = append([]DeliveryTransition(nil), d.History...)
	out.Deferred = append([]DeferredEvent(nil), d.Deferred...)
	return out
}

// CampaignStatus is the aggregate status of a campaign.
type CampaignStatus string

// CampaignStatus constants
const (
	CampaignPending    CampaignStatus = "pending"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignDelivered  CampaignStatus = "delivered"
	CampaignEngaged    CampaignStatus = "engaged"
	CampaignFailed     CampaignStatus = "failed"
)

// Campaign is the outreach for one entity. It holds one delivery per channel.
type Campaign struct {
	ID          uuid.UUID                    `json:"id"`
	RunID       uuid.UUID                    `json:"run_id"`
	EntityID    uuid.UUID                    `json:"entity_id"`
	Subject     string                       `json:"subject,omitempty"`
	Body        string                       `json:"body,omitempty"`
	ShortBody   string                       `json:"short_body,omitempty"`
	TestMode    bool                         `json:"test_mode"`
	ScheduledAt *time.Time                   `json:"scheduled_at,omitempty"`
	Channels    map[Channel]*ChannelDelivery `json:"channels"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// NewCampaign creates a campaign with a pending delivery for every channel.
func NewCampaign(runID, entityID uuid.UUID, now time.Time) *Campaign {
	c := &Campaign{
		ID:        uuid.New(),
		RunID:     runID,
		EntityID:  entityID,
		Channels:  make(map[Channel]*ChannelDelivery, 3),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, ch := range AllChannels() {
		c.Channels[ch] = &ChannelDelivery{
			Channel:   ch,
			State:     DeliveryPending,
			UpdatedAt: now,
		}
	}
	return c
}

// Clone returns a deep copy.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	out := *c
	if c.ScheduledAt != nil {
		t := *c.ScheduledAt
		out.ScheduledAt = &t
	}
	out.Channels = make(map[Channel]*ChannelDelivery, len(c.Channels))
	for ch, d := range c.Channels {
		cp := d.Clone()
		out.Channels[ch] = &cp
	}
	return &out
}
