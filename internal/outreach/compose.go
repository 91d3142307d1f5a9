// Package outreach creates campaigns for qualifying entities and sends them
// over the requested channels, with test-mode routing and scheduled sends.
package outreach

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/leadflow/internal/prompts"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

const (
	templateFile = "outreach.json"

	// maxShortLength bounds sms and whatsapp bodies (two sms segments).
	maxShortLength = 320
)

type messageData struct {
	Name       string
	Niche      string
	Location   string
	PreviewURL string
	Sender     string
	Issues     []string
}

// Composer renders campaign content from the embedded outreach templates.
type Composer struct {
	sender string
}

// NewComposer creates a composer signing messages as sender.
func NewComposer(sender string) *Composer {
	if sender == "" {
		sender = "The Leadflow Team"
	}
	return &Composer{sender: sender}
}

// Compose fills the subject, email body and short body of c for entity e.
func (cp *Composer) Compose(cfg types.RunConfig, e types.Entity, c *types.Campaign) error {
	data := messageData{
		Name:     e.Name,
		Niche:    cfg.Niche,
		Location: cfg.Location,
		Sender:   cp.sender,
	}
	if e.Generated != nil {
		data.PreviewURL = e.Generated.PreviewURL
	}
	if e.Score != nil {
		data.Issues = e.Score.Issues
	}

	subject, err := prompts.Render(templateFile, "email-subject", data)
	if err != nil {
		return fmt.Errorf("failed to compose subject: %w", err)
	}
	body, err := prompts.Render(templateFile, "email-body", data)
	if err != nil {
		return fmt.Errorf("failed to compose email body: %w", err)
	}
	short, err := prompts.Render(templateFile, "short-message", data)
	if err != nil {
		return fmt.Errorf("failed to compose short message: %w", err)
	}

	c.Subject = strings.TrimSpace(subject)
	c.Body = strings.TrimSpace(body)
	c.ShortBody = truncate(strings.TrimSpace(short), maxShortLength)
	return nil
}

// MessageFor renders the content sent on one channel. Email carries the
// subject and full body; sms and whatsapp carry the short body.
func MessageFor(c *types.Campaign, ch types.Channel) provider.Message {
	if ch == types.ChannelEmail {
		return provider.Message{Subject: c.Subject, Body: c.Body}
	}
	body := c.ShortBody
	if body == "" {
		body = truncate(c.Body, maxShortLength)
	}
	return provider.Message{Body: body}
}

// RecipientFor returns the contact address used on ch, or "" if the
// business has none.
func RecipientFor(contact types.Contact, ch types.Channel) string {
	switch ch {
	case types.ChannelEmail:
		return contact.Email
	case types.ChannelSMS:
		return contact.Phone
	case types.ChannelWhatsApp:
		if contact.WhatsApp != "" {
			return contact.WhatsApp
		}
		return contact.Phone
	}
	return ""
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}
