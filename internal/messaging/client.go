// Package messaging is the default message-send collaborator: a JSON HTTP
// API that accepts email, SMS and WhatsApp messages and reports delivery
// through webhooks.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// ProviderName labels messaging failures in the error taxonomy.
const ProviderName = "messaging"

// DefaultTimeout bounds one send call.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client sends messages through the provider API.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

var _ provider.Messenger = (*Client)(nil)

type sendRequest struct {
	Channel  types.Channel     `json:"channel"`
	To       string            `json:"to"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"campaign_metadata,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("messaging: base URL is required")
	}
	endpoint, err := url.JoinPath(cfg.BaseURL, "messages")
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid base URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{endpoint: endpoint, apiKey: cfg.APIKey, http: hc, logger: logger.Named("messaging")}, nil
}

// SendMessage posts one message. A 2xx answer is an acknowledgement: queued
// with a message id, or failed with a reason. 429 and 5xx are transient,
// other statuses permanent.
func (c *Client) SendMessage(ctx context.Context, channel types.Channel, recipient string, msg provider.Message) (*provider.SendResult, error) {
	if !channel.Valid() {
		return nil, &provider.ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", channel)}
	}
	if strings.TrimSpace(recipient) == "" {
		return nil, &provider.ValidationError{Field: "recipient", Message: "is required"}
	}

	body, err := json.Marshal(sendRequest{
		Channel:  channel,
		To:       recipient,
		Subject:  msg.Subject,
		Body:     msg.Body,
		Metadata: msg.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &provider.TransientProviderError{Provider: ProviderName, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		return nil, provider.ClassifyHTTPStatus(ProviderName, resp.StatusCode, retryAfter(resp.Header), cause)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &provider.TransientProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Cause: fmt.Errorf("malformed response: %w", err)}
	}

	switch strings.ToLower(out.Status) {
	case "failed", "rejected":
		c.logger.Debug("message rejected",
			zap.String("channel", string(channel)),
			zap.String("reason", out.Error),
		)
		return &provider.SendResult{ProviderMessageID: out.MessageID, Status: provider.AckFailed, Detail: out.Error}, nil
	case "queued", "accepted", "sent", "":
		if out.MessageID == "" {
			return nil, &provider.PermanentProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Cause: errors.New("acknowledgement without message_id")}
		}
		return &provider.SendResult{ProviderMessageID: out.MessageID, Status: provider.AckQueued}, nil
	default:
		return nil, &provider.PermanentProviderError{Provider: ProviderName, StatusCode: resp.StatusCode, Cause: fmt.Errorf("unknown status %q", out.Status)}
	}
}

// retryAfter reads a delta-seconds or HTTP-date Retry-After header.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
