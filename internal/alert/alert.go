// Package alert implements the out-of-scope outbound chat-webhook channel
// as a named interface only (§1): PerpSim records every alert it would
// send, and a Sender implementation is free to actually deliver it or not.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is one outbound notification.
type Event struct {
	Strategy string
	Kind     string
	Message  string
	Fields   map[string]interface{}
}

// Sender delivers an Event to an external channel. Implementations must
// not panic; Publish treats any returned error as a failed send.
type Sender interface {
	Channel() string
	Send(ctx context.Context, ev Event) error
}

// NoopSender records alerts without delivering them anywhere — the
// default when no webhook is configured.
type NoopSender struct{}

func (NoopSender) Channel() string                         { return "none" }
func (NoopSender) Send(ctx context.Context, ev Event) error { return nil }

// WebhookSender posts a JSON payload to a chat webhook URL (Slack/Discord
// style incoming webhook).
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender builds a sender with a bounded-timeout HTTP client.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSender) Channel() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"text":     fmt.Sprintf("[%s] %s: %s", ev.Strategy, ev.Kind, ev.Message),
		"strategy": ev.Strategy,
		"kind":     ev.Kind,
		"fields":   ev.Fields,
	})
	if err != nil {
		return fmt.Errorf("alert.WebhookSender.Send: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert.WebhookSender.Send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alert.WebhookSender.Send: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert.WebhookSender.Send: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
