package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"dealwatch/internal/model"
)

const userAgent = "dealwatch/1.0"

// Webhook posts chat messages to Slack-compatible incoming webhooks.
type Webhook struct {
	client *http.Client
}

// NewWebhook creates a webhook sender using client.
func NewWebhook(client *http.Client) *Webhook {
	return &Webhook{client: client}
}

// Send implements Sender. The destination is the webhook URL.
func (w *Webhook) Send(ctx context.Context, destination string, p model.Payload) Result {
	if !isHTTPURL(destination) {
		return Permanent(fmt.Errorf("invalid webhook url"))
	}
	body, err := json.Marshal(map[string]string{"text": Text(p)})
	if err != nil {
		return Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return do(w.client, req)
}

func do(client *http.Client, req *http.Request) Result {
	resp, err := client.Do(req)
	if err != nil {
		return FromTransport(fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return FromStatus(resp.StatusCode)
}

// Chat routes chat destinations to Telegram (numeric chat IDs) or to a
// webhook (http and https URLs).
type Chat struct {
	telegram Sender
	webhook  Sender
}

// NewChat creates a chat router. Either sender may be nil.
func NewChat(telegram, webhook Sender) *Chat {
	return &Chat{telegram: telegram, webhook: webhook}
}

// Send implements Sender.
func (c *Chat) Send(ctx context.Context, destination string, p model.Payload) Result {
	target := c.telegram
	if isHTTPURL(destination) {
		target = c.webhook
	}
	if target == nil {
		return Permanent(ErrNotConfigured)
	}
	return target.Send(ctx, destination, p)
}
