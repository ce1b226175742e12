package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"dealwatch/internal/model"
)

// Push publishes notifications to an ntfy-compatible push server. Each user
// subscribes their devices to a topic, which is the channel destination.
type Push struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewPush creates a push sender.
func NewPush(client *http.Client, baseURL, token string) *Push {
	return &Push{client: client, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

// Send implements Sender.
func (p *Push) Send(ctx context.Context, destination string, pl model.Payload) Result {
	if destination == "" || strings.ContainsAny(destination, "/?# ") {
		return Permanent(fmt.Errorf("invalid push topic %q", destination))
	}
	endpoint := p.baseURL + "/" + url.PathEscape(destination)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(pl.Body))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Title", pl.Subject)
	if pl.URL != "" {
		req.Header.Set("Click", pl.URL)
	}
	req.Header.Set("Tags", "shopping_cart")
	req.Header.Set("User-Agent", userAgent)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return do(p.client, req)
}
