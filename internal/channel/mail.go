package channel

import (
	"context"
	"fmt"
	"html"
	"strings"

	"dealwatch/internal/model"
)

// MailMessage is a provider-neutral email.
type MailMessage struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// MailProvider sends email through one vendor API.
type MailProvider interface {
	Name() string
	Send(ctx context.Context, msg *MailMessage) error
}

// Mail delivers payloads as email through a MailProvider.
type Mail struct {
	provider MailProvider
	from     string
}

// NewMail creates a mail sender.
func NewMail(provider MailProvider, from string) *Mail {
	return &Mail{provider: provider, from: from}
}

// Send implements Sender. The destination is an email address.
func (m *Mail) Send(ctx context.Context, destination string, p model.Payload) Result {
	if m.provider == nil {
		return Permanent(ErrNotConfigured)
	}
	if !strings.Contains(destination, "@") {
		return Permanent(fmt.Errorf("invalid email address %q", destination))
	}
	msg := &MailMessage{
		From:    m.from,
		To:      []string{destination},
		Subject: p.Subject,
		Text:    Text(p),
		HTML:    mailHTML(p),
	}
	if err := m.provider.Send(ctx, msg); err != nil {
		return FromError(fmt.Errorf("%s: %w", m.provider.Name(), err))
	}
	return Delivered()
}

func mailHTML(p model.Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(p.Subject))
	for _, line := range strings.Split(p.Body, "\n") {
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(line))
	}
	if p.URL != "" {
		u := html.EscapeString(p.URL)
		fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, u, u)
	}
	return b.String()
}
