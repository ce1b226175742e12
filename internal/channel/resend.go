package channel

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

type resendEmails interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend sends email through the Resend API.
type Resend struct {
	emails resendEmails
}

// NewResend creates a Resend provider for the given API key.
func NewResend(apiKey string) *Resend {
	return &Resend{emails: resend.NewClient(apiKey).Emails}
}

// Name implements MailProvider.
func (r *Resend) Name() string { return "resend" }

// Send implements MailProvider.
func (r *Resend) Send(_ context.Context, msg *MailMessage) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("recipient is required")
	}
	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if _, err := r.emails.Send(params); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
