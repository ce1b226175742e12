package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"dealwatch/internal/model"
)

const smsMaxRunes = 320

// SMS sends text messages through a Twilio-compatible REST gateway.
type SMS struct {
	client     *http.Client
	baseURL    string
	accountSID string
	authToken  string
	from       string
}

// SMSConfig configures an SMS sender.
type SMSConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
}

// NewSMS creates an SMS sender.
func NewSMS(client *http.Client, cfg SMSConfig) *SMS {
	return &SMS{
		client:     client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
	}
}

// Send implements Sender. The destination is an E.164 phone number.
func (s *SMS) Send(ctx context.Context, destination string, p model.Payload) Result {
	if !isE164(destination) {
		return Permanent(fmt.Errorf("invalid phone number %q", destination))
	}
	text := p.Subject
	if p.URL != "" {
		text += " " + p.URL
	}
	if utf8.RuneCountInString(text) > smsMaxRunes {
		text = string([]rune(text)[:smsMaxRunes-3]) + "..."
	}

	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", s.from)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(s.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	return do(s.client, req)
}

func isE164(s string) bool {
	if len(s) < 8 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
