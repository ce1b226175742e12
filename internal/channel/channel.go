// Package channel implements the delivery providers behind each notification
// channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"dealwatch/internal/model"
)

// ErrNotConfigured is returned when a channel has no provider for the
// destination it was given.
var ErrNotConfigured = errors.New("channel provider not configured")

// Result is the outcome of one delivery attempt. Retryable is only
// meaningful when OK is false.
type Result struct {
	OK        bool
	Retryable bool
	Err       error
}

// Delivered reports a successful attempt.
func Delivered() Result { return Result{OK: true} }

// Transient reports a failure worth retrying.
func Transient(err error) Result { return Result{Retryable: true, Err: err} }

// Permanent reports a failure that will not succeed on retry.
func Permanent(err error) Result { return Result{Err: err} }

// Sender delivers a rendered payload to one destination of a channel.
type Sender interface {
	Send(ctx context.Context, destination string, p model.Payload) Result
}

// Registry maps each channel to its sender.
type Registry map[model.Channel]Sender

// Text renders a payload as plain text for channels without a subject line.
func Text(p model.Payload) string {
	var b strings.Builder
	b.WriteString(p.Subject)
	if p.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(p.Body)
	}
	if p.URL != "" {
		b.WriteString("\n\n")
		b.WriteString(p.URL)
	}
	return b.String()
}

// FromStatus classifies an HTTP response status.
func FromStatus(code int) Result {
	switch {
	case code >= 200 && code < 300:
		return Delivered()
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient(fmt.Errorf("provider returned status %d", code))
	default:
		return Permanent(fmt.Errorf("provider returned status %d", code))
	}
}

// FromTransport classifies an error returned by an HTTP client before any
// response was read. Those are network failures and always retryable.
func FromTransport(err error) Result {
	if err == nil {
		return Delivered()
	}
	return Transient(err)
}

var permanentHints = []string{
	"not verified",
	"validation error",
	"invalid",
	"malformed",
	"email address is empty",
	"recipient is required",
	"blocked",
	"chat not found",
}

var transientHints = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary",
	"rate limit",
	"throttl",
	"too many requests",
	"toomanyrequests",
	"503",
	"502",
	"504",
	"try again",
}

// FromError classifies an error returned by a provider SDK. Deadline and
// network timeouts are transient; other errors are matched against known
// provider messages and default to permanent.
func FromError(err error) Result {
	if err == nil {
		return Delivered()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient(err)
	}

	msg := strings.ToLower(err.Error())
	for _, s := range permanentHints {
		if strings.Contains(msg, s) {
			return Permanent(err)
		}
	}
	for _, s := range transientHints {
		if strings.Contains(msg, s) {
			return Transient(err)
		}
	}
	return Permanent(err)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
