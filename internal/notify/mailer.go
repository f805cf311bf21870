// Package notify sends the fire-and-forget transactional emails the rest
// of the service enqueues: verification links, reset links, and one-time
// codes. A send failure is logged and never fails the caller's primary
// operation — the underlying ephemeral code remains valid either way.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Template identifies which email body to render.
type Template string

const (
	TemplateEmailVerification Template = "email_verification"
	TemplatePasswordReset     Template = "password_reset"
	TemplateLoginCode         Template = "login_code"
	TemplateTwoFactorCode     Template = "2fa_code"
)

// SendDeadline bounds every dispatch attempt.
const SendDeadline = 10 * time.Second

// Sender dispatches a templated email. Implementations must respect
// SendDeadline and treat every failure as non-fatal to the caller.
type Sender interface {
	Send(ctx context.Context, to string, template Template, data map[string]string) error
}

// DevSender logs emails instead of dispatching them, for local development.
type DevSender struct {
	Logger *slog.Logger
}

func (s *DevSender) Send(ctx context.Context, to string, template Template, data map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, SendDeadline)
	defer cancel()
	_ = ctx

	fields := make([]interface{}, 0, 4+2*len(data))
	fields = append(fields, "to", to, "template", template)
	for k, v := range data {
		fields = append(fields, k, v)
	}
	s.Logger.Info("email_dispatched", fields...)
	return nil
}
