// Package mail delivers verification and password-reset e-mails, either
// directly through the provider or via a RabbitMQ queue drained by Worker.
package mail

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kulangara/backend/internal/client"
	"github.com/kulangara/backend/internal/logging"
	tmpl "github.com/kulangara/backend/internal/template"
)

type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
)

// Dispatcher is what the auth flows call to send e-mail.
type Dispatcher interface {
	SendVerificationEmail(ctx context.Context, email, name, token string) error
	SendPasswordResetEmail(ctx context.Context, email, name, token string) error
}

// Job is one queued e-mail; it is also the queue's JSON message body.
type Job struct {
	Kind  Kind   `json:"kind"`
	To    string `json:"to"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Sender is the provider transport; *client.ResendClient implements it.
type Sender interface {
	Send(ctx context.Context, email client.Email) (string, error)
}

// Composer turns a Job into a rendered message.
type Composer struct {
	AppName          string
	AppURL           string
	VerificationTTL  time.Duration
	PasswordResetTTL time.Duration
}

func (c Composer) Compose(job Job) (client.Email, error) {
	base := strings.TrimRight(c.AppURL, "/")

	var (
		t    tmpl.Template
		data = tmpl.Data{UserName: job.Name, AppName: c.AppName}
	)
	switch job.Kind {
	case KindVerification:
		t = tmpl.Verification
		data.Link = base + "/verify-email/" + url.PathEscape(job.Token)
		data.Expires = humanDuration(c.VerificationTTL)
	case KindPasswordReset:
		t = tmpl.PasswordReset
		data.Link = base + "/reset-password?token=" + url.QueryEscape(job.Token)
		data.Expires = humanDuration(c.PasswordResetTTL)
	default:
		return client.Email{}, fmt.Errorf("unknown mail kind %q", job.Kind)
	}

	msg := t.Render(data)
	return client.Email{
		To:      []string{job.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}, nil
}

func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d <= 0:
		return "a short while"
	case d%(24*time.Hour) == 0 && d > 24*time.Hour:
		return plural(int64(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	default:
		return plural(int64(d.Round(time.Minute)/time.Minute), "minute")
	}
}

// LogSender stands in for the provider when no API key is configured. It
// logs the message instead of sending it.
type LogSender struct {
	Log logging.Logger
}

func (s LogSender) Send(ctx context.Context, email client.Email) (string, error) {
	s.Log.Info(ctx, "email not sent (no provider configured)",
		"to", strings.Join(email.To, ","), "subject", email.Subject, "body", email.Text)
	return "", nil
}
