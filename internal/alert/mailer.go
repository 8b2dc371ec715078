package alert

import (
	"context"
	"fmt"

	gomail "gopkg.in/gomail.v2"
)

// Notifier raises operational alerts. The engine pages through it when
// a policy condition turns out to be malformed at evaluation time.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Mailer sends alerts over SMTP.
type Mailer struct {
	dialer *gomail.Dialer
	from   string
	to     []string
}

type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

func NewMailer(cfg MailerConfig) *Mailer {
	return &Mailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		to:     cfg.To,
	}
}

func (m *Mailer) Notify(_ context.Context, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send alert mail: %w", err)
	}
	return nil
}

// Nop discards alerts; used in tests and when SMTP is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) error { return nil }
