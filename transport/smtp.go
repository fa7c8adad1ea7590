package transport

import (
	"context"
	"crypto/tls"
	"strings"

	"gopkg.in/gomail.v2"

	"skyreach/config"
)

// SMTPTransport delivers through a plain SMTP relay via gomail.
type SMTPTransport struct {
	cfg config.SMTPConfig
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	dialer := gomail.NewDialer(t.cfg.Host, t.cfg.Port, t.cfg.Username, t.cfg.Password)
	dialer.TLSConfig = &tls.Config{ServerName: t.cfg.Host}

	m := gomail.NewMessage()
	from := msg.From
	if from == "" {
		from = t.cfg.From
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = t.cfg.FromName
	}
	m.SetAddressHeader("From", from, fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+msg.MessageID+">")
	if msg.IsWarmup {
		m.SetHeader("X-SkyReach-Warmup", "1")
	}
	m.SetBody("text/html", msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return RejectedTransient, ctx.Err()
	case err := <-done:
		if err == nil {
			return Accepted, nil
		}
		if isPermanentSMTPError(err) {
			return RejectedPermanent, nil
		}
		return RejectedTransient, err
	}
}

// isPermanentSMTPError recognizes 55x replies that mean the address itself
// is bad. Everything else is worth retrying.
func isPermanentSMTPError(err error) bool {
	msg := err.Error()
	for _, code := range []string{"550", "551", "553", "554"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such user") ||
		strings.Contains(lower, "user unknown") ||
		strings.Contains(lower, "mailbox unavailable")
}
