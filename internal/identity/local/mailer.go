package local

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
)

// Mailer delivers one-time codes.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SMTPMailer struct {
	cfg config.SMTPConfig
	log *zap.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, log *zap.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, log: log}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	d := mail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.User, m.cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	d.Timeout = 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		d.Timeout = time.Until(deadline)
	}

	if err := d.DialAndSend(msg); err != nil {
		m.log.Error("smtp send failed", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogMailer is used when no SMTP host is configured. Codes are logged at debug
// level so local development can complete second factors.
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.log.Debug("email delivery disabled",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

// NewMailer picks the SMTP mailer when a host is configured.
func NewMailer(cfg config.SMTPConfig, log *zap.Logger) Mailer {
	if cfg.Host == "" {
		log.Warn("SMTP_HOST not set; one-time codes will only be logged")
		return NewLogMailer(log)
	}
	return NewSMTPMailer(cfg, log)
}
