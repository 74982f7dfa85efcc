package notify

import (
	"context"
	"sync"

	"github.com/seal-protocol/internal/config"
	gomail "gopkg.in/gomail.v2"
)

// Mailer is the outbound email transport contract.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

type smtpMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(cfg *config.NotificationConfig) Mailer {
	return &smtpMailer{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		from:   cfg.FromAddress,
	}
}

func (m *smtpMailer) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", textBody)
	if htmlBody != "" {
		msg.AddAlternative("text/html", htmlBody)
	}
	return m.dialer.DialAndSend(msg)
}

// RecordedMail and RecordingMailer capture sends for tests.
type RecordedMail struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type RecordingMailer struct {
	mu   sync.Mutex
	Sent []RecordedMail
	Fail bool
}

func (m *RecordingMailer) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return context.DeadlineExceeded
	}
	m.Sent = append(m.Sent, RecordedMail{To: to, Subject: subject, HTML: htmlBody, Text: textBody})
	return nil
}
