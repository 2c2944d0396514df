// Package mailer turns account events into plain-text e-mails.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"

	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
)

const maxSendAttempts = 3

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers messages through an SMTP relay. STARTTLS is used when
// the relay offers it.
type SMTPSender struct {
	client   *mail.Client
	from     string
	siteName string
}

func NewSMTPSender(cfg *config.Config) (*SMTPSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPassword),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPSender{client: client, from: cfg.MailFrom, siteName: cfg.SiteName}, nil
}

// Send delivers msg. Malformed addresses fail permanently so the mailer does
// not retry them.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.message(msg)
	if err != nil {
		return backoff.Permanent(err)
	}
	return s.client.DialAndSendWithContext(ctx, m)
}

func (s *SMTPSender) message(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(s.siteName, s.from); err != nil {
		return nil, fmt.Errorf("sender address %q: %w", s.from, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("recipient address %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

type Mailer struct {
	sender      Sender
	baseSiteURL string
	siteName    string
	retry       func() backoff.BackOff
	wg          sync.WaitGroup
}

func New(cfg *config.Config, sender Sender) *Mailer {
	return &Mailer{
		sender:      sender,
		baseSiteURL: strings.TrimRight(cfg.BaseSiteURL, "/"),
		siteName:    cfg.SiteName,
		retry: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = time.Second
			return backoff.WithMaxRetries(policy, maxSendAttempts-1)
		},
	}
}

// Subscribe hooks the mailer to sign-up and password reset events.
func (m *Mailer) Subscribe(manager *hooks.Manager) {
	manager.Subscribe(hooks.EventUserCreated, m.handle)
	manager.Subscribe(hooks.EventPasswordResetCreated, m.handle)
}

func (m *Mailer) handle(ctx context.Context, event *hooks.Event) {
	// Accounts created through social login carry no token and need no mail.
	if event.User == nil || event.Token == nil || event.User.Email == "" {
		return
	}

	var msg Message
	switch event.Type {
	case hooks.EventUserCreated:
		msg = m.confirmEmail(event)
	case hooks.EventPasswordResetCreated:
		msg = m.resetPassword(event)
	default:
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.send(context.WithoutCancel(ctx), msg, event.Type)
	}()
}

func (m *Mailer) send(ctx context.Context, msg Message, eventType string) {
	operation := func() error {
		return m.sender.Send(ctx, msg)
	}
	if err := backoff.Retry(operation, backoff.WithContext(m.retry(), ctx)); err != nil {
		slog.Error("Failed to send mail", "error", err, "event", eventType, "to", msg.To)
		return
	}
	slog.Info("Mail sent", "event", eventType, "to", msg.To)
}

// Wait blocks until queued mails have been sent or given up on.
func (m *Mailer) Wait() {
	m.wg.Wait()
}

func (m *Mailer) confirmEmail(event *hooks.Event) Message {
	link := fmt.Sprintf("%s/confirm-email/?token=%s", m.baseSiteURL, event.Token.Key)
	body := fmt.Sprintf(`Hello %s,

Thank you for signing up for %s. Please confirm your e-mail address by
opening the link below:

%s

The link expires in %s.

%s
`, event.User.Username, m.siteName, link, humanize(event.Token.ExpiresIn), m.baseSiteURL)

	return Message{
		To:      event.User.Email,
		Subject: fmt.Sprintf("Confirm email for %s", m.siteName),
		Body:    body,
	}
}

func (m *Mailer) resetPassword(event *hooks.Event) Message {
	link := fmt.Sprintf("%s/reset-password/confirm/?token=%s", m.baseSiteURL, event.Token.Key)
	body := fmt.Sprintf(`Hello %s,

A password reset was requested for your %s account (%s). To choose a new
password open the link below:

%s

The link expires in %s. If you did not request a reset, ignore this e-mail.

%s
`, event.User.Username, m.siteName, event.User.Email, link, humanize(event.Token.ExpiresIn), m.baseSiteURL)

	return Message{
		To:      event.User.Email,
		Subject: fmt.Sprintf("Password reset for %s", m.siteName),
		Body:    body,
	}
}

func humanize(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}
