// Package email sends operator notices and review requests over SMTP.
package email

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/Strob0t/DocFlow/internal/port/notifier"
)

const providerName = "email"

// SMTPConfig holds the configuration for SMTP connections.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer delivers HTML mail through one SMTP server.
type Mailer struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewMailer creates a Mailer.
func NewMailer(cfg SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

// Send mails one HTML message to every recipient.
func (m *Mailer) Send(ctx context.Context, to []string, subject, body string) error {
	if m.cfg.Host == "" || len(to) == 0 {
		return notifier.ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := m.cfg.Host + ":" + strconv.Itoa(m.cfg.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		m.cfg.From, strings.Join(to, ", "), subject, body)

	var auth smtp.Auth
	if m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.From, m.cfg.Password, m.cfg.Host)
	}
	if err := m.send(addr, auth, m.cfg.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Notifier mails operator notices to a fixed recipient list.
type Notifier struct {
	mailer     *Mailer
	recipients []string
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates an email notifier.
func NewNotifier(m *Mailer, recipients []string) *Notifier {
	return &Notifier{mailer: m, recipients: recipients}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{RichFormatting: true, Links: true}
}

func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>\n<p>%s</p>\n", html.EscapeString(notification.Title), html.EscapeString(notification.Message))
	if notification.Link != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">Open</a></p>\n", html.EscapeString(notification.Link))
	}
	if notification.Source != "" {
		fmt.Fprintf(&b, "<p><small>Source: %s</small></p>\n", html.EscapeString(notification.Source))
	}
	subject := fmt.Sprintf("[DocFlow] %s%s", levelPrefix(notification.Level), notification.Title)
	return n.mailer.Send(ctx, n.recipients, subject, b.String())
}

func levelPrefix(level string) string {
	switch level {
	case "error":
		return "ERROR: "
	case "warning":
		return "WARNING: "
	default:
		return ""
	}
}

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		port, err := strconv.Atoi(config["port"])
		if err != nil || config["host"] == "" || config["to"] == "" {
			return nil, notifier.ErrNotConfigured
		}
		m := NewMailer(SMTPConfig{
			Host:     config["host"],
			Port:     port,
			From:     config["from"],
			Password: config["password"],
		})
		return NewNotifier(m, strings.Split(config["to"], ",")), nil
	})
}
