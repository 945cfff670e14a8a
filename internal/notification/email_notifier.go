package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/config"
	"github.com/stanstork/stratum-connect/internal/models"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails warning and error alerts to the configured operator addresses.
type EmailNotifier struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
	logger     zerolog.Logger
	sendMail   sendMailFunc
}

func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) (*EmailNotifier, error) {
	host := strings.TrimSpace(cfg.SMTPHost)
	from := strings.TrimSpace(cfg.From)
	if host == "" {
		return nil, errors.New("smtp_host is required for email notifier")
	}
	if from == "" {
		return nil, errors.New("from is required for email notifier")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	return &EmailNotifier{
		host:       host,
		port:       port,
		username:   strings.TrimSpace(cfg.Username),
		password:   cfg.Password,
		from:       from,
		recipients: sanitizeRecipients(cfg.AlertRecipients),
		logger:     logger.With().Str("notifier", "email").Logger(),
		sendMail:   smtp.SendMail,
	}, nil
}

func (n *EmailNotifier) Notify(_ context.Context, notif models.Notification) error {
	if len(n.recipients) == 0 || notif.Severity == models.NotificationSeverityInfo {
		return nil
	}

	var auth smtp.Auth
	if n.username != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	if err := n.sendMail(addr, auth, n.from, n.recipients, n.buildMessage(notif)); err != nil {
		return errors.Wrap(err, "send alert email")
	}

	n.logger.Info().
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Strs("recipients", n.recipients).
		Msg("email notification sent")
	return nil
}

func (n *EmailNotifier) buildMessage(notif models.Notification) []byte {
	subject := "[Stratum] " + fallbackName(notif.Title, "Connector alert")
	if notif.TenantID != nil {
		subject += fmt.Sprintf(" (tenant %s)", *notif.TenantID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.recipients, ","))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")

	b.WriteString(strings.TrimSpace(notif.Message))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Event: %s\n", notif.EventType)
	fmt.Fprintf(&b, "Severity: %s\n", notif.Severity)
	fmt.Fprintf(&b, "Created: %s\n", notif.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if len(notif.Metadata) > 0 {
		fmt.Fprintf(&b, "Details: %s\n", string(notif.Metadata))
	}
	return []byte(b.String())
}

func (n *EmailNotifier) String() string {
	return "EmailNotifier"
}
