package notification

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/config"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmailNotifierRequiresHostAndSender(t *testing.T) {
	_, err := NewEmailNotifier(config.EmailConfig{From: "alerts@example.com"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewEmailNotifier(config.EmailConfig{SMTPHost: "smtp.example.com"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEmailNotifierSendsWarningsOnly(t *testing.T) {
	n, err := NewEmailNotifier(config.EmailConfig{
		From:            "alerts@example.com",
		SMTPHost:        "smtp.example.com",
		AlertRecipients: []string{" Ops@Example.com", "ops@example.com", ""},
	}, zerolog.Nop())
	require.NoError(t, err)

	var (
		sentTo  []string
		sentMsg string
		addr    string
	)
	n.sendMail = func(a string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		addr, sentTo, sentMsg = a, to, string(msg)
		return nil
	}

	tenant := "tenant-1"
	require.NoError(t, n.Notify(context.Background(), models.Notification{
		ID:        "n-1",
		TenantID:  &tenant,
		EventType: models.NotificationEventIngestionCompleted,
		Severity:  models.NotificationSeverityInfo,
		Title:     "Ticket import completed",
	}))
	assert.Empty(t, sentTo, "info alerts are not mailed")

	require.NoError(t, n.Notify(context.Background(), models.Notification{
		ID:        "n-2",
		TenantID:  &tenant,
		EventType: models.NotificationEventSyncFailed,
		Severity:  models.NotificationSeverityError,
		Title:     "Sync failed: jira",
		Message:   "boom",
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}))
	assert.Equal(t, "smtp.example.com:587", addr)
	assert.Equal(t, []string{"ops@example.com"}, sentTo)
	assert.Contains(t, sentMsg, "Subject: [Stratum] Sync failed: jira (tenant tenant-1)\r\n")
	assert.Contains(t, sentMsg, "Event: sync_failed\n")
}

func TestEmailNotifierWrapsSendError(t *testing.T) {
	n, err := NewEmailNotifier(config.EmailConfig{
		From:            "alerts@example.com",
		SMTPHost:        "smtp.example.com",
		AlertRecipients: []string{"ops@example.com"},
	}, zerolog.Nop())
	require.NoError(t, err)
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }

	err = n.Notify(context.Background(), models.Notification{Severity: models.NotificationSeverityWarning})
	assert.ErrorContains(t, err, "refused")
}
