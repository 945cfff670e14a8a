package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/repository"
)

// Event is a persisted tenant alert.
type Event struct {
	TenantID string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifySyncFailed(ctx context.Context, conn *models.Connection, reason string) error
	NotifyVerificationFailed(ctx context.Context, conn *models.Connection, reason string) error
	NotifyIngestionFinished(ctx context.Context, run *models.IngestionRun) error
	ListRecent(ctx context.Context, tenantID string, limit int, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, tenantID, notificationID string) (*models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, errors.New("event type is required")
	}
	if strings.TrimSpace(evt.TenantID) == "" {
		return models.Notification{}, errors.New("tenant id is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		TenantID: evt.TenantID,
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  strings.TrimSpace(evt.Message),
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifySyncFailed(ctx context.Context, conn *models.Connection, reason string) error {
	if conn == nil {
		return errors.New("connection is required for sync notifications")
	}
	reason = fallbackName(reason, "Unknown error")
	_, err := s.Publish(ctx, Event{
		TenantID: conn.TenantID,
		Event:    models.NotificationEventSyncFailed,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Sync failed: %s", conn.Type),
		Message:  fmt.Sprintf("Sync of %s connection %s failed: %s", conn.Type, conn.ID, reason),
		Metadata: map[string]interface{}{
			"connection_id":   conn.ID,
			"connection_type": conn.Type,
			"reason":          reason,
		},
	})
	return err
}

func (s *service) NotifyVerificationFailed(ctx context.Context, conn *models.Connection, reason string) error {
	if conn == nil {
		return errors.New("connection is required for verification notifications")
	}
	reason = fallbackName(reason, "verification failed")
	_, err := s.Publish(ctx, Event{
		TenantID: conn.TenantID,
		Event:    models.NotificationEventVerificationFailed,
		Severity: models.NotificationSeverityWarning,
		Title:    fmt.Sprintf("Credentials rejected: %s", conn.Type),
		Message:  fmt.Sprintf("Credentials for %s connection %s could not be verified: %s", conn.Type, conn.ID, reason),
		Metadata: map[string]interface{}{
			"connection_id":   conn.ID,
			"connection_type": conn.Type,
			"reason":          reason,
		},
	})
	return err
}

func (s *service) NotifyIngestionFinished(ctx context.Context, run *models.IngestionRun) error {
	if run == nil {
		return errors.New("ingestion run is required for ingestion notifications")
	}
	metadata := map[string]interface{}{
		"ingestion_run_id":  run.ID,
		"connection_id":     run.ConnectionID,
		"records_processed": run.RecordsProcessed,
		"records_failed":    run.RecordsFailed,
	}

	evt := Event{TenantID: run.TenantID, Metadata: metadata}
	switch run.Status {
	case models.IngestionRunCompleted:
		evt.Event = models.NotificationEventIngestionCompleted
		evt.Severity = models.NotificationSeverityInfo
		evt.Title = "Ticket import completed"
		evt.Message = fmt.Sprintf("Imported %d tickets (%d failed).", run.RecordsProcessed, run.RecordsFailed)
	case models.IngestionRunFailed:
		reason := "Unknown error"
		if run.ErrorMessage != nil {
			reason = fallbackName(*run.ErrorMessage, reason)
		}
		metadata["reason"] = reason
		evt.Event = models.NotificationEventIngestionFailed
		evt.Severity = models.NotificationSeverityError
		evt.Title = "Ticket import failed"
		evt.Message = fmt.Sprintf("Ticket import %s failed: %s", run.ID, reason)
	default:
		return errors.Errorf("ingestion run %s is not finished", run.ID)
	}

	_, err := s.Publish(ctx, evt)
	return err
}

func (s *service) ListRecent(ctx context.Context, tenantID string, limit int, unreadOnly bool) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, tenantID, limit, unreadOnly)
}

func (s *service) MarkRead(ctx context.Context, tenantID, notificationID string) (*models.Notification, error) {
	return s.repo.MarkRead(ctx, tenantID, notificationID)
}

func fallbackName(name, fallback string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fallback
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
