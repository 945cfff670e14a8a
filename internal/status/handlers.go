package status

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/notification"
	"github.com/stanstork/stratum-connect/internal/repository"
)

const (
	defaultSyncError   = "sync failed"
	defaultCancelError = "cancelled by user"
)

type ConnectionStore interface {
	Get(ctx context.Context, tenantID, id string) (*models.Connection, error)
	SetStatus(ctx context.Context, tenantID, id string, params repository.SetStatusParams) (*models.Connection, error)
	SetVerificationResult(ctx context.Context, tenantID, id string, params repository.VerificationResultParams) (*models.Connection, error)
}

type RunStore interface {
	Get(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error)
	Finish(ctx context.Context, tenantID, runID string, status models.IngestionRunStatus, errorMessage *string) (*models.IngestionRun, error)
	UpdateCounts(ctx context.Context, tenantID, runID string, recordsProcessed, recordsFailed *int64) (*models.IngestionRun, error)
}

// LiveNotifier is the non-blocking side-effect channel. Implementations must never block
// or report failure to the caller.
type LiveNotifier interface {
	SendToOrganization(tenantID string, evt notification.LiveEvent)
	SendToUser(tenantID, userID string, evt notification.LiveEvent)
	Submit(name string, run func(ctx context.Context) error)
}

// Alerts persists tenant alerts for terminal failures.
type Alerts interface {
	NotifySyncFailed(ctx context.Context, conn *models.Connection, reason string) error
	NotifyVerificationFailed(ctx context.Context, conn *models.Connection, reason string) error
	NotifyIngestionFinished(ctx context.Context, run *models.IngestionRun) error
}

type SyncStatusEvent struct {
	ConnectionID       string             `json:"connection_id"`
	Status             SyncStatus         `json:"status"`
	Connection         *models.Connection `json:"connection"`
	DocumentsProcessed *int64             `json:"documents_processed,omitempty"`
	ErrorMessage       *string            `json:"error_message,omitempty"`
}

type VerificationStatusEvent struct {
	ConnectionID string                     `json:"connection_id"`
	Status       models.VerificationOutcome `json:"status"`
	Connection   *models.Connection         `json:"connection"`
	Error        *string                    `json:"error,omitempty"`
}

type TicketIngestionStatusEvent struct {
	IngestionRunID string               `json:"ingestion_run_id"`
	ConnectionID   string               `json:"connection_id"`
	Status         IngestionStatus      `json:"status"`
	Run            *models.IngestionRun `json:"ingestion_run"`
}

// Reconciler applies status messages to the connection and ingestion-run stores. Every
// write is either conditional or overwrite-safe, so redelivered and stale messages are
// harmless.
type Reconciler struct {
	connections ConnectionStore
	runs        RunStore
	live        LiveNotifier
	alerts      Alerts
	logger      zerolog.Logger
}

// NewReconciler wires the handlers. alerts may be nil.
func NewReconciler(connections ConnectionStore, runs RunStore, live LiveNotifier, alerts Alerts, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		connections: connections,
		runs:        runs,
		live:        live,
		alerts:      alerts,
		logger:      logger.With().Str("component", "status_reconciler").Logger(),
	}
}

func (r *Reconciler) HandleSync(ctx context.Context, msg SyncStatusMessage) error {
	params := repository.SetStatusParams{}
	errMsg := msg.ErrorMessage

	switch msg.Status {
	case SyncStarted:
		params.Status = models.ConnectionStatusSyncing
	case SyncCompleted:
		syncing := models.ConnectionStatusSyncing
		params = repository.SetStatusParams{
			Status:               models.ConnectionStatusIdle,
			LastSyncStatus:       syncResult(models.SyncResultCompleted),
			TouchLastSyncAt:      true,
			RequireCurrentStatus: &syncing,
		}
	case SyncFailed:
		errMsg = withDefault(errMsg, defaultSyncError)
		params = repository.SetStatusParams{
			Status:          models.ConnectionStatusIdle,
			LastSyncStatus:  syncResult(models.SyncResultFailed),
			LastSyncError:   errMsg,
			TouchLastSyncAt: true,
		}
	case SyncCancelled:
		errMsg = withDefault(errMsg, defaultCancelError)
		params = repository.SetStatusParams{
			Status:          models.ConnectionStatusCancelled,
			LastSyncStatus:  syncResult(models.SyncResultFailed),
			LastSyncError:   errMsg,
			TouchLastSyncAt: true,
		}
	default:
		return &ValidationError{Type: TypeSync, Reason: "unknown sync status " + string(msg.Status)}
	}

	conn, err := r.connections.SetStatus(ctx, msg.TenantID, msg.ConnectionID, params)
	if err != nil {
		return err
	}
	if conn == nil {
		if params.RequireCurrentStatus == nil {
			return r.connectionNotFound(TypeSync, msg.TenantID, msg.ConnectionID)
		}
		// Either the row is gone or the sync is no longer in flight.
		current, err := r.connections.Get(ctx, msg.TenantID, msg.ConnectionID)
		if err != nil {
			return err
		}
		if current == nil {
			return r.connectionNotFound(TypeSync, msg.TenantID, msg.ConnectionID)
		}
		r.logger.Info().
			Str("tenant_id", msg.TenantID).
			Str("connection_id", msg.ConnectionID).
			Str("current_status", string(current.Status)).
			Msg("Dropping stale sync completion")
		return nil
	}

	r.logger.Info().
		Str("tenant_id", msg.TenantID).
		Str("connection_id", msg.ConnectionID).
		Str("sync_status", string(msg.Status)).
		Str("status", string(conn.Status)).
		Msg("Applied sync status")

	r.live.SendToOrganization(msg.TenantID, notification.LiveEvent{
		Type: notification.EventSyncStatus,
		Payload: SyncStatusEvent{
			ConnectionID:       conn.ID,
			Status:             msg.Status,
			Connection:         conn,
			DocumentsProcessed: msg.DocumentsProcessed,
			ErrorMessage:       errMsg,
		},
	})
	if msg.Status == SyncFailed && r.alerts != nil {
		reason := *errMsg
		r.live.Submit("alert.sync_failed", func(ctx context.Context) error {
			return r.alerts.NotifySyncFailed(ctx, conn, reason)
		})
	}
	return nil
}

// HandleVerification records the outcome. The connection status is left alone; a
// verification never competes with a cancel.
func (r *Reconciler) HandleVerification(ctx context.Context, msg VerificationStatusMessage) error {
	if msg.Status != models.VerificationSuccess && msg.Status != models.VerificationFailed {
		return &ValidationError{Type: TypeVerification, Reason: "unknown verification status " + string(msg.Status)}
	}

	conn, err := r.connections.SetVerificationResult(ctx, msg.TenantID, msg.ConnectionID, repository.VerificationResultParams{
		Outcome: msg.Status,
		Options: msg.Options,
		Error:   msg.Error,
	})
	if err != nil {
		return err
	}
	if conn == nil {
		return r.connectionNotFound(TypeVerification, msg.TenantID, msg.ConnectionID)
	}

	r.logger.Info().
		Str("tenant_id", msg.TenantID).
		Str("connection_id", msg.ConnectionID).
		Str("outcome", string(msg.Status)).
		Msg("Applied verification result")

	r.live.SendToOrganization(msg.TenantID, notification.LiveEvent{
		Type: notification.EventVerificationStatus,
		Payload: VerificationStatusEvent{
			ConnectionID: conn.ID,
			Status:       msg.Status,
			Connection:   conn,
			Error:        conn.LastVerificationError,
		},
	})
	if msg.Status == models.VerificationFailed && r.alerts != nil {
		reason := ""
		if conn.LastVerificationError != nil {
			reason = *conn.LastVerificationError
		}
		r.live.Submit("alert.verification_failed", func(ctx context.Context) error {
			return r.alerts.NotifyVerificationFailed(ctx, conn, reason)
		})
	}
	return nil
}

// HandleTicketIngestion finishes the run, then records counts in a second write. Both
// writes are idempotent on redelivery.
func (r *Reconciler) HandleTicketIngestion(ctx context.Context, msg TicketIngestionStatusMessage) error {
	var target models.IngestionRunStatus
	switch msg.Status {
	case IngestionCompleted:
		target = models.IngestionRunCompleted
	case IngestionFailed:
		target = models.IngestionRunFailed
	default:
		return &ValidationError{Type: TypeTicketIngestion, Reason: "unknown ingestion status " + string(msg.Status)}
	}

	before, err := r.runs.Get(ctx, msg.TenantID, msg.IngestionRunID)
	if err != nil {
		return err
	}
	if before == nil || before.ConnectionID != msg.ConnectionID {
		return &NotFoundError{Type: TypeTicketIngestion, Entity: "ingestion run", ID: msg.IngestionRunID, TenantID: msg.TenantID}
	}

	var errMsg *string
	if target == models.IngestionRunFailed {
		errMsg = withDefault(msg.ErrorMessage, "ticket ingestion failed")
	}
	run, err := r.runs.Finish(ctx, msg.TenantID, msg.IngestionRunID, target, errMsg)
	if err != nil {
		return err
	}
	if run == nil {
		return &NotFoundError{Type: TypeTicketIngestion, Entity: "ingestion run", ID: msg.IngestionRunID, TenantID: msg.TenantID}
	}

	if msg.RecordsProcessed != nil || msg.RecordsFailed != nil {
		updated, err := r.runs.UpdateCounts(ctx, msg.TenantID, msg.IngestionRunID, msg.RecordsProcessed, msg.RecordsFailed)
		if err != nil {
			return err
		}
		if updated != nil {
			run = updated
		}
	}

	r.logger.Info().
		Str("tenant_id", msg.TenantID).
		Str("ingestion_run_id", run.ID).
		Str("status", string(run.Status)).
		Int64("records_processed", run.RecordsProcessed).
		Int64("records_failed", run.RecordsFailed).
		Msg("Applied ticket ingestion status")

	r.live.SendToUser(msg.TenantID, msg.UserID, notification.LiveEvent{
		Type: notification.EventTicketIngestionStatus,
		Payload: TicketIngestionStatusEvent{
			IngestionRunID: run.ID,
			ConnectionID:   run.ConnectionID,
			Status:         msg.Status,
			Run:            run,
		},
	})
	// Redeliveries of an already-finished run do not alert again.
	if r.alerts != nil && before.Status != target {
		r.live.Submit("alert.ingestion_finished", func(ctx context.Context) error {
			return r.alerts.NotifyIngestionFinished(ctx, run)
		})
	}
	return nil
}

func (r *Reconciler) connectionNotFound(kind MessageType, tenantID, id string) error {
	return &NotFoundError{Type: kind, Entity: "connection", ID: id, TenantID: tenantID}
}

func syncResult(v models.SyncResult) *models.SyncResult {
	return &v
}

func withDefault(v *string, fallback string) *string {
	if v == nil || *v == "" {
		return &fallback
	}
	return v
}
