package connector

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/notification"
	"github.com/stanstork/stratum-connect/internal/repository"
	"github.com/stanstork/stratum-connect/internal/status"
	"github.com/stanstork/stratum-connect/internal/webhook"
)

const cancelledByUser = "cancelled by user"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionDisabled = errors.New("connection is disabled")
	ErrSyncInProgress     = errors.New("a sync is already in progress")
	ErrNoSyncInProgress   = errors.New("no sync in progress")
	ErrRunNotFound        = errors.New("ingestion run not found")
	ErrUnsupportedType    = errors.New("connection type is not supported")
)

// DispatchError reports that the trigger event could not be delivered.
type DispatchError struct {
	Action webhook.Action
	Result webhook.Result
}

func (e *DispatchError) Error() string {
	return "dispatch " + string(e.Action) + ": " + e.Result.Error
}

type ConnectionStore interface {
	List(ctx context.Context, tenantID string) ([]*models.Connection, error)
	Get(ctx context.Context, tenantID, id string) (*models.Connection, error)
	SetStatus(ctx context.Context, tenantID, id string, params repository.SetStatusParams) (*models.Connection, error)
	Transition(ctx context.Context, tenantID, id string, current, next models.ConnectionStatus) (bool, error)
}

type RunStore interface {
	Create(ctx context.Context, tenantID, connectionID string, userID *string) (*models.IngestionRun, error)
	Get(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error)
	ListByConnection(ctx context.Context, tenantID, connectionID string, limit int) ([]models.IngestionRun, error)
	MarkRunning(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error)
	Finish(ctx context.Context, tenantID, runID string, status models.IngestionRunStatus, errorMessage *string) (*models.IngestionRun, error)
}

// CredentialOpener decrypts stored connection credentials.
type CredentialOpener interface {
	Decrypt(data []byte) ([]byte, error)
}

// Sender is the outbound half of the dispatcher. *webhook.Dispatcher satisfies it through
// DispatcherSender.
type Sender interface {
	VerifyCredentials(ctx context.Context, evt webhook.Event[webhook.VerifyCredentialsPayload]) webhook.Result
	TriggerSync(ctx context.Context, evt webhook.Event[webhook.TriggerSyncPayload]) webhook.Result
	CancelSync(ctx context.Context, evt webhook.Event[webhook.CancelSyncPayload]) webhook.Result
	SyncTickets(ctx context.Context, evt webhook.Event[webhook.SyncTicketsPayload]) webhook.Result
}

// DispatcherSender adapts the generic dispatcher to Sender.
type DispatcherSender struct {
	Dispatcher *webhook.Dispatcher
}

func (s DispatcherSender) VerifyCredentials(ctx context.Context, evt webhook.Event[webhook.VerifyCredentialsPayload]) webhook.Result {
	return webhook.Send(ctx, s.Dispatcher, evt)
}

func (s DispatcherSender) TriggerSync(ctx context.Context, evt webhook.Event[webhook.TriggerSyncPayload]) webhook.Result {
	return webhook.Send(ctx, s.Dispatcher, evt)
}

func (s DispatcherSender) CancelSync(ctx context.Context, evt webhook.Event[webhook.CancelSyncPayload]) webhook.Result {
	return webhook.Send(ctx, s.Dispatcher, evt)
}

func (s DispatcherSender) SyncTickets(ctx context.Context, evt webhook.Event[webhook.SyncTicketsPayload]) webhook.Result {
	return webhook.Send(ctx, s.Dispatcher, evt)
}

// LiveNotifier is the non-blocking fan-out used after synchronous writes.
type LiveNotifier interface {
	SendToOrganization(tenantID string, evt notification.LiveEvent)
}

// Service triggers long-running work on the external connector system. Completion
// arrives later on the status queue.
type Service struct {
	connections ConnectionStore
	runs        RunStore
	credentials CredentialOpener
	sender      Sender
	live        LiveNotifier
	logger      zerolog.Logger
}

func NewService(connections ConnectionStore, runs RunStore, credentials CredentialOpener, sender Sender, live LiveNotifier, logger zerolog.Logger) *Service {
	return &Service{
		connections: connections,
		runs:        runs,
		credentials: credentials,
		sender:      sender,
		live:        live,
		logger:      logger.With().Str("component", "connector_service").Logger(),
	}
}

func (s *Service) List(ctx context.Context, actor models.Actor) ([]*models.Connection, error) {
	return s.connections.List(ctx, actor.TenantID)
}

func (s *Service) Get(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error) {
	return s.load(ctx, actor, connectionID)
}

func (s *Service) GetRun(ctx context.Context, actor models.Actor, runID string) (*models.IngestionRun, error) {
	run, err := s.runs.Get(ctx, actor.TenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns the most recent ingestion runs of a connection, newest first.
func (s *Service) ListRuns(ctx context.Context, actor models.Actor, connectionID string, limit int) ([]models.IngestionRun, error) {
	conn, err := s.load(ctx, actor, connectionID)
	if err != nil {
		return nil, err
	}
	return s.runs.ListByConnection(ctx, actor.TenantID, conn.ID, limit)
}

// Verify asks the connector system to check the stored credentials. The result arrives
// as a verification status message; the connection status is not changed.
func (s *Service) Verify(ctx context.Context, actor models.Actor, connectionID string) error {
	conn, err := s.loadDispatchable(ctx, actor, connectionID)
	if err != nil {
		return err
	}

	creds := json.RawMessage("null")
	if len(conn.Credentials) > 0 {
		if s.credentials == nil {
			return errors.New("credential decryption is not configured")
		}
		plain, err := s.credentials.Decrypt(conn.Credentials)
		if err != nil {
			return errors.Wrapf(err, "open credentials of connection %s", conn.ID)
		}
		creds = plain
	}

	res := s.sender.VerifyCredentials(ctx, webhook.NewEvent(webhook.ActionVerifyCredentials, actor, webhook.VerifyCredentialsPayload{
		ConnectionID:   conn.ID,
		ConnectionType: conn.Type,
		Credentials:    creds,
		Settings:       orNull(conn.Settings),
	}))
	if !res.Success {
		return &DispatchError{Action: webhook.ActionVerifyCredentials, Result: res}
	}

	s.logger.Info().Str("tenant_id", actor.TenantID).Str("connection_id", conn.ID).Msg("Verification requested")
	return nil
}

// Sync moves the connection to syncing and triggers the sync. If the trigger cannot be
// delivered the connection is returned to idle with a failed result.
func (s *Service) Sync(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error) {
	conn, err := s.loadDispatchable(ctx, actor, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, ErrConnectionDisabled
	}
	if conn.Status == models.ConnectionStatusSyncing {
		return nil, ErrSyncInProgress
	}

	swapped, err := s.connections.Transition(ctx, actor.TenantID, conn.ID, conn.Status, models.ConnectionStatusSyncing)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Someone else moved the connection first; most likely a concurrent sync.
		return nil, ErrSyncInProgress
	}

	res := s.sender.TriggerSync(ctx, webhook.NewEvent(webhook.ActionTriggerSync, actor, webhook.TriggerSyncPayload{
		ConnectionID:   conn.ID,
		ConnectionType: conn.Type,
		Settings:       orNull(conn.Settings),
	}))
	if !res.Success {
		dispatchErr := &DispatchError{Action: webhook.ActionTriggerSync, Result: res}
		s.revertSync(ctx, actor.TenantID, conn.ID, dispatchErr.Error())
		return nil, dispatchErr
	}

	conn.Status = models.ConnectionStatusSyncing
	s.logger.Info().Str("tenant_id", actor.TenantID).Str("connection_id", conn.ID).Msg("Sync triggered")
	return conn, nil
}

func (s *Service) revertSync(ctx context.Context, tenantID, connectionID, reason string) {
	syncing := models.ConnectionStatusSyncing
	failed := models.SyncResultFailed
	conn, err := s.connections.SetStatus(context.WithoutCancel(ctx), tenantID, connectionID, repository.SetStatusParams{
		Status:               models.ConnectionStatusIdle,
		LastSyncStatus:       &failed,
		LastSyncError:        &reason,
		TouchLastSyncAt:      true,
		RequireCurrentStatus: &syncing,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("Failed to revert sync after dispatch failure")
		return
	}
	if conn != nil {
		s.live.SendToOrganization(tenantID, notification.LiveEvent{
			Type: notification.EventSyncStatus,
			Payload: status.SyncStatusEvent{
				ConnectionID: conn.ID,
				Status:       status.SyncFailed,
				Connection:   conn,
				ErrorMessage: &reason,
			},
		})
	}
}

// Cancel stops an in-flight sync. The write is synchronous; a sync completion that
// arrives afterwards is dropped by the reconciler.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error) {
	syncing := models.ConnectionStatusSyncing
	failed := models.SyncResultFailed
	reason := cancelledByUser

	conn, err := s.connections.SetStatus(ctx, actor.TenantID, connectionID, repository.SetStatusParams{
		Status:               models.ConnectionStatusCancelled,
		LastSyncStatus:       &failed,
		LastSyncError:        &reason,
		TouchLastSyncAt:      true,
		RequireCurrentStatus: &syncing,
	})
	if err != nil {
		return nil, err
	}
	if conn == nil {
		if _, err := s.load(ctx, actor, connectionID); err != nil {
			return nil, err
		}
		return nil, ErrNoSyncInProgress
	}

	s.live.SendToOrganization(actor.TenantID, notification.LiveEvent{
		Type: notification.EventSyncStatus,
		Payload: status.SyncStatusEvent{
			ConnectionID: conn.ID,
			Status:       status.SyncCancelled,
			Connection:   conn,
			ErrorMessage: &reason,
		},
	})

	res := s.sender.CancelSync(ctx, webhook.NewEvent(webhook.ActionCancelSync, actor, webhook.CancelSyncPayload{
		ConnectionID:   conn.ID,
		ConnectionType: conn.Type,
	}))
	if !res.Success {
		// The connection is already cancelled locally; the failure is recorded by the
		// dispatcher for replay.
		s.logger.Warn().Str("connection_id", conn.ID).Str("error", res.Error).Msg("Cancel event not delivered")
	}
	return conn, nil
}

// SyncTickets starts a ticket import tracked by its own ingestion run.
func (s *Service) SyncTickets(ctx context.Context, actor models.Actor, connectionID string) (*models.IngestionRun, error) {
	conn, err := s.loadDispatchable(ctx, actor, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, ErrConnectionDisabled
	}

	var userID *string
	if actor.UserID != "" {
		userID = &actor.UserID
	}
	run, err := s.runs.Create(ctx, actor.TenantID, conn.ID, userID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrConnectionNotFound
	}

	res := s.sender.SyncTickets(ctx, webhook.NewEvent(webhook.ActionSyncTickets, actor, webhook.SyncTicketsPayload{
		ConnectionID:   conn.ID,
		ConnectionType: conn.Type,
		Settings:       orNull(conn.Settings),
		IngestionRunID: run.ID,
	}))
	if !res.Success {
		dispatchErr := &DispatchError{Action: webhook.ActionSyncTickets, Result: res}
		msg := dispatchErr.Error()
		if _, err := s.runs.Finish(context.WithoutCancel(ctx), actor.TenantID, run.ID, models.IngestionRunFailed, &msg); err != nil {
			s.logger.Error().Err(err).Str("ingestion_run_id", run.ID).Msg("Failed to mark ingestion run failed")
		}
		return nil, dispatchErr
	}

	running, err := s.runs.MarkRunning(ctx, actor.TenantID, run.ID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		run = running
	}

	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("connection_id", conn.ID).
		Str("ingestion_run_id", run.ID).
		Msg("Ticket sync triggered")
	return run, nil
}

func (s *Service) load(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error) {
	conn, err := s.connections.Get(ctx, actor.TenantID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

// loadDispatchable is load for connections the connector system is about to receive an
// event for.
func (s *Service) loadDispatchable(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error) {
	conn, err := s.load(ctx, actor, connectionID)
	if err != nil {
		return nil, err
	}
	if !models.IsValidConnectionType(conn.Type) {
		return nil, errors.Wrapf(ErrUnsupportedType, "%q", conn.Type)
	}
	return conn, nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
