package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/authz"
	"github.com/stanstork/stratum-connect/internal/connector"
	"github.com/stanstork/stratum-connect/internal/models"
)

// ConnectorService is the trigger surface used by the connection endpoints.
type ConnectorService interface {
	List(ctx context.Context, actor models.Actor) ([]*models.Connection, error)
	Get(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error)
	GetRun(ctx context.Context, actor models.Actor, runID string) (*models.IngestionRun, error)
	ListRuns(ctx context.Context, actor models.Actor, connectionID string, limit int) ([]models.IngestionRun, error)
	Verify(ctx context.Context, actor models.Actor, connectionID string) error
	Sync(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error)
	Cancel(ctx context.Context, actor models.Actor, connectionID string) (*models.Connection, error)
	SyncTickets(ctx context.Context, actor models.Actor, connectionID string) (*models.IngestionRun, error)
}

type ConnectionHandler struct {
	service ConnectorService
	logger  zerolog.Logger
}

func NewConnectionHandler(service ConnectorService, logger zerolog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		service: service,
		logger:  logger.With().Str("handler", "connection").Logger(),
	}
}

func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := authz.ActorFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing tenant context")
		return
	}
	conns, err := h.service.List(r.Context(), actor)
	if err != nil {
		h.fail(w, err, "list connections", "")
		return
	}
	if conns == nil {
		conns = []*models.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": conns})
}

func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	conn, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err, "get connection", id)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *ConnectionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Verify(r.Context(), actor, id); err != nil {
		h.fail(w, err, "verify connection", id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "verification_requested", "connection_id": id})
}

func (h *ConnectionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	conn, err := h.service.Sync(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err, "sync connection", id)
		return
	}
	writeJSON(w, http.StatusAccepted, conn)
}

func (h *ConnectionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	conn, err := h.service.Cancel(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err, "cancel sync", id)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *ConnectionHandler) SyncTickets(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	run, err := h.service.SyncTickets(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err, "sync tickets", id)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *ConnectionHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	run, err := h.service.GetRun(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err, "get ingestion run", id)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *ConnectionHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	runs, err := h.service.ListRuns(r.Context(), actor, id, queryLimit(r, 20, 100))
	if err != nil {
		h.fail(w, err, "list ingestion runs", id)
		return
	}
	if runs == nil {
		runs = []models.IngestionRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ingestion_runs": runs})
}

func (h *ConnectionHandler) target(w http.ResponseWriter, r *http.Request) (models.Actor, string, bool) {
	actor, ok := authz.ActorFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing tenant context")
		return models.Actor{}, "", false
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, "ID is required")
		return models.Actor{}, "", false
	}
	return actor, id, true
}

func (h *ConnectionHandler) fail(w http.ResponseWriter, err error, op, id string) {
	var dispatchErr *connector.DispatchError
	switch {
	case errors.Is(err, connector.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, connector.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "Ingestion run not found")
	case errors.Is(err, connector.ErrUnsupportedType):
		writeError(w, http.StatusUnprocessableEntity, "Connection type is not supported")
	case errors.Is(err, connector.ErrConnectionDisabled):
		writeError(w, http.StatusConflict, "Connection is disabled")
	case errors.Is(err, connector.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "A sync is already in progress")
	case errors.Is(err, connector.ErrNoSyncInProgress):
		writeError(w, http.StatusConflict, "No sync in progress")
	case errors.As(err, &dispatchErr):
		h.logger.Warn().Err(err).Str("id", id).Int("upstream_status", dispatchErr.Result.Status).Msg("failed to " + op)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":    "Connector system did not accept the request",
			"details":  dispatchErr.Result.Error,
			"attempts": dispatchErr.Result.Attempts,
		})
	default:
		h.logger.Error().Err(err).Str("id", id).Msg("failed to " + op)
		writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}
