package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/authz"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/temporal"
	"github.com/stanstork/stratum-connect/internal/temporal/workflows"
	"go.temporal.io/sdk/client"
)

type FailureReader interface {
	Get(ctx context.Context, id string) (*models.WebhookFailure, error)
	List(ctx context.Context, tenantID string, limit int) ([]models.WebhookFailure, error)
}

// WorkflowStarter is the part of the Temporal client used to start replays.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

type WebhookFailureHandler struct {
	failures  FailureReader
	temporal  WorkflowStarter
	taskQueue string
	logger    zerolog.Logger
}

func NewWebhookFailureHandler(failures FailureReader, starter WorkflowStarter, taskQueue string, logger zerolog.Logger) *WebhookFailureHandler {
	if taskQueue == "" {
		taskQueue = temporal.TaskQueueName
	}
	return &WebhookFailureHandler{
		failures:  failures,
		temporal:  starter,
		taskQueue: taskQueue,
		logger:    logger.With().Str("handler", "webhook_failure").Logger(),
	}
}

func (h *WebhookFailureHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := authz.TenantIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing tenant context")
		return
	}

	failures, err := h.failures.List(r.Context(), tenantID, queryLimit(r, 25, 100))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list webhook failures")
		writeError(w, http.StatusInternalServerError, "Failed to list webhook failures")
		return
	}
	if failures == nil {
		failures = []models.WebhookFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhook_failures": failures})
}

// Replay starts a replay workflow for one failure. Replays of the same failure share a
// workflow ID, so a second request while one is running joins it.
func (h *WebhookFailureHandler) Replay(w http.ResponseWriter, r *http.Request) {
	actor, ok := authz.ActorFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing tenant context")
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])

	failure, err := h.failures.Get(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("failure_id", id).Msg("failed to load webhook failure")
		writeError(w, http.StatusInternalServerError, "Failed to load webhook failure")
		return
	}
	if failure == nil || failure.TenantID == nil || *failure.TenantID != actor.TenantID {
		writeError(w, http.StatusNotFound, "Webhook failure not found")
		return
	}
	if failure.Status == models.WebhookFailureResolved {
		writeError(w, http.StatusConflict, "Webhook failure is already resolved")
		return
	}

	options := client.StartWorkflowOptions{
		ID:        temporal.ReplayWorkflowID(failure.ID),
		TaskQueue: h.taskQueue,
	}
	params := temporal.ReplayParams{FailureID: failure.ID, TenantID: actor.TenantID, RequestedBy: actor.UserID}

	run, err := h.temporal.ExecuteWorkflow(r.Context(), options, workflows.ReplayWebhookFailureWorkflow, params)
	if err != nil {
		h.logger.Error().Err(err).Str("failure_id", failure.ID).Msg("failed to start replay workflow")
		writeError(w, http.StatusInternalServerError, "Failed to start replay")
		return
	}

	h.logger.Info().
		Str("failure_id", failure.ID).
		Str("workflow_id", run.GetID()).
		Str("requested_by", actor.UserID).
		Msg("webhook replay started")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"failure_id":  failure.ID,
		"workflow_id": run.GetID(),
		"run_id":      run.GetRunID(),
	})
}
