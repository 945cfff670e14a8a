package workflows

import (
	"time"

	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/temporal"
	"github.com/stanstork/stratum-connect/internal/temporal/activities"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ReplayWebhookFailureWorkflow redelivers the payload snapshot of a stored webhook failure
// and records the outcome on that same record.
func ReplayWebhookFailureWorkflow(ctx workflow.Context, params temporal.ReplayParams) (*temporal.RedeliveryResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	})

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting webhook replay", "FailureID", params.FailureID, "RequestedBy", params.RequestedBy)

	var a *activities.Activities

	var failure models.WebhookFailure
	if err := workflow.ExecuteActivity(ctx, a.LoadFailureActivity, params).Get(ctx, &failure); err != nil {
		logger.Error("Failed to load webhook failure.", "error", err)
		return nil, err
	}
	if failure.Status == models.WebhookFailureResolved {
		logger.Info("Webhook failure already resolved.", "FailureID", failure.ID)
		return &temporal.RedeliveryResult{FailureID: failure.ID, Success: true, Status: string(models.WebhookFailureResolved)}, nil
	}

	// The dispatcher retries internally; a second round of activity retries would resend
	// an already-delivered payload.
	sendCtx := workflow.WithRetryPolicy(ctx, sdktemporal.RetryPolicy{MaximumAttempts: 1})
	var result temporal.RedeliveryResult
	if err := workflow.ExecuteActivity(sendCtx, a.RedeliverActivity, failure).Get(sendCtx, &result); err != nil {
		logger.Error("Webhook redelivery activity failed.", "error", err)
		return nil, err
	}

	if err := workflow.ExecuteActivity(ctx, a.RecordOutcomeActivity, result).Get(ctx, nil); err != nil {
		logger.Error("Failed to record replay outcome.", "error", err)
		return nil, err
	}

	logger.Info("Webhook replay finished.", "FailureID", failure.ID, "Success", result.Success)
	return &result, nil
}
