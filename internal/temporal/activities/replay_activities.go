package activities

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/temporal"
	"github.com/stanstork/stratum-connect/internal/webhook"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"
)

// ErrFailureNotFound is the application error type reported when the failure record is gone.
const ErrFailureNotFound = "WebhookFailureNotFound"

type FailureStore interface {
	Get(ctx context.Context, id string) (*models.WebhookFailure, error)
	RecordRetry(ctx context.Context, id string, attempts int, lastError string, httpStatus *int, status models.WebhookFailureStatus) error
	MarkResolved(ctx context.Context, id string) error
}

type Redeliverer interface {
	Redeliver(ctx context.Context, failure models.WebhookFailure) (webhook.Result, models.WebhookFailureStatus)
}

type Activities struct {
	Failures   FailureStore
	Dispatcher Redeliverer
}

func (a *Activities) LoadFailureActivity(ctx context.Context, params temporal.ReplayParams) (*models.WebhookFailure, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Loading webhook failure", "failureID", params.FailureID)

	failure, err := a.Failures.Get(ctx, params.FailureID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load webhook failure")
	}
	if failure == nil || (params.TenantID != "" && (failure.TenantID == nil || *failure.TenantID != params.TenantID)) {
		return nil, sdktemporal.NewNonRetryableApplicationError("webhook failure not found", ErrFailureNotFound, nil, params.FailureID)
	}
	return failure, nil
}

// RedeliverActivity resends the stored payload snapshot. A failed delivery is a result, not
// an activity error: the dispatcher has already applied its retry policy.
func (a *Activities) RedeliverActivity(ctx context.Context, failure models.WebhookFailure) (*temporal.RedeliveryResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Redelivering webhook payload", "failureID", failure.ID, "action", failure.Action)

	res, status := a.Dispatcher.Redeliver(ctx, failure)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &temporal.RedeliveryResult{
		FailureID:  failure.ID,
		Success:    res.Success,
		Status:     string(status),
		Attempts:   res.Attempts,
		HTTPStatus: res.Status,
		Error:      res.Error,
	}, nil
}

// RecordOutcomeActivity updates the existing failure record; replay never creates a new one.
func (a *Activities) RecordOutcomeActivity(ctx context.Context, result temporal.RedeliveryResult) error {
	logger := activity.GetLogger(ctx)

	if result.Success {
		logger.Info("Webhook failure resolved by replay", "failureID", result.FailureID)
		return a.Failures.MarkResolved(ctx, result.FailureID)
	}

	var httpStatus *int
	if result.HTTPStatus != 0 {
		httpStatus = &result.HTTPStatus
	}
	logger.Warn("Webhook replay failed", "failureID", result.FailureID, "status", result.Status, "error", result.Error)
	return a.Failures.RecordRetry(ctx, result.FailureID, result.Attempts, result.Error, httpStatus, models.WebhookFailureStatus(result.Status))
}
