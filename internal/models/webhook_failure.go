package models

import (
	"encoding/json"
	"time"
)

type WebhookFailureStatus string

const (
	// WebhookFailureFailed marks a delivery that exhausted its retries on retryable errors.
	WebhookFailureFailed WebhookFailureStatus = "failed"
	// WebhookFailureDeadLetter marks a delivery rejected with a non-retryable error.
	WebhookFailureDeadLetter WebhookFailureStatus = "dead_letter"
	// WebhookFailureResolved marks a failure that was later replayed successfully.
	WebhookFailureResolved WebhookFailureStatus = "resolved"
)

// WebhookFailure is the audit record of an outbound event that could not be delivered.
type WebhookFailure struct {
	ID         string               `json:"id" db:"id"`
	TenantID   *string              `json:"tenant_id,omitempty" db:"tenant_id"`
	Source     string               `json:"source" db:"source"`
	Action     string               `json:"action" db:"action"`
	Payload    json.RawMessage      `json:"payload" db:"payload"`
	RetryCount int                  `json:"retry_count" db:"retry_count"`
	LastError  string               `json:"last_error" db:"last_error"`
	HTTPStatus *int                 `json:"http_status,omitempty" db:"http_status"`
	Status     WebhookFailureStatus `json:"status" db:"status"`
	CreatedAt  time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at" db:"updated_at"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty" db:"resolved_at"`
}
