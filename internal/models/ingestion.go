package models

import "time"

type IngestionRunStatus string

const (
	IngestionRunPending   IngestionRunStatus = "pending"
	IngestionRunRunning   IngestionRunStatus = "running"
	IngestionRunCompleted IngestionRunStatus = "completed"
	IngestionRunFailed    IngestionRunStatus = "failed"
)

// IngestionRun tracks one ticket import, independent of the parent connection's sync state.
type IngestionRun struct {
	ID               string             `json:"id" db:"id"`
	TenantID         string             `json:"tenant_id" db:"tenant_id"`
	ConnectionID     string             `json:"connection_id" db:"connection_id"`
	UserID           *string            `json:"user_id,omitempty" db:"user_id"`
	Status           IngestionRunStatus `json:"status" db:"status"`
	RecordsProcessed int64              `json:"records_processed" db:"records_processed"`
	RecordsFailed    int64              `json:"records_failed" db:"records_failed"`
	ErrorMessage     *string            `json:"error_message" db:"error_message"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
	StartedAt        *time.Time         `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at" db:"completed_at"`
}
