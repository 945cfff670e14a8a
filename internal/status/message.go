package status

import (
	"encoding/json"

	"github.com/stanstork/stratum-connect/internal/models"
)

// MessageType is the discriminator of an inbound status message.
type MessageType string

const (
	TypeSync            MessageType = "sync"
	TypeVerification    MessageType = "verification"
	TypeTicketIngestion MessageType = "ticket_ingestion"
)

// Message is one of SyncStatusMessage, VerificationStatusMessage or
// TicketIngestionStatusMessage.
type Message interface {
	Kind() MessageType
	Tenant() string
	sealed()
}

type SyncStatus string

const (
	SyncStarted   SyncStatus = "sync_started"
	SyncCompleted SyncStatus = "sync_completed"
	SyncFailed    SyncStatus = "sync_failed"
	SyncCancelled SyncStatus = "sync_cancelled"
)

type SyncStatusMessage struct {
	ConnectionID       string     `json:"connection_id"`
	TenantID           string     `json:"tenant_id"`
	Status             SyncStatus `json:"status"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	DocumentsProcessed *int64     `json:"documents_processed,omitempty"`
}

type VerificationStatusMessage struct {
	ConnectionID string                     `json:"connection_id"`
	TenantID     string                     `json:"tenant_id"`
	Status       models.VerificationOutcome `json:"status"`
	Options      json.RawMessage            `json:"options,omitempty"`
	Error        *string                    `json:"error,omitempty"`
}

type IngestionStatus string

const (
	IngestionCompleted IngestionStatus = "completed"
	IngestionFailed    IngestionStatus = "failed"
)

type TicketIngestionStatusMessage struct {
	TenantID         string          `json:"tenant_id"`
	UserID           string          `json:"user_id"`
	IngestionRunID   string          `json:"ingestion_run_id"`
	ConnectionID     string          `json:"connection_id"`
	Status           IngestionStatus `json:"status"`
	RecordsProcessed *int64          `json:"records_processed,omitempty"`
	RecordsFailed    *int64          `json:"records_failed,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
}

func (SyncStatusMessage) Kind() MessageType            { return TypeSync }
func (VerificationStatusMessage) Kind() MessageType    { return TypeVerification }
func (TicketIngestionStatusMessage) Kind() MessageType { return TypeTicketIngestion }

func (m SyncStatusMessage) Tenant() string            { return m.TenantID }
func (m VerificationStatusMessage) Tenant() string    { return m.TenantID }
func (m TicketIngestionStatusMessage) Tenant() string { return m.TenantID }

func (SyncStatusMessage) sealed()            {}
func (VerificationStatusMessage) sealed()    {}
func (TicketIngestionStatusMessage) sealed() {}

// MarshalJSON adds the discriminator so messages can be published as-is.
func (m SyncStatusMessage) MarshalJSON() ([]byte, error) {
	type plain SyncStatusMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeSync, plain(m)})
}

func (m VerificationStatusMessage) MarshalJSON() ([]byte, error) {
	type plain VerificationStatusMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeVerification, plain(m)})
}

func (m TicketIngestionStatusMessage) MarshalJSON() ([]byte, error) {
	type plain TicketIngestionStatusMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeTicketIngestion, plain(m)})
}
