package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stanstork/stratum-connect/internal/models"
)

type Action string

const (
	ActionMessageCreated    Action = "message_created"
	ActionDocumentUploaded  Action = "document_uploaded"
	ActionDocumentDeleted   Action = "document_deleted"
	ActionVerifyCredentials Action = "verify_credentials"
	ActionTriggerSync       Action = "trigger_sync"
	ActionCancelSync        Action = "cancel_sync"
	ActionSyncTickets       Action = "sync_tickets"
	ActionDeleteUser        Action = "delete_user"
)

// Event is an outbound automation event. The envelope fields and the fields of Payload are
// flattened into a single JSON object on the wire.
type Event[P any] struct {
	Source    string
	Action    Action
	UserEmail string
	UserID    string
	TenantID  string
	Timestamp time.Time
	Payload   P
}

// NewEvent builds an event on behalf of actor. Source and Timestamp are filled in by the
// dispatcher when left empty.
func NewEvent[P any](action Action, actor models.Actor, payload P) Event[P] {
	return Event[P]{
		Action:    action,
		UserEmail: actor.Email,
		UserID:    actor.UserID,
		TenantID:  actor.TenantID,
		Payload:   payload,
	}
}

type envelope struct {
	Source    string `json:"source"`
	Action    Action `json:"action"`
	UserEmail string `json:"user_email,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (e Event[P]) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("payload for %s must encode to a JSON object", e.Action)
		}
	}

	head, err := json.Marshal(envelope{
		Source:    e.Source,
		Action:    e.Action,
		UserEmail: e.UserEmail,
		UserID:    e.UserID,
		TenantID:  e.TenantID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	var headFields map[string]json.RawMessage
	if err := json.Unmarshal(head, &headFields); err != nil {
		return nil, err
	}
	// Envelope fields win over payload fields of the same name.
	for k, v := range headFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// MessageCreatedPayload is the message_created contract for the chat service, which
// sends it through Send directly.
type MessageCreatedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// DocumentPayload is shared by document_uploaded and document_deleted, sent by the
// document upload service.
type DocumentPayload struct {
	DocumentID  string `json:"document_id"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

type VerifyCredentialsPayload struct {
	ConnectionID   string                `json:"connection_id"`
	ConnectionType models.ConnectionType `json:"connection_type"`
	Credentials    json.RawMessage       `json:"credentials"`
	Settings       json.RawMessage       `json:"settings"`
}

type TriggerSyncPayload struct {
	ConnectionID   string                `json:"connection_id"`
	ConnectionType models.ConnectionType `json:"connection_type"`
	Settings       json.RawMessage       `json:"settings"`
}

type CancelSyncPayload struct {
	ConnectionID   string                `json:"connection_id"`
	ConnectionType models.ConnectionType `json:"connection_type"`
}

type SyncTicketsPayload struct {
	ConnectionID   string                `json:"connection_id"`
	ConnectionType models.ConnectionType `json:"connection_type"`
	Settings       json.RawMessage       `json:"settings"`
	IngestionRunID string                `json:"ingestion_run_id"`
}

// DeleteUserPayload is the delete_user contract for the account service.
type DeleteUserPayload struct {
	DeletedUserID string `json:"deleted_user_id"`
}
