package models

import (
	"encoding/json"
	"time"
)

type ConnectionType string

const (
	ConnectionTypeConfluence ConnectionType = "confluence"
	ConnectionTypeNotion     ConnectionType = "notion"
	ConnectionTypeGoogleDocs ConnectionType = "google_drive"
	ConnectionTypeSharePoint ConnectionType = "sharepoint"
	ConnectionTypeZendesk    ConnectionType = "zendesk"
	ConnectionTypeJira       ConnectionType = "jira"
	ConnectionTypeFreshdesk  ConnectionType = "freshdesk"
	ConnectionTypeWebsite    ConnectionType = "website"
)

var connectionTypes = map[ConnectionType]struct{}{
	ConnectionTypeConfluence: {},
	ConnectionTypeNotion:     {},
	ConnectionTypeGoogleDocs: {},
	ConnectionTypeSharePoint: {},
	ConnectionTypeZendesk:    {},
	ConnectionTypeJira:       {},
	ConnectionTypeFreshdesk:  {},
	ConnectionTypeWebsite:    {},
}

func IsValidConnectionType(t ConnectionType) bool {
	_, ok := connectionTypes[t]
	return ok
}

// ConnectionStatus is the asynchronous operation currently outstanding on a connection.
type ConnectionStatus string

const (
	ConnectionStatusIdle      ConnectionStatus = "idle"
	ConnectionStatusVerifying ConnectionStatus = "verifying"
	ConnectionStatusSyncing   ConnectionStatus = "syncing"
	ConnectionStatusCancelled ConnectionStatus = "cancelled"
)

// SyncResult is the outcome of the most recently finished sync.
type SyncResult string

const (
	SyncResultCompleted SyncResult = "completed"
	SyncResultFailed    SyncResult = "failed"
)

type Connection struct {
	ID                    string           `json:"id" db:"id"`
	TenantID              string           `json:"tenant_id" db:"tenant_id"`
	Type                  ConnectionType   `json:"type" db:"type"`
	Status                ConnectionStatus `json:"status" db:"status"`
	LastSyncStatus        *SyncResult      `json:"last_sync_status" db:"last_sync_status"`
	LastSyncAt            *time.Time       `json:"last_sync_at" db:"last_sync_at"`
	LastSyncError         *string          `json:"last_sync_error" db:"last_sync_error"`
	LastVerificationAt    *time.Time       `json:"last_verification_at" db:"last_verification_at"`
	LastVerificationError *string          `json:"last_verification_error" db:"last_verification_error"`
	LatestOptions         json.RawMessage  `json:"latest_options,omitempty" db:"latest_options"`
	Enabled               bool             `json:"enabled" db:"enabled"`
	Settings              json.RawMessage  `json:"settings,omitempty" db:"settings"`
	Credentials           []byte           `json:"-" db:"credentials"` // encrypted at rest
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// VerificationOutcome is the result reported for a credential verification.
type VerificationOutcome string

const (
	VerificationSuccess VerificationOutcome = "success"
	VerificationFailed  VerificationOutcome = "failed"
)
