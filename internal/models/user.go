package models

// Actor identifies the user on whose behalf an operation is triggered.
type Actor struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
}
