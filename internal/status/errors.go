package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownType marks a message whose discriminator names no handler family.
var ErrUnknownType = errors.New("unknown message type")

// ValidationError reports a malformed or incomplete message. It is never retried.
type ValidationError struct {
	Type   MessageType
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "invalid status message: " + e.Reason
	}
	return fmt.Sprintf("invalid %s status message: %s", e.Type, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// NotFoundError reports a message addressing an entity that does not exist for its tenant.
type NotFoundError struct {
	Type     MessageType
	Entity   string
	ID       string
	TenantID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found for tenant %s (%s message)", e.Entity, e.ID, e.TenantID, e.Type)
}
