package authz

import (
	"context"
	"net/http"

	"github.com/stanstork/stratum-connect/internal/models"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	userIDKey   contextKey = "user_id"
	emailKey    contextKey = "user_email"
)

// WithIdentity stores tenant and user information on the context.
func WithIdentity(ctx context.Context, tenantID, userID, email string) context.Context {
	if tenantID != "" {
		ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	}
	if userID != "" {
		ctx = context.WithValue(ctx, userIDKey, userID)
	}
	if email != "" {
		ctx = context.WithValue(ctx, emailKey, email)
	}
	return ctx
}

func TenantIDFromRequest(r *http.Request) (string, bool) {
	tid, ok := r.Context().Value(tenantIDKey).(string)
	if !ok || tid == "" {
		return "", false
	}
	return tid, true
}

func UserIDFromRequest(r *http.Request) (string, bool) {
	uid, ok := r.Context().Value(userIDKey).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

// ActorFromRequest returns the authenticated caller. ok is false without a tenant.
func ActorFromRequest(r *http.Request) (models.Actor, bool) {
	tenantID, ok := TenantIDFromRequest(r)
	if !ok {
		return models.Actor{}, false
	}
	userID, _ := UserIDFromRequest(r)
	email, _ := r.Context().Value(emailKey).(string)
	return models.Actor{TenantID: tenantID, UserID: userID, Email: email}, true
}
