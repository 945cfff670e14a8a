package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/authz"
	"github.com/stanstork/stratum-connect/internal/handlers"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/queue"
	"github.com/stanstork/stratum-connect/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret    = "jwt-secret"
	ingestSecret = "ingest-secret"
)

type emptyConnector struct {
	handlers.ConnectorService
}

func (emptyConnector) List(context.Context, models.Actor) ([]*models.Connection, error) {
	return nil, nil
}

func newTestRouter(q *queue.MemoryQueue) http.Handler {
	logger := zerolog.Nop()
	return NewRouter(Config{JWTSecret: jwtSecret, IngestSecret: ingestSecret}, Handlers{
		Connections:     handlers.NewConnectionHandler(emptyConnector{}, logger),
		Notifications:   handlers.NewNotificationHandler(nil, logger),
		WebhookFailures: handlers.NewWebhookFailureHandler(nil, nil, "", logger),
		StatusIngest:    handlers.NewStatusIngestHandler(queue.NewConsumer(q, "data_source_status"), logger),
		Realtime:        http.NotFoundHandler(),
	})
}

func TestHealthIsPublic(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(queue.NewMemoryQueue(time.Minute)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	router := newTestRouter(queue.NewMemoryQueue(time.Minute))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := authz.IssueToken(jwtSecret, models.Actor{TenantID: "tenant-1", UserID: "user-1"}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusIngestRequiresSignature(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	router := newTestRouter(q)
	body := `{"type":"sync","tenant_id":"tenant-1","connection_id":"c1","status":"sync_started"}`

	req := httptest.NewRequest(http.MethodPost, "/internal/status-messages", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign("wrong", []byte(body)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, q.Depth("data_source_status"))

	req = httptest.NewRequest(http.MethodPost, "/internal/status-messages", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(ingestSecret, []byte(body)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, q.Depth("data_source_status"))
}
