package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/stratum-connect/internal/authz"
	"github.com/stanstork/stratum-connect/internal/handlers"
)

type Config struct {
	JWTSecret    string
	IngestSecret string
}

type Handlers struct {
	Connections     *handlers.ConnectionHandler
	Notifications   *handlers.NotificationHandler
	WebhookFailures *handlers.WebhookFailureHandler
	StatusIngest    *handlers.StatusIngestHandler
	Realtime        http.Handler
	Readiness       http.HandlerFunc
}

// NewRouter sets up the API routes.
func NewRouter(cfg Config, h Handlers) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	if h.Readiness != nil {
		router.HandleFunc("/ready", h.Readiness).Methods(http.MethodGet)
	}

	// Completion messages from the connector system, authenticated by body signature.
	internal := router.PathPrefix("/internal").Subrouter()
	internal.Use(authz.RequireSignature(cfg.IngestSecret))
	internal.HandleFunc("/status-messages", h.StatusIngest.Publish).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.JWTMiddleware(cfg.JWTSecret))

	api.Handle("/ws", h.Realtime).Methods(http.MethodGet)

	api.HandleFunc("/connections", h.Connections.List).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", h.Connections.Get).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/verify", h.Connections.Verify).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/sync", h.Connections.Sync).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/cancel", h.Connections.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/sync-tickets", h.Connections.SyncTickets).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/ingestion-runs", h.Connections.ListRuns).Methods(http.MethodGet)
	api.HandleFunc("/ingestion-runs/{id}", h.Connections.GetRun).Methods(http.MethodGet)

	api.HandleFunc("/notifications", h.Notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}/read", h.Notifications.MarkRead).Methods(http.MethodPost)

	api.HandleFunc("/webhook-failures", h.WebhookFailures.List).Methods(http.MethodGet)
	api.HandleFunc("/webhook-failures/{id}/replay", h.WebhookFailures.Replay).Methods(http.MethodPost)

	return router
}
