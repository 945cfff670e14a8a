package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/config"
	"github.com/stanstork/stratum-connect/internal/connector"
	"github.com/stanstork/stratum-connect/internal/handlers"
	"github.com/stanstork/stratum-connect/internal/middleware"
	"github.com/stanstork/stratum-connect/internal/migration"
	"github.com/stanstork/stratum-connect/internal/notification"
	"github.com/stanstork/stratum-connect/internal/queue"
	"github.com/stanstork/stratum-connect/internal/realtime"
	"github.com/stanstork/stratum-connect/internal/repository"
	"github.com/stanstork/stratum-connect/internal/routes"
	"github.com/stanstork/stratum-connect/internal/secrets"
	"github.com/stanstork/stratum-connect/internal/status"
	"github.com/stanstork/stratum-connect/internal/temporal"
	"github.com/stanstork/stratum-connect/internal/temporal/activities"
	"github.com/stanstork/stratum-connect/internal/temporal/workflows"
	"github.com/stanstork/stratum-connect/internal/webhook"
	statusworker "github.com/stanstork/stratum-connect/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	temporalClient tc.Client
	logger         zerolog.Logger

	connections   repository.ConnectionRepository
	runs          repository.IngestionRepository
	failures      repository.WebhookFailureRepository
	notifications notification.Service
	dispatcher    *webhook.Dispatcher
	consumer      queue.Consumer
	hub           *realtime.Hub
	emitter       *notification.Emitter
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	log.SetFlags(0)
	log.SetOutput(logger)

	goose.SetLogger(migration.NewGooseAdapter(logger))

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	if err := migration.RunMigrations(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	temporalClient, err := tc.Dial(tc.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporal.NewTemporalAdapter(logger),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}
	defer temporalClient.Close()

	app := newApplication(cfg, db, temporalClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.emitter.Run(ctx)
	statusDone := app.startStatusWorker(ctx)
	temporalWorker := app.startTemporalWorker()

	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.Realtime.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	app.startServer(corsHandler, temporalWorker, func() {
		cancel()
		<-statusDone
	})

	logger.Info().Msg("Application terminated.")
}

func newApplication(cfg *config.Config, db *sql.DB, temporalClient tc.Client, logger zerolog.Logger) *application {
	app := &application{
		config:         cfg,
		db:             db,
		temporalClient: temporalClient,
		logger:         logger,
		connections:    repository.NewConnectionRepository(db),
		runs:           repository.NewIngestionRepository(db),
		failures:       repository.NewWebhookFailureRepository(db),
	}

	var notifiers []notification.Notifier
	if cfg.Email.SMTPHost != "" {
		emailNotifier, err := notification.NewEmailNotifier(cfg.Email, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to configure email notifier")
		}
		notifiers = append(notifiers, emailNotifier)
	}
	app.notifications = notification.NewService(repository.NewNotificationRepository(db), logger, notifiers...)

	app.dispatcher = webhook.NewDispatcher(cfg.Webhook, app.failures, logger)
	if cfg.Webhook.URL == "" {
		logger.Warn().Msg("webhook.url is not set; outbound events will fail")
	}

	q, err := queue.New(cfg.Queue, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create status queue")
	}
	app.consumer = queue.NewConsumer(q, cfg.Queue.Name)

	app.hub = realtime.NewHub(cfg.Realtime.SendBuffer, cfg.Realtime.AllowedOrigins, logger)
	app.emitter = notification.NewEmitter(app.hub, cfg.Realtime.EmitBuffer, logger)
	return app
}

func (app *application) initRouter() http.Handler {
	var credentials connector.CredentialOpener
	if app.config.EncryptionKey != "" {
		cipher, err := secrets.NewCipher(app.config.EncryptionKey)
		if err != nil {
			app.logger.Fatal().Err(err).Msg("Invalid encryption key")
		}
		credentials = cipher
	}

	connectorService := connector.NewService(
		app.connections,
		app.runs,
		credentials,
		connector.DispatcherSender{Dispatcher: app.dispatcher},
		app.emitter,
		app.logger,
	)

	return routes.NewRouter(routes.Config{
		JWTSecret:    app.config.JWTSecret,
		IngestSecret: app.config.Queue.IngestSecret,
	}, routes.Handlers{
		Connections:     handlers.NewConnectionHandler(connectorService, app.logger),
		Notifications:   handlers.NewNotificationHandler(app.notifications, app.logger),
		WebhookFailures: handlers.NewWebhookFailureHandler(app.failures, app.temporalClient, app.config.Temporal.TaskQueue, app.logger),
		StatusIngest:    handlers.NewStatusIngestHandler(app.consumer, app.logger),
		Realtime:        app.hub,
		Readiness:       handlers.ReadinessCheck(app.db),
	})
}

// startStatusWorker consumes status messages until ctx is done. The returned channel is
// closed once the in-flight message, if any, has been settled.
func (app *application) startStatusWorker(ctx context.Context) <-chan struct{} {
	parser, err := status.NewParser()
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Failed to compile status message schemas")
	}
	reconciler := status.NewReconciler(app.connections, app.runs, app.emitter, app.notifications, app.logger)
	router := status.NewRouter(app.consumer, parser, reconciler, app.logger)

	w := statusworker.NewWorker(statusworker.WorkerConfig{
		Consumer:     app.consumer,
		Router:       router,
		PollInterval: app.config.Queue.PollInterval,
		Logger:       app.logger,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error().Err(err).Msg("Status worker stopped unexpectedly")
		}
	}()
	return done
}

func (app *application) startTemporalWorker() worker.Worker {
	activityImpl := &activities.Activities{
		Failures:   app.failures,
		Dispatcher: app.dispatcher,
	}

	w := worker.New(app.temporalClient, app.config.Temporal.TaskQueue, worker.Options{})

	w.RegisterWorkflow(workflows.ReplayWebhookFailureWorkflow)
	w.RegisterActivity(activityImpl)

	go func() {
		app.logger.Info().Str("task_queue", app.config.Temporal.TaskQueue).Msg("Starting Temporal worker...")
		if err := w.Run(worker.InterruptCh()); err != nil {
			app.logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()

	return w
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker worker.Worker, stopBackground func()) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	logger.Info().Msg("Stopping status worker...")
	stopBackground()

	logger.Info().Msg("Stopping Temporal worker...")
	temporalWorker.Stop()
	logger.Info().Msg("Temporal worker stopped.")
}
