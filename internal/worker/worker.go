package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/queue"
)

// Router settles a single delivery.
type Router interface {
	Route(ctx context.Context, d queue.Delivery) error
}

type WorkerConfig struct {
	Consumer     queue.Consumer
	Router       Router
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Worker consumes the status queue one message at a time. Several workers, in this or
// other processes, may consume the same queue.
type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "status_worker").Str("queue", cfg.Consumer.Name).Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("Worker started, polling for status messages...")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.drain(ctx); err != nil && ctx.Err() == nil {
				// Keep polling; the failed delivery will come back once its lease expires.
				w.logger.Error().Err(err).Msg("Error processing status messages")
			}
		}
	}
}

// drain routes messages until the queue is empty or ctx is done.
func (w *Worker) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		processed, err := w.processNext(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
	return nil
}

func (w *Worker) processNext(ctx context.Context) (bool, error) {
	d, ok, err := w.cfg.Consumer.Receive(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := w.cfg.Router.Route(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}
