package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-connect/internal/config"
)

// Delivery is a leased message. It stays invisible to other receivers until it is acked,
// rejected, or its lease expires.
type Delivery struct {
	ID         string
	Queue      string
	Body       []byte
	Attempts   int
	EnqueuedAt time.Time
}

// Queue is a durable at-least-once message queue. Reject without requeue parks the
// message permanently; it is never delivered again.
type Queue interface {
	Publish(ctx context.Context, queueName string, body []byte) (string, error)
	Receive(ctx context.Context, queueName string) (Delivery, bool, error)
	Ack(ctx context.Context, d Delivery) error
	Reject(ctx context.Context, d Delivery, requeue bool, reason string) error
}

// ErrLeaseLost is returned when a delivery is settled after its lease was taken over.
var ErrLeaseLost = errors.New("delivery lease lost")

// Consumer binds a queue handle to the queue it consumes from.
type Consumer struct {
	Queue Queue
	Name  string
}

func NewConsumer(q Queue, name string) Consumer {
	return Consumer{Queue: q, Name: name}
}

func (c Consumer) Publish(ctx context.Context, body []byte) (string, error) {
	return c.Queue.Publish(ctx, c.Name, body)
}

func (c Consumer) Receive(ctx context.Context) (Delivery, bool, error) {
	return c.Queue.Receive(ctx, c.Name)
}

func (c Consumer) Ack(ctx context.Context, d Delivery) error {
	return c.Queue.Ack(ctx, d)
}

// Reject settles d without requeueing it.
func (c Consumer) Reject(ctx context.Context, d Delivery, reason string) error {
	return c.Queue.Reject(ctx, d, false, reason)
}

// New builds the backend selected in cfg. db is only used by the postgres backend.
func New(cfg config.QueueConfig, db *sql.DB) (Queue, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryQueue(cfg.LeaseDuration), nil
	case "postgres", "":
		if db == nil {
			return nil, errors.New("postgres queue requires a database")
		}
		return NewPostgresQueue(db, cfg.LeaseDuration), nil
	default:
		return nil, errors.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
