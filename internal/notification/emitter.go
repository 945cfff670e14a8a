package notification

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Live event names pushed to connected clients.
const (
	EventSyncStatus            = "data_source.sync_status"
	EventVerificationStatus    = "data_source.verification_status"
	EventTicketIngestionStatus = "ticket_ingestion.status"
)

// LiveEvent is a full-state snapshot pushed to subscribers. Receivers must not assume
// ordering between events.
type LiveEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Broadcaster pushes live events to connected clients.
type Broadcaster interface {
	BroadcastToTenant(ctx context.Context, tenantID string, evt LiveEvent) error
	BroadcastToUser(ctx context.Context, tenantID, userID string, evt LiveEvent) error
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Emitter runs best-effort side effects off the caller's path. Submitting never blocks:
// when the buffer is full the task is dropped and logged. Task errors and panics are
// logged at warn level and never reach the submitter.
type Emitter struct {
	broadcaster Broadcaster
	tasks       chan task
	timeout     time.Duration
	logger      zerolog.Logger
	dropped     atomic.Int64
}

func NewEmitter(broadcaster Broadcaster, buffer int, logger zerolog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{
		broadcaster: broadcaster,
		tasks:       make(chan task, buffer),
		timeout:     10 * time.Second,
		logger:      logger.With().Str("component", "notification_emitter").Logger(),
	}
}

// Run executes submitted tasks until ctx is done.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.tasks:
			e.execute(ctx, t)
		}
	}
}

func (e *Emitter) SendToOrganization(tenantID string, evt LiveEvent) {
	e.Submit(evt.Type, func(ctx context.Context) error {
		return e.broadcaster.BroadcastToTenant(ctx, tenantID, evt)
	})
}

func (e *Emitter) SendToUser(tenantID, userID string, evt LiveEvent) {
	e.Submit(evt.Type, func(ctx context.Context) error {
		return e.broadcaster.BroadcastToUser(ctx, tenantID, userID, evt)
	})
}

func (e *Emitter) Submit(name string, run func(ctx context.Context) error) {
	select {
	case e.tasks <- task{name: name, run: run}:
	default:
		e.dropped.Add(1)
		e.logger.Warn().Str("task", name).Msg("Notification buffer full, dropping task")
	}
}

// Dropped reports how many tasks were discarded because the buffer was full.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

func (e *Emitter) execute(parent context.Context, t task) {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().Str("task", t.name).Str("panic", fmt.Sprint(r)).Msg("Notification task panicked")
		}
	}()

	if err := t.run(ctx); err != nil {
		e.logger.Warn().Err(err).Str("task", t.name).Msg("Notification delivery failed")
	}
}
