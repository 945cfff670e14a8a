package status

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/queue"
)

// Handlers is one handler per message family.
type Handlers interface {
	HandleSync(ctx context.Context, msg SyncStatusMessage) error
	HandleVerification(ctx context.Context, msg VerificationStatusMessage) error
	HandleTicketIngestion(ctx context.Context, msg TicketIngestionStatusMessage) error
}

// Router settles every delivery exactly once: ack on success, reject without requeue on
// any failure. Unprocessable messages are dropped rather than redelivered.
type Router struct {
	consumer queue.Consumer
	parser   *Parser
	handlers Handlers
	logger   zerolog.Logger
}

func NewRouter(consumer queue.Consumer, parser *Parser, handlers Handlers, logger zerolog.Logger) *Router {
	return &Router{
		consumer: consumer,
		parser:   parser,
		handlers: handlers,
		logger:   logger.With().Str("component", "status_router").Str("queue", consumer.Name).Logger(),
	}
}

// Route processes one delivery. The returned error only reports a failure to settle it.
func (r *Router) Route(ctx context.Context, d queue.Delivery) error {
	msg, err := r.parser.Parse(d.Body)
	if err == nil {
		err = r.dispatch(ctx, msg)
	}

	if err != nil {
		r.logRejection(d, msg, err)
		if rejectErr := r.consumer.Reject(ctx, d, err.Error()); rejectErr != nil {
			return errors.Wrapf(rejectErr, "reject message %s", d.ID)
		}
		return nil
	}

	if err := r.consumer.Ack(ctx, d); err != nil {
		return errors.Wrapf(err, "ack message %s", d.ID)
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("%s handler panicked: %v", msg.Kind(), p)
		}
	}()

	switch m := msg.(type) {
	case SyncStatusMessage:
		return r.handlers.HandleSync(ctx, m)
	case VerificationStatusMessage:
		return r.handlers.HandleVerification(ctx, m)
	case TicketIngestionStatusMessage:
		return r.handlers.HandleTicketIngestion(ctx, m)
	default:
		return &ValidationError{Type: msg.Kind(), Reason: "no handler for this type", Cause: ErrUnknownType}
	}
}

func (r *Router) logRejection(d queue.Delivery, msg Message, err error) {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		evt        *zerolog.Event
	)
	switch {
	case errors.As(err, &validation):
		evt = r.logger.Warn().Str("reason", "validation")
	case errors.As(err, &notFound):
		evt = r.logger.Warn().Str("reason", "not_found")
	default:
		evt = r.logger.Error().Str("reason", "handler_error")
	}
	if msg != nil {
		evt = evt.Str("type", string(msg.Kind())).Str("tenant_id", msg.Tenant())
	}
	evt.Err(err).
		Str("message_id", d.ID).
		Int("attempts", d.Attempts).
		Msg("Rejecting status message")
}
