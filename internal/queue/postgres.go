package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// PostgresQueue stores messages in tenant.status_messages. Receivers lease rows with
// FOR UPDATE SKIP LOCKED so concurrent consumers never see the same message at once;
// rows whose lease expired are handed out again.
type PostgresQueue struct {
	db    *sql.DB
	lease time.Duration
}

func NewPostgresQueue(db *sql.DB, lease time.Duration) *PostgresQueue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &PostgresQueue{db: db, lease: lease}
}

func (q *PostgresQueue) Publish(ctx context.Context, queueName string, body []byte) (string, error) {
	const query = `
		INSERT INTO tenant.status_messages (queue_name, body)
		VALUES ($1, $2)
		RETURNING id`

	var id string
	if err := q.db.QueryRowContext(ctx, query, queueName, body).Scan(&id); err != nil {
		return "", errors.Wrap(err, "publish status message")
	}
	return id, nil
}

func (q *PostgresQueue) Receive(ctx context.Context, queueName string) (Delivery, bool, error) {
	const query = `
		UPDATE tenant.status_messages
		   SET state = 'leased',
		       attempts = attempts + 1,
		       leased_until = NOW() + ($2::bigint * INTERVAL '1 millisecond')
		 WHERE id = (
			SELECT id
			  FROM tenant.status_messages
			 WHERE queue_name = $1
			   AND (state = 'ready' OR (state = 'leased' AND leased_until < NOW()))
			 ORDER BY enqueued_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		RETURNING id, queue_name, body, attempts, enqueued_at`

	var d Delivery
	err := q.db.QueryRowContext(ctx, query, queueName, q.lease.Milliseconds()).
		Scan(&d.ID, &d.Queue, &d.Body, &d.Attempts, &d.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, errors.Wrap(err, "lease status message")
	}
	return d, true, nil
}

// Ack deletes the message. The attempts column fences out a consumer whose lease was
// taken over by another.
func (q *PostgresQueue) Ack(ctx context.Context, d Delivery) error {
	const query = `
		DELETE FROM tenant.status_messages
		 WHERE id = $1 AND state = 'leased' AND attempts = $2`

	return q.settle(ctx, query, d.ID, d.Attempts)
}

func (q *PostgresQueue) Reject(ctx context.Context, d Delivery, requeue bool, reason string) error {
	if requeue {
		const query = `
			UPDATE tenant.status_messages
			   SET state = 'ready', leased_until = NULL
			 WHERE id = $1 AND state = 'leased' AND attempts = $2`
		return q.settle(ctx, query, d.ID, d.Attempts)
	}

	const query = `
		UPDATE tenant.status_messages
		   SET state = 'rejected', leased_until = NULL, reject_reason = $3, rejected_at = NOW()
		 WHERE id = $1 AND state = 'leased' AND attempts = $2`
	return q.settle(ctx, query, d.ID, d.Attempts, reason)
}

func (q *PostgresQueue) settle(ctx context.Context, query string, args ...interface{}) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "settle status message %v", args[0])
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}
