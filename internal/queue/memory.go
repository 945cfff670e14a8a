package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryState int

const (
	memoryReady memoryState = iota
	memoryLeased
	memoryRejected
)

type memoryMessage struct {
	delivery    Delivery
	state       memoryState
	leasedUntil time.Time
	reason      string
}

// MemoryQueue is a process-local Queue for development and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []*memoryMessage
	lease    time.Duration
	now      func() time.Time
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &MemoryQueue{lease: lease, now: time.Now}
}

func (q *MemoryQueue) Publish(_ context.Context, queueName string, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.messages = append(q.messages, &memoryMessage{delivery: Delivery{
		ID:         id,
		Queue:      queueName,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: q.now(),
	}})
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, queueName string) (Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, m := range q.messages {
		if m.delivery.Queue != queueName {
			continue
		}
		if m.state == memoryReady || (m.state == memoryLeased && now.After(m.leasedUntil)) {
			m.state = memoryLeased
			m.leasedUntil = now.Add(q.lease)
			m.delivery.Attempts++
			d := m.delivery
			d.Body = append([]byte(nil), m.delivery.Body...)
			return d, true, nil
		}
	}
	return Delivery{}, false, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.delivery.ID != d.ID {
			continue
		}
		if m.state != memoryLeased || m.delivery.Attempts != d.Attempts {
			return ErrLeaseLost
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	return ErrLeaseLost
}

func (q *MemoryQueue) Reject(_ context.Context, d Delivery, requeue bool, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.messages {
		if m.delivery.ID != d.ID {
			continue
		}
		if m.state != memoryLeased || m.delivery.Attempts != d.Attempts {
			return ErrLeaseLost
		}
		if requeue {
			m.state = memoryReady
			m.leasedUntil = time.Time{}
		} else {
			m.state = memoryRejected
			m.reason = reason
		}
		return nil
	}
	return ErrLeaseLost
}

// Depth reports messages of queueName that may still be delivered.
func (q *MemoryQueue) Depth(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, m := range q.messages {
		if m.delivery.Queue == queueName && m.state != memoryRejected {
			n++
		}
	}
	return n
}

// Rejected returns the bodies of parked messages of queueName, oldest first.
func (q *MemoryQueue) Rejected(queueName string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out [][]byte
	for _, m := range q.messages {
		if m.delivery.Queue == queueName && m.state == memoryRejected {
			out = append(out, append([]byte(nil), m.delivery.Body...))
		}
	}
	return out
}
