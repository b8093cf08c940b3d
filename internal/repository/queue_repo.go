package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// QueueMessage is a leased message of the durable ingestion queue.
type QueueMessage struct {
	ID       string
	Payload  []byte
	Attempts int
}

// QueueRepository is a durable at-least-once queue. A dequeued message is
// hidden until its lease expires; it is removed only by Ack.
type QueueRepository struct {
	db *DB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue persists payload and returns the message id.
func (r *QueueRepository) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id := ulid.Make().String()
	now := millis(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (id, payload, attempts, available_at_ms, created_at_ms)
		VALUES (?, ?, 0, ?, ?)
	`, id, string(payload), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Dequeue leases the oldest available message for visibility. It returns
// nil, nil when the queue has nothing available.
func (r *QueueRepository) Dequeue(ctx context.Context, visibility time.Duration) (*QueueMessage, error) {
	now := time.Now()
	msg := &QueueMessage{}
	var payload string

	err := r.db.QueryRowContext(ctx, `
		UPDATE ingestion_jobs
		SET available_at_ms = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM ingestion_jobs WHERE available_at_ms <= ?
			ORDER BY available_at_ms, id LIMIT 1
		)
		RETURNING id, payload, attempts
	`, millis(now.Add(visibility)), millis(now)).Scan(&msg.ID, &payload, &msg.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg.Payload = []byte(payload)
	return msg, nil
}

// Ack removes a processed message.
func (r *QueueRepository) Ack(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ingestion_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a message available again after delay.
func (r *QueueRepository) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET available_at_ms = ? WHERE id = ?
	`, millis(time.Now().Add(delay)), id)
	return err
}

// Depth returns the number of queued messages, leased or not.
func (r *QueueRepository) Depth(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_jobs`).Scan(&n)
	return n, err
}
