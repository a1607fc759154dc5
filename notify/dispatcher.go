package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"skillbarter/db"
	"skillbarter/logging"
)

// Deliverer pushes a message to the user-facing channel (email, push, ...).
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, msg Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogDeliverer writes every message to the log. It is the default channel
// when no external provider is configured.
func LogDeliverer(log *logging.Logger) Deliverer {
	return DelivererFunc(func(_ context.Context, msg Message) error {
		userID := ""
		if msg.UserID != nil {
			userID = *msg.UserID
		}
		log.Info("notification delivered", "outbox_id", msg.ID, "kind", string(msg.Topic), "user_id", userID, "entity_id", msg.EntityID)
		return nil
	})
}

// Queue is the storage side of the outbox.
type Queue interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, dead bool, at time.Time) error
}

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Dispatcher drains the outbox. Several dispatchers may run at once; claimed
// rows are locked with SKIP LOCKED so each message is handled by one of them.
type Dispatcher struct {
	pool      db.TxBeginner
	queue     Queue
	deliverer Deliverer
	opts      DispatcherOptions
	now       func() time.Time
	log       *logging.Logger
}

// NewDispatcher wires a dispatcher. A nil queue means the Postgres outbox.
func NewDispatcher(pool db.TxBeginner, queue Queue, deliverer Deliverer, opts DispatcherOptions, log *logging.Logger) *Dispatcher {
	if queue == nil {
		queue = NewPGQueue()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if deliverer == nil {
		deliverer = LogDeliverer(log)
	}
	return &Dispatcher{
		pool:      pool,
		queue:     queue,
		deliverer: deliverer,
		opts:      opts,
		now:       time.Now,
		log:       log.WithComponent("outbox"),
	}
}

// WithClock overrides the clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			d.log.Error("outbox batch failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch, delivers it and records the outcome. It returns
// the number of messages delivered successfully.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := d.queue.Claim(ctx, tx, d.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		now := d.now().UTC()
		if derr := d.deliverer.Deliver(ctx, msg); derr != nil {
			dead := msg.Attempts+1 >= d.opts.MaxAttempts
			if err := d.queue.MarkFailed(ctx, tx, msg.ID, derr.Error(), dead, now); err != nil {
				return delivered, err
			}
			d.log.Warn("notification delivery failed", "outbox_id", msg.ID, "attempts", msg.Attempts+1, "dead", dead, "error", derr.Error())
			continue
		}
		if err := d.queue.MarkProcessed(ctx, tx, msg.ID, now); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit batch: %w", err)
	}
	return delivered, nil
}

// PGQueue implements Queue on the outbox table.
type PGQueue struct{}

func NewPGQueue() *PGQueue { return &PGQueue{} }

func (q *PGQueue) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
SELECT id, topic, user_id::text, entity_id, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.UserID, &m.EntityID, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan claim: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate claim: %w", err)
	}
	return out, nil
}

func (q *PGQueue) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("notify: mark processed: %w", err)
	}
	return nil
}

func (q *PGQueue) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, dead bool, at time.Time) error {
	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	const query = `
UPDATE outbox
SET status = $2, attempts = attempts + 1, last_attempt = $3, last_error = $4
WHERE id = $1
`
	if _, err := tx.Exec(ctx, query, id, string(status), at, reason); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
