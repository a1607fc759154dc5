package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"skillbarter/logging"
)

// Sink records notifications as part of the caller's transaction.
type Sink interface {
	Notify(ctx context.Context, tx pgx.Tx, n Notification) error
}

// Fire hands every notification to sink and swallows failures after logging
// them. A notification never decides whether a transition succeeds.
func Fire(ctx context.Context, log *logging.Logger, sink Sink, tx pgx.Tx, notes ...Notification) {
	if sink == nil {
		return
	}
	for _, n := range notes {
		if n.UserID == "" {
			continue
		}
		if err := sink.Notify(ctx, tx, n); err != nil {
			log.Warn("notification dropped",
				"kind", string(n.Kind),
				"user_id", n.UserID,
				"entity_id", n.EntityID,
				"error", err.Error(),
			)
		}
	}
}

// OutboxSink writes notifications to the outbox table. Each insert runs in a
// savepoint so a failed insert is rolled back alone and the outer transaction
// stays usable.
type OutboxSink struct {
	now func() time.Time
}

// NewOutboxSink builds an OutboxSink using the wall clock.
func NewOutboxSink() *OutboxSink {
	return &OutboxSink{now: time.Now}
}

// WithClock overrides the clock used for outbox ids.
func (s *OutboxSink) WithClock(now func() time.Time) *OutboxSink {
	s.now = now
	return s
}

// Notify enqueues n inside tx.
func (s *OutboxSink) Notify(ctx context.Context, tx pgx.Tx, n Notification) error {
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	if n.Payload == nil {
		body = []byte("{}")
	}

	id := ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy()).String()

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	const q = `
INSERT INTO outbox (id, topic, user_id, entity_id, payload)
VALUES ($1, $2, $3::uuid, $4, $5::jsonb)
`
	if _, err := sp.Exec(ctx, q, id, string(n.Kind), n.UserID, n.EntityID, body); err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", n.Kind, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("notify: release savepoint: %w", err)
	}
	return nil
}

// Recorder is an in-memory Sink. Recorded notifications follow the
// transaction: they become visible on commit.
type Recorder struct {
	stage func(tx pgx.Tx, fn func())
	mu    sync.Mutex
	notes []Notification
}

// NewRecorder builds a Recorder. stage defers a write until tx commits; pass
// nil to record immediately.
func NewRecorder(stage func(tx pgx.Tx, fn func())) *Recorder {
	return &Recorder{stage: stage}
}

func (r *Recorder) Notify(_ context.Context, tx pgx.Tx, n Notification) error {
	write := func() {
		r.mu.Lock()
		r.notes = append(r.notes, n)
		r.mu.Unlock()
	}
	if r.stage == nil {
		write()
		return nil
	}
	r.stage(tx, write)
	return nil
}

// Notes returns what has been recorded so far.
func (r *Recorder) Notes() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}
