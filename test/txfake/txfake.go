// Package txfake provides a pgx.Tx stand-in for service tests. In-memory
// stores stage their writes on the transaction with Stage; Commit applies
// them in order and Rollback discards them, so tests can assert that a failed
// step leaves no partial state behind.
package txfake

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out fake transactions and remembers them.
type Pool struct {
	mu       sync.Mutex
	txs      []*Tx
	BeginErr error

	// QueryErr is handed to every transaction the pool starts.
	QueryErr error
}

// Begin starts a fresh top-level transaction.
func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{QueryErr: p.QueryErr}
	p.mu.Lock()
	p.txs = append(p.txs, tx)
	p.mu.Unlock()
	return tx, nil
}

// Last returns the most recently started transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txs) == 0 {
		return nil
	}
	return p.txs[len(p.txs)-1]
}

// Count returns how many transactions were started.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

// Tx is a fake transaction. A Tx returned from Begin on another Tx behaves
// like a savepoint: committing it hands its staged writes to the parent.
type Tx struct {
	mu         sync.Mutex
	parent     *Tx
	staged     []func()
	committed  bool
	rolledBack bool

	// CommitErr makes Commit fail without applying anything.
	CommitErr error

	// QueryErr is returned by every row QueryRow yields, in place of the
	// default not-supported error. Savepoints inherit it.
	QueryErr error
}

// Stage queues fn to run when tx commits. When tx is not a *Tx the write is
// applied immediately, which lets the same store serve callers without a
// transaction.
func Stage(tx pgx.Tx, fn func()) {
	ft, ok := tx.(*Tx)
	if !ok || ft == nil {
		fn()
		return
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.staged = append(ft.staged, fn)
}

// Committed reports whether Commit succeeded.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether Rollback ran before any commit.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return nil, pgx.ErrTxClosed
	}
	return &Tx{parent: t, QueryErr: t.QueryErr}, nil
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	if t.CommitErr != nil {
		t.mu.Unlock()
		return t.CommitErr
	}
	t.committed = true
	staged := t.staged
	t.staged = nil
	t.mu.Unlock()

	if t.parent != nil {
		for _, fn := range staged {
			Stage(t.parent, fn)
		}
		return nil
	}
	for _, fn := range staged {
		fn()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	t.staged = nil
	return nil
}

var errNotSupported = errors.New("txfake: raw SQL is not supported; use an in-memory store")

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errNotSupported
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic(errNotSupported)
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic(errNotSupported)
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errNotSupported
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNotSupported
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotSupported
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	if t.QueryErr != nil {
		return errRow{err: t.QueryErr}
	}
	return errRow{err: errNotSupported}
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
