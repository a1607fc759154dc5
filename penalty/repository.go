package penalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillbarter/fault"
)

// ErrMissingFields signals a penalty without a user, agreement or dispute.
var ErrMissingFields = fault.Validation("penalty: user, agreement and dispute are required")

// Querier is the read half of pgx shared by pools and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository writes penalties inside the caller's transaction.
type Repository struct {
	newID func() string
}

// NewRepository constructs a Repository.
func NewRepository() *Repository {
	return &Repository{newID: func() string { return uuid.NewString() }}
}

// WithIDGenerator overrides id generation.
func (r *Repository) WithIDGenerator(fn func() string) *Repository {
	r.newID = fn
	return r
}

func (p Params) validate() error {
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.AgreementID) == "" || strings.TrimSpace(p.DisputeID) == "" {
		return ErrMissingFields
	}
	return nil
}

// CreatePenalty records a penalty inside tx. A dispute yields at most one
// penalty: a second call for the same dispute returns the existing row.
func (r *Repository) CreatePenalty(ctx context.Context, tx pgx.Tx, params Params) (Penalty, error) {
	if err := params.validate(); err != nil {
		return Penalty{}, err
	}
	at := params.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	const insertSQL = `
		INSERT INTO penalties (id, user_id, agreement_id, dispute_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dispute_id) DO NOTHING
		RETURNING id, user_id, agreement_id, dispute_id, reason, created_at
	`
	p, err := scanPenalty(tx.QueryRow(ctx, insertSQL, r.newID(), params.UserID, params.AgreementID, params.DisputeID, params.Reason, at))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Penalty{}, fmt.Errorf("penalty: insert: %w", err)
	}

	const selectSQL = `
		SELECT id, user_id, agreement_id, dispute_id, reason, created_at
		FROM penalties
		WHERE dispute_id = $1
	`
	p, err = scanPenalty(tx.QueryRow(ctx, selectSQL, params.DisputeID))
	if err != nil {
		return Penalty{}, fmt.Errorf("penalty: load existing: %w", err)
	}
	return p, nil
}

// ListForUser returns every penalty recorded against userID, newest first.
func (r *Repository) ListForUser(ctx context.Context, q Querier, userID string) ([]Penalty, error) {
	const query = `
		SELECT id, user_id, agreement_id, dispute_id, reason, created_at
		FROM penalties
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("penalty: list for user: %w", err)
	}
	defer rows.Close()

	var out []Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, fmt.Errorf("penalty: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("penalty: iterate: %w", err)
	}
	return out, nil
}

func scanPenalty(row pgx.Row) (Penalty, error) {
	var p Penalty
	if err := row.Scan(&p.ID, &p.UserID, &p.AgreementID, &p.DisputeID, &p.Reason, &p.CreatedAt); err != nil {
		return Penalty{}, err
	}
	return p, nil
}
