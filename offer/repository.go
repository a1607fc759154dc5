package offer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillbarter/db"
	"skillbarter/fault"
)

// ErrNotFound signals the requested offer does not exist.
var ErrNotFound = fault.NotFound("offer: not found")

// Repository provides read access to offers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const offerColumns = `id, owner_id, title, status, created_at`

// GetByID fetches an offer by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Offer, error) {
	o, err := scanOffer(r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		if db.IsMissing(err) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: query by id: %w", err)
	}
	return o, nil
}

// LockForProposal reads the offer inside tx and holds a share lock on it, so
// the offer cannot be closed while a proposal against it is being written and
// concurrent proposers on the same offer serialize on the duplicate check.
func (r *Repository) LockForProposal(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	o, err := scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR SHARE`, id))
	if err != nil {
		if db.IsMissing(err) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: lock for proposal: %w", err)
	}
	return o, nil
}

// ListByOwner fetches up to limit offers published by ownerID, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Offer, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT ` + offerColumns + `
		FROM offers
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("offer: list by owner: %w", err)
	}
	defer rows.Close()

	offers := make([]Offer, 0, limit)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate offers: %w", err)
	}

	return offers, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	if err := row.Scan(&o.ID, &o.OwnerID, &o.Title, &o.Status, &o.CreatedAt); err != nil {
		return Offer{}, err
	}
	return o, nil
}
