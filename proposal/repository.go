package proposal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"skillbarter/agreement"
	"skillbarter/db"
)

// Store is the data access the negotiation engine needs. Every method runs
// inside the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) error
	LockOpen(ctx context.Context, tx pgx.Tx, offerID, proposerID string) ([]Proposal, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	Update(ctx context.Context, tx pgx.Tx, p Proposal) error
	ReplaceMilestones(ctx context.Context, tx pgx.Tx, proposalID string, ms []agreement.MilestoneSpec) error
	AppendHistory(ctx context.Context, tx pgx.Tx, e HistoryEntry) error
	ListHistory(ctx context.Context, tx pgx.Tx, proposalID string) ([]HistoryEntry, error)
	LockLapsed(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Proposal, error)
	ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit, offset int) ([]Proposal, error)
}

const openProposalIndex = "proposals_one_open_per_proposer"

// Repository implements Store on PostgreSQL.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const proposalColumns = `id, offer_id, proposer_id, offer_owner_id, terms, counter_offer, deadline, status,
       pending_response_from::text, modification_count, last_modified_by, last_modified_at,
       decline_reason, created_at, accepted_at, agreement_id::text`

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.ID,
		&p.OfferID,
		&p.ProposerID,
		&p.OfferOwnerID,
		&p.Terms,
		&p.CounterOffer,
		&p.Deadline,
		&p.Status,
		&p.PendingResponseFrom,
		&p.ModificationCount,
		&p.LastModifiedBy,
		&p.LastModifiedAt,
		&p.DeclineReason,
		&p.CreatedAt,
		&p.AcceptedAt,
		&p.AgreementID,
	)
	return p, err
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) error {
	const insertSQL = `
INSERT INTO proposals (id, offer_id, proposer_id, offer_owner_id, terms, counter_offer, deadline, status,
                       pending_response_from, modification_count, last_modified_by, last_modified_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	_, err := tx.Exec(ctx, insertSQL,
		p.ID, p.OfferID, p.ProposerID, p.OfferOwnerID, p.Terms, p.CounterOffer, p.Deadline, string(p.Status),
		p.PendingResponseFrom, p.ModificationCount, p.LastModifiedBy, p.LastModifiedAt, p.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, openProposalIndex) {
			return ErrDuplicatePending
		}
		return fmt.Errorf("proposal: insert: %w", err)
	}
	return r.ReplaceMilestones(ctx, tx, p.ID, p.Milestones)
}

// LockOpen locks the proposer's non-terminal proposals on the offer,
// including lapsed ones no sweep has reached yet.
func (r *Repository) LockOpen(ctx context.Context, tx pgx.Tx, offerID, proposerID string) ([]Proposal, error) {
	query := `
SELECT ` + proposalColumns + `
FROM proposals
WHERE offer_id = $1
  AND proposer_id = $2
  AND status IN ('pending_offer_owner_review', 'pending_proposer_review')
FOR UPDATE
`
	return r.list(ctx, tx, query, "lock open", offerID, proposerID)
}

func (r *Repository) load(ctx context.Context, tx pgx.Tx, query, id, op string) (Proposal, error) {
	p, err := scanProposal(tx.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsMissing(err) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("proposal: %s: %w", op, err)
	}
	ms, err := r.listMilestones(ctx, tx, p.ID)
	if err != nil {
		return Proposal{}, err
	}
	p.Milestones = ms
	return p, nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	return r.load(ctx, tx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id, "get")
}

func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	return r.load(ctx, tx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id, "lock")
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, p Proposal) error {
	const updateSQL = `
UPDATE proposals
SET terms = $2,
    counter_offer = $3,
    deadline = $4,
    status = $5,
    pending_response_from = $6,
    modification_count = $7,
    last_modified_by = $8,
    last_modified_at = $9,
    decline_reason = $10,
    accepted_at = $11,
    agreement_id = $12
WHERE id = $1
`
	_, err := tx.Exec(ctx, updateSQL,
		p.ID, p.Terms, p.CounterOffer, p.Deadline, string(p.Status), p.PendingResponseFrom,
		p.ModificationCount, p.LastModifiedBy, p.LastModifiedAt, p.DeclineReason, p.AcceptedAt, p.AgreementID,
	)
	if err != nil {
		return fmt.Errorf("proposal: update: %w", err)
	}
	return nil
}

func (r *Repository) ReplaceMilestones(ctx context.Context, tx pgx.Tx, proposalID string, ms []agreement.MilestoneSpec) error {
	if _, err := tx.Exec(ctx, `DELETE FROM proposal_milestones WHERE proposal_id = $1`, proposalID); err != nil {
		return fmt.Errorf("proposal: clear milestones: %w", err)
	}
	const insertSQL = `
INSERT INTO proposal_milestones (proposal_id, position, responsible_id, title, duration_days)
VALUES ($1, $2, $3, $4, $5)
`
	for i, m := range ms {
		if _, err := tx.Exec(ctx, insertSQL, proposalID, i+1, m.ResponsibleID, m.Title, m.DurationDays); err != nil {
			return fmt.Errorf("proposal: insert milestone %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *Repository) listMilestones(ctx context.Context, tx pgx.Tx, proposalID string) ([]agreement.MilestoneSpec, error) {
	rows, err := tx.Query(ctx, `SELECT responsible_id, title, duration_days FROM proposal_milestones WHERE proposal_id = $1 ORDER BY position`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("proposal: list milestones: %w", err)
	}
	defer rows.Close()

	var out []agreement.MilestoneSpec
	for rows.Next() {
		var m agreement.MilestoneSpec
		if err := rows.Scan(&m.ResponsibleID, &m.Title, &m.DurationDays); err != nil {
			return nil, fmt.Errorf("proposal: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal: iterate milestones: %w", err)
	}
	return out, nil
}

// AppendHistory adds e with the next sequence number. Callers hold the
// proposal row lock.
func (r *Repository) AppendHistory(ctx context.Context, tx pgx.Tx, e HistoryEntry) error {
	const insertSQL = `
INSERT INTO proposal_history (proposal_id, seq, actor_id, action, terms, counter_offer, deadline, message, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::uuid, $3, $4, $5, $6, $7, $8
FROM proposal_history
WHERE proposal_id = $1
`
	_, err := tx.Exec(ctx, insertSQL, e.ProposalID, e.ActorID, string(e.Action), e.Terms, e.CounterOffer, e.Deadline, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("proposal: append history: %w", err)
	}
	return nil
}

func (r *Repository) ListHistory(ctx context.Context, tx pgx.Tx, proposalID string) ([]HistoryEntry, error) {
	const query = `
SELECT proposal_id, seq, actor_id::text, action, terms, counter_offer, deadline, message, created_at
FROM proposal_history
WHERE proposal_id = $1
ORDER BY seq
`
	rows, err := tx.Query(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("proposal: list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ProposalID, &e.Seq, &e.ActorID, &e.Action, &e.Terms, &e.CounterOffer, &e.Deadline, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("proposal: scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal: iterate history: %w", err)
	}
	return out, nil
}

// LockLapsed claims open proposals whose deadline passed. Rows locked by a
// user operation or another sweeper are skipped and picked up next round.
func (r *Repository) LockLapsed(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Proposal, error) {
	query := `
SELECT ` + proposalColumns + `
FROM proposals
WHERE status IN ('pending_offer_owner_review', 'pending_proposer_review')
  AND deadline < $1
ORDER BY deadline
LIMIT $2
FOR UPDATE SKIP LOCKED
`
	return r.list(ctx, tx, query, "lock lapsed", now, limit)
}

func (r *Repository) ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit, offset int) ([]Proposal, error) {
	query := `
SELECT ` + proposalColumns + `
FROM proposals
WHERE proposer_id = $1 OR offer_owner_id = $1
ORDER BY last_modified_at DESC, id
LIMIT $2 OFFSET $3
`
	return r.list(ctx, tx, query, "list for user", userID, limit, offset)
}

func (r *Repository) list(ctx context.Context, tx pgx.Tx, query, op string, args ...any) ([]Proposal, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("proposal: %s: %w", op, err)
	}
	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("proposal: scan %s: %w", op, err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal: iterate %s: %w", op, err)
	}
	return out, nil
}
