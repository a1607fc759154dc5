package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"skillbarter/db"
)

// Store is the data access the adjudication engine needs. Every method runs
// inside the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) error
	HasActive(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Update(ctx context.Context, tx pgx.Tx, d Dispute) error
	AppendMessage(ctx context.Context, tx pgx.Tx, m Message) error
	ListMessages(ctx context.Context, tx pgx.Tx, disputeID string) ([]Message, error)
	AppendEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error
	ListEvidence(ctx context.Context, tx pgx.Tx, disputeID string) ([]Evidence, error)
	LockOverdue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Dispute, error)
	ListForAgreement(ctx context.Context, tx pgx.Tx, agreementID string) ([]Dispute, error)
}

const activeDisputeIndex = "disputes_one_active_per_agreement"

// Repository implements Store on PostgreSQL.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const disputeColumns = `id, agreement_id, payment_id, complainer_id, respondent_id, reason, description,
       status, resolution, moderator_outcome, score,
       complainer_delivered, complainer_on_time, complainer_approved_before,
       respondent_delivered, respondent_on_time, respondent_approved_before,
       respondent_silent, response_deadline, response_received_at, escalated_at, closed_at,
       moderator_id::text, moderator_notes, created_at, updated_at`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.AgreementID,
		&d.PaymentID,
		&d.ComplainerID,
		&d.RespondentID,
		&d.Reason,
		&d.Description,
		&d.Status,
		&d.Resolution,
		&d.ModeratorOutcome,
		&d.Score,
		&d.Complainer.Delivered,
		&d.Complainer.OnTime,
		&d.Complainer.ApprovedBeforeDispute,
		&d.Respondent.Delivered,
		&d.Respondent.OnTime,
		&d.Respondent.ApprovedBeforeDispute,
		&d.RespondentSilent,
		&d.ResponseDeadline,
		&d.ResponseReceivedAt,
		&d.EscalatedAt,
		&d.ClosedAt,
		&d.ModeratorID,
		&d.ModeratorNotes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const insertSQL = `
INSERT INTO disputes (id, agreement_id, payment_id, complainer_id, respondent_id, reason, description,
                      status, resolution, score,
                      complainer_delivered, complainer_on_time, complainer_approved_before,
                      respondent_delivered, respondent_on_time, respondent_approved_before,
                      response_deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`
	_, err := tx.Exec(ctx, insertSQL,
		d.ID, d.AgreementID, d.PaymentID, d.ComplainerID, d.RespondentID, string(d.Reason), d.Description,
		string(d.Status), string(d.Resolution), d.Score,
		d.Complainer.Delivered, d.Complainer.OnTime, d.Complainer.ApprovedBeforeDispute,
		d.Respondent.Delivered, d.Respondent.OnTime, d.Respondent.ApprovedBeforeDispute,
		d.ResponseDeadline, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, activeDisputeIndex) {
			return ErrDisputeAlreadyOpen
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *Repository) HasActive(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM disputes WHERE agreement_id = $1 AND status <> 'resolved')`
	var exists bool
	if err := tx.QueryRow(ctx, query, agreementID).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispute: check active: %w", err)
	}
	return exists, nil
}

func (r *Repository) load(ctx context.Context, tx pgx.Tx, query, id, op string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsMissing(err) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: %s: %w", op, err)
	}
	return d, nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.load(ctx, tx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id, "get")
}

func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.load(ctx, tx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id, "lock")
}

// Update writes the mutable columns. The snapshotted facts never change
// after insert.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const updateSQL = `
UPDATE disputes
SET status = $2,
    resolution = $3,
    moderator_outcome = $4,
    score = $5,
    respondent_silent = $6,
    response_received_at = $7,
    escalated_at = $8,
    closed_at = $9,
    moderator_id = $10,
    moderator_notes = $11,
    updated_at = $12
WHERE id = $1
`
	_, err := tx.Exec(ctx, updateSQL,
		d.ID, string(d.Status), string(d.Resolution), d.ModeratorOutcome, d.Score, d.RespondentSilent,
		d.ResponseReceivedAt, d.EscalatedAt, d.ClosedAt, d.ModeratorID, d.ModeratorNotes, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	return nil
}

// AppendMessage adds m with the next sequence number. Callers hold the
// dispute row lock.
func (r *Repository) AppendMessage(ctx context.Context, tx pgx.Tx, m Message) error {
	const insertSQL = `
INSERT INTO dispute_messages (dispute_id, seq, author_id, body, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
FROM dispute_messages
WHERE dispute_id = $1
`
	if _, err := tx.Exec(ctx, insertSQL, m.DisputeID, m.AuthorID, m.Body, m.CreatedAt); err != nil {
		return fmt.Errorf("dispute: append message: %w", err)
	}
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, tx pgx.Tx, disputeID string) ([]Message, error) {
	rows, err := tx.Query(ctx, `
SELECT dispute_id, seq, author_id, body, created_at
FROM dispute_messages
WHERE dispute_id = $1
ORDER BY seq
`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.DisputeID, &m.Seq, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return out, nil
}

// AppendEvidence adds e with the next sequence number. Callers hold the
// dispute row lock.
func (r *Repository) AppendEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error {
	const insertSQL = `
INSERT INTO dispute_evidence (dispute_id, seq, submitter_id, link, description, digest, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
FROM dispute_evidence
WHERE dispute_id = $1
`
	if _, err := tx.Exec(ctx, insertSQL, e.DisputeID, e.SubmitterID, e.Link, e.Description, e.Digest, e.CreatedAt); err != nil {
		return fmt.Errorf("dispute: append evidence: %w", err)
	}
	return nil
}

func (r *Repository) ListEvidence(ctx context.Context, tx pgx.Tx, disputeID string) ([]Evidence, error) {
	rows, err := tx.Query(ctx, `
SELECT dispute_id, seq, submitter_id, link, description, digest, created_at
FROM dispute_evidence
WHERE dispute_id = $1
ORDER BY seq
`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.DisputeID, &e.Seq, &e.SubmitterID, &e.Link, &e.Description, &e.Digest, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

// LockOverdue claims disputes whose response window lapsed. Rows held by a
// respondent or another sweeper are skipped.
func (r *Repository) LockOverdue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Dispute, error) {
	query := `
SELECT ` + disputeColumns + `
FROM disputes
WHERE status = 'awaiting_response'
  AND response_deadline < $1
ORDER BY response_deadline
LIMIT $2
FOR UPDATE SKIP LOCKED
`
	return r.list(ctx, tx, query, "lock overdue", now, limit)
}

func (r *Repository) ListForAgreement(ctx context.Context, tx pgx.Tx, agreementID string) ([]Dispute, error) {
	query := `
SELECT ` + disputeColumns + `
FROM disputes
WHERE agreement_id = $1
ORDER BY created_at DESC, id
`
	return r.list(ctx, tx, query, "list for agreement", agreementID)
}

func (r *Repository) list(ctx context.Context, tx pgx.Tx, query, op string, args ...any) ([]Dispute, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan %s: %w", op, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate %s: %w", op, err)
	}
	return out, nil
}
