package agreement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"skillbarter/db"
)

// Store is the data access the service needs. Every method runs inside the
// caller's transaction.
type Store interface {
	FindByProposal(ctx context.Context, tx pgx.Tx, proposalID string) (Agreement, error)
	InsertAgreement(ctx context.Context, tx pgx.Tx, a Agreement) error
	GetAgreement(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	LockAgreement(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	UpdateAgreement(ctx context.Context, tx pgx.Tx, a Agreement) error
	ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit, offset int) ([]Agreement, error)

	InsertMilestones(ctx context.Context, tx pgx.Tx, ms []Milestone) error
	ListMilestones(ctx context.Context, tx pgx.Tx, agreementID string) ([]Milestone, error)
	UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error

	GetDeliverable(ctx context.Context, tx pgx.Tx, id string) (Deliverable, error)
	LockDeliverable(ctx context.Context, tx pgx.Tx, id string) (Deliverable, error)
	ListDeliverables(ctx context.Context, tx pgx.Tx, agreementID string) ([]Deliverable, error)
	InsertDeliverable(ctx context.Context, tx pgx.Tx, d Deliverable) error
	UpdateDeliverable(ctx context.Context, tx pgx.Tx, d Deliverable) error

	AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) (int, error)
	ListTimeline(ctx context.Context, tx pgx.Tx, agreementID string) ([]TimelineEvent, error)
}

// Repository implements Store on PostgreSQL.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const agreementColumns = `id, proposal_id, offer_id, requester_id, provider_id, terms, status, created_at, accepted_at, completed_at, updated_at`

func scanAgreement(row pgx.Row) (Agreement, error) {
	var a Agreement
	err := row.Scan(
		&a.ID,
		&a.ProposalID,
		&a.OfferID,
		&a.RequesterID,
		&a.ProviderID,
		&a.Terms,
		&a.Status,
		&a.CreatedAt,
		&a.AcceptedAt,
		&a.CompletedAt,
		&a.UpdatedAt,
	)
	return a, err
}

func (r *Repository) loadAgreement(ctx context.Context, tx pgx.Tx, query string, arg any, op string) (Agreement, error) {
	a, err := scanAgreement(tx.QueryRow(ctx, query, arg))
	if err != nil {
		if db.IsMissing(err) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: %s: %w", op, err)
	}
	return a, nil
}

func (r *Repository) FindByProposal(ctx context.Context, tx pgx.Tx, proposalID string) (Agreement, error) {
	return r.loadAgreement(ctx, tx, `SELECT `+agreementColumns+` FROM agreements WHERE proposal_id = $1`, proposalID, "find by proposal")
}

func (r *Repository) GetAgreement(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return r.loadAgreement(ctx, tx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id, "get")
}

func (r *Repository) LockAgreement(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return r.loadAgreement(ctx, tx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id, "lock")
}

func (r *Repository) InsertAgreement(ctx context.Context, tx pgx.Tx, a Agreement) error {
	const insertSQL = `
INSERT INTO agreements (id, proposal_id, offer_id, requester_id, provider_id, terms, status, created_at, accepted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := tx.Exec(ctx, insertSQL, a.ID, a.ProposalID, a.OfferID, a.RequesterID, a.ProviderID, a.Terms, string(a.Status), a.CreatedAt, a.AcceptedAt, a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "agreements_proposal_id_key") {
			return fmt.Errorf("agreement: proposal %s already has an agreement: %w", a.ProposalID, err)
		}
		return fmt.Errorf("agreement: insert: %w", err)
	}
	return nil
}

func (r *Repository) UpdateAgreement(ctx context.Context, tx pgx.Tx, a Agreement) error {
	const updateSQL = `
UPDATE agreements
SET status = $2, completed_at = $3, updated_at = $4
WHERE id = $1
`
	if _, err := tx.Exec(ctx, updateSQL, a.ID, string(a.Status), a.CompletedAt, a.UpdatedAt); err != nil {
		return fmt.Errorf("agreement: update: %w", err)
	}
	return nil
}

func (r *Repository) ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit, offset int) ([]Agreement, error) {
	const query = `
SELECT ` + agreementColumns + `
FROM agreements
WHERE requester_id = $1 OR provider_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`
	rows, err := tx.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("agreement: list for user: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan agreement: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate agreements: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertMilestones(ctx context.Context, tx pgx.Tx, ms []Milestone) error {
	const insertSQL = `
INSERT INTO milestones (id, agreement_id, position, responsible_id, title, duration_days, status, due_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	for _, m := range ms {
		if _, err := tx.Exec(ctx, insertSQL, m.ID, m.AgreementID, m.Position, m.ResponsibleID, m.Title, m.DurationDays, string(m.Status), m.DueAt); err != nil {
			return fmt.Errorf("agreement: insert milestone %d: %w", m.Position, err)
		}
	}
	return nil
}

func (r *Repository) ListMilestones(ctx context.Context, tx pgx.Tx, agreementID string) ([]Milestone, error) {
	const query = `
SELECT id, agreement_id, position, responsible_id, title, duration_days, status, due_at, completed_at
FROM milestones
WHERE agreement_id = $1
ORDER BY position
`
	rows, err := tx.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ID, &m.AgreementID, &m.Position, &m.ResponsibleID, &m.Title, &m.DurationDays, &m.Status, &m.DueAt, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate milestones: %w", err)
	}
	return out, nil
}

func (r *Repository) UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error {
	if _, err := tx.Exec(ctx, `UPDATE milestones SET status = $2, completed_at = $3 WHERE id = $1`, m.ID, string(m.Status), m.CompletedAt); err != nil {
		return fmt.Errorf("agreement: update milestone: %w", err)
	}
	return nil
}

const deliverableColumns = `id, agreement_id, milestone_id, submitter_id, link, description, status, revision_reason, revision_count, submitted_at, approved_at, approved_by, updated_at`

func scanDeliverable(row pgx.Row) (Deliverable, error) {
	var d Deliverable
	err := row.Scan(
		&d.ID,
		&d.AgreementID,
		&d.MilestoneID,
		&d.SubmitterID,
		&d.Link,
		&d.Description,
		&d.Status,
		&d.RevisionReason,
		&d.RevisionCount,
		&d.SubmittedAt,
		&d.ApprovedAt,
		&d.ApprovedBy,
		&d.UpdatedAt,
	)
	return d, err
}

func (r *Repository) loadDeliverable(ctx context.Context, tx pgx.Tx, query, id, op string) (Deliverable, error) {
	d, err := scanDeliverable(tx.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsMissing(err) {
			return Deliverable{}, ErrDeliverableNotFound
		}
		return Deliverable{}, fmt.Errorf("agreement: %s deliverable: %w", op, err)
	}
	return d, nil
}

func (r *Repository) GetDeliverable(ctx context.Context, tx pgx.Tx, id string) (Deliverable, error) {
	return r.loadDeliverable(ctx, tx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id = $1`, id, "get")
}

func (r *Repository) LockDeliverable(ctx context.Context, tx pgx.Tx, id string) (Deliverable, error) {
	return r.loadDeliverable(ctx, tx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id = $1 FOR UPDATE`, id, "lock")
}

func (r *Repository) ListDeliverables(ctx context.Context, tx pgx.Tx, agreementID string) ([]Deliverable, error) {
	rows, err := tx.Query(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE agreement_id = $1 ORDER BY submitted_at, id`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list deliverables: %w", err)
	}
	defer rows.Close()

	var out []Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan deliverable: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate deliverables: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertDeliverable(ctx context.Context, tx pgx.Tx, d Deliverable) error {
	const insertSQL = `
INSERT INTO deliverables (id, agreement_id, milestone_id, submitter_id, link, description, status, revision_count, submitted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := tx.Exec(ctx, insertSQL, d.ID, d.AgreementID, d.MilestoneID, d.SubmitterID, d.Link, d.Description, string(d.Status), d.RevisionCount, d.SubmittedAt, d.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "deliverables_one_per_milestone") || db.IsUniqueViolation(err, "deliverables_one_general_per_submitter") {
			return ErrDuplicateSubmission
		}
		return fmt.Errorf("agreement: insert deliverable: %w", err)
	}
	return nil
}

func (r *Repository) UpdateDeliverable(ctx context.Context, tx pgx.Tx, d Deliverable) error {
	const updateSQL = `
UPDATE deliverables
SET link = $2,
    description = $3,
    status = $4,
    revision_reason = $5,
    revision_count = $6,
    submitted_at = $7,
    approved_at = $8,
    approved_by = $9,
    updated_at = $10
WHERE id = $1
`
	_, err := tx.Exec(ctx, updateSQL, d.ID, d.Link, d.Description, string(d.Status), d.RevisionReason, d.RevisionCount, d.SubmittedAt, d.ApprovedAt, d.ApprovedBy, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agreement: update deliverable: %w", err)
	}
	return nil
}

// AppendTimeline inserts ev with the next sequence number. Callers hold the
// agreement row lock, which keeps seq gap-free and monotonic.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) (int, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	const insertSQL = `
INSERT INTO agreement_timeline (agreement_id, seq, type, actor_id, payload, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::uuid, $4::jsonb, $5
FROM agreement_timeline
WHERE agreement_id = $1
RETURNING seq
`
	var seq int
	if err := tx.QueryRow(ctx, insertSQL, ev.AgreementID, ev.Type, ev.ActorID, body, ev.CreatedAt).Scan(&seq); err != nil {
		return 0, fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return seq, nil
}

func (r *Repository) ListTimeline(ctx context.Context, tx pgx.Tx, agreementID string) ([]TimelineEvent, error) {
	const query = `
SELECT agreement_id, seq, type, actor_id::text, payload, created_at
FROM agreement_timeline
WHERE agreement_id = $1
ORDER BY seq
`
	rows, err := tx.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var (
			ev   TimelineEvent
			body []byte
		)
		if err := rows.Scan(&ev.AgreementID, &ev.Seq, &ev.Type, &ev.ActorID, &body, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan timeline event: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Payload); err != nil {
				return nil, fmt.Errorf("agreement: decode timeline payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate timeline: %w", err)
	}
	return out, nil
}
