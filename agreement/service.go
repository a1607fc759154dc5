package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillbarter/db"
	"skillbarter/logging"
	"skillbarter/notify"
)

// Service owns the agreement lifecycle from acceptance to completion.
type Service struct {
	pool  db.TxBeginner
	store Store
	sink  notify.Sink
	now   func() time.Time
	newID func() string
	log   *logging.Logger
}

func NewService(pool db.TxBeginner, store Store, sink notify.Sink, log *logging.Logger) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{
		pool:  pool,
		store: store,
		sink:  sink,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
		log:   log.WithComponent("agreement"),
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides id generation.
func (s *Service) WithIDGenerator(fn func() string) *Service {
	s.newID = fn
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func validateMilestones(requesterID, providerID string, specs []MilestoneSpec) error {
	for i, m := range specs {
		if strings.TrimSpace(m.Title) == "" || m.DurationDays <= 0 {
			return fmt.Errorf("%w: milestone %d needs a title and a positive duration", ErrInvalidMilestone, i)
		}
		if m.ResponsibleID != requesterID && m.ResponsibleID != providerID {
			return fmt.Errorf("%w: milestone %d is assigned to a non-party", ErrInvalidMilestone, i)
		}
	}
	return nil
}

// ValidateMilestones checks proposed milestones before they are stored on a
// proposal, so acceptance cannot fail on them later.
func ValidateMilestones(requesterID, providerID string, specs []MilestoneSpec) error {
	return validateMilestones(requesterID, providerID, specs)
}

// CreateFromProposal materialises the agreement for an accepted proposal. It
// runs inside the caller's transaction so acceptance and agreement creation
// commit or roll back together. A retry for the same proposal returns the
// agreement created the first time.
func (s *Service) CreateFromProposal(ctx context.Context, tx pgx.Tx, params FromProposalParams) (Agreement, error) {
	if params.ProposalID == "" || params.OfferID == "" || params.RequesterID == "" || params.ProviderID == "" {
		return Agreement{}, ErrMissingFields
	}
	if params.RequesterID == params.ProviderID {
		return Agreement{}, fmt.Errorf("%w: requester and provider must differ", ErrMissingFields)
	}
	if err := validateMilestones(params.RequesterID, params.ProviderID, params.Milestones); err != nil {
		return Agreement{}, err
	}

	existing, err := s.store.FindByProposal(ctx, tx, params.ProposalID)
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, ErrAgreementNotFound):
	default:
		return Agreement{}, err
	}

	acceptedAt := params.AcceptedAt.UTC()
	if acceptedAt.IsZero() {
		acceptedAt = s.clock()
	}
	a := Agreement{
		ID:          s.newID(),
		ProposalID:  params.ProposalID,
		OfferID:     params.OfferID,
		RequesterID: params.RequesterID,
		ProviderID:  params.ProviderID,
		Terms:       params.Terms,
		Status:      StatusInProgress,
		CreatedAt:   acceptedAt,
		AcceptedAt:  acceptedAt,
		UpdatedAt:   acceptedAt,
	}
	if err := s.store.InsertAgreement(ctx, tx, a); err != nil {
		return Agreement{}, err
	}

	milestones := make([]Milestone, 0, len(params.Milestones))
	for i, spec := range params.Milestones {
		milestones = append(milestones, Milestone{
			ID:            s.newID(),
			AgreementID:   a.ID,
			Position:      i + 1,
			ResponsibleID: spec.ResponsibleID,
			Title:         spec.Title,
			DurationDays:  spec.DurationDays,
			Status:        MilestonePending,
			DueAt:         acceptedAt.AddDate(0, 0, spec.DurationDays),
		})
	}
	if len(milestones) > 0 {
		if err := s.store.InsertMilestones(ctx, tx, milestones); err != nil {
			return Agreement{}, err
		}
	}

	if err := s.appendEvent(ctx, tx, a.ID, EventAgreementCreated, params.AcceptedBy, acceptedAt, map[string]any{
		"source":      "proposal_acceptance",
		"proposal_id": params.ProposalID,
		"offer_id":    params.OfferID,
		"milestones":  len(milestones),
	}); err != nil {
		return Agreement{}, err
	}

	notify.Fire(ctx, s.log, s.sink, tx,
		notify.Notification{UserID: a.RequesterID, Kind: notify.KindAgreementCreated, EntityID: a.ID},
		notify.Notification{UserID: a.ProviderID, Kind: notify.KindAgreementCreated, EntityID: a.ID},
	)
	return a, nil
}

// LockForDispute loads the agreement inside tx and holds its row lock, so
// deliverable reviews and concurrent dispute openings serialize behind it.
func (s *Service) LockForDispute(ctx context.Context, tx pgx.Tx, agreementID string) (Agreement, error) {
	return s.store.LockAgreement(ctx, tx, agreementID)
}

// DeliveryFacts evaluates partyID's delivery signals as of asOf inside tx.
func (s *Service) DeliveryFacts(ctx context.Context, tx pgx.Tx, agreementID, partyID string, asOf time.Time) (Facts, error) {
	a, err := s.store.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return Facts{}, err
	}
	if !a.IsParty(partyID) {
		return Facts{}, ErrNotAParty
	}
	milestones, err := s.store.ListMilestones(ctx, tx, agreementID)
	if err != nil {
		return Facts{}, err
	}
	deliverables, err := s.store.ListDeliverables(ctx, tx, agreementID)
	if err != nil {
		return Facts{}, err
	}
	return computeFacts(a, milestones, deliverables, partyID, asOf.UTC()), nil
}

// SubmitDeliverable records a new deliverable.
func (s *Service) SubmitDeliverable(ctx context.Context, params SubmitParams) (Deliverable, error) {
	if params.AgreementID == "" || params.SubmitterID == "" || strings.TrimSpace(params.Link) == "" {
		return Deliverable{}, ErrMissingFields
	}

	var out Deliverable
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := s.store.LockAgreement(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		if a.Status != StatusInProgress {
			return ErrAgreementNotActive
		}
		if !a.IsParty(params.SubmitterID) {
			return ErrNotAParty
		}

		milestones, err := s.store.ListMilestones(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if params.MilestoneID != nil {
			m, ok := findMilestone(milestones, *params.MilestoneID)
			if !ok {
				return ErrMilestoneNotFound
			}
			if m.ResponsibleID != params.SubmitterID {
				return ErrNotResponsible
			}
		}

		existing, err := s.store.ListDeliverables(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if duplicateSubmission(existing, params.MilestoneID, params.SubmitterID) {
			return ErrDuplicateSubmission
		}

		now := s.clock()
		d := Deliverable{
			ID:          s.newID(),
			AgreementID: a.ID,
			MilestoneID: params.MilestoneID,
			SubmitterID: params.SubmitterID,
			Link:        strings.TrimSpace(params.Link),
			Description: params.Description,
			Status:      DeliverableSubmitted,
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		if err := s.store.InsertDeliverable(ctx, tx, d); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, a.ID, EventDeliverableSubmitted, params.SubmitterID, now, map[string]any{
			"deliverable_id": d.ID,
			"milestone_id":   params.MilestoneID,
		}); err != nil {
			return err
		}

		counter, _ := a.CounterParty(params.SubmitterID)
		notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: counter, Kind: notify.KindDeliverableSubmitted, EntityID: d.ID})
		out = d
		return nil
	})
	if err != nil {
		return Deliverable{}, err
	}
	s.log.Info("deliverable submitted", "agreement_id", out.AgreementID, "deliverable_id", out.ID, "actor_id", out.SubmitterID)
	return out, nil
}

// Approve accepts a submitted deliverable. Approving the deliverable of the
// last open milestone completes the agreement.
func (s *Service) Approve(ctx context.Context, deliverableID, actorID string) (Deliverable, error) {
	var out Deliverable
	var completed bool
	err := s.review(ctx, deliverableID, actorID, func(tx pgx.Tx, a Agreement, d Deliverable, now time.Time) (Deliverable, error) {
		d.Status = DeliverableApproved
		d.ApprovedAt = &now
		d.ApprovedBy = &actorID
		d.UpdatedAt = now
		if err := s.store.UpdateDeliverable(ctx, tx, d); err != nil {
			return Deliverable{}, err
		}
		if err := s.appendEvent(ctx, tx, a.ID, EventDeliverableApproved, actorID, now, map[string]any{"deliverable_id": d.ID}); err != nil {
			return Deliverable{}, err
		}

		milestones, err := s.store.ListMilestones(ctx, tx, a.ID)
		if err != nil {
			return Deliverable{}, err
		}
		if d.MilestoneID != nil {
			for i, m := range milestones {
				if m.ID != *d.MilestoneID || m.Status == MilestoneCompleted {
					continue
				}
				m.Status = MilestoneCompleted
				m.CompletedAt = &now
				if err := s.store.UpdateMilestone(ctx, tx, m); err != nil {
					return Deliverable{}, err
				}
				milestones[i] = m
				if err := s.appendEvent(ctx, tx, a.ID, EventMilestoneCompleted, actorID, now, map[string]any{"milestone_id": m.ID, "position": m.Position}); err != nil {
					return Deliverable{}, err
				}
			}
		}

		deliverables, err := s.store.ListDeliverables(ctx, tx, a.ID)
		if err != nil {
			return Deliverable{}, err
		}
		deliverables = replaceDeliverable(deliverables, d)
		if allMilestonesDone(a, milestones, deliverables) {
			a.Status = StatusCompleted
			a.CompletedAt = &now
			a.UpdatedAt = now
			if err := s.store.UpdateAgreement(ctx, tx, a); err != nil {
				return Deliverable{}, err
			}
			if err := s.appendEvent(ctx, tx, a.ID, EventAgreementCompleted, actorID, now, nil); err != nil {
				return Deliverable{}, err
			}
			completed = true
			notify.Fire(ctx, s.log, s.sink, tx,
				notify.Notification{UserID: a.RequesterID, Kind: notify.KindAgreementCompleted, EntityID: a.ID},
				notify.Notification{UserID: a.ProviderID, Kind: notify.KindAgreementCompleted, EntityID: a.ID},
			)
		}

		notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: d.SubmitterID, Kind: notify.KindDeliverableApproved, EntityID: d.ID})
		out = d
		return d, nil
	})
	if err != nil {
		return Deliverable{}, err
	}
	s.log.Info("deliverable approved", "agreement_id", out.AgreementID, "deliverable_id", out.ID, "actor_id", actorID, "agreement_completed", completed)
	return out, nil
}

// RequestRevision sends a submitted deliverable back to its submitter.
func (s *Service) RequestRevision(ctx context.Context, deliverableID, actorID, reason string) (Deliverable, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Deliverable{}, fmt.Errorf("%w: revision reason", ErrMissingFields)
	}
	return s.reviewAndReturn(ctx, deliverableID, actorID, func(tx pgx.Tx, a Agreement, d Deliverable, now time.Time) (Deliverable, error) {
		d.Status = DeliverableRevisionRequested
		d.RevisionReason = &reason
		d.UpdatedAt = now
		if err := s.store.UpdateDeliverable(ctx, tx, d); err != nil {
			return Deliverable{}, err
		}
		if err := s.appendEvent(ctx, tx, a.ID, EventRevisionRequested, actorID, now, map[string]any{"deliverable_id": d.ID, "reason": reason}); err != nil {
			return Deliverable{}, err
		}
		notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: d.SubmitterID, Kind: notify.KindDeliverableRevisionRequested, EntityID: d.ID})
		return d, nil
	})
}

// Resubmit replaces the content of a deliverable after a revision request.
func (s *Service) Resubmit(ctx context.Context, params ResubmitParams) (Deliverable, error) {
	if params.DeliverableID == "" || params.SubmitterID == "" || strings.TrimSpace(params.Link) == "" {
		return Deliverable{}, ErrMissingFields
	}

	var out Deliverable
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, d, err := s.lockDeliverable(ctx, tx, params.DeliverableID)
		if err != nil {
			return err
		}
		if a.Status != StatusInProgress {
			return ErrAgreementNotActive
		}
		if d.SubmitterID != params.SubmitterID {
			return ErrNotSubmitter
		}
		if d.Status != DeliverableRevisionRequested {
			return ErrInvalidDeliverableState
		}

		now := s.clock()
		d.Link = strings.TrimSpace(params.Link)
		d.Description = params.Description
		d.Status = DeliverableSubmitted
		d.RevisionCount++
		d.SubmittedAt = now
		d.UpdatedAt = now
		if err := s.store.UpdateDeliverable(ctx, tx, d); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, a.ID, EventDeliverableResubmit, params.SubmitterID, now, map[string]any{
			"deliverable_id": d.ID,
			"revision_count": d.RevisionCount,
		}); err != nil {
			return err
		}
		counter, _ := a.CounterParty(d.SubmitterID)
		notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: counter, Kind: notify.KindDeliverableSubmitted, EntityID: d.ID})
		out = d
		return nil
	})
	if err != nil {
		return Deliverable{}, err
	}
	return out, nil
}

// Get returns the agreement with its milestones, deliverables and timeline.
func (s *Service) Get(ctx context.Context, agreementID string) (Detail, error) {
	var out Detail
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := s.store.GetAgreement(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		milestones, err := s.store.ListMilestones(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		deliverables, err := s.store.ListDeliverables(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		timeline, err := s.store.ListTimeline(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		out = Detail{Agreement: a, Milestones: milestones, Deliverables: deliverables, Timeline: timeline}
		return nil
	})
	return out, err
}

// ListForUser returns a page of agreements where userID is a party.
func (s *Service) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]Agreement, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	var out []Agreement
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.store.ListForUser(ctx, tx, userID, pageSize, (page-1)*pageSize)
		return err
	})
	return out, err
}

type reviewFunc func(tx pgx.Tx, a Agreement, d Deliverable, now time.Time) (Deliverable, error)

func (s *Service) reviewAndReturn(ctx context.Context, deliverableID, actorID string, fn reviewFunc) (Deliverable, error) {
	var out Deliverable
	err := s.review(ctx, deliverableID, actorID, func(tx pgx.Tx, a Agreement, d Deliverable, now time.Time) (Deliverable, error) {
		d, err := fn(tx, a, d, now)
		out = d
		return d, err
	})
	if err != nil {
		return Deliverable{}, err
	}
	return out, nil
}

// review runs the checks shared by Approve and RequestRevision: the agreement
// is active, the actor is the submitter's counter-party and the deliverable
// is awaiting review.
func (s *Service) review(ctx context.Context, deliverableID, actorID string, fn reviewFunc) error {
	if deliverableID == "" || actorID == "" {
		return ErrMissingFields
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		a, d, err := s.lockDeliverable(ctx, tx, deliverableID)
		if err != nil {
			return err
		}
		if a.Status != StatusInProgress {
			return ErrAgreementNotActive
		}
		if !a.IsParty(actorID) {
			return ErrNotAParty
		}
		if counter, _ := a.CounterParty(d.SubmitterID); counter != actorID {
			return ErrNotCounterParty
		}
		if d.Status != DeliverableSubmitted {
			return ErrInvalidDeliverableState
		}
		_, err = fn(tx, a, d, s.clock())
		return err
	})
}

// lockDeliverable takes the agreement lock before the deliverable lock so
// every writer on an agreement acquires locks in the same order.
func (s *Service) lockDeliverable(ctx context.Context, tx pgx.Tx, deliverableID string) (Agreement, Deliverable, error) {
	d, err := s.store.GetDeliverable(ctx, tx, deliverableID)
	if err != nil {
		return Agreement{}, Deliverable{}, err
	}
	a, err := s.store.LockAgreement(ctx, tx, d.AgreementID)
	if err != nil {
		return Agreement{}, Deliverable{}, err
	}
	d, err = s.store.LockDeliverable(ctx, tx, deliverableID)
	if err != nil {
		return Agreement{}, Deliverable{}, err
	}
	return a, d, nil
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, agreementID, eventType, actorID string, at time.Time, payload map[string]any) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	_, err := s.store.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementID: agreementID,
		Type:        eventType,
		ActorID:     actor,
		Payload:     payload,
		CreatedAt:   at,
	})
	return err
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

func findMilestone(ms []Milestone, id string) (Milestone, bool) {
	for _, m := range ms {
		if m.ID == id {
			return m, true
		}
	}
	return Milestone{}, false
}

// duplicateSubmission reports whether the (agreement, milestone) pair is
// already taken. Deliverables without a milestone are keyed by submitter.
func duplicateSubmission(existing []Deliverable, milestoneID *string, submitterID string) bool {
	for _, d := range existing {
		switch {
		case milestoneID != nil && d.MilestoneID != nil && *d.MilestoneID == *milestoneID:
			return true
		case milestoneID == nil && d.MilestoneID == nil && d.SubmitterID == submitterID:
			return true
		}
	}
	return false
}

func replaceDeliverable(ds []Deliverable, d Deliverable) []Deliverable {
	for i := range ds {
		if ds[i].ID == d.ID {
			ds[i] = d
			return ds
		}
	}
	return append(ds, d)
}
