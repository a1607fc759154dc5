package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillbarter/agreement"
	"skillbarter/db"
	"skillbarter/logging"
	"skillbarter/notify"
	"skillbarter/offer"
)

// OfferLookup reads the offer a proposal is made on and holds it stable for
// the rest of the transaction.
type OfferLookup interface {
	LockForProposal(ctx context.Context, tx pgx.Tx, offerID string) (offer.Offer, error)
}

// AgreementCreator turns an accepted proposal into an agreement inside the
// accepting transaction.
type AgreementCreator interface {
	CreateFromProposal(ctx context.Context, tx pgx.Tx, params agreement.FromProposalParams) (agreement.Agreement, error)
}

// Service is the negotiation engine.
type Service struct {
	pool       db.TxBeginner
	store      Store
	offers     OfferLookup
	agreements AgreementCreator
	sink       notify.Sink
	now        func() time.Time
	newID      func() string
	log        *logging.Logger
}

func NewService(pool db.TxBeginner, store Store, offers OfferLookup, agreements AgreementCreator, sink notify.Sink, log *logging.Logger) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{
		pool:       pool,
		store:      store,
		offers:     offers,
		agreements: agreements,
		sink:       sink,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		log:        log.WithComponent("proposal"),
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

// Create opens a negotiation on an active offer. The offer owner answers
// first. A lapsed proposal the proposer still has open on the offer is
// expired in the same transaction instead of counting as a duplicate.
func (s *Service) Create(ctx context.Context, params CreateParams) (Proposal, error) {
	if params.OfferID == "" || params.ProposerID == "" || strings.TrimSpace(params.Terms) == "" {
		return Proposal{}, ErrMissingFields
	}
	now := s.clock()
	if !params.Deadline.After(now) {
		return Proposal{}, ErrInvalidDeadline
	}

	var out Proposal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := s.offers.LockForProposal(ctx, tx, params.OfferID)
		if err != nil {
			if errors.Is(err, offer.ErrNotFound) {
				return ErrInvalidOffer
			}
			return err
		}
		if !o.Active() {
			return ErrInvalidOffer
		}
		if o.OwnerID == params.ProposerID {
			return ErrSelfProposal
		}
		if err := agreement.ValidateMilestones(params.ProposerID, o.OwnerID, params.Milestones); err != nil {
			return err
		}

		open, err := s.store.LockOpen(ctx, tx, o.ID, params.ProposerID)
		if err != nil {
			return err
		}
		for _, prev := range open {
			if !lapsed(prev, now) {
				return ErrDuplicatePending
			}
			if _, err := s.expireLocked(ctx, tx, prev, now); err != nil {
				return err
			}
		}

		owner := o.OwnerID
		p := Proposal{
			ID:                  s.newID(),
			OfferID:             o.ID,
			ProposerID:          params.ProposerID,
			OfferOwnerID:        owner,
			Terms:               strings.TrimSpace(params.Terms),
			CounterOffer:        params.CounterOffer,
			Deadline:            params.Deadline.UTC(),
			Status:              StatusPendingOfferOwnerReview,
			PendingResponseFrom: &owner,
			LastModifiedBy:      params.ProposerID,
			LastModifiedAt:      now,
			CreatedAt:           now,
			Milestones:          params.Milestones,
		}
		if err := s.store.Insert(ctx, tx, p); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, p, params.ProposerID, HistoryCreated, "", now); err != nil {
			return err
		}

		notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: owner, Kind: notify.KindProposalCreated, EntityID: p.ID})
		out = p
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	s.log.Info("proposal created", "proposal_id", out.ID, "offer_id", out.OfferID, "actor_id", out.ProposerID)
	return out, nil
}

// Respond applies the pending party's move. A proposal whose deadline passed
// is expired first and the move is rejected with ErrNotPending.
func (s *Service) Respond(ctx context.Context, params RespondParams) (Proposal, error) {
	if params.ProposalID == "" || params.ActorID == "" {
		return Proposal{}, ErrMissingFields
	}
	switch params.Action {
	case ActionAccept, ActionDecline:
	case ActionModify:
		if strings.TrimSpace(params.Terms) == "" || strings.TrimSpace(params.CounterOffer) == "" || params.Deadline.IsZero() {
			return Proposal{}, ErrMissingFields
		}
	default:
		return Proposal{}, ErrInvalidAction
	}

	var (
		out     Proposal
		expired bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.Lock(ctx, tx, params.ProposalID)
		if err != nil {
			return err
		}
		now := s.clock()
		if lapsed(p, now) {
			out, err = s.expireLocked(ctx, tx, p, now)
			expired = true
			return err
		}
		if err := checkTurn(p, params.ActorID); err != nil {
			return err
		}

		switch params.Action {
		case ActionAccept:
			out, err = s.accept(ctx, tx, p, params, now)
		case ActionModify:
			out, err = s.modify(ctx, tx, p, params, now)
		case ActionDecline:
			out, err = s.decline(ctx, tx, p, params, now)
		}
		return err
	})
	if err != nil {
		return Proposal{}, err
	}
	if expired {
		return out, fmt.Errorf("%w: deadline passed", ErrNotPending)
	}
	s.log.Info("proposal responded", "proposal_id", out.ID, "action", string(params.Action), "actor_id", params.ActorID, "status", string(out.Status))
	return out, nil
}

func (s *Service) accept(ctx context.Context, tx pgx.Tx, p Proposal, params RespondParams, now time.Time) (Proposal, error) {
	a, err := s.agreements.CreateFromProposal(ctx, tx, agreement.FromProposalParams{
		ProposalID:  p.ID,
		OfferID:     p.OfferID,
		RequesterID: p.ProposerID,
		ProviderID:  p.OfferOwnerID,
		Terms:       p.Terms,
		AcceptedBy:  params.ActorID,
		AcceptedAt:  now,
		Milestones:  p.Milestones,
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal: create agreement: %w", err)
	}

	finish(&p, StatusAccepted)
	p.AcceptedAt = &now
	p.AgreementID = &a.ID
	p.LastModifiedBy = params.ActorID
	p.LastModifiedAt = now
	if err := s.store.Update(ctx, tx, p); err != nil {
		return Proposal{}, err
	}
	if err := s.appendHistory(ctx, tx, p, params.ActorID, HistoryAccepted, params.Message, now); err != nil {
		return Proposal{}, err
	}

	other := nextPending(p, params.ActorID)
	notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{
		UserID:   other,
		Kind:     notify.KindProposalAccepted,
		EntityID: p.ID,
		Payload:  map[string]any{"agreement_id": a.ID},
	})
	return p, nil
}

func (s *Service) modify(ctx context.Context, tx pgx.Tx, p Proposal, params RespondParams, now time.Time) (Proposal, error) {
	if !params.Deadline.After(now) {
		return Proposal{}, ErrInvalidDeadline
	}
	if params.Milestones != nil {
		if err := agreement.ValidateMilestones(p.ProposerID, p.OfferOwnerID, params.Milestones); err != nil {
			return Proposal{}, err
		}
	}

	next := nextPending(p, params.ActorID)
	p.Terms = strings.TrimSpace(params.Terms)
	p.CounterOffer = params.CounterOffer
	p.Deadline = params.Deadline.UTC()
	p.ModificationCount++
	p.PendingResponseFrom = &next
	p.Status = statusFor(p, next)
	p.LastModifiedBy = params.ActorID
	p.LastModifiedAt = now
	if err := s.store.Update(ctx, tx, p); err != nil {
		return Proposal{}, err
	}
	if params.Milestones != nil {
		if err := s.store.ReplaceMilestones(ctx, tx, p.ID, params.Milestones); err != nil {
			return Proposal{}, err
		}
		p.Milestones = params.Milestones
	}
	if err := s.appendHistory(ctx, tx, p, params.ActorID, HistoryModified, params.Message, now); err != nil {
		return Proposal{}, err
	}

	notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: next, Kind: notify.KindProposalModified, EntityID: p.ID})
	return p, nil
}

func (s *Service) decline(ctx context.Context, tx pgx.Tx, p Proposal, params RespondParams, now time.Time) (Proposal, error) {
	finish(&p, StatusDeclined)
	if msg := strings.TrimSpace(params.Message); msg != "" {
		p.DeclineReason = &msg
	}
	p.LastModifiedBy = params.ActorID
	p.LastModifiedAt = now
	if err := s.store.Update(ctx, tx, p); err != nil {
		return Proposal{}, err
	}
	if err := s.appendHistory(ctx, tx, p, params.ActorID, HistoryDeclined, params.Message, now); err != nil {
		return Proposal{}, err
	}

	other := nextPending(p, params.ActorID)
	notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: other, Kind: notify.KindProposalDeclined, EntityID: p.ID})
	return p, nil
}

// Withdraw lets the proposer abandon the negotiation on either turn.
func (s *Service) Withdraw(ctx context.Context, proposalID, actorID string) (Proposal, error) {
	if proposalID == "" || actorID == "" {
		return Proposal{}, ErrMissingFields
	}

	var (
		out     Proposal
		expired bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.Lock(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if p.ProposerID != actorID {
			return ErrNotProposer
		}
		now := s.clock()
		if lapsed(p, now) {
			out, err = s.expireLocked(ctx, tx, p, now)
			expired = true
			return err
		}
		if IsTerminal(p.Status) {
			return ErrNotPending
		}

		finish(&p, StatusWithdrawn)
		p.LastModifiedBy = actorID
		p.LastModifiedAt = now
		if err := s.store.Update(ctx, tx, p); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, p, actorID, HistoryWithdrawn, "", now); err != nil {
			return err
		}
		notify.Fire(ctx, s.log, s.sink, tx, notify.Notification{UserID: p.OfferOwnerID, Kind: notify.KindProposalWithdrawn, EntityID: p.ID})
		out = p
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	if expired {
		return out, fmt.Errorf("%w: deadline passed", ErrNotPending)
	}
	s.log.Info("proposal withdrawn", "proposal_id", out.ID, "actor_id", actorID)
	return out, nil
}

// Expire moves a lapsed proposal to expired. Calling it on a proposal that is
// already terminal is a no-op that returns the current state.
func (s *Service) Expire(ctx context.Context, proposalID string) (Proposal, error) {
	var out Proposal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.Lock(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if IsTerminal(p.Status) {
			out = p
			return nil
		}
		now := s.clock()
		if !lapsed(p, now) {
			return ErrNotDue
		}
		out, err = s.expireLocked(ctx, tx, p, now)
		return err
	})
	if err != nil {
		return Proposal{}, err
	}
	return out, nil
}

// ExpireDue expires up to limit lapsed proposals in one transaction and
// reports how many it changed. Each proposal gets its own savepoint, so one
// that fails is logged and retried on the next sweep while the rest commit.
// Safe to run from several processes at once.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.clock()
		due, err := s.store.LockLapsed(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for _, p := range due {
			if !lapsed(p, now) {
				continue
			}
			err := db.InSavepoint(ctx, tx, func(sp pgx.Tx) error {
				_, err := s.expireLocked(ctx, sp, p, now)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("proposal expiry skipped", "proposal_id", p.ID, "error", err.Error())
				continue
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("proposals expired", "count", n)
	}
	return n, nil
}

func (s *Service) expireLocked(ctx context.Context, tx pgx.Tx, p Proposal, now time.Time) (Proposal, error) {
	finish(&p, StatusExpired)
	if err := s.store.Update(ctx, tx, p); err != nil {
		return Proposal{}, err
	}
	if err := s.appendHistory(ctx, tx, p, "", HistoryExpired, "", now); err != nil {
		return Proposal{}, err
	}
	notify.Fire(ctx, s.log, s.sink, tx,
		notify.Notification{UserID: p.ProposerID, Kind: notify.KindProposalExpired, EntityID: p.ID},
		notify.Notification{UserID: p.OfferOwnerID, Kind: notify.KindProposalExpired, EntityID: p.ID},
	)
	s.log.Debug("proposal expired", "proposal_id", p.ID)
	return p, nil
}

// Get returns the proposal with its history. A lapsed proposal is expired on
// the way out.
func (s *Service) Get(ctx context.Context, proposalID string) (Detail, error) {
	var out Detail
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.Get(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		now := s.clock()
		if lapsed(p, now) {
			if p, err = s.store.Lock(ctx, tx, proposalID); err != nil {
				return err
			}
			if lapsed(p, now) {
				if p, err = s.expireLocked(ctx, tx, p, now); err != nil {
					return err
				}
			}
		}
		history, err := s.store.ListHistory(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		out = Detail{Proposal: p, History: history}
		return nil
	})
	return out, err
}

// ListForUser returns a page of proposals where userID is a party. Lapsed
// proposals on the page are expired before they are returned.
func (s *Service) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]Proposal, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	var out []Proposal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		list, err := s.store.ListForUser(ctx, tx, userID, pageSize, (page-1)*pageSize)
		if err != nil {
			return err
		}
		now := s.clock()
		for i, p := range list {
			if !lapsed(p, now) {
				continue
			}
			locked, err := s.store.Lock(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if lapsed(locked, now) {
				if locked, err = s.expireLocked(ctx, tx, locked, now); err != nil {
					return err
				}
			}
			list[i] = locked
		}
		out = list
		return nil
	})
	return out, err
}

func (s *Service) appendHistory(ctx context.Context, tx pgx.Tx, p Proposal, actorID string, action HistoryAction, message string, at time.Time) error {
	e := HistoryEntry{
		ProposalID:   p.ID,
		Action:       action,
		Terms:        p.Terms,
		CounterOffer: p.CounterOffer,
		Deadline:     p.Deadline,
		CreatedAt:    at,
	}
	if actorID != "" {
		e.ActorID = &actorID
	}
	if msg := strings.TrimSpace(message); msg != "" {
		e.Message = &msg
	}
	return s.store.AppendHistory(ctx, tx, e)
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("proposal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("proposal: commit tx: %w", err)
	}
	return nil
}
