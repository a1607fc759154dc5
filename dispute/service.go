package dispute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillbarter/agreement"
	"skillbarter/db"
	"skillbarter/logging"
	"skillbarter/notify"
	"skillbarter/penalty"
)

// AgreementReader supplies the agreement and the delivery facts a dispute is
// opened against.
type AgreementReader interface {
	LockForDispute(ctx context.Context, tx pgx.Tx, agreementID string) (agreement.Agreement, error)
	DeliveryFacts(ctx context.Context, tx pgx.Tx, agreementID, partyID string, asOf time.Time) (agreement.Facts, error)
}

// PenaltyCreator records a penalty for the losing party inside the resolving
// transaction.
type PenaltyCreator interface {
	CreatePenalty(ctx context.Context, tx pgx.Tx, params penalty.Params) (penalty.Penalty, error)
}

// ModeratorChecker answers the moderator capability check.
type ModeratorChecker interface {
	IsModerator(ctx context.Context, userID string) (bool, error)
}

// Options tune the adjudication engine.
type Options struct {
	ResponseWindow time.Duration
	Thresholds     Thresholds
}

// DefaultResponseWindow is how long a respondent has to answer.
const DefaultResponseWindow = 72 * time.Hour

// Service is the adjudication engine.
type Service struct {
	pool       db.TxBeginner
	store      Store
	agreements AgreementReader
	penalties  PenaltyCreator
	moderators ModeratorChecker
	sink       notify.Sink
	window     time.Duration
	thresholds Thresholds
	now        func() time.Time
	newID      func() string
	log        *logging.Logger
}

func NewService(pool db.TxBeginner, store Store, agreements AgreementReader, penalties PenaltyCreator, moderators ModeratorChecker, sink notify.Sink, opts Options, log *logging.Logger) *Service {
	if store == nil {
		store = NewRepository()
	}
	if opts.ResponseWindow <= 0 {
		opts.ResponseWindow = DefaultResponseWindow
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds
	}
	return &Service{
		pool:       pool,
		store:      store,
		agreements: agreements,
		penalties:  penalties,
		moderators: moderators,
		sink:       sink,
		window:     opts.ResponseWindow,
		thresholds: opts.Thresholds,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		log:        log.WithComponent("dispute"),
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

// Open files a dispute against an in-progress agreement. It passes through
// StatusOpen straight to awaiting the respondent's answer. Both parties'
// delivery facts are frozen as of this instant.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	if params.AgreementID == "" || params.ComplainerID == "" || strings.TrimSpace(params.Description) == "" {
		return Dispute{}, ErrMissingFields
	}
	if !params.Reason.valid() {
		return Dispute{}, ErrInvalidReason
	}

	var out Dispute
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := s.agreements.LockForDispute(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		respondent, ok := a.CounterParty(params.ComplainerID)
		if !ok {
			return ErrNotAParty
		}
		if a.Status != agreement.StatusInProgress {
			return ErrNoActiveAgreement
		}
		active, err := s.store.HasActive(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if active {
			return ErrDisputeAlreadyOpen
		}

		now := s.clock()
		complainerFacts, err := s.agreements.DeliveryFacts(ctx, tx, a.ID, params.ComplainerID, now)
		if err != nil {
			return err
		}
		respondentFacts, err := s.agreements.DeliveryFacts(ctx, tx, a.ID, respondent, now)
		if err != nil {
			return err
		}

		d := Dispute{
			ID:               s.newID(),
			AgreementID:      a.ID,
			ComplainerID:     params.ComplainerID,
			RespondentID:     respondent,
			Reason:           params.Reason,
			Description:      strings.TrimSpace(params.Description),
			Status:           StatusAwaitingResponse,
			Resolution:       ResolutionNone,
			Score:            Neutral,
			Complainer:       complainerFacts,
			Respondent:       respondentFacts,
			ResponseDeadline: now.Add(s.window),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if pid := strings.TrimSpace(params.PaymentID); pid != "" {
			d.PaymentID = &pid
		}
		if err := s.store.Insert(ctx, tx, d); err != nil {
			return err
		}

		notify.Fire(ctx, s.log, s.sink, tx,
			notify.Notification{UserID: respondent, Kind: notify.KindDisputeOpened, EntityID: d.ID},
			notify.Notification{
				UserID:   respondent,
				Kind:     notify.KindDisputeResponseRequested,
				EntityID: d.ID,
				Payload:  map[string]any{"response_deadline": d.ResponseDeadline.Format(time.RFC3339)},
			},
		)
		out = d
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.log.Info("dispute opened", "dispute_id", out.ID, "agreement_id", out.AgreementID, "actor_id", out.ComplainerID, "reason", string(out.Reason))
	return out, nil
}

// Respond records the respondent's answer and runs automatic resolution. A
// response after the window closed is rejected and the dispute is resolved as
// if the respondent had stayed silent.
func (s *Service) Respond(ctx context.Context, disputeID, respondentID, text string) (Dispute, error) {
	body := strings.TrimSpace(text)
	if disputeID == "" || respondentID == "" || body == "" {
		return Dispute{}, ErrMissingFields
	}

	var (
		out  Dispute
		late bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.store.Lock(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d.RespondentID != respondentID {
			return ErrNotRespondent
		}
		now := s.clock()
		if d.overdue(now) {
			out, err = s.silentLocked(ctx, tx, d, now)
			late = true
			return err
		}
		if d.Status != StatusAwaitingResponse {
			return ErrNotAwaitingResponse
		}

		d.ResponseReceivedAt = &now
		if err := s.store.AppendMessage(ctx, tx, Message{DisputeID: d.ID, AuthorID: respondentID, Body: body, CreatedAt: now}); err != nil {
			return err
		}
		out, err = s.review(ctx, tx, d, now)
		return err
	})
	if err != nil {
		return Dispute{}, err
	}
	if late {
		return out, fmt.Errorf("%w: response window closed", ErrNotAwaitingResponse)
	}
	s.log.Info("dispute answered", "dispute_id", out.ID, "actor_id", respondentID, "status", string(out.Status), "score", out.Score)
	return out, nil
}

// AddEvidence files an evidence item. The dispute status is unchanged.
func (s *Service) AddEvidence(ctx context.Context, params EvidenceParams) (Evidence, error) {
	link := strings.TrimSpace(params.Link)
	if params.DisputeID == "" || params.ActorID == "" || link == "" {
		return Evidence{}, ErrMissingFields
	}

	var out Evidence
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.lockForFiling(ctx, tx, params.DisputeID, params.ActorID)
		if err != nil {
			return err
		}
		e := Evidence{
			DisputeID:   d.ID,
			SubmitterID: params.ActorID,
			Link:        link,
			Description: strings.TrimSpace(params.Description),
			CreatedAt:   s.clock(),
		}
		e.Digest = digest(e)
		if err := s.store.AppendEvidence(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Evidence{}, err
	}
	s.log.Debug("evidence filed", "dispute_id", out.DisputeID, "actor_id", out.SubmitterID, "digest", out.Digest)
	return out, nil
}

// AddMessage appends a party message to the dispute thread.
func (s *Service) AddMessage(ctx context.Context, disputeID, actorID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if disputeID == "" || actorID == "" || body == "" {
		return Message{}, ErrMissingFields
	}

	var out Message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.lockForFiling(ctx, tx, disputeID, actorID)
		if err != nil {
			return err
		}
		m := Message{DisputeID: d.ID, AuthorID: actorID, Body: body, CreatedAt: s.clock()}
		if err := s.store.AppendMessage(ctx, tx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *Service) lockForFiling(ctx context.Context, tx pgx.Tx, disputeID, actorID string) (Dispute, error) {
	d, err := s.store.Lock(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !d.IsParty(actorID) {
		return Dispute{}, ErrNotAParty
	}
	if !d.acceptsFiling() {
		return Dispute{}, ErrDisputeClosed
	}
	return d, nil
}

// digest fingerprints an evidence item so later tampering with the stored
// row is detectable.
func digest(e Evidence) string {
	h := sha256.New()
	h.Write([]byte(e.SubmitterID))
	h.Write([]byte{0})
	h.Write([]byte(e.Link))
	h.Write([]byte{0})
	h.Write([]byte(e.Description))
	return hex.EncodeToString(h.Sum(nil))
}

// SweepDeadlines resolves up to limit disputes whose respondent stayed silent
// past the deadline and reports how many it changed. A dispute that fails to
// resolve is logged and left for the next sweep. Safe to run from several
// processes at once.
func (s *Service) SweepDeadlines(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.clock()
		due, err := s.store.LockOverdue(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for _, d := range due {
			if !d.overdue(now) {
				continue
			}
			err := db.InSavepoint(ctx, tx, func(sp pgx.Tx) error {
				_, err := s.silentLocked(ctx, sp, d, now)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("dispute sweep skipped", "dispute_id", d.ID, "error", err.Error())
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
		s.log.Info("dispute deadlines swept", "count", n)
	}
	return n, nil
}

func (s *Service) silentLocked(ctx context.Context, tx pgx.Tx, d Dispute, now time.Time) (Dispute, error) {
	d.RespondentSilent = true
	s.log.Debug("respondent silent", "dispute_id", d.ID, "deadline", d.ResponseDeadline)
	return s.review(ctx, tx, d, now)
}

// review moves d to under review, scores it and either resolves or
// escalates, all inside tx.
func (s *Service) review(ctx context.Context, tx pgx.Tx, d Dispute, now time.Time) (Dispute, error) {
	d.Status = StatusUnderReview
	d.Score = Score(d.Inputs())
	d.UpdatedAt = now

	switch s.thresholds.Decide(d.Score) {
	case VerdictFavorsComplainer:
		return s.resolve(ctx, tx, d, ResolutionFavorsComplainer, d.RespondentID, now)
	case VerdictFavorsRespondent:
		return s.resolve(ctx, tx, d, ResolutionFavorsRespondent, d.ComplainerID, now)
	}

	d.Status = StatusEscalated
	d.EscalatedAt = &now
	if err := s.store.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	notify.Fire(ctx, s.log, s.sink, tx, s.toBoth(d, notify.KindDisputeEscalated, map[string]any{"score": d.Score})...)
	s.log.Info("dispute escalated", "dispute_id", d.ID, "score", d.Score)
	return d, nil
}

// resolve closes d and penalizes loser when one is named. The penalty is
// written in the same transaction so a failure leaves d unresolved.
func (s *Service) resolve(ctx context.Context, tx pgx.Tx, d Dispute, res Resolution, loser string, now time.Time) (Dispute, error) {
	d.Status = StatusResolved
	d.Resolution = res
	d.ClosedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if loser != "" {
		_, err := s.penalties.CreatePenalty(ctx, tx, penalty.Params{
			UserID:      loser,
			AgreementID: d.AgreementID,
			DisputeID:   d.ID,
			Reason:      string(d.Reason),
			At:          now,
		})
		if err != nil {
			return Dispute{}, fmt.Errorf("dispute: create penalty: %w", err)
		}
	}

	payload := map[string]any{"resolution": string(res), "score": d.Score}
	if d.ModeratorOutcome != nil {
		payload["outcome"] = string(*d.ModeratorOutcome)
	}
	notify.Fire(ctx, s.log, s.sink, tx, s.toBoth(d, notify.KindDisputeResolved, payload)...)
	s.log.Info("dispute resolved", "dispute_id", d.ID, "resolution", string(res), "score", d.Score)
	return d, nil
}

func (s *Service) toBoth(d Dispute, kind notify.Kind, payload map[string]any) []notify.Notification {
	return []notify.Notification{
		{UserID: d.ComplainerID, Kind: kind, EntityID: d.ID, Payload: payload},
		{UserID: d.RespondentID, Kind: kind, EntityID: d.ID, Payload: payload},
	}
}

// Decide records a moderator's final ruling on an escalated dispute. The
// numeric score is left as computed and never re-evaluated.
func (s *Service) Decide(ctx context.Context, params DecisionParams) (Dispute, error) {
	if params.DisputeID == "" || params.ModeratorID == "" {
		return Dispute{}, ErrMissingFields
	}
	if !params.Outcome.valid() {
		return Dispute{}, ErrInvalidOutcome
	}
	ok, err := s.moderators.IsModerator(ctx, params.ModeratorID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: check moderator: %w", err)
	}
	if !ok {
		return Dispute{}, ErrNotAModerator
	}

	var out Dispute
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.store.Lock(ctx, tx, params.DisputeID)
		if err != nil {
			return err
		}
		if d.IsParty(params.ModeratorID) {
			return ErrNotAModerator
		}
		if d.Status != StatusEscalated {
			return ErrNotEscalated
		}

		outcome := params.Outcome
		moderator := params.ModeratorID
		d.ModeratorOutcome = &outcome
		d.ModeratorID = &moderator
		if notes := strings.TrimSpace(params.Notes); notes != "" {
			d.ModeratorNotes = &notes
		}

		var loser string
		switch outcome {
		case OutcomeFavorsComplainer:
			loser = d.RespondentID
		case OutcomeFavorsRespondent:
			loser = d.ComplainerID
		}
		out, err = s.resolve(ctx, tx, d, ResolutionModeratorDecision, loser, s.clock())
		return err
	})
	if err != nil {
		return Dispute{}, err
	}
	s.log.Info("moderator decided", "dispute_id", out.ID, "actor_id", params.ModeratorID, "outcome", string(params.Outcome))
	return out, nil
}

// Abandon lets the complainer drop a dispute that has not reached a
// moderator. Nobody is penalized.
func (s *Service) Abandon(ctx context.Context, disputeID, actorID string) (Dispute, error) {
	if disputeID == "" || actorID == "" {
		return Dispute{}, ErrMissingFields
	}
	var out Dispute
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.store.Lock(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d.ComplainerID != actorID {
			return ErrNotComplainer
		}
		if !d.acceptsFiling() {
			return ErrDisputeClosed
		}
		out, err = s.resolve(ctx, tx, d, ResolutionAbandoned, "", s.clock())
		return err
	})
	if err != nil {
		return Dispute{}, err
	}
	return out, nil
}

// Get returns the dispute with its thread and evidence. An overdue dispute
// is swept on the way out.
func (s *Service) Get(ctx context.Context, disputeID string) (Detail, error) {
	var out Detail
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.store.Get(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		now := s.clock()
		if d.overdue(now) {
			if d, err = s.store.Lock(ctx, tx, disputeID); err != nil {
				return err
			}
			if d.overdue(now) {
				if d, err = s.silentLocked(ctx, tx, d, now); err != nil {
					return err
				}
			}
		}
		messages, err := s.store.ListMessages(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		evidence, err := s.store.ListEvidence(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		out = Detail{Dispute: d, Messages: messages, Evidence: evidence}
		return nil
	})
	return out, err
}

// ListForAgreement returns every dispute filed on an agreement, newest first.
func (s *Service) ListForAgreement(ctx context.Context, agreementID string) ([]Dispute, error) {
	var out []Dispute
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.store.ListForAgreement(ctx, tx, agreementID)
		return err
	})
	return out, err
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit tx: %w", err)
	}
	return nil
}
