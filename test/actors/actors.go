// Package actors runs competing users against the real services so the
// oracles can check what survives contention and backend loss.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillbarter/agreement"
	"skillbarter/dispute"
	"skillbarter/fault"
	"skillbarter/proposal"
)

// Env is the shared world every actor plays in.
type Env struct {
	Pool        *pgxpool.Pool
	Proposals   *proposal.Service
	Agreements  *agreement.Service
	Disputes    *dispute.Service
	OfferID     string
	OwnerID     string
	ProposerIDs []string
	ModeratorID string
}

func (e *Env) parties() []string {
	return append([]string{e.OwnerID}, e.ProposerIDs...)
}

// tolerable reports errors that contention or injected backend loss explain.
// Anything else fails the run.
func tolerable(err error) bool {
	if err == nil || fault.IsCallerError(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "57"), strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40P01", pgErr.Code == "40001":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

func check(actor string, err error) error {
	if tolerable(err) {
		return nil
	}
	return fmt.Errorf("%s: %w", actor, err)
}

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-time.After(pause()):
		}
	}
}

func jitter(rng *rand.Rand, base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rng.Intn(spread)) * time.Millisecond
	}
}

// Proposer keeps one proposal in flight on the shared offer and answers
// counter-offers addressed to it.
func Proposer(ctx context.Context, env *Env, proposerID string, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 10, 30), func() error {
		_, err := env.Proposals.Create(ctx, proposal.CreateParams{
			OfferID:    env.OfferID,
			ProposerID: proposerID,
			Terms:      fmt.Sprintf("trade #%d", rng.Intn(1000)),
			Deadline:   time.Now().Add(time.Duration(200+rng.Intn(800)) * time.Millisecond),
			Milestones: []agreement.MilestoneSpec{
				{ResponsibleID: env.OwnerID, Title: "owner part", DurationDays: 1},
				{ResponsibleID: proposerID, Title: "proposer part", DurationDays: 1},
			},
		})
		if err := check("proposer create", err); err != nil {
			return err
		}

		mine, err := env.Proposals.ListForUser(ctx, proposerID, 1, 20)
		if err := check("proposer list", err); err != nil {
			return err
		}
		for _, p := range mine {
			if p.PendingParty() != proposerID {
				continue
			}
			if err := check("proposer respond", respond(ctx, env, p, proposerID, rng)); err != nil {
				return err
			}
		}
		return nil
	})
}

// OfferOwner answers proposals waiting on the owner. Several owners run at
// once so they race each other on the same proposal.
func OfferOwner(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 5, 20), func() error {
		pending, err := env.Proposals.ListForUser(ctx, env.OwnerID, 1, 50)
		if err := check("owner list", err); err != nil {
			return err
		}
		for _, p := range pending {
			if p.PendingParty() != env.OwnerID {
				continue
			}
			if err := check("owner respond", respond(ctx, env, p, env.OwnerID, rng)); err != nil {
				return err
			}
		}
		return nil
	})
}

func respond(ctx context.Context, env *Env, p proposal.Proposal, actorID string, rng *rand.Rand) error {
	params := proposal.RespondParams{ProposalID: p.ID, ActorID: actorID}
	switch n := rng.Intn(10); {
	case n < 4:
		params.Action = proposal.ActionAccept
	case n < 8:
		params.Action = proposal.ActionModify
		params.Terms = p.Terms + " +"
		params.Deadline = time.Now().Add(time.Duration(200+rng.Intn(800)) * time.Millisecond)
	case n < 9:
		params.Action = proposal.ActionDecline
		params.Message = "no thanks"
	default:
		if actorID == p.ProposerID {
			_, err := env.Proposals.Withdraw(ctx, p.ID, actorID)
			return err
		}
		params.Action = proposal.ActionDecline
	}
	_, err := env.Proposals.Respond(ctx, params)
	return err
}

// Worker pushes in-progress agreements toward completion: submitting,
// reviewing and resubmitting deliverables on behalf of both parties.
func Worker(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 10, 40), func() error {
		list, err := env.Agreements.ListForUser(ctx, env.OwnerID, 1, 20)
		if err := check("worker list", err); err != nil {
			return err
		}
		for _, a := range list {
			if a.Status != agreement.StatusInProgress {
				continue
			}
			detail, err := env.Agreements.Get(ctx, a.ID)
			if err := check("worker get", err); err != nil {
				return err
			}
			if err := check("worker step", workStep(ctx, env, detail, rng)); err != nil {
				return err
			}
		}
		return nil
	})
}

func workStep(ctx context.Context, env *Env, detail agreement.Detail, rng *rand.Rand) error {
	a := detail.Agreement
	for _, m := range detail.Milestones {
		if m.Status != agreement.MilestonePending || hasDeliverable(detail.Deliverables, m.ID) {
			continue
		}
		id := m.ID
		_, err := env.Agreements.SubmitDeliverable(ctx, agreement.SubmitParams{
			AgreementID: a.ID,
			MilestoneID: &id,
			SubmitterID: m.ResponsibleID,
			Link:        "https://example.com/" + id,
		})
		return err
	}
	for _, d := range detail.Deliverables {
		switch d.Status {
		case agreement.DeliverableSubmitted:
			reviewer, _ := a.CounterParty(d.SubmitterID)
			if rng.Intn(4) == 0 {
				_, err := env.Agreements.RequestRevision(ctx, d.ID, reviewer, "more detail")
				return err
			}
			_, err := env.Agreements.Approve(ctx, d.ID, reviewer)
			return err
		case agreement.DeliverableRevisionRequested:
			_, err := env.Agreements.Resubmit(ctx, agreement.ResubmitParams{
				DeliverableID: d.ID,
				SubmitterID:   d.SubmitterID,
				Link:          d.Link + "/v2",
			})
			return err
		}
	}
	return nil
}

func hasDeliverable(ds []agreement.Deliverable, milestoneID string) bool {
	for _, d := range ds {
		if d.MilestoneID != nil && *d.MilestoneID == milestoneID {
			return true
		}
	}
	return false
}

var reasons = []dispute.Reason{
	dispute.ReasonWorkNotDelivered,
	dispute.ReasonDeadlineMissed,
	dispute.ReasonQualityIssues,
	dispute.ReasonNoCommunication,
}

// Complainer opens disputes on in-progress agreements. Several run at once
// so they race to be the one active dispute.
func Complainer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 20, 60), func() error {
		party := env.parties()[rng.Intn(len(env.parties()))]
		list, err := env.Agreements.ListForUser(ctx, party, 1, 10)
		if err := check("complainer list", err); err != nil {
			return err
		}
		for _, a := range list {
			if a.Status != agreement.StatusInProgress || rng.Intn(3) != 0 {
				continue
			}
			d, err := env.Disputes.Open(ctx, dispute.OpenParams{
				AgreementID:  a.ID,
				ComplainerID: party,
				Reason:       reasons[rng.Intn(len(reasons))],
				Description:  "stress",
			})
			if err := check("complainer open", err); err != nil {
				return err
			}
			if err == nil && rng.Intn(4) == 0 {
				_, err = env.Disputes.AddEvidence(ctx, dispute.EvidenceParams{DisputeID: d.ID, ActorID: party, Link: "https://example.com/proof"})
				if err := check("complainer evidence", err); err != nil {
					return err
				}
			}
			if err == nil && rng.Intn(10) == 0 {
				_, err = env.Disputes.Abandon(ctx, d.ID, party)
				if err := check("complainer abandon", err); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Respondent answers open disputes, racing the deadline sweep.
func Respondent(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 20, 80), func() error {
		rows, err := env.Pool.Query(ctx, `SELECT id::text, respondent_id::text FROM disputes WHERE status = 'awaiting_response' LIMIT 10`)
		if err := check("respondent query", err); err != nil {
			return err
		}
		type pending struct{ id, respondent string }
		var todo []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.respondent); err != nil {
				rows.Close()
				return check("respondent scan", err)
			}
			todo = append(todo, p)
		}
		rows.Close()
		if err := check("respondent rows", rows.Err()); err != nil {
			return err
		}
		for _, p := range todo {
			if rng.Intn(2) == 0 {
				continue
			}
			_, err := env.Disputes.Respond(ctx, p.id, p.respondent, "I delivered on time")
			if err := check("respondent respond", err); err != nil {
				return err
			}
		}
		return nil
	})
}

var outcomes = []dispute.Outcome{
	dispute.OutcomeFavorsComplainer,
	dispute.OutcomeFavorsRespondent,
	dispute.OutcomeMutualAgreement,
}

// Moderator decides escalated disputes.
func Moderator(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 30, 60), func() error {
		rows, err := env.Pool.Query(ctx, `SELECT id::text FROM disputes WHERE status = 'escalated_to_moderator' LIMIT 10`)
		if err := check("moderator query", err); err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return check("moderator scan", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, err := env.Disputes.Decide(ctx, dispute.DecisionParams{
				DisputeID:   id,
				ModeratorID: env.ModeratorID,
				Outcome:     outcomes[rng.Intn(len(outcomes))],
				Notes:       "stress ruling",
			})
			if err := check("moderator decide", err); err != nil {
				return err
			}
		}
		return nil
	})
}

// Chaos terminates a random backend of the test database now and then.
func Chaos(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, func() time.Duration { return 2 * time.Second }, func() error {
		if rng.Intn(5) == 0 {
			_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
		}
		return nil
	})
}
