package proposal

import "time"

// IsTerminal reports whether no further party action is possible.
func IsTerminal(s Status) bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusExpired, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// statusFor maps the pending party to the matching review status.
func statusFor(p Proposal, pending string) Status {
	if pending == p.ProposerID {
		return StatusPendingProposerReview
	}
	return StatusPendingOfferOwnerReview
}

// nextPending returns the party who must answer a modify made by actor.
func nextPending(p Proposal, actor string) string {
	if actor == p.ProposerID {
		return p.OfferOwnerID
	}
	return p.ProposerID
}

// lapsed reports whether the deadline passed while the proposal was open.
func lapsed(p Proposal, now time.Time) bool {
	return !IsTerminal(p.Status) && now.After(p.Deadline)
}

// checkTurn applies the Respond preconditions in order.
func checkTurn(p Proposal, actor string) error {
	if IsTerminal(p.Status) {
		return ErrNotPending
	}
	if p.PendingParty() != actor {
		return ErrNotYourTurn
	}
	return nil
}

// finish clears the pending party and moves p to a terminal status.
func finish(p *Proposal, s Status) {
	p.Status = s
	p.PendingResponseFrom = nil
}
