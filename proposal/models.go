package proposal

import (
	"time"

	"skillbarter/agreement"
)

// Status is the negotiation state of a proposal.
type Status string

const (
	StatusPendingOfferOwnerReview Status = "pending_offer_owner_review"
	StatusPendingProposerReview   Status = "pending_proposer_review"
	StatusAccepted                Status = "accepted"
	StatusDeclined                Status = "declined"
	StatusExpired                 Status = "expired"
	StatusWithdrawn               Status = "withdrawn"
)

// Action is what the pending party does in Respond.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionModify  Action = "modify"
	ActionDecline Action = "decline"
)

// HistoryAction labels an entry of the audit trail.
type HistoryAction string

const (
	HistoryCreated   HistoryAction = "created"
	HistoryModified  HistoryAction = "modified"
	HistoryAccepted  HistoryAction = "accepted"
	HistoryDeclined  HistoryAction = "declined"
	HistoryWithdrawn HistoryAction = "withdrawn"
	HistoryExpired   HistoryAction = "expired"
)

// Proposal is a negotiation between a proposer and the owner of an offer.
type Proposal struct {
	ID                  string
	OfferID             string
	ProposerID          string
	OfferOwnerID        string
	Terms               string
	CounterOffer        string
	Deadline            time.Time
	Status              Status
	PendingResponseFrom *string
	ModificationCount   int
	LastModifiedBy      string
	LastModifiedAt      time.Time
	DeclineReason       *string
	CreatedAt           time.Time
	AcceptedAt          *time.Time
	AgreementID         *string
	Milestones          []agreement.MilestoneSpec
}

// PendingParty returns whoever must act next, or "" when terminal.
func (p Proposal) PendingParty() string {
	if p.PendingResponseFrom == nil {
		return ""
	}
	return *p.PendingResponseFrom
}

// IsParty reports whether userID negotiates on this proposal.
func (p Proposal) IsParty(userID string) bool {
	return userID != "" && (userID == p.ProposerID || userID == p.OfferOwnerID)
}

// HistoryEntry is one immutable audit record with a snapshot of the terms at
// that point.
type HistoryEntry struct {
	ProposalID   string
	Seq          int
	ActorID      *string
	Action       HistoryAction
	Terms        string
	CounterOffer string
	Deadline     time.Time
	Message      *string
	CreatedAt    time.Time
}

// CreateParams opens a negotiation.
type CreateParams struct {
	OfferID      string
	ProposerID   string
	Terms        string
	CounterOffer string
	Deadline     time.Time
	Milestones   []agreement.MilestoneSpec
}

// RespondParams is the pending party's move. Terms, CounterOffer and Deadline
// are only read for ActionModify; Milestones optionally replaces the proposed
// milestones on a modify.
type RespondParams struct {
	ProposalID   string
	ActorID      string
	Action       Action
	Terms        string
	CounterOffer string
	Deadline     time.Time
	Milestones   []agreement.MilestoneSpec
	Message      string
}

// Detail is a proposal with its audit trail.
type Detail struct {
	Proposal Proposal
	History  []HistoryEntry
}
