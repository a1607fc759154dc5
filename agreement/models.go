package agreement

import "time"

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// MilestoneStatus tracks a single milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
)

// DeliverableStatus tracks review of a submitted deliverable.
type DeliverableStatus string

const (
	DeliverableSubmitted         DeliverableStatus = "submitted"
	DeliverableApproved          DeliverableStatus = "approved"
	DeliverableRevisionRequested DeliverableStatus = "revision_requested"
)

// Timeline event types.
const (
	EventAgreementCreated     = "AGREEMENT_CREATED"
	EventDeliverableSubmitted = "DELIVERABLE_SUBMITTED"
	EventDeliverableApproved  = "DELIVERABLE_APPROVED"
	EventRevisionRequested    = "REVISION_REQUESTED"
	EventDeliverableResubmit  = "DELIVERABLE_RESUBMITTED"
	EventMilestoneCompleted   = "MILESTONE_COMPLETED"
	EventAgreementCompleted   = "AGREEMENT_COMPLETED"
)

// Agreement mirrors the agreements table. The requester is the proposer and
// the provider is the owner of the offer the proposal was made on.
type Agreement struct {
	ID          string
	ProposalID  string
	OfferID     string
	RequesterID string
	ProviderID  string
	Terms       string
	Status      Status
	CreatedAt   time.Time
	AcceptedAt  time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// IsParty reports whether userID is the requester or the provider.
func (a Agreement) IsParty(userID string) bool {
	return userID != "" && (userID == a.RequesterID || userID == a.ProviderID)
}

// CounterParty returns the other party to userID.
func (a Agreement) CounterParty(userID string) (string, bool) {
	switch userID {
	case a.RequesterID:
		return a.ProviderID, true
	case a.ProviderID:
		return a.RequesterID, true
	default:
		return "", false
	}
}

// Milestone is one unit of work with a responsible party and a due date.
type Milestone struct {
	ID            string
	AgreementID   string
	Position      int
	ResponsibleID string
	Title         string
	DurationDays  int
	Status        MilestoneStatus
	DueAt         time.Time
	CompletedAt   *time.Time
}

// Deliverable is evidence of work submitted against an agreement, optionally
// tied to a milestone.
type Deliverable struct {
	ID             string
	AgreementID    string
	MilestoneID    *string
	SubmitterID    string
	Link           string
	Description    string
	Status         DeliverableStatus
	RevisionReason *string
	RevisionCount  int
	SubmittedAt    time.Time
	ApprovedAt     *time.Time
	ApprovedBy     *string
	UpdatedAt      time.Time
}

// TimelineEvent captures an immutable business event for an agreement.
type TimelineEvent struct {
	AgreementID string
	Seq         int
	Type        string
	ActorID     *string
	Payload     map[string]any
	CreatedAt   time.Time
}

// MilestoneSpec is a proposed milestone carried from negotiation into the
// agreement.
type MilestoneSpec struct {
	ResponsibleID string
	Title         string
	DurationDays  int
}

// FromProposalParams seeds an agreement from an accepted proposal.
type FromProposalParams struct {
	ProposalID  string
	OfferID     string
	RequesterID string
	ProviderID  string
	Terms       string
	AcceptedBy  string
	AcceptedAt  time.Time
	Milestones  []MilestoneSpec
}

// SubmitParams describes a new deliverable.
type SubmitParams struct {
	AgreementID string
	MilestoneID *string
	SubmitterID string
	Link        string
	Description string
}

// ResubmitParams describes a revised deliverable.
type ResubmitParams struct {
	DeliverableID string
	SubmitterID   string
	Link          string
	Description   string
}

// Facts are the per-party delivery signals the dispute engine scores.
type Facts struct {
	// Delivered is true when every milestone the party is responsible for has
	// an approved deliverable. A party without milestones delivered when at
	// least one of its deliverables was approved.
	Delivered bool
	// OnTime is true when no milestone of the party was due without a
	// submission at or before its due date.
	OnTime bool
	// ApprovedBeforeDispute is true when the counter-party approved at least
	// one of the party's deliverables before the cut-off.
	ApprovedBeforeDispute bool
}

// Detail is an agreement with its owned collections.
type Detail struct {
	Agreement    Agreement
	Milestones   []Milestone
	Deliverables []Deliverable
	Timeline     []TimelineEvent
}
