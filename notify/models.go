package notify

import "time"

// Kind names the state transition a user is told about.
type Kind string

const (
	KindProposalCreated   Kind = "proposal.created"
	KindProposalModified  Kind = "proposal.modified"
	KindProposalAccepted  Kind = "proposal.accepted"
	KindProposalDeclined  Kind = "proposal.declined"
	KindProposalWithdrawn Kind = "proposal.withdrawn"
	KindProposalExpired   Kind = "proposal.expired"

	KindDeliverableSubmitted         Kind = "deliverable.submitted"
	KindDeliverableApproved          Kind = "deliverable.approved"
	KindDeliverableRevisionRequested Kind = "deliverable.revision_requested"
	KindAgreementCreated             Kind = "agreement.created"
	KindAgreementCompleted           Kind = "agreement.completed"

	KindDisputeOpened            Kind = "dispute.opened"
	KindDisputeResponseRequested Kind = "dispute.response_requested"
	KindDisputeEscalated         Kind = "dispute.escalated"
	KindDisputeResolved          Kind = "dispute.resolved"
)

// Notification is one message for one user about one entity.
type Notification struct {
	UserID   string
	Kind     Kind
	EntityID string
	Payload  map[string]any
}

// OutboxStatus tracks delivery of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxDead      OutboxStatus = "dead"
)

// Message is a claimed outbox row awaiting delivery.
type Message struct {
	ID        string
	Topic     Kind
	UserID    *string
	EntityID  string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}
