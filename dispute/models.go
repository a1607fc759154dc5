package dispute

import (
	"time"

	"skillbarter/agreement"
)

// Status is the adjudication state of a dispute.
type Status string

const (
	StatusOpen             Status = "open"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusUnderReview      Status = "under_review"
	StatusEscalated        Status = "escalated_to_moderator"
	StatusResolved         Status = "resolved"
)

// Resolution records how a dispute ended.
type Resolution string

const (
	ResolutionNone              Resolution = "none"
	ResolutionFavorsComplainer  Resolution = "favors_complainer"
	ResolutionFavorsRespondent  Resolution = "favors_respondent"
	ResolutionModeratorDecision Resolution = "moderator_decision"
	ResolutionMutualAgreement   Resolution = "mutual_agreement"
	ResolutionAbandoned         Resolution = "abandoned"
)

// Outcome is what a moderator rules on an escalated dispute.
type Outcome string

const (
	OutcomeFavorsComplainer Outcome = "favors_complainer"
	OutcomeFavorsRespondent Outcome = "favors_respondent"
	OutcomeMutualAgreement  Outcome = "mutual_agreement"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeFavorsComplainer, OutcomeFavorsRespondent, OutcomeMutualAgreement:
		return true
	default:
		return false
	}
}

// Reason is the closed set of complaint codes.
type Reason string

const (
	ReasonWorkNotDelivered Reason = "work_not_delivered"
	ReasonDeadlineMissed   Reason = "deadline_missed"
	ReasonQualityIssues    Reason = "quality_issues"
	ReasonTermsViolation   Reason = "terms_violation"
	ReasonNoCommunication  Reason = "no_communication"
	ReasonOther            Reason = "other"
)

func (r Reason) valid() bool {
	switch r {
	case ReasonWorkNotDelivered, ReasonDeadlineMissed, ReasonQualityIssues,
		ReasonTermsViolation, ReasonNoCommunication, ReasonOther:
		return true
	default:
		return false
	}
}

// Dispute mirrors the disputes table. Complainer and Respondent hold the
// delivery facts snapshotted when the dispute was opened.
type Dispute struct {
	ID                 string
	AgreementID        string
	PaymentID          *string
	ComplainerID       string
	RespondentID       string
	Reason             Reason
	Description        string
	Status             Status
	Resolution         Resolution
	ModeratorOutcome   *Outcome
	Score              int
	Complainer         agreement.Facts
	Respondent         agreement.Facts
	RespondentSilent   bool
	ResponseDeadline   time.Time
	ResponseReceivedAt *time.Time
	EscalatedAt        *time.Time
	ClosedAt           *time.Time
	ModeratorID        *string
	ModeratorNotes     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsParty reports whether userID is the complainer or the respondent.
func (d Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.ComplainerID || userID == d.RespondentID)
}

// Active reports whether the dispute still blocks a new one on its agreement.
func (d Dispute) Active() bool { return d.Status != StatusResolved }

// acceptsFiling reports whether parties may still add evidence or messages.
func (d Dispute) acceptsFiling() bool {
	switch d.Status {
	case StatusOpen, StatusAwaitingResponse, StatusUnderReview:
		return true
	default:
		return false
	}
}

// overdue reports whether the respondent let the response window lapse.
func (d Dispute) overdue(now time.Time) bool {
	return d.Status == StatusAwaitingResponse && now.After(d.ResponseDeadline)
}

// Inputs returns the scoring inputs, with a silent respondent counted as
// failing every signal.
func (d Dispute) Inputs() Inputs {
	in := Inputs{Complainer: d.Complainer, Respondent: d.Respondent}
	if d.RespondentSilent {
		in = in.silent()
	}
	return in
}

// Message is one entry of the dispute thread.
type Message struct {
	DisputeID string
	Seq       int
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

// Evidence is one filed item. Digest is the hex SHA-256 of the submitter,
// link and description.
type Evidence struct {
	DisputeID   string
	Seq         int
	SubmitterID string
	Link        string
	Description string
	Digest      string
	CreatedAt   time.Time
}

// OpenParams opens a dispute.
type OpenParams struct {
	AgreementID  string
	ComplainerID string
	Reason       Reason
	Description  string
	PaymentID    string
}

// EvidenceParams files evidence.
type EvidenceParams struct {
	DisputeID   string
	ActorID     string
	Link        string
	Description string
}

// DecisionParams is a moderator ruling.
type DecisionParams struct {
	DisputeID   string
	ModeratorID string
	Outcome     Outcome
	Notes       string
}

// Detail is a dispute with its thread and evidence.
type Detail struct {
	Dispute  Dispute
	Messages []Message
	Evidence []Evidence
}
