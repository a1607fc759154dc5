package main

import (
	"time"

	"skillbarter/agreement"
	"skillbarter/dispute"
	"skillbarter/proposal"
)

type offerResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type milestoneSpecResponse struct {
	ResponsibleID string `json:"responsible_id"`
	Title         string `json:"title"`
	DurationDays  int    `json:"duration_days"`
}

type proposalResponse struct {
	ID                  string                  `json:"id"`
	OfferID             string                  `json:"offer_id"`
	ProposerID          string                  `json:"proposer_id"`
	OfferOwnerID        string                  `json:"offer_owner_id"`
	Terms               string                  `json:"terms"`
	CounterOffer        string                  `json:"counter_offer"`
	Deadline            string                  `json:"deadline"`
	Status              string                  `json:"status"`
	PendingResponseFrom *string                 `json:"pending_response_from"`
	ModificationCount   int                     `json:"modification_count"`
	LastModifiedBy      string                  `json:"last_modified_by"`
	LastModifiedAt      string                  `json:"last_modified_at"`
	DeclineReason       *string                 `json:"decline_reason,omitempty"`
	CreatedAt           string                  `json:"created_at"`
	AcceptedAt          *string                 `json:"accepted_at,omitempty"`
	AgreementID         *string                 `json:"agreement_id,omitempty"`
	Milestones          []milestoneSpecResponse `json:"milestones,omitempty"`
	History             []historyResponse       `json:"history,omitempty"`
}

type historyResponse struct {
	Seq          int     `json:"seq"`
	ActorID      *string `json:"actor_id"`
	Action       string  `json:"action"`
	Terms        string  `json:"terms"`
	CounterOffer string  `json:"counter_offer"`
	Deadline     string  `json:"deadline"`
	Message      *string `json:"message,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func toProposalResponse(p proposal.Proposal) proposalResponse {
	resp := proposalResponse{
		ID:                  p.ID,
		OfferID:             p.OfferID,
		ProposerID:          p.ProposerID,
		OfferOwnerID:        p.OfferOwnerID,
		Terms:               p.Terms,
		CounterOffer:        p.CounterOffer,
		Deadline:            formatTime(p.Deadline),
		Status:              string(p.Status),
		PendingResponseFrom: p.PendingResponseFrom,
		ModificationCount:   p.ModificationCount,
		LastModifiedBy:      p.LastModifiedBy,
		LastModifiedAt:      formatTime(p.LastModifiedAt),
		DeclineReason:       p.DeclineReason,
		CreatedAt:           formatTime(p.CreatedAt),
		AcceptedAt:          formatTimePtr(p.AcceptedAt),
		AgreementID:         p.AgreementID,
	}
	for _, m := range p.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneSpecResponse{ResponsibleID: m.ResponsibleID, Title: m.Title, DurationDays: m.DurationDays})
	}
	return resp
}

type agreementResponse struct {
	ID           string                `json:"id"`
	ProposalID   string                `json:"proposal_id"`
	OfferID      string                `json:"offer_id"`
	RequesterID  string                `json:"requester_id"`
	ProviderID   string                `json:"provider_id"`
	Terms        string                `json:"terms"`
	Status       string                `json:"status"`
	CreatedAt    string                `json:"created_at"`
	AcceptedAt   string                `json:"accepted_at"`
	CompletedAt  *string               `json:"completed_at,omitempty"`
	Milestones   []milestoneResponse   `json:"milestones,omitempty"`
	Deliverables []deliverableResponse `json:"deliverables,omitempty"`
	Timeline     []timelineResponse    `json:"timeline,omitempty"`
}

type milestoneResponse struct {
	ID            string  `json:"id"`
	Position      int     `json:"position"`
	ResponsibleID string  `json:"responsible_id"`
	Title         string  `json:"title"`
	DurationDays  int     `json:"duration_days"`
	Status        string  `json:"status"`
	DueAt         string  `json:"due_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

type deliverableResponse struct {
	ID             string  `json:"id"`
	AgreementID    string  `json:"agreement_id"`
	MilestoneID    *string `json:"milestone_id,omitempty"`
	SubmitterID    string  `json:"submitter_id"`
	Link           string  `json:"link"`
	Description    string  `json:"description"`
	Status         string  `json:"status"`
	RevisionReason *string `json:"revision_reason,omitempty"`
	RevisionCount  int     `json:"revision_count"`
	SubmittedAt    string  `json:"submitted_at"`
	ApprovedAt     *string `json:"approved_at,omitempty"`
}

type timelineResponse struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	return agreementResponse{
		ID:          a.ID,
		ProposalID:  a.ProposalID,
		OfferID:     a.OfferID,
		RequesterID: a.RequesterID,
		ProviderID:  a.ProviderID,
		Terms:       a.Terms,
		Status:      string(a.Status),
		CreatedAt:   formatTime(a.CreatedAt),
		AcceptedAt:  formatTime(a.AcceptedAt),
		CompletedAt: formatTimePtr(a.CompletedAt),
	}
}

func toDeliverableResponse(d agreement.Deliverable) deliverableResponse {
	return deliverableResponse{
		ID:             d.ID,
		AgreementID:    d.AgreementID,
		MilestoneID:    d.MilestoneID,
		SubmitterID:    d.SubmitterID,
		Link:           d.Link,
		Description:    d.Description,
		Status:         string(d.Status),
		RevisionReason: d.RevisionReason,
		RevisionCount:  d.RevisionCount,
		SubmittedAt:    formatTime(d.SubmittedAt),
		ApprovedAt:     formatTimePtr(d.ApprovedAt),
	}
}

type factsResponse struct {
	Delivered             bool `json:"delivered"`
	OnTime                bool `json:"on_time"`
	ApprovedBeforeDispute bool `json:"approved_before_dispute"`
}

type disputeResponse struct {
	ID                 string             `json:"id"`
	AgreementID        string             `json:"agreement_id"`
	PaymentID          *string            `json:"payment_id,omitempty"`
	ComplainerID       string             `json:"complainer_id"`
	RespondentID       string             `json:"respondent_id"`
	Reason             string             `json:"reason"`
	Description        string             `json:"description"`
	Status             string             `json:"status"`
	Resolution         string             `json:"resolution"`
	ModeratorOutcome   *string            `json:"moderator_outcome,omitempty"`
	Score              int                `json:"score"`
	Complainer         factsResponse      `json:"complainer"`
	Respondent         factsResponse      `json:"respondent"`
	RespondentSilent   bool               `json:"respondent_silent"`
	ResponseDeadline   string             `json:"response_deadline"`
	ResponseReceivedAt *string            `json:"response_received_at,omitempty"`
	EscalatedAt        *string            `json:"escalated_at,omitempty"`
	ClosedAt           *string            `json:"closed_at,omitempty"`
	ModeratorID        *string            `json:"moderator_id,omitempty"`
	ModeratorNotes     *string            `json:"moderator_notes,omitempty"`
	CreatedAt          string             `json:"created_at"`
	Messages           []messageResponse  `json:"messages,omitempty"`
	Evidence           []evidenceResponse `json:"evidence,omitempty"`
}

type messageResponse struct {
	Seq       int    `json:"seq"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type evidenceResponse struct {
	Seq         int    `json:"seq"`
	SubmitterID string `json:"submitter_id"`
	Link        string `json:"link"`
	Description string `json:"description"`
	Digest      string `json:"digest"`
	CreatedAt   string `json:"created_at"`
}

type penaltyResponse struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	DisputeID   string `json:"dispute_id"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"created_at"`
}

func toFactsResponse(f agreement.Facts) factsResponse {
	return factsResponse{Delivered: f.Delivered, OnTime: f.OnTime, ApprovedBeforeDispute: f.ApprovedBeforeDispute}
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:                 d.ID,
		AgreementID:        d.AgreementID,
		PaymentID:          d.PaymentID,
		ComplainerID:       d.ComplainerID,
		RespondentID:       d.RespondentID,
		Reason:             string(d.Reason),
		Description:        d.Description,
		Status:             string(d.Status),
		Resolution:         string(d.Resolution),
		Score:              d.Score,
		Complainer:         toFactsResponse(d.Complainer),
		Respondent:         toFactsResponse(d.Respondent),
		RespondentSilent:   d.RespondentSilent,
		ResponseDeadline:   formatTime(d.ResponseDeadline),
		ResponseReceivedAt: formatTimePtr(d.ResponseReceivedAt),
		EscalatedAt:        formatTimePtr(d.EscalatedAt),
		ClosedAt:           formatTimePtr(d.ClosedAt),
		ModeratorID:        d.ModeratorID,
		ModeratorNotes:     d.ModeratorNotes,
		CreatedAt:          formatTime(d.CreatedAt),
	}
	if d.ModeratorOutcome != nil {
		o := string(*d.ModeratorOutcome)
		resp.ModeratorOutcome = &o
	}
	return resp
}

func toMessageResponse(m dispute.Message) messageResponse {
	return messageResponse{Seq: m.Seq, AuthorID: m.AuthorID, Body: m.Body, CreatedAt: formatTime(m.CreatedAt)}
}

func toEvidenceResponse(e dispute.Evidence) evidenceResponse {
	return evidenceResponse{
		Seq:         e.Seq,
		SubmitterID: e.SubmitterID,
		Link:        e.Link,
		Description: e.Description,
		Digest:      e.Digest,
		CreatedAt:   formatTime(e.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
