package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"skillbarter/agreement"
	"skillbarter/auth"
	"skillbarter/dispute"
	"skillbarter/fault"
	"skillbarter/logging"
	"skillbarter/offer"
	"skillbarter/penalty"
	"skillbarter/proposal"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

type proposalService interface {
	Create(ctx context.Context, params proposal.CreateParams) (proposal.Proposal, error)
	Respond(ctx context.Context, params proposal.RespondParams) (proposal.Proposal, error)
	Withdraw(ctx context.Context, proposalID, actorID string) (proposal.Proposal, error)
	Get(ctx context.Context, proposalID string) (proposal.Detail, error)
	ListForUser(ctx context.Context, userID string, page, pageSize int) ([]proposal.Proposal, error)
}

type agreementService interface {
	Get(ctx context.Context, agreementID string) (agreement.Detail, error)
	ListForUser(ctx context.Context, userID string, page, pageSize int) ([]agreement.Agreement, error)
	SubmitDeliverable(ctx context.Context, params agreement.SubmitParams) (agreement.Deliverable, error)
	Approve(ctx context.Context, deliverableID, actorID string) (agreement.Deliverable, error)
	RequestRevision(ctx context.Context, deliverableID, actorID, reason string) (agreement.Deliverable, error)
	Resubmit(ctx context.Context, params agreement.ResubmitParams) (agreement.Deliverable, error)
}

type disputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Dispute, error)
	Respond(ctx context.Context, disputeID, respondentID, text string) (dispute.Dispute, error)
	AddEvidence(ctx context.Context, params dispute.EvidenceParams) (dispute.Evidence, error)
	AddMessage(ctx context.Context, disputeID, actorID, body string) (dispute.Message, error)
	Decide(ctx context.Context, params dispute.DecisionParams) (dispute.Dispute, error)
	Abandon(ctx context.Context, disputeID, actorID string) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID string) (dispute.Detail, error)
	ListForAgreement(ctx context.Context, agreementID string) ([]dispute.Dispute, error)
}

type offerReader interface {
	GetActiveOffer(ctx context.Context, id string) (offer.Offer, bool, error)
}

type penaltyReader interface {
	ListForUser(ctx context.Context, userID string) ([]penalty.Penalty, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Claims, error)
}

// moderatorChecker answers from the stored user role, not the token claim.
type moderatorChecker interface {
	IsModerator(ctx context.Context, userID string) (bool, error)
}

// Server is the HTTP transport over the engine services.
type Server struct {
	proposals  proposalService
	agreements agreementService
	disputes   disputeService
	offers     offerReader
	penalties  penaltyReader
	tokens     tokenVerifier
	moderators moderatorChecker
	log        *logging.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Get("/offers/{id}", s.handleGetOffer)

		api.Get("/proposals", s.handleListProposals)
		api.Post("/proposals", s.handleCreateProposal)
		api.Get("/proposals/{id}", s.handleGetProposal)
		api.Post("/proposals/{id}/respond", s.handleRespondProposal)
		api.Post("/proposals/{id}/withdraw", s.handleWithdrawProposal)

		api.Get("/agreements", s.handleListAgreements)
		api.Get("/agreements/{id}", s.handleGetAgreement)
		api.Post("/agreements/{id}/deliverables", s.handleSubmitDeliverable)
		api.Get("/agreements/{id}/disputes", s.handleListDisputes)
		api.Post("/deliverables/{id}/approve", s.handleApproveDeliverable)
		api.Post("/deliverables/{id}/revision", s.handleRequestRevision)
		api.Post("/deliverables/{id}/resubmit", s.handleResubmitDeliverable)

		api.Post("/disputes", s.handleOpenDispute)
		api.Get("/disputes/{id}", s.handleGetDispute)
		api.Post("/disputes/{id}/respond", s.handleRespondDispute)
		api.Post("/disputes/{id}/evidence", s.handleAddEvidence)
		api.Post("/disputes/{id}/messages", s.handleAddMessage)
		api.Post("/disputes/{id}/decision", s.handleDecideDispute)
		api.Post("/disputes/{id}/abandon", s.handleAbandonDispute)

		api.Get("/me/penalties", s.handleMyPenalties)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		claims, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// canView lets parties through and otherwise requires a moderator.
func (s *Server) canView(ctx context.Context, party bool) error {
	if party {
		return nil
	}
	ok, err := s.moderators.IsModerator(ctx, userIDFrom(ctx))
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden
	}
	return nil
}

var errForbidden = fault.Authorization("api: not a participant")

// offers

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, ok, err := s.offers.GetActiveOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "not_found", "offer is not active")
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{
		ID:        o.ID,
		OwnerID:   o.OwnerID,
		Title:     o.Title,
		Status:    string(o.Status),
		CreatedAt: formatTime(o.CreatedAt),
	})
}

// proposals

type milestoneSpecJSON struct {
	ResponsibleID string `json:"responsible_id"`
	Title         string `json:"title"`
	DurationDays  int    `json:"duration_days"`
}

func toSpecs(in []milestoneSpecJSON) []agreement.MilestoneSpec {
	if in == nil {
		return nil
	}
	out := make([]agreement.MilestoneSpec, 0, len(in))
	for _, m := range in {
		out = append(out, agreement.MilestoneSpec{ResponsibleID: m.ResponsibleID, Title: m.Title, DurationDays: m.DurationDays})
	}
	return out
}

type createProposalRequest struct {
	OfferID      string              `json:"offer_id"`
	Terms        string              `json:"terms"`
	CounterOffer string              `json:"counter_offer"`
	Deadline     time.Time           `json:"deadline"`
	Milestones   []milestoneSpecJSON `json:"milestones"`
}

type respondProposalRequest struct {
	Action       string              `json:"action"`
	Terms        string              `json:"terms"`
	CounterOffer string              `json:"counter_offer"`
	Deadline     *time.Time          `json:"deadline"`
	Milestones   []milestoneSpecJSON `json:"milestones"`
	Message      string              `json:"message"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if !readJSON(w, r, &req) {
		return
	}
	p, err := s.proposals.Create(r.Context(), proposal.CreateParams{
		OfferID:      req.OfferID,
		ProposerID:   userIDFrom(r.Context()),
		Terms:        req.Terms,
		CounterOffer: req.CounterOffer,
		Deadline:     req.Deadline,
		Milestones:   toSpecs(req.Milestones),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(p))
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	items, err := s.proposals.ListForUser(r.Context(), userIDFrom(r.Context()), page, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]proposalResponse, 0, len(items))
	for _, p := range items {
		out = append(out, toProposalResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "page": page})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	detail, err := s.proposals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !detail.Proposal.IsParty(userIDFrom(r.Context())) {
		s.writeError(w, errForbidden)
		return
	}
	resp := toProposalResponse(detail.Proposal)
	resp.History = make([]historyResponse, 0, len(detail.History))
	for _, e := range detail.History {
		resp.History = append(resp.History, historyResponse{
			Seq:          e.Seq,
			ActorID:      e.ActorID,
			Action:       string(e.Action),
			Terms:        e.Terms,
			CounterOffer: e.CounterOffer,
			Deadline:     formatTime(e.Deadline),
			Message:      e.Message,
			CreatedAt:    formatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRespondProposal(w http.ResponseWriter, r *http.Request) {
	var req respondProposalRequest
	if !readJSON(w, r, &req) {
		return
	}
	params := proposal.RespondParams{
		ProposalID:   chi.URLParam(r, "id"),
		ActorID:      userIDFrom(r.Context()),
		Action:       proposal.Action(req.Action),
		Terms:        req.Terms,
		CounterOffer: req.CounterOffer,
		Milestones:   toSpecs(req.Milestones),
		Message:      req.Message,
	}
	if req.Deadline != nil {
		params.Deadline = *req.Deadline
	}
	p, err := s.proposals.Respond(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(p))
}

func (s *Server) handleWithdrawProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Withdraw(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(p))
}

// agreements and deliverables

type submitDeliverableRequest struct {
	MilestoneID *string `json:"milestone_id"`
	Link        string  `json:"link"`
	Description string  `json:"description"`
}

type revisionRequest struct {
	Reason string `json:"reason"`
}

type resubmitRequest struct {
	Link        string `json:"link"`
	Description string `json:"description"`
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	items, err := s.agreements.ListForUser(r.Context(), userIDFrom(r.Context()), page, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]agreementResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "page": page})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	detail, err := s.agreements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.canView(r.Context(), detail.Agreement.IsParty(userIDFrom(r.Context()))); err != nil {
		s.writeError(w, err)
		return
	}
	resp := toAgreementResponse(detail.Agreement)
	resp.Milestones = make([]milestoneResponse, 0, len(detail.Milestones))
	for _, m := range detail.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneResponse{
			ID:            m.ID,
			Position:      m.Position,
			ResponsibleID: m.ResponsibleID,
			Title:         m.Title,
			DurationDays:  m.DurationDays,
			Status:        string(m.Status),
			DueAt:         formatTime(m.DueAt),
			CompletedAt:   formatTimePtr(m.CompletedAt),
		})
	}
	resp.Deliverables = make([]deliverableResponse, 0, len(detail.Deliverables))
	for _, d := range detail.Deliverables {
		resp.Deliverables = append(resp.Deliverables, toDeliverableResponse(d))
	}
	resp.Timeline = make([]timelineResponse, 0, len(detail.Timeline))
	for _, e := range detail.Timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Seq:       e.Seq,
			Type:      e.Type,
			ActorID:   e.ActorID,
			Payload:   e.Payload,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	var req submitDeliverableRequest
	if !readJSON(w, r, &req) {
		return
	}
	d, err := s.agreements.SubmitDeliverable(r.Context(), agreement.SubmitParams{
		AgreementID: chi.URLParam(r, "id"),
		MilestoneID: req.MilestoneID,
		SubmitterID: userIDFrom(r.Context()),
		Link:        req.Link,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliverableResponse(d))
}

func (s *Server) handleApproveDeliverable(w http.ResponseWriter, r *http.Request) {
	d, err := s.agreements.Approve(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliverableResponse(d))
}

func (s *Server) handleRequestRevision(w http.ResponseWriter, r *http.Request) {
	var req revisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	d, err := s.agreements.RequestRevision(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliverableResponse(d))
}

func (s *Server) handleResubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	var req resubmitRequest
	if !readJSON(w, r, &req) {
		return
	}
	d, err := s.agreements.Resubmit(r.Context(), agreement.ResubmitParams{
		DeliverableID: chi.URLParam(r, "id"),
		SubmitterID:   userIDFrom(r.Context()),
		Link:          req.Link,
		Description:   req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliverableResponse(d))
}

// disputes

type openDisputeRequest struct {
	AgreementID string `json:"agreement_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
	PaymentID   string `json:"payment_id"`
}

type bodyRequest struct {
	Body string `json:"body"`
}

type evidenceRequest struct {
	Link        string `json:"link"`
	Description string `json:"description"`
}

type decisionRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if !readJSON(w, r, &req) {
		return
	}
	d, err := s.disputes.Open(r.Context(), dispute.OpenParams{
		AgreementID:  req.AgreementID,
		ComplainerID: userIDFrom(r.Context()),
		Reason:       dispute.Reason(req.Reason),
		Description:  req.Description,
		PaymentID:    req.PaymentID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	detail, err := s.disputes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.canView(r.Context(), detail.Dispute.IsParty(userIDFrom(r.Context()))); err != nil {
		s.writeError(w, err)
		return
	}
	resp := toDisputeResponse(detail.Dispute)
	resp.Messages = make([]messageResponse, 0, len(detail.Messages))
	for _, m := range detail.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	resp.Evidence = make([]evidenceResponse, 0, len(detail.Evidence))
	for _, e := range detail.Evidence {
		resp.Evidence = append(resp.Evidence, toEvidenceResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	detail, err := s.agreements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.canView(r.Context(), detail.Agreement.IsParty(userIDFrom(r.Context()))); err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.disputes.ListForAgreement(r.Context(), detail.Agreement.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleRespondDispute(w http.ResponseWriter, r *http.Request) {
	var req bodyRequest
	if !readJSON(w, r, &req) {
		return
	}
	d, err := s.disputes.Respond(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()), req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if !readJSON(w, r, &req) {
		return
	}
	e, err := s.disputes.AddEvidence(r.Context(), dispute.EvidenceParams{
		DisputeID:   chi.URLParam(r, "id"),
		ActorID:     userIDFrom(r.Context()),
		Link:        req.Link,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEvidenceResponse(e))
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req bodyRequest
	if !readJSON(w, r, &req) {
		return
	}
	m, err := s.disputes.AddMessage(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()), req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(m))
}

func (s *Server) handleDecideDispute(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	d, err := s.disputes.Decide(r.Context(), dispute.DecisionParams{
		DisputeID:   chi.URLParam(r, "id"),
		ModeratorID: userIDFrom(r.Context()),
		Outcome:     dispute.Outcome(req.Outcome),
		Notes:       req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleAbandonDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Abandon(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleMyPenalties(w http.ResponseWriter, r *http.Request) {
	items, err := s.penalties.ListForUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]penaltyResponse, 0, len(items))
	for _, p := range items {
		out = append(out, penaltyResponse{
			ID:          p.ID,
			AgreementID: p.AgreementID,
			DisputeID:   p.DisputeID,
			Reason:      p.Reason,
			CreatedAt:   formatTime(p.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// plumbing

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	return page, size
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindAuthorization:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindInternal {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("request failed", "error", err.Error())
		}
		writeErrorCode(w, http.StatusInternalServerError, kind.String(), "internal error")
		return
	}
	writeErrorCode(w, statusFor(kind), kind.String(), err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": "req_" + uuid.NewString(),
		"error":      map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the body into dst and answers 400 itself on failure.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_json", err.Error())
		return false
	}
	return true
}
