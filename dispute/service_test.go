package dispute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"skillbarter/agreement"
	"skillbarter/logging"
	"skillbarter/notify"
	"skillbarter/penalty"
	"skillbarter/test/txfake"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

const (
	requester = "user-req"
	provider  = "user-prov"
	moderator = "user-mod"
)

type memStore struct {
	mu       sync.Mutex
	disputes map[string]Dispute
	messages map[string][]Message
	evidence map[string][]Evidence
}

func newMemStore() *memStore {
	return &memStore{disputes: map[string]Dispute{}, messages: map[string][]Message{}, evidence: map[string][]Evidence{}}
}

func (m *memStore) write(tx pgx.Tx, fn func()) {
	txfake.Stage(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
	})
}

func (m *memStore) Insert(_ context.Context, tx pgx.Tx, d Dispute) error {
	m.write(tx, func() { m.disputes[d.ID] = d })
	return nil
}

func (m *memStore) HasActive(_ context.Context, _ pgx.Tx, agreementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.AgreementID == agreementID && d.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Get(_ context.Context, _ pgx.Tx, id string) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (m *memStore) Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return m.Get(ctx, tx, id)
}

func (m *memStore) Update(_ context.Context, tx pgx.Tx, d Dispute) error {
	m.write(tx, func() {
		prev := m.disputes[d.ID]
		d.Complainer, d.Respondent = prev.Complainer, prev.Respondent
		m.disputes[d.ID] = d
	})
	return nil
}

func (m *memStore) AppendMessage(_ context.Context, tx pgx.Tx, msg Message) error {
	m.write(tx, func() {
		msg.Seq = len(m.messages[msg.DisputeID]) + 1
		m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], msg)
	})
	return nil
}

func (m *memStore) ListMessages(_ context.Context, _ pgx.Tx, id string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages[id]...), nil
}

func (m *memStore) AppendEvidence(_ context.Context, tx pgx.Tx, e Evidence) error {
	m.write(tx, func() {
		e.Seq = len(m.evidence[e.DisputeID]) + 1
		m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], e)
	})
	return nil
}

func (m *memStore) ListEvidence(_ context.Context, _ pgx.Tx, id string) ([]Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Evidence(nil), m.evidence[id]...), nil
}

func (m *memStore) LockOverdue(_ context.Context, _ pgx.Tx, now time.Time, limit int) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if d.Status == StatusAwaitingResponse && d.ResponseDeadline.Before(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(out[j].ResponseDeadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListForAgreement(_ context.Context, _ pgx.Tx, agreementID string) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if d.AgreementID == agreementID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

type fakeAgreements struct {
	agreements map[string]agreement.Agreement
	facts      map[string]agreement.Facts
	asOf       []time.Time
}

func (f *fakeAgreements) LockForDispute(_ context.Context, _ pgx.Tx, id string) (agreement.Agreement, error) {
	a, ok := f.agreements[id]
	if !ok {
		return agreement.Agreement{}, agreement.ErrAgreementNotFound
	}
	return a, nil
}

func (f *fakeAgreements) DeliveryFacts(_ context.Context, _ pgx.Tx, agreementID, partyID string, asOf time.Time) (agreement.Facts, error) {
	if !f.agreements[agreementID].IsParty(partyID) {
		return agreement.Facts{}, agreement.ErrNotAParty
	}
	f.asOf = append(f.asOf, asOf)
	return f.facts[partyID], nil
}

type fakePenalties struct {
	mu      sync.Mutex
	created []penalty.Params
	err     error
	failFor string
}

func (f *fakePenalties) CreatePenalty(_ context.Context, tx pgx.Tx, params penalty.Params) (penalty.Penalty, error) {
	if f.err != nil && (f.failFor == "" || f.failFor == params.DisputeID) {
		return penalty.Penalty{}, f.err
	}
	txfake.Stage(tx, func() {
		f.mu.Lock()
		f.created = append(f.created, params)
		f.mu.Unlock()
	})
	return penalty.Penalty{ID: "pen-" + params.DisputeID, UserID: params.UserID, DisputeID: params.DisputeID}, nil
}

func (f *fakePenalties) all() []penalty.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]penalty.Params(nil), f.created...)
}

type fakeModerators map[string]bool

func (f fakeModerators) IsModerator(_ context.Context, userID string) (bool, error) {
	return f[userID], nil
}

type fixture struct {
	store      *memStore
	agreements *fakeAgreements
	penalties  *fakePenalties
	rec        *notify.Recorder
	svc        *Service
	now        time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store: newMemStore(),
		agreements: &fakeAgreements{
			agreements: map[string]agreement.Agreement{
				"agr-1":    {ID: "agr-1", RequesterID: requester, ProviderID: provider, Status: agreement.StatusInProgress},
				"agr-done": {ID: "agr-done", RequesterID: requester, ProviderID: provider, Status: agreement.StatusCompleted},
			},
			facts: map[string]agreement.Facts{
				requester: {Delivered: true, OnTime: true},
				provider:  {Delivered: true, OnTime: true},
			},
		},
		penalties: &fakePenalties{},
		rec:       notify.NewRecorder(txfake.Stage),
		now:       t0,
	}
	seq := 0
	f.svc = NewService(&txfake.Pool{}, f.store, f.agreements, f.penalties, fakeModerators{moderator: true}, f.rec, Options{}, logging.Nop()).
		WithClock(func() time.Time { return f.now }).
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("disp-%02d", seq) })
	return f
}

func (f *fixture) open(t *testing.T) Dispute {
	t.Helper()
	d, err := f.svc.Open(context.Background(), OpenParams{
		AgreementID:  "agr-1",
		ComplainerID: requester,
		Reason:       ReasonDeadlineMissed,
		Description:  "logo arrived two days late",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return d
}

func (f *fixture) committed(t *testing.T, id string) Dispute {
	t.Helper()
	d, err := f.store.Get(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return d
}

func TestOpenSnapshotsFacts(t *testing.T) {
	f := newFixture()
	f.agreements.facts[provider] = agreement.Facts{Delivered: true, OnTime: false}

	d := f.open(t)
	if d.Status != StatusAwaitingResponse || d.Resolution != ResolutionNone || d.Score != Neutral {
		t.Fatalf("unexpected initial state: %+v", d)
	}
	if d.RespondentID != provider || !d.ResponseDeadline.Equal(t0.Add(DefaultResponseWindow)) {
		t.Fatalf("unexpected respondent or deadline: %+v", d)
	}
	for _, at := range f.agreements.asOf {
		if !at.Equal(t0) {
			t.Fatalf("facts must be read as of opening, got %s", at)
		}
	}

	f.agreements.facts[provider] = agreement.Facts{Delivered: true, OnTime: true, ApprovedBeforeDispute: true}
	if got := f.committed(t, d.ID); got.Respondent.OnTime || got.Respondent.ApprovedBeforeDispute {
		t.Fatalf("later deliveries must not change the snapshot: %+v", got.Respondent)
	}

	kinds := f.rec.Kinds()
	if len(kinds) != 2 || kinds[0] != notify.KindDisputeOpened || kinds[1] != notify.KindDisputeResponseRequested {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
	for _, n := range f.rec.Notes() {
		if n.UserID != provider {
			t.Fatalf("respondent is told, got %s", n.UserID)
		}
	}
}

func TestOpenRejects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.open(t)

	cases := []struct {
		name   string
		params OpenParams
		want   error
	}{
		{"already open", OpenParams{AgreementID: "agr-1", ComplainerID: provider, Reason: ReasonOther, Description: "x"}, ErrDisputeAlreadyOpen},
		{"stranger", OpenParams{AgreementID: "agr-1", ComplainerID: "user-x", Reason: ReasonOther, Description: "x"}, ErrNotAParty},
		{"completed agreement", OpenParams{AgreementID: "agr-done", ComplainerID: requester, Reason: ReasonOther, Description: "x"}, ErrNoActiveAgreement},
		{"unknown agreement", OpenParams{AgreementID: "agr-none", ComplainerID: requester, Reason: ReasonOther, Description: "x"}, agreement.ErrAgreementNotFound},
		{"unknown reason", OpenParams{AgreementID: "agr-1", ComplainerID: requester, Reason: "vibes", Description: "x"}, ErrInvalidReason},
		{"no description", OpenParams{AgreementID: "agr-1", ComplainerID: requester, Reason: ReasonOther, Description: " "}, ErrMissingFields},
	}
	for _, tc := range cases {
		if _, err := f.svc.Open(ctx, tc.params); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestRespondEscalatesContestedDispute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.agreements.facts[provider] = agreement.Facts{Delivered: true, OnTime: false}
	d := f.open(t)

	if _, err := f.svc.Respond(ctx, d.ID, requester, "it was late"); !errors.Is(err, ErrNotRespondent) {
		t.Fatalf("expected ErrNotRespondent, got %v", err)
	}

	f.now = t0.Add(time.Hour)
	got, err := f.svc.Respond(ctx, d.ID, provider, "the brief changed midway")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Score != 60 || got.Status != StatusEscalated || got.EscalatedAt == nil || got.ClosedAt != nil {
		t.Fatalf("expected escalation at 60: %+v", got)
	}
	if got.ResponseReceivedAt == nil || !got.ResponseReceivedAt.Equal(f.now) {
		t.Fatalf("response time not recorded: %+v", got.ResponseReceivedAt)
	}
	if msgs, _ := f.store.ListMessages(ctx, nil, d.ID); len(msgs) != 1 || msgs[0].AuthorID != provider {
		t.Fatalf("response must be appended as a message: %+v", msgs)
	}
	if len(f.penalties.all()) != 0 {
		t.Fatal("escalation must not penalize anyone")
	}

	if _, err := f.svc.Respond(ctx, d.ID, provider, "again"); !errors.Is(err, ErrNotAwaitingResponse) {
		t.Fatalf("expected ErrNotAwaitingResponse, got %v", err)
	}
}

func TestRespondAutoResolvesForRespondent(t *testing.T) {
	f := newFixture()
	f.agreements.facts[requester] = agreement.Facts{}
	f.agreements.facts[provider] = agreement.Facts{Delivered: true, OnTime: true, ApprovedBeforeDispute: true}
	d := f.open(t)

	got, err := f.svc.Respond(context.Background(), d.ID, provider, "work was approved last week")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusResolved || got.Resolution != ResolutionFavorsRespondent || got.ClosedAt == nil {
		t.Fatalf("expected automatic resolution: %+v", got)
	}
	pens := f.penalties.all()
	if len(pens) != 1 || pens[0].UserID != requester || pens[0].DisputeID != d.ID || pens[0].Reason != string(ReasonDeadlineMissed) {
		t.Fatalf("the complainer should be penalized: %+v", pens)
	}
}

func TestSilentRespondentFavorsComplainer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.agreements.facts[provider] = agreement.Facts{}
	d := f.open(t)

	if n, err := f.svc.SweepDeadlines(ctx, 10); err != nil || n != 0 {
		t.Fatalf("nothing is due yet, got %d (%v)", n, err)
	}

	f.now = t0.Add(DefaultResponseWindow + time.Minute)
	n, err := f.svc.SweepDeadlines(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one sweep, got %d (%v)", n, err)
	}
	got := f.committed(t, d.ID)
	if !got.RespondentSilent || got.Status != StatusResolved || got.Resolution != ResolutionFavorsComplainer || got.Score < 70 {
		t.Fatalf("silent respondent should lose: %+v", got)
	}
	if got.EscalatedAt != nil || got.ModeratorID != nil {
		t.Fatal("no moderator is involved")
	}
	if pens := f.penalties.all(); len(pens) != 1 || pens[0].UserID != provider {
		t.Fatalf("respondent should be penalized: %+v", pens)
	}

	if n, _ := f.svc.SweepDeadlines(ctx, 10); n != 0 {
		t.Fatalf("sweep must be idempotent, changed %d", n)
	}
}

func TestSweepSkipsFailingDispute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.agreements.agreements["agr-2"] = agreement.Agreement{ID: "agr-2", RequesterID: requester, ProviderID: provider, Status: agreement.StatusInProgress}
	f.agreements.facts[provider] = agreement.Facts{}
	first := f.open(t)
	second, err := f.svc.Open(ctx, OpenParams{AgreementID: "agr-2", ComplainerID: requester, Reason: ReasonDeadlineMissed, Description: "never delivered"})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	f.penalties.err = errors.New("penalties: connection reset")
	f.penalties.failFor = first.ID

	f.now = t0.Add(DefaultResponseWindow + time.Minute)
	n, err := f.svc.SweepDeadlines(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one dispute swept past the failure, got %d (%v)", n, err)
	}
	if got := f.committed(t, first.ID); got.Status != StatusAwaitingResponse || got.RespondentSilent {
		t.Fatalf("failed dispute must stay untouched: %+v", got)
	}
	if got := f.committed(t, second.ID); got.Status != StatusResolved {
		t.Fatalf("healthy dispute should resolve: %+v", got)
	}
	if msgs, _ := f.store.ListMessages(ctx, nil, first.ID); len(msgs) != 0 {
		t.Fatalf("failed dispute must leave no message, got %d", len(msgs))
	}

	f.penalties.err = nil
	if n, err := f.svc.SweepDeadlines(ctx, 10); err != nil || n != 1 {
		t.Fatalf("retry should resolve the skipped dispute, got %d (%v)", n, err)
	}
}

func TestLateResponseIsTreatedAsSilence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := f.open(t)

	f.now = t0.Add(DefaultResponseWindow + time.Second)
	_, err := f.svc.Respond(ctx, d.ID, provider, "sorry, was away")
	if !errors.Is(err, ErrNotAwaitingResponse) {
		t.Fatalf("expected ErrNotAwaitingResponse, got %v", err)
	}
	got := f.committed(t, d.ID)
	if !got.RespondentSilent || got.ResponseReceivedAt != nil || got.Status == StatusAwaitingResponse {
		t.Fatalf("late response must not count: %+v", got)
	}
	if msgs, _ := f.store.ListMessages(ctx, nil, d.ID); len(msgs) != 0 {
		t.Fatal("late response must not be appended")
	}
}

func TestPenaltyFailureRollsBackResolution(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.agreements.facts[provider] = agreement.Facts{}
	d := f.open(t)
	notesBefore := len(f.rec.Notes())

	f.penalties.err = errors.New("penalties: connection reset")
	if _, err := f.svc.Respond(ctx, d.ID, provider, "I disagree"); err == nil {
		t.Fatal("expected respond to fail with the penalty")
	}
	got := f.committed(t, d.ID)
	if got.Status != StatusAwaitingResponse || got.Resolution != ResolutionNone || got.ResponseReceivedAt != nil {
		t.Fatalf("dispute must stay in its pre-transition state: %+v", got)
	}
	if msgs, _ := f.store.ListMessages(ctx, nil, d.ID); len(msgs) != 0 || len(f.rec.Notes()) != notesBefore {
		t.Fatal("failed resolution must leave no message or notification")
	}

	f.penalties.err = nil
	if _, err := f.svc.Respond(ctx, d.ID, provider, "I disagree"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func escalated(t *testing.T, f *fixture) Dispute {
	t.Helper()
	f.agreements.facts[provider] = agreement.Facts{Delivered: true, OnTime: false}
	d := f.open(t)
	got, err := f.svc.Respond(context.Background(), d.ID, provider, "contested")
	if err != nil || got.Status != StatusEscalated {
		t.Fatalf("setup escalation: %v %+v", err, got)
	}
	return got
}

func TestModeratorDecision(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := escalated(t, f)

	cases := []struct {
		name   string
		params DecisionParams
		want   error
	}{
		{"member", DecisionParams{DisputeID: d.ID, ModeratorID: requester, Outcome: OutcomeFavorsComplainer}, ErrNotAModerator},
		{"bad outcome", DecisionParams{DisputeID: d.ID, ModeratorID: moderator, Outcome: "split"}, ErrInvalidOutcome},
		{"unknown dispute", DecisionParams{DisputeID: "disp-99", ModeratorID: moderator, Outcome: OutcomeFavorsRespondent}, ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := f.svc.Decide(ctx, tc.params); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	f.now = t0.Add(2 * time.Hour)
	got, err := f.svc.Decide(ctx, DecisionParams{DisputeID: d.ID, ModeratorID: moderator, Outcome: OutcomeFavorsRespondent, Notes: "brief changed"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != StatusResolved || got.Resolution != ResolutionModeratorDecision || got.ModeratorOutcome == nil || *got.ModeratorOutcome != OutcomeFavorsRespondent {
		t.Fatalf("unexpected ruling: %+v", got)
	}
	if got.Score != 60 || got.ModeratorID == nil || *got.ModeratorID != moderator || got.ModeratorNotes == nil {
		t.Fatalf("ruling must keep the score and record the moderator: %+v", got)
	}
	if pens := f.penalties.all(); len(pens) != 1 || pens[0].UserID != requester {
		t.Fatalf("complainer loses: %+v", pens)
	}

	if _, err := f.svc.Decide(ctx, DecisionParams{DisputeID: d.ID, ModeratorID: moderator, Outcome: OutcomeFavorsComplainer}); !errors.Is(err, ErrNotEscalated) {
		t.Fatalf("a ruling is final, got %v", err)
	}
}

func TestMutualAgreementPenalizesNobody(t *testing.T) {
	f := newFixture()
	d := escalated(t, f)
	if _, err := f.svc.Decide(context.Background(), DecisionParams{DisputeID: d.ID, ModeratorID: moderator, Outcome: OutcomeMutualAgreement}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(f.penalties.all()) != 0 {
		t.Fatal("mutual agreement names no loser")
	}
}

func TestDecideRequiresEscalation(t *testing.T) {
	f := newFixture()
	d := f.open(t)
	_, err := f.svc.Decide(context.Background(), DecisionParams{DisputeID: d.ID, ModeratorID: moderator, Outcome: OutcomeFavorsComplainer})
	if !errors.Is(err, ErrNotEscalated) {
		t.Fatalf("expected ErrNotEscalated, got %v", err)
	}
}

func TestResolvedIsAbsorbing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.agreements.facts[provider] = agreement.Facts{}
	d := f.open(t)
	if _, err := f.svc.Respond(ctx, d.ID, provider, "no"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	before := f.committed(t, d.ID)
	if before.Status != StatusResolved {
		t.Fatalf("setup: expected resolved, got %s", before.Status)
	}

	_, errRespond := f.svc.Respond(ctx, d.ID, provider, "more")
	_, errEvidence := f.svc.AddEvidence(ctx, EvidenceParams{DisputeID: d.ID, ActorID: requester, Link: "https://files.example/a.png"})
	_, errMessage := f.svc.AddMessage(ctx, d.ID, requester, "hello?")
	_, errDecide := f.svc.Decide(ctx, DecisionParams{DisputeID: d.ID, ModeratorID: moderator, Outcome: OutcomeFavorsRespondent})
	_, errAbandon := f.svc.Abandon(ctx, d.ID, requester)

	for name, pair := range map[string]struct{ got, want error }{
		"respond":  {errRespond, ErrNotAwaitingResponse},
		"evidence": {errEvidence, ErrDisputeClosed},
		"message":  {errMessage, ErrDisputeClosed},
		"decide":   {errDecide, ErrNotEscalated},
		"abandon":  {errAbandon, ErrDisputeClosed},
	} {
		if !errors.Is(pair.got, pair.want) {
			t.Fatalf("%s: expected %v, got %v", name, pair.want, pair.got)
		}
	}
	if after := f.committed(t, d.ID); after.Status != before.Status || after.Resolution != before.Resolution || !after.ClosedAt.Equal(*before.ClosedAt) {
		t.Fatalf("resolved dispute changed: %+v", after)
	}
}

func TestEvidenceAndMessages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := f.open(t)

	e, err := f.svc.AddEvidence(ctx, EvidenceParams{DisputeID: d.ID, ActorID: requester, Link: "https://files.example/chat.png", Description: "chat log"})
	if err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	sum := sha256.Sum256([]byte(requester + "\x00https://files.example/chat.png\x00chat log"))
	if e.Digest != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected digest %s", e.Digest)
	}
	if _, err := f.svc.AddEvidence(ctx, EvidenceParams{DisputeID: d.ID, ActorID: "user-x", Link: "https://x"}); !errors.Is(err, ErrNotAParty) {
		t.Fatalf("expected ErrNotAParty, got %v", err)
	}
	if _, err := f.svc.AddEvidence(ctx, EvidenceParams{DisputeID: d.ID, ActorID: provider}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, d.ID, provider, "looking into it"); err != nil {
		t.Fatalf("add message: %v", err)
	}

	detail, err := f.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Dispute.Status != StatusAwaitingResponse {
		t.Fatalf("filings do not change status, got %s", detail.Dispute.Status)
	}
	if len(detail.Evidence) != 1 || detail.Evidence[0].Seq != 1 || len(detail.Messages) != 1 || detail.Messages[0].Seq != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestAbandon(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := f.open(t)

	if _, err := f.svc.Abandon(ctx, d.ID, provider); !errors.Is(err, ErrNotComplainer) {
		t.Fatalf("expected ErrNotComplainer, got %v", err)
	}
	got, err := f.svc.Abandon(ctx, d.ID, requester)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if got.Status != StatusResolved || got.Resolution != ResolutionAbandoned || len(f.penalties.all()) != 0 {
		t.Fatalf("unexpected abandon result: %+v", got)
	}

	next := f.open(t)
	list, err := f.svc.ListForAgreement(ctx, "agr-1")
	if err != nil || len(list) != 2 || list[0].ID != next.ID {
		t.Fatalf("expected both disputes newest first, got %+v (%v)", list, err)
	}
}

func TestAbandonAfterEscalationRejected(t *testing.T) {
	f := newFixture()
	d := escalated(t, f)
	if _, err := f.svc.Abandon(context.Background(), d.ID, requester); !errors.Is(err, ErrDisputeClosed) {
		t.Fatalf("expected ErrDisputeClosed, got %v", err)
	}
}

func TestGetSweepsOverdue(t *testing.T) {
	f := newFixture()
	d := f.open(t)
	f.now = t0.Add(DefaultResponseWindow + time.Hour)

	detail, err := f.svc.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !detail.Dispute.RespondentSilent || detail.Dispute.Status == StatusAwaitingResponse {
		t.Fatalf("overdue dispute should be swept on read: %+v", detail.Dispute)
	}
}

func TestRepositoryMapsMalformedIDToNotFound(t *testing.T) {
	tx := &txfake.Tx{QueryErr: &pgconn.PgError{Code: "22P02"}}
	repo := NewRepository()
	if _, err := repo.Get(context.Background(), tx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Lock(context.Background(), tx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lock: expected ErrNotFound, got %v", err)
	}
}
