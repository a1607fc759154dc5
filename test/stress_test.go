package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"skillbarter/agreement"
	"skillbarter/auth"
	"skillbarter/dispute"
	"skillbarter/logging"
	"skillbarter/notify"
	"skillbarter/offer"
	"skillbarter/penalty"
	"skillbarter/proposal"
	"skillbarter/sweeper"
	"skillbarter/test/actors"
	"skillbarter/test/infra"
	"skillbarter/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of proposers; other actor pools scale with it")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestMarketplaceConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	if *flDSN == "" && os.Getenv(infra.DSNEnv) == "" && os.Getenv("SKILLBARTER_STRESS") == "" {
		t.Skip("set SKILLBARTER_STRESS=1, -dsn or " + infra.DSNEnv + " to run the stress suite")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()
	if err := h.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	env := mustSeed(t, ctx, h)
	log := logging.Nop()
	sink := notify.NewOutboxSink()
	tokens := auth.NewService(auth.NewRepository(pool), "stress-secret", time.Hour)
	env.Agreements = agreement.NewService(pool, nil, sink, log)
	env.Proposals = proposal.NewService(pool, nil, offer.NewRepository(pool), env.Agreements, sink, log)
	env.Disputes = dispute.NewService(pool, nil, env.Agreements, penalty.NewRepository(), tokens, sink,
		dispute.Options{ResponseWindow: 300 * time.Millisecond}, log)
	sweep := sweeper.NewRunner(env.Proposals, env.Disputes, sweeper.Options{Interval: 50 * time.Millisecond, BatchSize: 20}, log)

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	next := func() *rand.Rand {
		seed++
		return rand.New(rand.NewSource(seed))
	}

	for _, id := range env.ProposerIDs {
		id, rng := id, next()
		g.Go(func() error { return actors.Proposer(gctx, env, id, rng, stop) })
	}
	for i := 0; i < 2; i++ {
		owner, worker, complainer := next(), next(), next()
		g.Go(func() error { return actors.OfferOwner(gctx, env, owner, stop) })
		g.Go(func() error { return actors.Worker(gctx, env, worker, stop) })
		g.Go(func() error { return actors.Complainer(gctx, env, complainer, stop) })
	}
	respondent, moderator := next(), next()
	g.Go(func() error { return actors.Respondent(gctx, env, respondent, stop) })
	g.Go(func() error { return actors.Moderator(gctx, env, moderator, stop) })
	g.Go(func() error { return sweep.Run(stopContext(gctx, stop)) })
	if *flChaos {
		chaos := next()
		g.Go(func() error { return actors.Chaos(gctx, pool, chaos, stop) })
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	failure := ""
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			if failure = runOracles(t, gctx, pool); failure != "" {
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("actors errored: %v (seed=%d)", err, *flSeed)
	}
	if failure == "" {
		// final pass once everything is quiet
		failure = runOracles(t, ctx, pool)
	}
	if failure != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("%s (seed=%d)", failure, *flSeed)
	}
	logTotals(t, ctx, pool)
}

func runOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ""
		}
		// a terminated backend can take the oracle's connection with it
		t.Logf("oracle %s errored: %v", name, err)
		return ""
	}
	if name != "" {
		return fmt.Sprintf("oracle %s failed, first row: %s", name, row)
	}
	return ""
}

// stopContext is cancelled when ctx is or when stop closes.
func stopContext(ctx context.Context, stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx
}

func mustSeed(t *testing.T, ctx context.Context, h *infra.Harness) *actors.Env {
	t.Helper()
	run := time.Now().UnixNano()
	env := &actors.Env{Pool: h.Pool()}

	var err error
	if env.OwnerID, err = h.SeedUser(ctx, fmt.Sprintf("owner+%d@example.com", run), string(auth.RoleMember)); err != nil {
		t.Fatal(err)
	}
	if env.ModeratorID, err = h.SeedUser(ctx, fmt.Sprintf("mod+%d@example.com", run), string(auth.RoleModerator)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < *flConcurrency; i++ {
		id, err := h.SeedUser(ctx, fmt.Sprintf("proposer%d+%d@example.com", i, run), string(auth.RoleMember))
		if err != nil {
			t.Fatal(err)
		}
		env.ProposerIDs = append(env.ProposerIDs, id)
	}
	if env.OfferID, err = h.SeedOffer(ctx, env.OwnerID, "Logo design"); err != nil {
		t.Fatal(err)
	}
	return env
}

func logTotals(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	const q = `SELECT
  (SELECT COUNT(*) FROM proposals),
  (SELECT COUNT(*) FROM proposals WHERE status = 'expired'),
  (SELECT COUNT(*) FROM agreements),
  (SELECT COUNT(*) FROM agreements WHERE status = 'completed'),
  (SELECT COUNT(*) FROM disputes),
  (SELECT COUNT(*) FROM disputes WHERE escalated_at IS NOT NULL),
  (SELECT COUNT(*) FROM penalties)`
	var proposals, expired, agreements, completed, disputes, escalated, penalties int
	if err := pool.QueryRow(ctx, q).Scan(&proposals, &expired, &agreements, &completed, &disputes, &escalated, &penalties); err != nil {
		t.Logf("totals: %v", err)
		return
	}
	t.Logf("proposals=%d expired=%d agreements=%d completed=%d disputes=%d escalated=%d penalties=%d",
		proposals, expired, agreements, completed, disputes, escalated, penalties)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"proposal_history", `SELECT proposal_id, seq, action, actor_id, created_at FROM proposal_history ORDER BY created_at DESC LIMIT 30`},
		{"disputes", `SELECT id, status, resolution, score, respondent_silent, escalated_at FROM disputes ORDER BY updated_at DESC LIMIT 30`},
		{"penalties", `SELECT dispute_id, user_id, reason FROM penalties ORDER BY created_at DESC LIMIT 30`},
		{"outbox", `SELECT id, topic, status, attempts FROM outbox ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
