package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"skillbarter/agreement"
	"skillbarter/auth"
	"skillbarter/config"
	"skillbarter/db"
	"skillbarter/dispute"
	"skillbarter/logging"
	"skillbarter/notify"
	"skillbarter/offer"
	"skillbarter/penalty"
	"skillbarter/proposal"
	"skillbarter/sweeper"
)

// app holds the wired process.
type app struct {
	cfg        config.Config
	pool       *pgxpool.Pool
	log        *logging.Logger
	server     *Server
	sweeper    *sweeper.Runner
	dispatcher *notify.Dispatcher
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := logging.New(os.Stderr, cfg.Logging.Level)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	sink := notify.NewOutboxSink()
	tokens := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	offers := offer.NewRepository(pool)
	penalties := penalty.NewRepository()

	agreements := agreement.NewService(pool, nil, sink, log)
	proposals := proposal.NewService(pool, nil, offers, agreements, sink, log)
	disputes := dispute.NewService(pool, nil, agreements, penalties, tokens, sink, dispute.Options{
		ResponseWindow: cfg.Dispute.ResponseWindow,
		Thresholds: dispute.Thresholds{
			FavorRespondentAt: cfg.Dispute.FavorRespondentAt,
			FavorComplainerAt: cfg.Dispute.FavorComplainerAt,
		},
	}, log)

	return &app{
		cfg:  cfg,
		pool: pool,
		log:  log,
		server: &Server{
			proposals:  proposals,
			agreements: agreements,
			disputes:   disputes,
			offers:     offer.NewService(offers),
			penalties:  penaltyLister{repo: penalties, q: pool},
			tokens:     tokens,
			moderators: tokens,
			log:        log.WithComponent("http"),
		},
		sweeper: sweeper.NewRunner(proposals, disputes, sweeper.Options{
			Interval:  cfg.Sweeper.Interval,
			BatchSize: cfg.Sweeper.BatchSize,
		}, log),
		dispatcher: notify.NewDispatcher(pool, nil, nil, notify.DispatcherOptions{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
		}, log),
	}, nil
}

// Serve runs the listener and both background loops until ctx is cancelled.
func (a *app) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: a.server.routes()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", "addr", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.sweeper.Run(ctx) })
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	return g.Wait()
}

func (a *app) Close() {
	a.pool.Close()
}

// penaltyLister reads penalties outside any transaction.
type penaltyLister struct {
	repo *penalty.Repository
	q    penalty.Querier
}

func (p penaltyLister) ListForUser(ctx context.Context, userID string) ([]penalty.Penalty, error) {
	return p.repo.ListForUser(ctx, p.q, userID)
}
