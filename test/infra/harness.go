package infra

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database used by one integration run.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness picks a database and applies the schema. A non-empty dsn or
// SKILLBARTER_TEST_PG_DSN reuses that server with an isolated schema;
// otherwise a container is started, falling back to a local server when
// Docker is not available.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	container, dsn, shared, err := resolveDatabase(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Harness{container: container, pool: pool, teardown: teardown}, nil
}

// resolveDatabase returns the DSN to use and whether other runs may share it.
func resolveDatabase(ctx context.Context, dsn string) (*PGContainer, string, bool, error) {
	if dsn != "" {
		return &PGContainer{}, dsn, true, nil
	}
	if env := os.Getenv(DSNEnv); env != "" {
		return &PGContainer{}, env, true, nil
	}
	if dockerAvailable(ctx) {
		c, resolved, err := StartPostgres16(ctx)
		if err != nil {
			return nil, "", false, fmt.Errorf("start postgres container: %w", err)
		}
		return c, resolved, false, nil
	}
	local, err := InitLocalDatabase(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("no docker and no local database: %w", err)
	}
	return &PGContainer{}, local, false, nil
}

// Pool exposes the pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates every table for a clean epoch.
func (h *Harness) Reset(ctx context.Context) error {
	const q = `TRUNCATE TABLE outbox, penalties, dispute_evidence, dispute_messages, disputes,
agreement_timeline, deliverables, milestones, proposal_history, proposal_milestones,
agreements, proposals, offers, users CASCADE`
	if _, err := h.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SeedUser inserts a user and returns its id.
func (h *Harness) SeedUser(ctx context.Context, email, role string) (string, error) {
	var id string
	err := h.pool.QueryRow(ctx,
		`INSERT INTO users (email, display_name, role) VALUES ($1, $1, $2) RETURNING id::text`,
		email, role).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed user %s: %w", email, err)
	}
	return id, nil
}

// SeedOffer inserts an active offer owned by ownerID.
func (h *Harness) SeedOffer(ctx context.Context, ownerID, title string) (string, error) {
	var id string
	err := h.pool.QueryRow(ctx,
		`INSERT INTO offers (owner_id, title) VALUES ($1, $2) RETURNING id::text`,
		ownerID, title).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed offer: %w", err)
	}
	return id, nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}
