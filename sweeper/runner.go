// Package sweeper drives the time-based transitions: proposals that outlive
// their deadline and disputes whose respondent never answered.
package sweeper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"skillbarter/logging"
)

// ProposalExpirer expires lapsed proposals in batches.
type ProposalExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// DeadlineSweeper resolves disputes past their response deadline in batches.
type DeadlineSweeper interface {
	SweepDeadlines(ctx context.Context, limit int) (int, error)
}

// Options tune the sweep loops.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches bounds one RunOnce pass per job. Zero means 100.
	MaxBatches int
}

// Result counts what one pass changed.
type Result struct {
	ProposalsExpired int
	DisputesSwept    int
}

type job struct {
	name string
	run  func(ctx context.Context, limit int) (int, error)
}

// Runner owns both sweep loops.
type Runner struct {
	jobs []job
	opts Options
	log  *logging.Logger
}

func NewRunner(proposals ProposalExpirer, disputes DeadlineSweeper, opts Options, log *logging.Logger) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = 100
	}
	return &Runner{
		jobs: []job{
			{name: "proposal_expiry", run: proposals.ExpireDue},
			{name: "dispute_deadline", run: disputes.SweepDeadlines},
		},
		opts: opts,
		log:  log.WithComponent("sweeper"),
	}
}

// Run sweeps on every tick until ctx is cancelled. A failed batch is logged
// and retried next tick.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range r.jobs {
		j := j
		g.Go(func() error {
			ticker := time.NewTicker(r.opts.Interval)
			defer ticker.Stop()
			for {
				if _, err := r.drain(ctx, j); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.log.Error("sweep failed", "job", j.name, "error", err.Error())
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce drains both jobs concurrently and reports what changed.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	counts := make([]int, len(r.jobs))
	g, ctx := errgroup.WithContext(ctx)
	for i, j := range r.jobs {
		i, j := i, j
		g.Go(func() error {
			n, err := r.drain(ctx, j)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()
	return Result{ProposalsExpired: counts[0], DisputesSwept: counts[1]}, err
}

// drain runs batches until one comes back short.
func (r *Runner) drain(ctx context.Context, j job) (int, error) {
	total := 0
	for i := 0; i < r.opts.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := j.run(ctx, r.opts.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.opts.BatchSize {
			break
		}
	}
	if total > 0 {
		r.log.Debug("sweep pass", "job", j.name, "changed", total)
	}
	return total, nil
}
