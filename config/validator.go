package config

import (
	"errors"
	"fmt"
)

// Validate checks value ranges. It does not require DATABASE_URL or the JWT
// secret; commands that need them check for themselves.
func (c Config) Validate() error {
	var errs []error

	if c.Database.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("database.max_conns must be positive, got %d", c.Database.MaxConns))
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("database.min_conns must be between 0 and max_conns, got %d", c.Database.MinConns))
	}
	if c.Dispute.ResponseWindow <= 0 {
		errs = append(errs, fmt.Errorf("dispute.response_window must be positive, got %s", c.Dispute.ResponseWindow))
	}

	low, high := c.Dispute.FavorRespondentAt, c.Dispute.FavorComplainerAt
	if low < 0 || high > 100 || low >= high {
		errs = append(errs, fmt.Errorf("dispute thresholds must satisfy 0 <= favor_respondent_at < favor_complainer_at <= 100, got %d/%d", low, high))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be positive, got %s", c.Sweeper.Interval))
	}
	if c.Sweeper.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.batch_size must be positive, got %d", c.Sweeper.BatchSize))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("outbox.poll_interval must be positive, got %s", c.Outbox.PollInterval))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("outbox.max_attempts must be positive, got %d", c.Outbox.MaxAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
