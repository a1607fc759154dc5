package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"skillbarter/config"
	"skillbarter/test/txfake"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "disputes_one_active_per_agreement"}

	if !IsUniqueViolation(fmt.Errorf("insert: %w", dup), "") {
		t.Fatal("expected wrapped 23505 to match")
	}
	if !IsUniqueViolation(dup, "disputes_one_active_per_agreement") {
		t.Fatal("expected named constraint to match")
	}
	if IsUniqueViolation(dup, "penalties_dispute_id_key") {
		t.Fatal("different constraint must not match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}, "") {
		t.Fatal("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain errors never match")
	}
}

func TestIsMissing(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"no rows", pgx.ErrNoRows, true},
		{"wrapped no rows", fmt.Errorf("lock: %w", pgx.ErrNoRows), true},
		{"malformed uuid", &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}, true},
		{"wrapped malformed uuid", fmt.Errorf("get: %w", &pgconn.PgError{Code: "22P02"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("conn closed"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsMissing(tc.err); got != tc.want {
				t.Fatalf("IsMissing(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNewPoolRejectsEmptyURL(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}

func TestInSavepointKeepsOuterTxUsable(t *testing.T) {
	ctx := context.Background()
	tx := &txfake.Tx{}
	var applied []string

	failed := InSavepoint(ctx, tx, func(sp pgx.Tx) error {
		txfake.Stage(sp, func() { applied = append(applied, "first") })
		return errors.New("boom")
	})
	if failed == nil || failed.Error() != "boom" {
		t.Fatalf("expected fn error back, got %v", failed)
	}
	if err := InSavepoint(ctx, tx, func(sp pgx.Tx) error {
		txfake.Stage(sp, func() { applied = append(applied, "second") })
		return nil
	}); err != nil {
		t.Fatalf("second savepoint: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("nothing applies before the outer commit: %v", applied)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(applied) != 1 || applied[0] != "second" {
		t.Fatalf("only the released savepoint should apply, got %v", applied)
	}
}

func TestInSavepointOnClosedTx(t *testing.T) {
	ctx := context.Background()
	tx := &txfake.Tx{}
	_ = tx.Rollback(ctx)
	err := InSavepoint(ctx, tx, func(pgx.Tx) error {
		t.Fatal("fn must not run")
		return nil
	})
	if !errors.Is(err, pgx.ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed, got %v", err)
	}
}
