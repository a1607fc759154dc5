package txfake

import (
	"context"
	"errors"
	"testing"
)

func TestCommitAppliesStagedWrites(t *testing.T) {
	pool := &Pool{}
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var applied []int
	Stage(tx, func() { applied = append(applied, 1) })
	Stage(tx, func() { applied = append(applied, 2) })

	if len(applied) != 0 {
		t.Fatal("writes must not apply before commit")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("unexpected apply order: %v", applied)
	}
	if err := tx.Rollback(ctx); err == nil {
		t.Fatal("rollback after commit should report a closed tx")
	}
	if pool.Last().RolledBack() {
		t.Fatal("a committed tx is not rolled back")
	}
}

func TestRollbackDiscards(t *testing.T) {
	pool := &Pool{}
	ctx := context.Background()
	tx, _ := pool.Begin(ctx)

	applied := false
	Stage(tx, func() { applied = true })
	_ = tx.Rollback(ctx)

	if err := tx.Commit(ctx); err == nil {
		t.Fatal("commit after rollback should fail")
	}
	if applied {
		t.Fatal("rolled back writes must not apply")
	}
}

func TestSavepointReleasesIntoParent(t *testing.T) {
	ctx := context.Background()
	parent := &Tx{}

	kept, dropped := false, false
	sp, err := parent.Begin(ctx)
	if err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	Stage(sp, func() { kept = true })
	_ = sp.Commit(ctx)

	sp2, _ := parent.Begin(ctx)
	Stage(sp2, func() { dropped = true })
	_ = sp2.Rollback(ctx)

	if kept {
		t.Fatal("savepoint writes wait for the outer commit")
	}
	_ = parent.Commit(ctx)
	if !kept || dropped {
		t.Fatalf("kept=%v dropped=%v", kept, dropped)
	}
}

func TestCommitErr(t *testing.T) {
	tx := &Tx{CommitErr: errors.New("serialization failure")}
	applied := false
	Stage(tx, func() { applied = true })

	if err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected commit error")
	}
	if applied {
		t.Fatal("failed commit must not apply writes")
	}
}

func TestQueryErrReachesSavepoints(t *testing.T) {
	boom := errors.New("invalid input syntax")
	pool := &Pool{QueryErr: boom}
	ctx := context.Background()

	tx, _ := pool.Begin(ctx)
	sp, err := tx.Begin(ctx)
	if err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	var id string
	if err := sp.QueryRow(ctx, `SELECT 1`).Scan(&id); !errors.Is(err, boom) {
		t.Fatalf("expected configured error from savepoint row, got %v", err)
	}
	plain, _ := (&Pool{}).Begin(ctx)
	if err := plain.QueryRow(ctx, `SELECT 1`).Scan(&id); err == nil || errors.Is(err, boom) {
		t.Fatalf("unconfigured tx should refuse raw SQL, got %v", err)
	}
}
