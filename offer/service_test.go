package offer

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"skillbarter/test/txfake"
)

type fakeReader struct {
	offers map[string]Offer
}

func (f *fakeReader) GetByID(_ context.Context, id string) (Offer, error) {
	o, ok := f.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (f *fakeReader) ListByOwner(_ context.Context, ownerID string, limit int) ([]Offer, error) {
	var out []Offer
	for _, o := range f.offers {
		if o.OwnerID == ownerID && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func TestGetActiveOffer(t *testing.T) {
	svc := NewService(&fakeReader{offers: map[string]Offer{
		"o1": {ID: "o1", OwnerID: "u1", Status: StatusActive},
		"o2": {ID: "o2", OwnerID: "u1", Status: StatusPaused},
		"o3": {ID: "o3", OwnerID: "u2", Status: StatusClosed},
	}})
	ctx := context.Background()

	cases := []struct {
		id     string
		active bool
		err    error
	}{
		{"o1", true, nil},
		{"o2", false, nil},
		{"o3", false, nil},
		{"missing", false, ErrNotFound},
	}
	for _, tc := range cases {
		_, active, err := svc.GetActiveOffer(ctx, tc.id)
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: expected err %v got %v", tc.id, tc.err, err)
		}
		if active != tc.active {
			t.Fatalf("%s: expected active=%v", tc.id, tc.active)
		}
	}

	owned, err := svc.ListByOwner(ctx, "u1", 10)
	if err != nil || len(owned) != 2 {
		t.Fatalf("expected two offers for u1, got %d (%v)", len(owned), err)
	}
}

func TestLockForProposalMapsMalformedID(t *testing.T) {
	tx := &txfake.Tx{QueryErr: &pgconn.PgError{Code: "22P02"}}
	if _, err := NewRepository(nil).LockForProposal(context.Background(), tx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
