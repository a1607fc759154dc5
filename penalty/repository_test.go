package penalty

import (
	"context"
	"errors"
	"testing"

	"skillbarter/test/txfake"
)

func TestCreatePenaltyValidates(t *testing.T) {
	repo := NewRepository()
	cases := []Params{
		{AgreementID: "a1", DisputeID: "d1"},
		{UserID: "u1", DisputeID: "d1"},
		{UserID: "u1", AgreementID: "a1", DisputeID: "  "},
	}
	for i, p := range cases {
		if _, err := repo.CreatePenalty(context.Background(), &txfake.Tx{}, p); !errors.Is(err, ErrMissingFields) {
			t.Fatalf("case %d: expected ErrMissingFields, got %v", i, err)
		}
	}
}

func TestCreatePenaltyWrapsStoreErrors(t *testing.T) {
	repo := NewRepository().WithIDGenerator(func() string { return "p1" })
	_, err := repo.CreatePenalty(context.Background(), &txfake.Tx{}, Params{UserID: "u1", AgreementID: "a1", DisputeID: "d1"})
	if err == nil || errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected a wrapped store error, got %v", err)
	}
}
