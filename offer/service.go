package offer

import "context"

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Offer, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Offer, error)
}

// Service exposes offer lookups to the transport layer.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetActiveOffer returns the offer when it exists and accepts proposals.
// The second result is false for paused or closed offers.
func (s *Service) GetActiveOffer(ctx context.Context, id string) (Offer, bool, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Offer{}, false, err
	}
	return o, o.Active(), nil
}

// ListByOwner returns up to limit offers published by ownerID.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Offer, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit)
}
