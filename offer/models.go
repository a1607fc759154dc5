package offer

import "time"

// Status of an offer as published by the catalog.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

// Offer is the read-only view of a published skill offer. Proposals reference
// it; the catalog owns it.
type Offer struct {
	ID        string
	OwnerID   string
	Title     string
	Status    Status
	CreatedAt time.Time
}

// Active reports whether the offer accepts new proposals.
func (o Offer) Active() bool { return o.Status == StatusActive }
