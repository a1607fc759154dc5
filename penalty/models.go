package penalty

import "time"

// Penalty is recorded against the losing party of a resolved dispute.
type Penalty struct {
	ID          string
	UserID      string
	AgreementID string
	DisputeID   string
	Reason      string
	CreatedAt   time.Time
}

// Params describes a penalty to create.
type Params struct {
	UserID      string
	AgreementID string
	DisputeID   string
	Reason      string
	At          time.Time
}
