package proposal

import "skillbarter/fault"

var (
	ErrNotFound = fault.NotFound("proposal: not found")

	ErrInvalidOffer    = fault.Validation("proposal: offer is not active")
	ErrInvalidDeadline = fault.Validation("proposal: deadline must be in the future")
	ErrMissingFields   = fault.Validation("proposal: required fields missing")
	ErrInvalidAction   = fault.Validation("proposal: unknown action")

	ErrSelfProposal = fault.Authorization("proposal: cannot propose on your own offer")
	ErrNotYourTurn  = fault.Authorization("proposal: not your turn to respond")
	ErrNotProposer  = fault.Authorization("proposal: only the proposer may withdraw")

	ErrDuplicatePending = fault.Conflict("proposal: an open proposal already exists for this offer")
	ErrNotPending       = fault.Conflict("proposal: proposal is no longer pending")
	ErrNotDue           = fault.Conflict("proposal: deadline has not passed")
)
