package dispute

import "skillbarter/fault"

var (
	ErrNotFound = fault.NotFound("dispute: not found")

	ErrMissingFields  = fault.Validation("dispute: missing required fields")
	ErrInvalidReason  = fault.Validation("dispute: unknown reason code")
	ErrInvalidOutcome = fault.Validation("dispute: outcome must be favors_complainer, favors_respondent or mutual_agreement")

	ErrNotAParty     = fault.Authorization("dispute: actor is not a party to the agreement")
	ErrNotRespondent = fault.Authorization("dispute: only the respondent can respond")
	ErrNotComplainer = fault.Authorization("dispute: only the complainer can abandon")
	ErrNotAModerator = fault.Authorization("dispute: moderator capability required")

	ErrNoActiveAgreement   = fault.Conflict("dispute: agreement is not in progress")
	ErrDisputeAlreadyOpen  = fault.Conflict("dispute: agreement already has an active dispute")
	ErrNotAwaitingResponse = fault.Conflict("dispute: not awaiting a response")
	ErrDisputeClosed       = fault.Conflict("dispute: no longer accepts filings")
	ErrNotEscalated        = fault.Conflict("dispute: not escalated to a moderator")
)
