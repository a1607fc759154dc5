package agreement

import "skillbarter/fault"

var (
	// ErrAgreementNotFound is returned when no agreement row exists for the provided identifier.
	ErrAgreementNotFound = fault.NotFound("agreement: not found")
	// ErrDeliverableNotFound is returned for an unknown deliverable.
	ErrDeliverableNotFound = fault.NotFound("agreement: deliverable not found")
	// ErrMilestoneNotFound is returned when a submission names a milestone of another agreement.
	ErrMilestoneNotFound = fault.NotFound("agreement: milestone not found")

	ErrAgreementNotActive      = fault.Conflict("agreement: agreement is not in progress")
	ErrDuplicateSubmission     = fault.Conflict("agreement: deliverable already submitted")
	ErrInvalidDeliverableState = fault.Conflict("agreement: deliverable is not in a reviewable state")

	ErrNotAParty       = fault.Authorization("agreement: actor is not a party")
	ErrNotResponsible  = fault.Authorization("agreement: actor is not responsible for the milestone")
	ErrNotCounterParty = fault.Authorization("agreement: only the counter-party may review")
	ErrNotSubmitter    = fault.Authorization("agreement: only the original submitter may resubmit")

	ErrMissingFields    = fault.Validation("agreement: required fields missing")
	ErrInvalidMilestone = fault.Validation("agreement: invalid milestone")
)
