package agreement

import "time"

// computeFacts derives the delivery signals for partyID from the agreement's
// milestones and deliverables as they stood at asOf. Approvals and
// submissions after asOf are ignored.
func computeFacts(a Agreement, milestones []Milestone, deliverables []Deliverable, partyID string, asOf time.Time) Facts {
	byMilestone := make(map[string]Deliverable, len(deliverables))
	var own []Deliverable
	for _, d := range deliverables {
		if d.SubmitterID != partyID || d.SubmittedAt.After(asOf) {
			continue
		}
		own = append(own, d)
		if d.MilestoneID != nil {
			byMilestone[*d.MilestoneID] = d
		}
	}

	approvedAt := func(d Deliverable) bool {
		return d.Status == DeliverableApproved && d.ApprovedAt != nil && !d.ApprovedAt.After(asOf)
	}

	facts := Facts{Delivered: true, OnTime: true}

	responsible := 0
	for _, m := range milestones {
		if m.ResponsibleID != partyID {
			continue
		}
		responsible++
		d, ok := byMilestone[m.ID]
		if !ok || !approvedAt(d) {
			facts.Delivered = false
		}
		switch {
		case ok && d.SubmittedAt.After(m.DueAt):
			facts.OnTime = false
		case !ok && asOf.After(m.DueAt):
			facts.OnTime = false
		}
	}

	counterParty, _ := a.CounterParty(partyID)
	anyApproved := false
	for _, d := range own {
		if !approvedAt(d) {
			continue
		}
		anyApproved = true
		if d.ApprovedBy != nil && *d.ApprovedBy == counterParty {
			facts.ApprovedBeforeDispute = true
		}
	}

	if responsible == 0 {
		facts.Delivered = anyApproved
	}
	return facts
}

// allMilestonesDone reports whether the agreement has nothing left to deliver.
// Without milestones both parties must have an approved deliverable.
func allMilestonesDone(a Agreement, milestones []Milestone, deliverables []Deliverable) bool {
	if len(milestones) == 0 {
		approved := map[string]bool{}
		for _, d := range deliverables {
			if d.Status == DeliverableApproved {
				approved[d.SubmitterID] = true
			}
		}
		return approved[a.RequesterID] && approved[a.ProviderID]
	}
	for _, m := range milestones {
		if m.Status != MilestoneCompleted {
			return false
		}
	}
	return true
}
