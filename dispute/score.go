package dispute

import "skillbarter/agreement"

// Neutral is the score of a dispute before any signal is applied.
const Neutral = 50

// Signal weights. A party's shortfall is added for the respondent and
// subtracted for the complainer, so the score stays inside [0, 100].
const (
	weightDelivered = 20
	weightOnTime    = 10
	weightApproved  = 10
)

// Inputs are the delivery facts both parties are scored on.
type Inputs struct {
	Complainer agreement.Facts
	Respondent agreement.Facts
}

// Mirror swaps the roles of the two parties. Score(in.Mirror()) is always
// 100 - Score(in).
func (in Inputs) Mirror() Inputs {
	return Inputs{Complainer: in.Respondent, Respondent: in.Complainer}
}

// silent counts every respondent signal against the respondent.
func (in Inputs) silent() Inputs {
	in.Respondent = agreement.Facts{}
	return in
}

// shortfall is how badly one party performed. Approval by the other side
// before the dispute counts in the party's favor.
func shortfall(f agreement.Facts) int {
	n := 0
	if !f.Delivered {
		n += weightDelivered
	}
	if !f.OnTime {
		n += weightOnTime
	}
	if f.ApprovedBeforeDispute {
		n -= weightApproved
	} else {
		n += weightApproved
	}
	return n
}

// Score computes the fairness score. Higher favors the complainer.
func Score(in Inputs) int {
	return clamp(Neutral+shortfall(in.Respondent)-shortfall(in.Complainer), 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Verdict is the automatic decision for a score.
type Verdict int

const (
	VerdictEscalate Verdict = iota
	VerdictFavorsComplainer
	VerdictFavorsRespondent
)

func (v Verdict) String() string {
	switch v {
	case VerdictFavorsComplainer:
		return "favors_complainer"
	case VerdictFavorsRespondent:
		return "favors_respondent"
	default:
		return "escalate"
	}
}

// Thresholds are the inclusive score bounds for automatic resolution.
type Thresholds struct {
	FavorRespondentAt int
	FavorComplainerAt int
}

// DefaultThresholds resolve at 30 and below or 70 and above.
var DefaultThresholds = Thresholds{FavorRespondentAt: 30, FavorComplainerAt: 70}

// Decide maps every score to exactly one verdict.
func (t Thresholds) Decide(score int) Verdict {
	switch {
	case score >= t.FavorComplainerAt:
		return VerdictFavorsComplainer
	case score <= t.FavorRespondentAt:
		return VerdictFavorsRespondent
	default:
		return VerdictEscalate
	}
}
