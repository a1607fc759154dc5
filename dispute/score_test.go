package dispute

import (
	"testing"

	"skillbarter/agreement"
)

// inputsFromBits spreads the six scoring flags over the low bits of b.
func inputsFromBits(b int) Inputs {
	bit := func(i int) bool { return b&(1<<i) != 0 }
	return Inputs{
		Complainer: agreement.Facts{Delivered: bit(0), OnTime: bit(1), ApprovedBeforeDispute: bit(2)},
		Respondent: agreement.Facts{Delivered: bit(3), OnTime: bit(4), ApprovedBeforeDispute: bit(5)},
	}
}

func TestScoreExamples(t *testing.T) {
	cases := []struct {
		name    string
		in      Inputs
		want    int
		verdict Verdict
	}{
		{
			name: "respondent late, nothing approved",
			in: Inputs{
				Complainer: agreement.Facts{Delivered: true, OnTime: true},
				Respondent: agreement.Facts{Delivered: true, OnTime: false},
			},
			want:    60,
			verdict: VerdictEscalate,
		},
		{
			name: "both delivered on time, nothing approved",
			in: Inputs{
				Complainer: agreement.Facts{Delivered: true, OnTime: true},
				Respondent: agreement.Facts{Delivered: true, OnTime: true},
			},
			want:    50,
			verdict: VerdictEscalate,
		},
		{
			name: "silent respondent against a delivering complainer",
			in: Inputs{
				Complainer: agreement.Facts{Delivered: true, OnTime: true},
				Respondent: agreement.Facts{Delivered: true, OnTime: true, ApprovedBeforeDispute: true},
			}.silent(),
			want:    80,
			verdict: VerdictFavorsComplainer,
		},
		{
			name: "complainer already approved the work and did nothing",
			in: Inputs{
				Complainer: agreement.Facts{},
				Respondent: agreement.Facts{Delivered: true, OnTime: true, ApprovedBeforeDispute: true},
			},
			want:    0,
			verdict: VerdictFavorsRespondent,
		},
		{
			name: "respondent did nothing, complainer fully approved",
			in: Inputs{
				Complainer: agreement.Facts{Delivered: true, OnTime: true, ApprovedBeforeDispute: true},
				Respondent: agreement.Facts{},
			},
			want:    100,
			verdict: VerdictFavorsComplainer,
		},
	}
	for _, tc := range cases {
		got := Score(tc.in)
		if got != tc.want {
			t.Fatalf("%s: expected score %d, got %d", tc.name, tc.want, got)
		}
		if v := DefaultThresholds.Decide(got); v != tc.verdict {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.verdict, v)
		}
	}
}

func TestScoreStaysInRange(t *testing.T) {
	for b := 0; b < 64; b++ {
		s := Score(inputsFromBits(b))
		if s < 0 || s > 100 {
			t.Fatalf("inputs %06b: score %d out of range", b, s)
		}
	}
}

func TestScoreIsMonotonic(t *testing.T) {
	// Bits 0-2 are the complainer's own signals and bits 3-5 the respondent's.
	// A party performing better can only move the score in its own favor.
	for b := 0; b < 64; b++ {
		base := Score(inputsFromBits(b))
		for i := 0; i < 6; i++ {
			if b&(1<<i) != 0 {
				continue
			}
			flipped := Score(inputsFromBits(b | 1<<i))
			if i < 3 && flipped < base {
				t.Fatalf("inputs %06b: complainer bit %d lowered the score %d -> %d", b, i, base, flipped)
			}
			if i >= 3 && flipped > base {
				t.Fatalf("inputs %06b: respondent bit %d raised the score %d -> %d", b, i, base, flipped)
			}
		}
	}
}

func TestScoreIsSymmetric(t *testing.T) {
	for b := 0; b < 64; b++ {
		in := inputsFromBits(b)
		if got, want := Score(in.Mirror()), 100-Score(in); got != want {
			t.Fatalf("inputs %06b: mirrored score %d, want %d", b, got, want)
		}
		if in.Mirror().Mirror() != in {
			t.Fatalf("inputs %06b: mirror is not an involution", b)
		}
	}
}

func TestDecideIsTotal(t *testing.T) {
	counts := map[Verdict]int{}
	for s := 0; s <= 100; s++ {
		counts[DefaultThresholds.Decide(s)]++
	}
	if counts[VerdictFavorsRespondent] != 31 || counts[VerdictEscalate] != 39 || counts[VerdictFavorsComplainer] != 31 {
		t.Fatalf("unexpected partition: %v", counts)
	}

	boundaries := map[int]Verdict{
		29: VerdictFavorsRespondent,
		30: VerdictFavorsRespondent,
		31: VerdictEscalate,
		69: VerdictEscalate,
		70: VerdictFavorsComplainer,
		71: VerdictFavorsComplainer,
	}
	for score, want := range boundaries {
		if got := DefaultThresholds.Decide(score); got != want {
			t.Fatalf("score %d: expected %s, got %s", score, want, got)
		}
	}
}

func TestDecideCustomThresholds(t *testing.T) {
	th := Thresholds{FavorRespondentAt: 10, FavorComplainerAt: 90}
	if th.Decide(80) != VerdictEscalate || th.Decide(90) != VerdictFavorsComplainer || th.Decide(10) != VerdictFavorsRespondent {
		t.Fatal("custom thresholds not honored")
	}
}
