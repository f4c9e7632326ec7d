package drughistory

import "testing"

func regimen(id string, drugs ...ConceptID) *Regimen {
	return &Regimen{ID: id, Name: id, Line: LineFirst, Age: AgeAdult, Drugs: NewConceptSet(drugs...)}
}

func TestMatchRegimensSubset(t *testing.T) {
	regimens := []*Regimen{
		regimen("ab", 1, 2),
		regimen("ac", 1, 3),
		regimen("abc", 1, 2, 3),
		regimen("d", 4),
	}

	// snapshot holds drugs 1, 2 and 3
	matched := MatchRegimens(NewConceptSet(1, 2, 3), regimens)

	ids := map[string]bool{}
	for _, r := range matched {
		ids[r.ID] = true
	}
	if len(matched) != 3 || !ids["ab"] || !ids["ac"] || !ids["abc"] {
		t.Fatalf("expected ab, ac, abc; got %v", ids)
	}
}

func TestMatchRegimensExcludesPartialOverlap(t *testing.T) {
	regimens := []*Regimen{regimen("ab", 1, 2)}

	// drug 2 is missing, so overlap on drug 1 alone is not a match
	matched := MatchRegimens(NewConceptSet(1, 3), regimens)
	if len(matched) != 0 {
		t.Fatalf("expected no match, got %d", len(matched))
	}
}

func TestMatchRegimensSkipsRetired(t *testing.T) {
	retired := regimen("ab", 1, 2)
	retired.Retired = true

	matched := MatchRegimens(NewConceptSet(1, 2), []*Regimen{retired})
	if len(matched) != 0 {
		t.Fatalf("retired regimen matched: %v", matched)
	}
}

func TestMatchRegimensEmptySnapshot(t *testing.T) {
	regimens := []*Regimen{regimen("ab", 1, 2)}

	if matched := MatchRegimens(NewConceptSet(), regimens); len(matched) != 0 {
		t.Fatalf("empty drug set matched %d regimens", len(matched))
	}
}
