package drughistory

import "time"

// Regimen line and age classifiers.
const (
	LineFirst  = "FIRST"
	LineSecond = "SECOND"
	AgeAdult   = "ADULT"
	AgePeds    = "PEDS"
)

// Regimen is a named template drug set used to classify a snapshot.
type Regimen struct {
	ID          string
	Name        string
	Description string
	Line        string // FIRST or SECOND
	Age         string // ADULT or PEDS
	Drugs       ConceptSet

	Retired      bool
	RetiredBy    string
	DateRetired  *time.Time
	RetireReason string
}

// MatchRegimens returns every non-retired regimen whose full drug set is
// contained in the given set: the regimen "fits inside" the observed drugs.
// A regimen with any drug absent from the set is excluded. All fitting
// regimens are returned; ranking among them is the caller's concern.
func MatchRegimens(drugs ConceptSet, regimens []*Regimen) []*Regimen {
	matched := make([]*Regimen, 0)
	for _, r := range regimens {
		if r.Retired {
			continue
		}
		if drugs.ContainsAll(r.Drugs) {
			matched = append(matched, r)
		}
	}
	return matched
}
