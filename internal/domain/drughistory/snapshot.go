package drughistory

import "time"

// DrugSnapshot is the materialized set of drugs considered active for a
// person as of DateTaken. Snapshots are entirely derived and can be
// regenerated from the event store at any time.
type DrugSnapshot struct {
	ID          string
	PersonID    PersonID
	EncounterID EncounterID // inherited from the last contributing event
	DateTaken   time.Time
	Concepts    ConceptSet
}

// Clone returns a copy with an independent concept set, so the returned
// snapshot can be kept while the running set continues to mutate.
func (s *DrugSnapshot) Clone() *DrugSnapshot {
	return &DrugSnapshot{
		ID:          s.ID,
		PersonID:    s.PersonID,
		EncounterID: s.EncounterID,
		DateTaken:   s.DateTaken,
		Concepts:    s.Concepts.Clone(),
	}
}
