// Package drughistory implements derivation of a person's drug-treatment
// history: trigger evaluation over clinical observations, reduction of the
// resulting drug events into point-in-time snapshots, and regimen matching.
package drughistory

import (
	"fmt"
	"sort"
	"time"
)

// PersonID identifies a person in the encompassing record system.
type PersonID int64

// ConceptID identifies a coded concept (a drug, a question, an answer).
type ConceptID int64

// EncounterID identifies a clinical encounter. Zero means no encounter.
type EncounterID int64

// EventType classifies a drug event.
type EventType string

const (
	EventStart    EventType = "START"
	EventStop     EventType = "STOP"
	EventContinue EventType = "CONTINUE"
	EventConfirm  EventType = "CONFIRM"
	EventDeny     EventType = "DENY"
	EventFilled   EventType = "FILLED"
)

// ParseEventType converts a stored string into an EventType.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventStart, EventStop, EventContinue, EventConfirm, EventDeny, EventFilled:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, s)
}

// DrugEvent is an immutable fact about a person's relationship to a drug
// concept at a point in time. Events are only ever appended, never mutated.
type DrugEvent struct {
	ID           string
	PersonID     PersonID
	EncounterID  EncounterID // zero when the source observation had no encounter
	ConceptID    ConceptID   // the drug
	ReasonID     ConceptID   // zero when no reason was recorded
	DateOccurred time.Time
	Type         EventType
	DedupeKey    string
	Seq          int64 // insertion sequence, assigned by the store
}

// ConceptSet is a set of concept identifiers.
type ConceptSet map[ConceptID]struct{}

// NewConceptSet builds a set from the given identifiers.
func NewConceptSet(ids ...ConceptID) ConceptSet {
	s := make(ConceptSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts a concept into the set.
func (s ConceptSet) Add(id ConceptID) { s[id] = struct{}{} }

// Remove deletes a concept from the set. Removing an absent member is a no-op.
func (s ConceptSet) Remove(id ConceptID) { delete(s, id) }

// Contains reports whether the concept is in the set.
func (s ConceptSet) Contains(id ConceptID) bool {
	_, ok := s[id]
	return ok
}

// ContainsAll reports whether every member of other is also in s.
func (s ConceptSet) ContainsAll(other ConceptSet) bool {
	for id := range other {
		if !s.Contains(id) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold exactly the same members.
func (s ConceptSet) Equal(other ConceptSet) bool {
	return len(s) == len(other) && s.ContainsAll(other)
}

// Clone returns an independent copy of the set.
func (s ConceptSet) Clone() ConceptSet {
	c := make(ConceptSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Len returns the number of members.
func (s ConceptSet) Len() int { return len(s) }

// IDs returns the members in ascending order.
func (s ConceptSet) IDs() []ConceptID {
	ids := make([]ConceptID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
