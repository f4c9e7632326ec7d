package drughistory

import (
	"context"
	"time"
)

// Observation is a single recorded clinical fact: a question concept with an
// optional coded answer, tied to a person, encounter and timestamp. Voided
// observations are excluded at the source.
type Observation struct {
	PersonID    PersonID
	EncounterID EncounterID
	ConceptID   ConceptID // the question
	ValueCoded  ConceptID // zero when the answer is not coded
	ObsDatetime time.Time
}

// ObservationFilter narrows an observation query.
type ObservationFilter struct {
	Questions ConceptSet
	Answers   ConceptSet // empty = unrestricted
	PersonID  PersonID   // zero = all persons
	Since     *time.Time
}

// ObservationSource supplies observation records from the record system.
// The source never gets mutated by this package.
type ObservationSource interface {
	QueryObservations(ctx context.Context, f ObservationFilter) ([]Observation, error)
	// ExecCustomQuery runs a custom-query trigger verbatim. The query itself
	// produces and persists events; the returned count is rows affected.
	ExecCustomQuery(ctx context.Context, query string) (int64, error)
}

// EventFilter narrows a drug event query.
type EventFilter struct {
	PersonID PersonID // zero = all persons
	Since    *time.Time
}

// EventStore is the durable record of generated drug events.
type EventStore interface {
	// SaveDrugEvents appends events in bounded batches of batchSize rows and
	// returns the number actually inserted (duplicates are dropped).
	SaveDrugEvents(ctx context.Context, events []*DrugEvent, batchSize int) (int, error)
	// GetDrugEvents returns matching events ordered by date occurred, then by
	// insertion sequence.
	GetDrugEvents(ctx context.Context, f EventFilter) ([]*DrugEvent, error)
	// ListEventPersons returns the distinct persons having events since the
	// given date, for sharding reduction work.
	ListEventPersons(ctx context.Context, since *time.Time) ([]PersonID, error)
	// PurgeDrugEvents deletes events for a person, or all events when person
	// is zero, and returns the number removed.
	PurgeDrugEvents(ctx context.Context, person PersonID) (int64, error)
}

// SnapshotFilter narrows a snapshot query.
type SnapshotFilter struct {
	PersonID PersonID  // zero = all persons
	Drug     ConceptID // zero = any drug; otherwise only snapshots containing it
}

// SnapshotStore holds derived snapshots.
type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snapshots []*DrugSnapshot) error
	// DeleteSnapshots discards snapshots for the person (zero = everyone)
	// taken at or after since (nil = all time), ahead of regeneration.
	DeleteSnapshots(ctx context.Context, person PersonID, since *time.Time) (int64, error)
	GetSnapshots(ctx context.Context, f SnapshotFilter) ([]*DrugSnapshot, error)
}

// TriggerStore manages trigger definitions.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, t Trigger) error
	GetAllTriggers(ctx context.Context, includeRetired bool) ([]Trigger, error)
	RetireTrigger(ctx context.Context, id, reason string) error
	PurgeTrigger(ctx context.Context, id string) error
}

// RegimenStore manages regimen templates.
type RegimenStore interface {
	SaveRegimen(ctx context.Context, r *Regimen) error
	GetRegimen(ctx context.Context, id string) (*Regimen, error)
	GetAllRegimens(ctx context.Context, includeRetired bool) ([]*Regimen, error)
	RetireRegimen(ctx context.Context, id, retiredBy, reason string) error
	UnretireRegimen(ctx context.Context, id string) error
	PurgeRegimen(ctx context.Context, id string) error
}
