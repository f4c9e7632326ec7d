package drughistory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func event(person PersonID, concept ConceptID, day int, typ EventType, seq int64) *DrugEvent {
	return &DrugEvent{
		ID:           "ev",
		PersonID:     person,
		EncounterID:  EncounterID(day),
		ConceptID:    concept,
		DateOccurred: date(day),
		Type:         typ,
		Seq:          seq,
	}
}

func TestReduceFoldsEventsIntoSnapshots(t *testing.T) {
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStart, 1),
		event(1, 12, 2, EventStart, 2),
		event(1, 11, 3, EventStop, 3),
	}}
	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	count, err := r.Reduce(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 snapshots, got %d", count)
	}

	got, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})
	want := []ConceptSet{
		NewConceptSet(11),
		NewConceptSet(11, 12),
		NewConceptSet(12),
	}
	for i, s := range got {
		if !s.Concepts.Equal(want[i]) {
			t.Errorf("snapshot %d: expected %v, got %v", i, want[i].IDs(), s.Concepts.IDs())
		}
		if !s.DateTaken.Equal(date(i + 1)) {
			t.Errorf("snapshot %d: wrong date %s", i, s.DateTaken)
		}
	}
}

func TestReduceStopWithoutStartIsNoOp(t *testing.T) {
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStart, 1),
		event(1, 99, 2, EventStop, 2), // 99 was never started
	}}
	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	if _, err := r.Reduce(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}

	got, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
	if !got[1].Concepts.Equal(NewConceptSet(11)) {
		t.Errorf("stop of absent drug changed the set: %v", got[1].Concepts.IDs())
	}
}

func TestReduceConfirmDenyFilledLeaveSetUntouched(t *testing.T) {
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStart, 1),
		event(1, 11, 2, EventConfirm, 2),
		event(1, 22, 3, EventDeny, 3),
		event(1, 11, 4, EventFilled, 4),
	}}
	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	if _, err := r.Reduce(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}

	got, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})
	if len(got) != 4 {
		t.Fatalf("expected 4 snapshots, got %d", len(got))
	}
	for i, s := range got {
		if !s.Concepts.Equal(NewConceptSet(11)) {
			t.Errorf("snapshot %d: expected {11}, got %v", i, s.Concepts.IDs())
		}
	}
}

func TestReduceBucketsSameDayEvents(t *testing.T) {
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStart, 1),
		event(1, 22, 1, EventStart, 2), // same day
	}}
	// distinguish encounters within the bucket
	events.events[0].EncounterID = 10
	events.events[1].EncounterID = 20

	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	count, err := r.Reduce(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 snapshot for 1 date, got %d", count)
	}

	got, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})
	if !got[0].Concepts.Equal(NewConceptSet(11, 22)) {
		t.Errorf("expected both drugs, got %v", got[0].Concepts.IDs())
	}
	// encounter comes from the last event in the bucket
	if got[0].EncounterID != 20 {
		t.Errorf("expected encounter 20, got %d", got[0].EncounterID)
	}
}

func TestReduceSameDayTieBreaksBySeq(t *testing.T) {
	// STOP inserted after START on the same day: the stop wins
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStop, 2),
		event(1, 11, 1, EventStart, 1),
	}}
	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	if _, err := r.Reduce(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}

	got, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})
	if len(got) != 1 || got[0].Concepts.Len() != 0 {
		t.Fatalf("expected empty final set, got %+v", got)
	}
}

func TestReduceIsIdempotent(t *testing.T) {
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStart, 1),
		event(1, 22, 2, EventStart, 2),
	}}
	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	if _, err := r.Reduce(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}
	first, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})

	if _, err := r.Reduce(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}
	second, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 1})

	if len(first) != len(second) {
		t.Fatalf("re-run changed snapshot count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Concepts.Equal(second[i].Concepts) || !first[i].DateTaken.Equal(second[i].DateTaken) {
			t.Errorf("snapshot %d differs after re-run", i)
		}
	}
	if snaps.deletes != 2 {
		t.Errorf("expected a discard per run, got %d", snaps.deletes)
	}
}

func TestReduceAllPersons(t *testing.T) {
	events := &fakeEventStore{events: []*DrugEvent{
		event(1, 11, 1, EventStart, 1),
		event(2, 22, 1, EventStart, 2),
		event(2, 33, 2, EventStart, 3),
	}}
	snaps := &fakeSnapshotStore{}
	r := NewReducer(events, snaps, nil)

	count, err := r.Reduce(context.Background(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected 3 snapshots across persons, got %d", count)
	}

	p2, _ := snaps.GetSnapshots(context.Background(), SnapshotFilter{PersonID: 2})
	if len(p2) != 2 {
		t.Fatalf("expected 2 snapshots for person 2, got %d", len(p2))
	}
	// person 1's events must not leak into person 2's fold
	if !p2[0].Concepts.Equal(NewConceptSet(22)) {
		t.Errorf("cross-person leak: %v", p2[0].Concepts.IDs())
	}
}

func TestReduceRejectsFutureSince(t *testing.T) {
	r := NewReducer(&fakeEventStore{}, &fakeSnapshotStore{}, nil)
	future := time.Now().Add(time.Hour)

	if _, err := r.Reduce(context.Background(), 0, &future); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestReducePersonRequiresPerson(t *testing.T) {
	r := NewReducer(&fakeEventStore{}, &fakeSnapshotStore{}, nil)

	if _, err := r.ReducePerson(context.Background(), 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestReduceNoEventsWritesNothing(t *testing.T) {
	snaps := &fakeSnapshotStore{}
	r := NewReducer(&fakeEventStore{}, snaps, nil)

	count, err := r.Reduce(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 || snaps.deletes != 0 {
		t.Fatalf("expected untouched stores, got count=%d deletes=%d", count, snaps.deletes)
	}
}
