package drughistory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func date(day int) time.Time {
	return time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC)
}

func structuralTrigger() *StructuralTrigger {
	return &StructuralTrigger{
		ID:           "trig-1",
		Name:         "arv-started",
		Questions:    NewConceptSet(100),
		Answers:      NewConceptSet(200),
		EventConcept: 300,
		EventReason:  400,
		EventType:    EventStart,
	}
}

func TestEvaluateStructuralTrigger(t *testing.T) {
	obs := &fakeObservationSource{observations: []Observation{
		{PersonID: 1, EncounterID: 10, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(1)},
		{PersonID: 1, EncounterID: 11, ConceptID: 100, ValueCoded: 999, ObsDatetime: date(2)}, // wrong answer
		{PersonID: 2, EncounterID: 12, ConceptID: 555, ValueCoded: 200, ObsDatetime: date(3)}, // wrong question
		{PersonID: 2, EncounterID: 13, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(4)},
	}}
	store := &fakeEventStore{}
	ev := NewEvaluator(obs, store, nil)

	count, err := ev.EvaluateTrigger(context.Background(), structuralTrigger(), 0, nil)
	if err != nil {
		t.Fatalf("EvaluateTrigger: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 events, got %d", count)
	}

	events, _ := store.GetDrugEvents(context.Background(), EventFilter{})
	for _, e := range events {
		if e.ConceptID != 300 {
			t.Errorf("expected event concept 300, got %d", e.ConceptID)
		}
		if e.ReasonID != 400 {
			t.Errorf("expected reason 400, got %d", e.ReasonID)
		}
		if e.Type != EventStart {
			t.Errorf("expected START, got %s", e.Type)
		}
		if e.DedupeKey == "" {
			t.Error("expected a dedupe key")
		}
	}
	if events[0].EncounterID != 10 || events[1].EncounterID != 13 {
		t.Errorf("encounters not carried over: %d, %d", events[0].EncounterID, events[1].EncounterID)
	}
}

func TestEvaluateDefaultsEventConceptToQuestion(t *testing.T) {
	obs := &fakeObservationSource{observations: []Observation{
		{PersonID: 1, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(1)},
	}}
	store := &fakeEventStore{}
	ev := NewEvaluator(obs, store, nil)

	trig := structuralTrigger()
	trig.EventConcept = 0

	if _, err := ev.EvaluateTrigger(context.Background(), trig, 0, nil); err != nil {
		t.Fatalf("EvaluateTrigger: %v", err)
	}

	events, _ := store.GetDrugEvents(context.Background(), EventFilter{})
	if len(events) != 1 || events[0].ConceptID != 100 {
		t.Fatalf("expected matched question concept 100 to be recorded, got %+v", events)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	obs := &fakeObservationSource{observations: []Observation{
		{PersonID: 1, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(1)},
	}}
	store := &fakeEventStore{}
	ev := NewEvaluator(obs, store, nil)

	first, err := ev.EvaluateTrigger(context.Background(), structuralTrigger(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ev.EvaluateTrigger(context.Background(), structuralTrigger(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || second != 0 {
		t.Fatalf("expected 1 then 0 saved, got %d then %d", first, second)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(store.events))
	}
}

func TestEvaluatePersonAndSinceScope(t *testing.T) {
	obs := &fakeObservationSource{observations: []Observation{
		{PersonID: 1, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(1)},
		{PersonID: 1, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(5)},
		{PersonID: 2, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(6)},
	}}
	store := &fakeEventStore{}
	ev := NewEvaluator(obs, store, nil)

	since := date(3)
	count, err := ev.EvaluateTrigger(context.Background(), structuralTrigger(), 1, &since)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected only person 1 after day 3, got %d events", count)
	}
}

func TestEvaluateRejectsFutureSince(t *testing.T) {
	ev := NewEvaluator(&fakeObservationSource{}, &fakeEventStore{}, nil)
	future := time.Now().Add(24 * time.Hour)

	_, err := ev.EvaluateTrigger(context.Background(), structuralTrigger(), 0, &future)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestEvaluateRejectsNilAndInvalidTriggers(t *testing.T) {
	ev := NewEvaluator(&fakeObservationSource{}, &fakeEventStore{}, nil)

	if _, err := ev.EvaluateTrigger(context.Background(), nil, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil trigger: expected ErrInvalidArgument, got %v", err)
	}

	trig := structuralTrigger()
	trig.Questions = NewConceptSet()
	if _, err := ev.EvaluateTrigger(context.Background(), trig, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty questions: expected ErrInvalidArgument, got %v", err)
	}
}

func TestEvaluateCustomQueryTrigger(t *testing.T) {
	obs := &fakeObservationSource{customRows: 7}
	ev := NewEvaluator(obs, &fakeEventStore{}, nil)

	trig := &CustomQueryTrigger{ID: "cq-1", Name: "legacy-import", Query: "INSERT INTO drug_event SELECT ..."}
	count, err := ev.EvaluateTrigger(context.Background(), trig, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 7 {
		t.Fatalf("expected 7 rows, got %d", count)
	}
	if len(obs.customRan) != 1 || obs.customRan[0] != trig.Query {
		t.Fatalf("custom query not executed verbatim: %v", obs.customRan)
	}
}

func TestEvaluateAll(t *testing.T) {
	obs := &fakeObservationSource{
		observations: []Observation{
			{PersonID: 1, ConceptID: 100, ValueCoded: 200, ObsDatetime: date(1)},
		},
		customRows: 3,
	}
	store := &fakeEventStore{}
	ev := NewEvaluator(obs, store, nil)

	triggers := []Trigger{
		structuralTrigger(),
		&CustomQueryTrigger{ID: "cq-1", Name: "legacy", Query: "SELECT 1"},
	}
	total, err := ev.EvaluateAll(context.Background(), triggers, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("expected 4 total, got %d", total)
	}
}
