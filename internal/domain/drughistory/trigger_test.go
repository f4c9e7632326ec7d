package drughistory

import (
	"errors"
	"testing"
)

func TestStructuralTriggerValidate(t *testing.T) {
	valid := &StructuralTrigger{
		Name:      "ok",
		Questions: NewConceptSet(1),
		EventType: EventStart,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid trigger rejected: %v", err)
	}

	noQuestions := &StructuralTrigger{Name: "nq", Questions: NewConceptSet(), EventType: EventStart}
	if err := noQuestions.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("no questions: expected ErrInvalidArgument, got %v", err)
	}

	noType := &StructuralTrigger{Name: "nt", Questions: NewConceptSet(1)}
	if err := noType.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("no event type: expected ErrInvalidArgument, got %v", err)
	}

	badType := &StructuralTrigger{Name: "bt", Questions: NewConceptSet(1), EventType: "RESUME"}
	if err := badType.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad event type: expected ErrInvalidArgument, got %v", err)
	}
}

func TestCustomQueryTriggerValidate(t *testing.T) {
	valid := &CustomQueryTrigger{Name: "ok", Query: "SELECT 1"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid trigger rejected: %v", err)
	}

	empty := &CustomQueryTrigger{Name: "empty"}
	if err := empty.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty query: expected ErrInvalidArgument, got %v", err)
	}
}
