package drughistory

import (
	"fmt"
	"time"
)

// Trigger is a rule mapping matching observations to drug events. It is a
// tagged variant: StructuralTrigger matches on question/answer concepts,
// CustomQueryTrigger runs a raw query that produces events itself.
type Trigger interface {
	TriggerID() string
	TriggerName() string
	// Validate reports whether the trigger is complete enough to evaluate.
	Validate() error
}

// StructuralTrigger matches observations whose question concept is in
// Questions and, when Answers is non-empty, whose coded answer is in Answers.
type StructuralTrigger struct {
	ID           string
	Name         string
	Questions    ConceptSet
	Answers      ConceptSet // empty = any coded answer
	EventConcept ConceptID  // zero = record the matched question concept
	EventReason  ConceptID
	EventType    EventType
	Retired      bool
	RetireReason string
	DateRetired  *time.Time
}

func (t *StructuralTrigger) TriggerID() string   { return t.ID }
func (t *StructuralTrigger) TriggerName() string { return t.Name }

func (t *StructuralTrigger) Validate() error {
	if t.Questions.Len() == 0 {
		return fmt.Errorf("%w: trigger %q has no question concepts", ErrInvalidArgument, t.Name)
	}
	if t.EventType == "" {
		return fmt.Errorf("%w: trigger %q has no event type", ErrInvalidArgument, t.Name)
	}
	if _, err := ParseEventType(string(t.EventType)); err != nil {
		return err
	}
	return nil
}

// CustomQueryTrigger bypasses structural matching entirely; the query is
// executed verbatim and is responsible for producing and persisting events.
type CustomQueryTrigger struct {
	ID           string
	Name         string
	Query        string
	Retired      bool
	RetireReason string
	DateRetired  *time.Time
}

func (t *CustomQueryTrigger) TriggerID() string   { return t.ID }
func (t *CustomQueryTrigger) TriggerName() string { return t.Name }

func (t *CustomQueryTrigger) Validate() error {
	if t.Query == "" {
		return fmt.Errorf("%w: trigger %q has an empty custom query", ErrInvalidArgument, t.Name)
	}
	return nil
}
