package drughistory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/pkg/idempotency"
)

// DefaultEventBatchSize bounds event inserts per flush to keep memory and
// transaction log growth constant regardless of population size.
const DefaultEventBatchSize = 1000

// Evaluator scans the observation source per trigger and appends the drug
// events implied by each match. It never mutates the observation source and
// never regenerates snapshots; reduction is a separate, explicit step.
type Evaluator struct {
	obs       ObservationSource
	events    EventStore
	batchSize int
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEvaluator creates an evaluation engine.
func NewEvaluator(obs ObservationSource, events EventStore, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		obs:       obs,
		events:    events,
		batchSize: DefaultEventBatchSize,
		logger:    logger,
		tracer:    otel.Tracer("drughistory-evaluator"),
	}
}

// WithBatchSize overrides the event insert batch size.
func (e *Evaluator) WithBatchSize(n int) *Evaluator {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// EvaluateTrigger generates drug events from one trigger. person restricts to
// a single person when non-zero; sinceWhen restricts to observations at or
// after the given instant and must not lie in the future. Returns the number
// of events persisted.
func (e *Evaluator) EvaluateTrigger(ctx context.Context, trig Trigger, person PersonID, sinceWhen *time.Time) (int, error) {
	if trig == nil {
		return 0, fmt.Errorf("%w: trigger cannot be nil", ErrInvalidArgument)
	}
	if sinceWhen != nil && sinceWhen.After(time.Now()) {
		return 0, fmt.Errorf("%w: since date %s is in the future", ErrInvalidArgument, sinceWhen.Format(time.RFC3339))
	}
	if err := trig.Validate(); err != nil {
		return 0, err
	}

	ctx, span := e.tracer.Start(ctx, "evaluate_trigger",
		trace.WithAttributes(attribute.String("trigger", trig.TriggerName())))
	defer span.End()

	switch t := trig.(type) {
	case *CustomQueryTrigger:
		n, err := e.obs.ExecCustomQuery(ctx, t.Query)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("custom query trigger %q: %w", t.Name, err)
		}
		e.logger.Info("custom query trigger evaluated",
			zap.String("trigger", t.Name),
			zap.Int64("rows", n))
		return int(n), nil
	case *StructuralTrigger:
		return e.evaluateStructural(ctx, t, person, sinceWhen)
	default:
		return 0, fmt.Errorf("%w: unsupported trigger variant %T", ErrInvalidArgument, trig)
	}
}

func (e *Evaluator) evaluateStructural(ctx context.Context, t *StructuralTrigger, person PersonID, sinceWhen *time.Time) (int, error) {
	observations, err := e.obs.QueryObservations(ctx, ObservationFilter{
		Questions: t.Questions,
		Answers:   t.Answers,
		PersonID:  person,
		Since:     sinceWhen,
	})
	if err != nil {
		return 0, fmt.Errorf("query observations for trigger %q: %w", t.Name, err)
	}
	if len(observations) == 0 {
		return 0, nil
	}

	events := make([]*DrugEvent, 0, len(observations))
	for _, obs := range observations {
		concept := t.EventConcept
		if concept == 0 {
			// no explicit event concept: record the matched question itself
			concept = obs.ConceptID
		}
		ev := &DrugEvent{
			ID:           uuid.New().String(),
			PersonID:     obs.PersonID,
			EncounterID:  obs.EncounterID,
			ConceptID:    concept,
			ReasonID:     t.EventReason,
			DateOccurred: obs.ObsDatetime,
			Type:         t.EventType,
		}
		ev.DedupeKey = idempotency.EventKey(int64(ev.PersonID), int64(ev.ConceptID), int64(ev.ReasonID), ev.DateOccurred, string(ev.Type))
		events = append(events, ev)
	}

	saved, err := e.events.SaveDrugEvents(ctx, events, e.batchSize)
	if err != nil {
		return saved, fmt.Errorf("save events for trigger %q: %w", t.Name, err)
	}

	e.logger.Info("trigger evaluated",
		zap.String("trigger", t.Name),
		zap.String("event_type", string(t.EventType)),
		zap.Int("matched", len(events)),
		zap.Int("saved", saved))
	return saved, nil
}

// EvaluateAll runs every non-retired trigger against the same scope and
// returns the total number of events persisted.
func (e *Evaluator) EvaluateAll(ctx context.Context, triggers []Trigger, person PersonID, sinceWhen *time.Time) (int, error) {
	if sinceWhen != nil && sinceWhen.After(time.Now()) {
		return 0, fmt.Errorf("%w: since date %s is in the future", ErrInvalidArgument, sinceWhen.Format(time.RFC3339))
	}
	total := 0
	for _, trig := range triggers {
		n, err := e.EvaluateTrigger(ctx, trig, person, sinceWhen)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
