package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
)

// TriggerStore persists trigger definitions. Both variants live in one table
// with a kind discriminator; structural fields are NULL for custom-query rows.
type TriggerStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewTriggerStore creates a trigger store.
func NewTriggerStore(pool *pgxpool.Pool, logger *zap.Logger) *TriggerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerStore{pool: pool, logger: logger}
}

const (
	triggerKindStructural  = "structural"
	triggerKindCustomQuery = "custom_query"
)

// SaveTrigger validates and upserts a trigger definition.
func (s *TriggerStore) SaveTrigger(ctx context.Context, t drughistory.Trigger) error {
	if t == nil {
		return fmt.Errorf("%w: trigger cannot be nil", drughistory.ErrInvalidArgument)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO drug_event_trigger
		(id, name, kind, questions, answers, event_concept_id, event_reason_id, event_type, custom_query)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, kind = $3, questions = $4, answers = $5,
		    event_concept_id = $6, event_reason_id = $7, event_type = $8, custom_query = $9
	`

	switch trig := t.(type) {
	case *drughistory.StructuralTrigger:
		_, err := s.pool.Exec(ctx, query,
			trig.ID, trig.Name, triggerKindStructural,
			conceptIDs(trig.Questions), conceptIDs(trig.Answers),
			nullableID(int64(trig.EventConcept)), nullableID(int64(trig.EventReason)),
			string(trig.EventType), nil)
		if err != nil {
			return fmt.Errorf("save structural trigger: %w", err)
		}
	case *drughistory.CustomQueryTrigger:
		_, err := s.pool.Exec(ctx, query,
			trig.ID, trig.Name, triggerKindCustomQuery,
			nil, nil, nil, nil, nil, trig.Query)
		if err != nil {
			return fmt.Errorf("save custom query trigger: %w", err)
		}
	default:
		return fmt.Errorf("%w: unsupported trigger variant %T", drughistory.ErrInvalidArgument, t)
	}
	return nil
}

// GetAllTriggers lists trigger definitions, excluding retired ones unless
// asked otherwise.
func (s *TriggerStore) GetAllTriggers(ctx context.Context, includeRetired bool) ([]drughistory.Trigger, error) {
	query := `
		SELECT id, name, kind, COALESCE(questions, '{}'), COALESCE(answers, '{}'),
		       COALESCE(event_concept_id, 0), COALESCE(event_reason_id, 0),
		       COALESCE(event_type, ''), COALESCE(custom_query, ''),
		       retired, COALESCE(retire_reason, ''), date_retired
		FROM drug_event_trigger
		WHERE ($1 OR retired = false)
		ORDER BY name ASC
	`

	rows, err := s.pool.Query(ctx, query, includeRetired)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []drughistory.Trigger
	for rows.Next() {
		var (
			id, name, kind, eventType, customQuery, retireReason string
			questions, answers                                   []int64
			eventConcept, eventReason                            int64
			retired                                              bool
			dateRetired                                          *time.Time
		)
		if err := rows.Scan(&id, &name, &kind, &questions, &answers,
			&eventConcept, &eventReason, &eventType, &customQuery,
			&retired, &retireReason, &dateRetired); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}

		if kind == triggerKindCustomQuery {
			triggers = append(triggers, &drughistory.CustomQueryTrigger{
				ID: id, Name: name, Query: customQuery,
				Retired: retired, RetireReason: retireReason, DateRetired: dateRetired,
			})
			continue
		}

		t := &drughistory.StructuralTrigger{
			ID: id, Name: name,
			Questions:    drughistory.NewConceptSet(),
			Answers:      drughistory.NewConceptSet(),
			EventConcept: drughistory.ConceptID(eventConcept),
			EventReason:  drughistory.ConceptID(eventReason),
			EventType:    drughistory.EventType(eventType),
			Retired:      retired,
			RetireReason: retireReason,
			DateRetired:  dateRetired,
		}
		for _, q := range questions {
			t.Questions.Add(drughistory.ConceptID(q))
		}
		for _, a := range answers {
			t.Answers.Add(drughistory.ConceptID(a))
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// RetireTrigger soft-deletes a trigger; a reason is required.
func (s *TriggerStore) RetireTrigger(ctx context.Context, id, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: a reason is required when retiring a trigger", drughistory.ErrInvalidArgument)
	}
	query := `
		UPDATE drug_event_trigger
		SET retired = true, retire_reason = $2, date_retired = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("retire trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retire trigger %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// PurgeTrigger removes a retired trigger definition outright.
func (s *TriggerStore) PurgeTrigger(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM drug_event_trigger WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("purge trigger: %w", err)
	}
	return nil
}
