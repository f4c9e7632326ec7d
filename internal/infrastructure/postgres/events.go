// Package postgres provides the pgx-backed stores for the drug history
// pipeline: observations, drug events, snapshots, triggers and regimens,
// plus the transactional outbox feeding the event relay.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
)

// EventStore persists drug events. Duplicate facts (same dedupe key) are
// dropped on insert, so re-running a trigger over an overlapping range is
// safe without a prior purge.
type EventStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEventStore creates an event store.
func NewEventStore(pool *pgxpool.Pool, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("event-store"),
	}
}

const insertEventSQL = `
	INSERT INTO drug_event
	(id, person_id, encounter_id, concept_id, reason_id, date_occurred, event_type, dedupe_key)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (dedupe_key) DO NOTHING
`

// SaveDrugEvents appends events in bounded batches. Each flushed batch also
// writes an outbox entry per inserted event within the same transaction so
// the relay can publish the event stream.
func (s *EventStore) SaveDrugEvents(ctx context.Context, events []*drughistory.DrugEvent, batchSize int) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = drughistory.DefaultEventBatchSize
	}

	ctx, span := s.tracer.Start(ctx, "save_drug_events",
		trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	saved := 0
	for start := 0; start < len(events); start += batchSize {
		end := start + batchSize
		if end > len(events) {
			end = len(events)
		}
		n, err := s.flushBatch(ctx, events[start:end])
		saved += n
		if err != nil {
			span.RecordError(err)
			return saved, err
		}
	}

	s.logger.Debug("drug events saved",
		zap.Int("submitted", len(events)),
		zap.Int("inserted", saved))
	return saved, nil
}

func (s *EventStore) flushBatch(ctx context.Context, events []*drughistory.DrugEvent) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(insertEventSQL,
			ev.ID,
			int64(ev.PersonID),
			nullableID(int64(ev.EncounterID)),
			int64(ev.ConceptID),
			nullableID(int64(ev.ReasonID)),
			ev.DateOccurred,
			string(ev.Type),
			ev.DedupeKey,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	landed := make([]bool, len(events))
	for i := range events {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return inserted, fmt.Errorf("insert drug event: %w", err)
		}
		if tag.RowsAffected() > 0 {
			landed[i] = true
			inserted++
		}
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("close batch: %w", err)
	}

	// outbox entries only for the events that actually landed; duplicates
	// were already relayed when they first landed
	for i, ev := range events {
		if !landed[i] {
			continue
		}
		if err := WriteEventEntry(ctx, tx, ev); err != nil {
			return inserted, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return inserted, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetDrugEvents returns events ordered by (date_occurred, seq), the fold
// order the reducer depends on.
func (s *EventStore) GetDrugEvents(ctx context.Context, f drughistory.EventFilter) ([]*drughistory.DrugEvent, error) {
	query := `
		SELECT id, person_id, COALESCE(encounter_id, 0), concept_id, COALESCE(reason_id, 0),
		       date_occurred, event_type, dedupe_key, seq
		FROM drug_event
		WHERE ($1 = 0 OR person_id = $1)
		  AND ($2::timestamptz IS NULL OR date_occurred >= $2)
		ORDER BY date_occurred ASC, seq ASC
	`

	rows, err := s.pool.Query(ctx, query, int64(f.PersonID), f.Since)
	if err != nil {
		return nil, fmt.Errorf("query drug events: %w", err)
	}
	defer rows.Close()

	var events []*drughistory.DrugEvent
	for rows.Next() {
		ev := &drughistory.DrugEvent{}
		var personID, encounterID, conceptID, reasonID int64
		var eventType string
		if err := rows.Scan(&ev.ID, &personID, &encounterID, &conceptID, &reasonID,
			&ev.DateOccurred, &eventType, &ev.DedupeKey, &ev.Seq); err != nil {
			return nil, fmt.Errorf("scan drug event: %w", err)
		}
		ev.PersonID = drughistory.PersonID(personID)
		ev.EncounterID = drughistory.EncounterID(encounterID)
		ev.ConceptID = drughistory.ConceptID(conceptID)
		ev.ReasonID = drughistory.ConceptID(reasonID)
		ev.Type = drughistory.EventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListEventPersons returns the distinct persons holding events since the
// given date, used to shard reduction work.
func (s *EventStore) ListEventPersons(ctx context.Context, since *time.Time) ([]drughistory.PersonID, error) {
	query := `
		SELECT DISTINCT person_id
		FROM drug_event
		WHERE ($1::timestamptz IS NULL OR date_occurred >= $1)
		ORDER BY person_id ASC
	`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list event persons: %w", err)
	}
	defer rows.Close()

	var persons []drughistory.PersonID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		persons = append(persons, drughistory.PersonID(id))
	}
	return persons, rows.Err()
}

// PurgeDrugEvents deletes a person's events, or every event when person is
// zero, and returns the number removed.
func (s *EventStore) PurgeDrugEvents(ctx context.Context, person drughistory.PersonID) (int64, error) {
	query := `DELETE FROM drug_event WHERE ($1 = 0 OR person_id = $1)`
	tag, err := s.pool.Exec(ctx, query, int64(person))
	if err != nil {
		return 0, fmt.Errorf("purge drug events: %w", err)
	}
	s.logger.Info("drug events purged",
		zap.Int64("person_id", int64(person)),
		zap.Int64("deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// nullableID maps a zero identifier to NULL.
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
