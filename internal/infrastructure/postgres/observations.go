package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
)

// ObservationStore reads the record system's obs table. It is strictly
// read-only apart from ExecCustomQuery, which runs operator-supplied SQL
// that itself inserts drug events.
type ObservationStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewObservationStore creates an observation source.
func NewObservationStore(pool *pgxpool.Pool, logger *zap.Logger) *ObservationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservationStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("observation-store"),
	}
}

// QueryObservations returns non-voided observations matching the filter.
func (s *ObservationStore) QueryObservations(ctx context.Context, f drughistory.ObservationFilter) ([]drughistory.Observation, error) {
	ctx, span := s.tracer.Start(ctx, "query_observations",
		trace.WithAttributes(attribute.Int("questions", f.Questions.Len())))
	defer span.End()

	query := `
		SELECT person_id, COALESCE(encounter_id, 0), concept_id, COALESCE(value_coded, 0), obs_datetime
		FROM obs
		WHERE voided = false
		  AND concept_id = ANY($1)
		  AND (cardinality($2::bigint[]) = 0 OR value_coded = ANY($2))
		  AND ($3 = 0 OR person_id = $3)
		  AND ($4::timestamptz IS NULL OR obs_datetime >= $4)
		ORDER BY obs_datetime ASC
	`

	rows, err := s.pool.Query(ctx, query,
		conceptIDs(f.Questions), conceptIDs(f.Answers), int64(f.PersonID), f.Since)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var observations []drughistory.Observation
	for rows.Next() {
		var o drughistory.Observation
		var personID, encounterID, conceptID, valueCoded int64
		if err := rows.Scan(&personID, &encounterID, &conceptID, &valueCoded, &o.ObsDatetime); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.PersonID = drughistory.PersonID(personID)
		o.EncounterID = drughistory.EncounterID(encounterID)
		o.ConceptID = drughistory.ConceptID(conceptID)
		o.ValueCoded = drughistory.ConceptID(valueCoded)
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// ExecCustomQuery runs a custom-query trigger verbatim.
func (s *ObservationStore) ExecCustomQuery(ctx context.Context, query string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "exec_custom_query")
	defer span.End()

	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("custom query: %w", err)
	}
	return tag.RowsAffected(), nil
}

func conceptIDs(set drughistory.ConceptSet) []int64 {
	ids := make([]int64, 0, set.Len())
	for _, id := range set.IDs() {
		ids = append(ids, int64(id))
	}
	return ids
}
