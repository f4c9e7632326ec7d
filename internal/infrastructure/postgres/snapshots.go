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

// SnapshotStore persists derived snapshots. The concept set is stored as a
// bigint array; every write goes through the discard-and-regenerate policy
// enforced by the reducer.
type SnapshotStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(pool *pgxpool.Pool, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("snapshot-store"),
	}
}

// SaveSnapshots writes one person's snapshot batch in a single transaction.
func (s *SnapshotStore) SaveSnapshots(ctx context.Context, snapshots []*drughistory.DrugSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "save_snapshots",
		trace.WithAttributes(attribute.Int("snapshots", len(snapshots))))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(`
			INSERT INTO drug_snapshot (id, person_id, encounter_id, date_taken, concepts)
			VALUES ($1, $2, $3, $4, $5)
		`,
			snap.ID,
			int64(snap.PersonID),
			nullableID(int64(snap.EncounterID)),
			snap.DateTaken,
			conceptIDs(snap.Concepts),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range snapshots {
		if _, err := br.Exec(); err != nil {
			br.Close()
			span.RecordError(err)
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteSnapshots discards snapshots ahead of regeneration.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, person drughistory.PersonID, since *time.Time) (int64, error) {
	query := `
		DELETE FROM drug_snapshot
		WHERE ($1 = 0 OR person_id = $1)
		  AND ($2::timestamptz IS NULL OR date_taken >= $2)
	`
	tag, err := s.pool.Exec(ctx, query, int64(person), since)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSnapshots returns snapshots matching the filter, ordered by person and
// date taken.
func (s *SnapshotStore) GetSnapshots(ctx context.Context, f drughistory.SnapshotFilter) ([]*drughistory.DrugSnapshot, error) {
	query := `
		SELECT id, person_id, COALESCE(encounter_id, 0), date_taken, concepts
		FROM drug_snapshot
		WHERE ($1 = 0 OR person_id = $1)
		  AND ($2 = 0 OR $2 = ANY(concepts))
		ORDER BY person_id ASC, date_taken ASC
	`

	rows, err := s.pool.Query(ctx, query, int64(f.PersonID), int64(f.Drug))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*drughistory.DrugSnapshot
	for rows.Next() {
		snap := &drughistory.DrugSnapshot{}
		var personID, encounterID int64
		var concepts []int64
		if err := rows.Scan(&snap.ID, &personID, &encounterID, &snap.DateTaken, &concepts); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.PersonID = drughistory.PersonID(personID)
		snap.EncounterID = drughistory.EncounterID(encounterID)
		snap.Concepts = drughistory.NewConceptSet()
		for _, c := range concepts {
			snap.Concepts.Add(drughistory.ConceptID(c))
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
