package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
)

// RegimenStore persists regimen templates. Drug membership lives in a
// regimen_drug association table, which is why a purge clears the drug rows
// before removing the regimen itself.
type RegimenStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRegimenStore creates a regimen store.
func NewRegimenStore(pool *pgxpool.Pool, logger *zap.Logger) *RegimenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegimenStore{pool: pool, logger: logger}
}

// SaveRegimen upserts a regimen and replaces its drug associations.
func (s *RegimenStore) SaveRegimen(ctx context.Context, r *drughistory.Regimen) error {
	if r == nil {
		return fmt.Errorf("%w: regimen cannot be nil", drughistory.ErrInvalidArgument)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: regimen name is required", drughistory.ErrInvalidArgument)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO regimen (id, name, description, line, age)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, description = $3, line = $4, age = $5
	`, r.ID, r.Name, r.Description, r.Line, r.Age)
	if err != nil {
		return fmt.Errorf("save regimen: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM regimen_drug WHERE regimen_id = $1`, r.ID); err != nil {
		return fmt.Errorf("clear regimen drugs: %w", err)
	}
	for _, drug := range r.Drugs.IDs() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO regimen_drug (regimen_id, concept_id) VALUES ($1, $2)
		`, r.ID, int64(drug)); err != nil {
			return fmt.Errorf("save regimen drug: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRegimen returns one regimen, or nil when not found.
func (s *RegimenStore) GetRegimen(ctx context.Context, id string) (*drughistory.Regimen, error) {
	regimens, err := s.query(ctx, `WHERE r.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(regimens) == 0 {
		return nil, nil
	}
	return regimens[0], nil
}

// GetAllRegimens lists regimens, excluding retired ones unless asked.
func (s *RegimenStore) GetAllRegimens(ctx context.Context, includeRetired bool) ([]*drughistory.Regimen, error) {
	return s.query(ctx, `WHERE ($1 OR r.retired = false)`, includeRetired)
}

func (s *RegimenStore) query(ctx context.Context, where string, args ...interface{}) ([]*drughistory.Regimen, error) {
	query := `
		SELECT r.id, r.name, r.description, r.line, r.age,
		       r.retired, COALESCE(r.retired_by, ''), r.date_retired, COALESCE(r.retire_reason, ''),
		       COALESCE(array_agg(rd.concept_id) FILTER (WHERE rd.concept_id IS NOT NULL), '{}')
		FROM regimen r
		LEFT JOIN regimen_drug rd ON rd.regimen_id = r.id
		` + where + `
		GROUP BY r.id
		ORDER BY r.name ASC
	`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query regimens: %w", err)
	}
	defer rows.Close()

	var regimens []*drughistory.Regimen
	for rows.Next() {
		r := &drughistory.Regimen{Drugs: drughistory.NewConceptSet()}
		var drugs []int64
		var dateRetired *time.Time
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Line, &r.Age,
			&r.Retired, &r.RetiredBy, &dateRetired, &r.RetireReason, &drugs); err != nil {
			return nil, fmt.Errorf("scan regimen: %w", err)
		}
		r.DateRetired = dateRetired
		for _, d := range drugs {
			r.Drugs.Add(drughistory.ConceptID(d))
		}
		regimens = append(regimens, r)
	}
	return regimens, rows.Err()
}

// RetireRegimen soft-deletes a regimen; a non-empty reason is required.
func (s *RegimenStore) RetireRegimen(ctx context.Context, id, retiredBy, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: a reason is required when retiring a regimen", drughistory.ErrInvalidArgument)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE regimen
		SET retired = true, retired_by = $2, date_retired = NOW(), retire_reason = $3
		WHERE id = $1
	`, id, retiredBy, reason)
	if err != nil {
		return fmt.Errorf("retire regimen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UnretireRegimen clears the retirement metadata.
func (s *RegimenStore) UnretireRegimen(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE regimen
		SET retired = false, retired_by = NULL, date_retired = NULL, retire_reason = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("unretire regimen: %w", err)
	}
	return nil
}

// PurgeRegimen deletes a regimen outright. The drug associations are cleared
// first, in the same transaction, so no dangling rows survive.
func (s *RegimenStore) PurgeRegimen(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM regimen_drug WHERE regimen_id = $1`, id); err != nil {
		return fmt.Errorf("clear regimen drugs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM regimen WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: purge regimen: %v", drughistory.ErrConstraintViolation, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsNotFound reports whether the error is the store's not-found marker.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
