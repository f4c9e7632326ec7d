package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emrtools/drughistory/internal/domain/drughistory"
	"github.com/emrtools/drughistory/internal/observability/metrics"
)

// Prometheus registration is process-global, so the package shares one
// metrics instance across tests.
var testMetrics = metrics.New()

type fakeTriggerStore struct {
	triggers map[string]drughistory.Trigger
}

func newFakeTriggerStore() *fakeTriggerStore {
	return &fakeTriggerStore{triggers: map[string]drughistory.Trigger{}}
}

func (f *fakeTriggerStore) SaveTrigger(ctx context.Context, t drughistory.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	f.triggers[t.TriggerID()] = t
	return nil
}

func (f *fakeTriggerStore) GetAllTriggers(ctx context.Context, includeRetired bool) ([]drughistory.Trigger, error) {
	var out []drughistory.Trigger
	for _, t := range f.triggers {
		if !includeRetired && isRetired(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID() < out[j].TriggerID() })
	return out, nil
}

func (f *fakeTriggerStore) RetireTrigger(ctx context.Context, id, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: a reason is required", drughistory.ErrInvalidArgument)
	}
	t, ok := f.triggers[id]
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	switch trig := t.(type) {
	case *drughistory.StructuralTrigger:
		trig.Retired, trig.RetireReason, trig.DateRetired = true, reason, &now
	case *drughistory.CustomQueryTrigger:
		trig.Retired, trig.RetireReason, trig.DateRetired = true, reason, &now
	}
	return nil
}

func (f *fakeTriggerStore) PurgeTrigger(ctx context.Context, id string) error {
	delete(f.triggers, id)
	return nil
}

func isRetired(t drughistory.Trigger) bool {
	switch trig := t.(type) {
	case *drughistory.StructuralTrigger:
		return trig.Retired
	case *drughistory.CustomQueryTrigger:
		return trig.Retired
	}
	return false
}

type fakeRegimenStore struct {
	regimens map[string]*drughistory.Regimen
}

func newFakeRegimenStore() *fakeRegimenStore {
	return &fakeRegimenStore{regimens: map[string]*drughistory.Regimen{}}
}

func (f *fakeRegimenStore) SaveRegimen(ctx context.Context, r *drughistory.Regimen) error {
	f.regimens[r.ID] = r
	return nil
}

func (f *fakeRegimenStore) GetRegimen(ctx context.Context, id string) (*drughistory.Regimen, error) {
	return f.regimens[id], nil
}

func (f *fakeRegimenStore) GetAllRegimens(ctx context.Context, includeRetired bool) ([]*drughistory.Regimen, error) {
	var out []*drughistory.Regimen
	for _, r := range f.regimens {
		if !includeRetired && r.Retired {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRegimenStore) RetireRegimen(ctx context.Context, id, retiredBy, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: a reason is required", drughistory.ErrInvalidArgument)
	}
	r, ok := f.regimens[id]
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	r.Retired, r.RetiredBy, r.RetireReason, r.DateRetired = true, retiredBy, reason, &now
	return nil
}

func (f *fakeRegimenStore) UnretireRegimen(ctx context.Context, id string) error {
	r, ok := f.regimens[id]
	if !ok {
		return pgx.ErrNoRows
	}
	r.Retired, r.RetiredBy, r.RetireReason, r.DateRetired = false, "", "", nil
	return nil
}

func (f *fakeRegimenStore) PurgeRegimen(ctx context.Context, id string) error {
	delete(f.regimens, id)
	return nil
}

type fakeSnapshotStore struct {
	snapshots []*drughistory.DrugSnapshot
}

func (f *fakeSnapshotStore) SaveSnapshots(ctx context.Context, snapshots []*drughistory.DrugSnapshot) error {
	f.snapshots = append(f.snapshots, snapshots...)
	return nil
}

func (f *fakeSnapshotStore) DeleteSnapshots(ctx context.Context, person drughistory.PersonID, since *time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSnapshotStore) GetSnapshots(ctx context.Context, filter drughistory.SnapshotFilter) ([]*drughistory.DrugSnapshot, error) {
	var out []*drughistory.DrugSnapshot
	for _, s := range f.snapshots {
		if filter.PersonID != 0 && s.PersonID != filter.PersonID {
			continue
		}
		if filter.Drug != 0 && !s.Concepts.Contains(filter.Drug) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateTaken.Before(out[j].DateTaken) })
	return out, nil
}
