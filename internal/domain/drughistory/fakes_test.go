package drughistory

import (
	"context"
	"sort"
	"time"
)

// In-memory stores mirroring the Postgres implementations closely enough
// for engine tests: dedupe keys are unique, Seq is assigned on insert, and
// reads come back ordered.

type fakeObservationSource struct {
	observations []Observation
	customRows   int64
	customRan    []string
	err          error
}

func (f *fakeObservationSource) QueryObservations(ctx context.Context, filter ObservationFilter) ([]Observation, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Observation
	for _, obs := range f.observations {
		if !filter.Questions.Contains(obs.ConceptID) {
			continue
		}
		if filter.Answers.Len() > 0 && !filter.Answers.Contains(obs.ValueCoded) {
			continue
		}
		if filter.PersonID != 0 && obs.PersonID != filter.PersonID {
			continue
		}
		if filter.Since != nil && obs.ObsDatetime.Before(*filter.Since) {
			continue
		}
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObsDatetime.Before(out[j].ObsDatetime) })
	return out, nil
}

func (f *fakeObservationSource) ExecCustomQuery(ctx context.Context, query string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.customRan = append(f.customRan, query)
	return f.customRows, nil
}

type fakeEventStore struct {
	events  []*DrugEvent
	nextSeq int64
	err     error
}

func (f *fakeEventStore) SaveDrugEvents(ctx context.Context, events []*DrugEvent, batchSize int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	saved := 0
	for _, ev := range events {
		if f.hasKey(ev.DedupeKey) {
			continue
		}
		f.nextSeq++
		copied := *ev
		copied.Seq = f.nextSeq
		f.events = append(f.events, &copied)
		saved++
	}
	return saved, nil
}

func (f *fakeEventStore) hasKey(key string) bool {
	for _, ev := range f.events {
		if ev.DedupeKey == key {
			return true
		}
	}
	return false
}

func (f *fakeEventStore) GetDrugEvents(ctx context.Context, filter EventFilter) ([]*DrugEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*DrugEvent
	for _, ev := range f.events {
		if filter.PersonID != 0 && ev.PersonID != filter.PersonID {
			continue
		}
		if filter.Since != nil && ev.DateOccurred.Before(*filter.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DateOccurred.Equal(out[j].DateOccurred) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].DateOccurred.Before(out[j].DateOccurred)
	})
	return out, nil
}

func (f *fakeEventStore) ListEventPersons(ctx context.Context, since *time.Time) ([]PersonID, error) {
	seen := map[PersonID]bool{}
	var out []PersonID
	for _, ev := range f.events {
		if since != nil && ev.DateOccurred.Before(*since) {
			continue
		}
		if !seen[ev.PersonID] {
			seen[ev.PersonID] = true
			out = append(out, ev.PersonID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeEventStore) PurgeDrugEvents(ctx context.Context, person PersonID) (int64, error) {
	var kept []*DrugEvent
	var removed int64
	for _, ev := range f.events {
		if person == 0 || ev.PersonID == person {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	f.events = kept
	return removed, nil
}

type fakeSnapshotStore struct {
	snapshots []*DrugSnapshot
	deletes   int
	err       error
}

func (f *fakeSnapshotStore) SaveSnapshots(ctx context.Context, snapshots []*DrugSnapshot) error {
	if f.err != nil {
		return f.err
	}
	f.snapshots = append(f.snapshots, snapshots...)
	return nil
}

func (f *fakeSnapshotStore) DeleteSnapshots(ctx context.Context, person PersonID, since *time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.deletes++
	var kept []*DrugSnapshot
	var removed int64
	for _, s := range f.snapshots {
		inScope := (person == 0 || s.PersonID == person) &&
			(since == nil || !s.DateTaken.Before(*since))
		if inScope {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	f.snapshots = kept
	return removed, nil
}

func (f *fakeSnapshotStore) GetSnapshots(ctx context.Context, filter SnapshotFilter) ([]*DrugSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*DrugSnapshot
	for _, s := range f.snapshots {
		if filter.PersonID != 0 && s.PersonID != filter.PersonID {
			continue
		}
		if filter.Drug != 0 && !s.Concepts.Contains(filter.Drug) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PersonID != out[j].PersonID {
			return out[i].PersonID < out[j].PersonID
		}
		return out[i].DateTaken.Before(out[j].DateTaken)
	})
	return out, nil
}
