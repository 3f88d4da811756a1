package usecases

import (
	"context"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
)

// memRepo is an in-memory ReadingRepository
type memRepo struct {
	mu       sync.Mutex
	rows     map[entities.ObservationKey]entities.Observation
	failWith error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[entities.ObservationKey]entities.Observation)}
}

func (m *memRepo) fail(op string) error {
	if m.failWith == nil {
		return nil
	}
	return entities.StoreError(op, m.failWith)
}

func (m *memRepo) InsertIfNew(_ context.Context, obs entities.Observation) (entities.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("insert"); err != nil {
		return 0, err
	}
	obs.Timestamp = entities.NormalizeTimestamp(obs.Timestamp)
	obs.Favorable = false
	if prev, ok := m.rows[obs.Key()]; ok && (obs.Synthetic || !prev.Synthetic) {
		return entities.AlreadyPresent, nil
	}
	m.rows[obs.Key()] = obs
	return entities.Inserted, nil
}

func (m *memRepo) Latest(_ context.Context, stationID string) (entities.Observation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("latest"); err != nil {
		return entities.Observation{}, false, err
	}
	var (
		best entities.Observation
		ok   bool
	)
	for _, o := range m.rows {
		if o.StationID != stationID {
			continue
		}
		if !ok || o.Timestamp.After(best.Timestamp) {
			best, ok = o, true
		}
	}
	return best, ok, nil
}

func (m *memRepo) Range(_ context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) ([]entities.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("range"); err != nil {
		return nil, err
	}
	from, to = entities.NormalizeTimestamp(from), entities.NormalizeTimestamp(to)
	var out []entities.Observation
	for _, o := range m.rows {
		if o.StationID == stationID && o.Kind == kind && !o.Timestamp.Before(from) && !o.Timestamp.After(to) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b entities.Observation) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (m *memRepo) CountReal(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) (int, error) {
	rows, err := m.Range(ctx, stationID, kind, from, to)
	n := 0
	for _, o := range rows {
		if !o.Synthetic {
			n++
		}
	}
	return n, err
}

func (m *memRepo) SetFavorable(_ context.Context, stationID string, ts time.Time, favorable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set favorable"); err != nil {
		return err
	}
	key := entities.ObservationKey{StationID: stationID, Kind: entities.KindLevel, Timestamp: entities.NormalizeTimestamp(ts)}
	if o, ok := m.rows[key]; ok {
		o.Favorable = favorable
		m.rows[key] = o
	}
	return nil
}

func (m *memRepo) PendingFavorable(ctx context.Context, stationID string, since time.Time) ([]entities.Observation, error) {
	rows, err := m.Range(ctx, stationID, entities.KindLevel, since, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	var out []entities.Observation
	for _, o := range rows {
		if !o.Synthetic && !o.Favorable {
			out = append(out, o)
		}
	}
	return out, err
}

func (m *memRepo) Bounds(ctx context.Context, stationID string, kind entities.ParameterKind) (time.Time, time.Time, bool, error) {
	rows, err := m.Range(ctx, stationID, kind, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	var measured []entities.Observation
	for _, o := range rows {
		if !o.Synthetic {
			measured = append(measured, o)
		}
	}
	if len(measured) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	return measured[0].Timestamp, measured[len(measured)-1].Timestamp, true, nil
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) get(t *testing.T, stationID string, kind entities.ParameterKind, ts time.Time) entities.Observation {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[entities.ObservationKey{StationID: stationID, Kind: kind, Timestamp: ts}]
	if !ok {
		t.Fatalf("no %s row for %s at %s", kind, stationID, ts.Format(time.RFC3339))
	}
	return o
}

func (m *memRepo) count(synthetic bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.rows {
		if o.Synthetic == synthetic {
			n++
		}
	}
	return n
}

func (m *memRepo) seed(t *testing.T, obs ...entities.Observation) {
	t.Helper()
	for _, o := range obs {
		if _, err := m.InsertIfNew(context.Background(), o); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

// fakeSource serves canned upstream data keyed by station and kind
type fakeSource struct {
	mu         sync.Mutex
	latest     map[string]entities.Observation
	since      map[string][]entities.Observation
	err        error
	sinceErr   error
	sinceCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{latest: map[string]entities.Observation{}, since: map[string][]entities.Observation{}}
}

func sourceKey(stationID string, kind entities.ParameterKind) string {
	return stationID + "/" + kind.String()
}

func (f *fakeSource) FetchLatest(_ context.Context, stationID string, kind entities.ParameterKind) (entities.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return entities.Observation{}, f.err
	}
	o, ok := f.latest[sourceKey(stationID, kind)]
	if !ok {
		return entities.Observation{}, entities.ErrNotAvailable
	}
	return o, nil
}

func (f *fakeSource) FetchSince(_ context.Context, stationID string, kind entities.ParameterKind, since time.Time) iter.Seq2[entities.Observation, error] {
	f.mu.Lock()
	f.sinceCalls++
	rows := slices.Clone(f.since[sourceKey(stationID, kind)])
	err := f.err
	if err == nil {
		err = f.sinceErr
	}
	f.mu.Unlock()

	return func(yield func(entities.Observation, error) bool) {
		if err != nil {
			yield(entities.Observation{}, err)
			return
		}
		// newest first, like a sorted upstream
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].Timestamp.After(since) && !yield(rows[i], nil) {
				return
			}
		}
	}
}

// fakeArchive serves daily dumps; days missing from the map are not available
type fakeArchive struct {
	mu    sync.Mutex
	days  map[string][]entities.Observation
	calls int
}

func (f *fakeArchive) FetchArchiveDay(_ context.Context, day time.Time, wanted map[entities.ParameterKind]map[string]struct{}) ([]entities.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rows, ok := f.days[day.Format(time.DateOnly)]
	if !ok {
		return nil, entities.ErrNotAvailable
	}
	var out []entities.Observation
	for _, o := range rows {
		if _, want := wanted[o.Kind][o.StationID]; want {
			out = append(out, o)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []entities.Observation
}

func (n *recordingNotifier) NotifyFavorable(_ context.Context, _ entities.Station, obs entities.Observation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, obs)
	return nil
}

var day0 = time.Date(2025, time.April, 18, 0, 0, 0, 0, time.UTC)

func lvl(station string, at time.Duration, v float64) entities.Observation {
	return entities.Observation{StationID: station, Kind: entities.KindLevel, Value: v, Timestamp: day0.Add(at)}
}

func rain(station string, at time.Duration, v float64) entities.Observation {
	return entities.Observation{StationID: station, Kind: entities.KindRainfall, Value: v, Timestamp: day0.Add(at)}
}

func ptr(v float64) *float64 { return &v }

func testCatalog(t *testing.T, stations []entities.Station, rules map[string]entities.Rule) *config.Catalog {
	t.Helper()
	cat, err := config.NewCatalog(stations, rules)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return cat
}
