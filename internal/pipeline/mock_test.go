package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/roadworks-cli/internal/boundary"
	"github.com/sells-group/roadworks-cli/internal/config"
	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/ingest"
	"github.com/sells-group/roadworks-cli/internal/store"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

// fakeGeocoder serves canned candidate lists keyed by query string and
// records every query in order. Unknown queries return an empty list, like
// a real geocoder that found nothing.
type fakeGeocoder struct {
	mu      sync.Mutex
	results map[string][]geocode.Candidate
	errs    map[string]error
	queries []string
}

func newFakeGeocoder() *fakeGeocoder {
	return &fakeGeocoder{
		results: make(map[string][]geocode.Candidate),
		errs:    make(map[string]error),
	}
}

func (f *fakeGeocoder) put(query string, cands ...geocode.Candidate) {
	f.results[query] = cands
}

func (f *fakeGeocoder) fail(query string, err error) {
	f.errs[query] = err
}

func (f *fakeGeocoder) Resolve(_ context.Context, query string, _ geocode.ResolveOptions) ([]geocode.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if err, ok := f.errs[query]; ok {
		return nil, err
	}
	return f.results[query], nil
}

func (f *fakeGeocoder) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func cand(lon, lat, score float64) geocode.Candidate {
	return geocode.Candidate{Lon: lon, Lat: lat, Score: score}
}

// fakeRouter answers with a plug-in function, or a two-point route at 1.2x
// the straight-line distance when none is set.
type fakeRouter struct {
	fn     func(from, to geometry.Point) (*route.Route, error)
	engine string

	mu    sync.Mutex
	calls int
}

func (f *fakeRouter) Route(_ context.Context, from, to geometry.Point) (*route.Route, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(from, to)
	}
	return &route.Route{
		Points:     []geometry.Point{from, to},
		DistanceKm: geometry.HaversineKm(from, to) * 1.2,
		Engine:     f.Engine(),
	}, nil
}

func (f *fakeRouter) Engine() string {
	if f.engine == "" {
		return route.EngineValhalla
	}
	return f.engine
}

func (f *fakeRouter) routeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memStore is an in-memory store.Store.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]*store.Run
	phases  map[string]*store.RunPhase
	order   []string
	results map[string][]store.SegmentResult
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]*store.Run),
		phases:  make(map[string]*store.RunPhase),
		results: make(map[string][]store.SegmentResult),
	}
}

func (m *memStore) CreateRun(_ context.Context, dataset, engine string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	run := &store.Run{
		ID:        fmt.Sprintf("run-%d", m.nextID),
		Dataset:   dataset,
		Engine:    engine,
		Status:    store.RunStatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, runID string, status store.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, result *store.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.Result = result
	run.Status = store.RunStatusComplete
	if result.Error != "" {
		run.Status = store.RunStatusFailed
	}
	run.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (m *memStore) CreatePhase(_ context.Context, runID, name string) (*store.RunPhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	phase := &store.RunPhase{
		ID:        fmt.Sprintf("phase-%d", m.nextID),
		RunID:     runID,
		Name:      name,
		Status:    store.PhaseStatusRunning,
		StartedAt: time.Now(),
	}
	m.phases[phase.ID] = phase
	m.order = append(m.order, phase.ID)
	return phase, nil
}

func (m *memStore) CompletePhase(_ context.Context, phaseID string, result *store.PhaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[phaseID]
	if !ok {
		return fmt.Errorf("phase %s not found", phaseID)
	}
	phase.Status = result.Status
	phase.Result = result
	return nil
}

func (m *memStore) SaveSegmentResults(_ context.Context, runID string, results []store.SegmentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[runID] = append([]store.SegmentResult(nil), results...)
	return nil
}

func (m *memStore) ListSegmentResults(_ context.Context, runID string) ([]store.SegmentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.SegmentResult(nil), m.results[runID]...), nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) phaseNames(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, id := range m.order {
		if m.phases[id].RunID == runID {
			names = append(names, m.phases[id].Name)
		}
	}
	return names
}

// testBoundary is a triangular county: base along lat 28 from lon -82 to
// -81, apex at (-81.5, 29). Its bbox covers the full square, so points near
// the bbox corners are inside the box but outside the polygon.
func testBoundary(t *testing.T) *boundary.Boundary {
	t.Helper()
	b, err := boundary.New("Lake", geometry.Polygon{{
		{Lon: -82, Lat: 28},
		{Lon: -81, Lat: 28},
		{Lon: -81.5, Lat: 29},
		{Lon: -82, Lat: 28},
	}})
	require.NoError(t, err)
	return b
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Geocode.MaxLocations = 5
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.MinRepairScore = 80
	cfg.Pipeline.OOBCandidates = 10
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func testDataset() *ingest.DatasetSpec {
	return &ingest.DatasetSpec{
		Key:           "lake",
		Region:        "Lake County",
		GeocodeSuffix: "Lake County, FL",
		Localities:    []string{"Leesburg, FL"},
	}
}

func newTestPipeline(t *testing.T, g geocode.Client, r route.Router, st store.Store) *Pipeline {
	t.Helper()
	return New(testConfig(), st, g, r, testBoundary(t), testDataset())
}
