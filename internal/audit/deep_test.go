package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/report"
	"github.com/sells-group/roadworks-cli/internal/segment"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

type fakeRouter struct {
	route  *route.Route
	err    error
	called int
}

func (f *fakeRouter) Route(ctx context.Context, from, to geometry.Point) (*route.Route, error) {
	f.called++
	if f.err != nil {
		return nil, f.err
	}
	return f.route, nil
}

func (f *fakeRouter) Engine() string { return "fake" }

func artifactFeature(id string, pts ...geometry.Point) report.Feature {
	return report.Feature{
		Properties: report.Properties{
			SegmentID:          id,
			RoadName:           "Main St",
			From:               "1st Ave",
			To:                 "9th Ave",
			FromScore:          80,
			ToScore:            80,
			RouteDistanceKm:    5,
			StraightDistanceKm: 4,
			DetourRatio:        1.25,
			RoutePointCount:    len(pts),
			RouteStatus:        "OK",
			RoutingEngine:      "valhalla",
		},
		Points: pts,
	}
}

// mixedRoute lays inside points along lat 28.2 and outside points below the
// triangle's base at lat 27.5.
func mixedRoute(inside, outside int) []geometry.Point {
	pts := make([]geometry.Point, 0, inside+outside)
	for i := 0; i < inside; i++ {
		pts = append(pts, geometry.Point{Lon: -81.5 + 0.001*float64(i), Lat: 28.2})
	}
	for i := 0; i < outside; i++ {
		pts = append(pts, geometry.Point{Lon: -81.5 + 0.001*float64(i), Lat: 27.5})
	}
	return pts
}

func TestSeverity(t *testing.T) {
	cases := []struct {
		pct  float64
		want string
	}{
		{100, SeveritySevere},
		{25.1, SeveritySevere},
		{25, SeverityModerate},
		{10, SeverityModerate},
		{5.1, SeverityModerate},
		{5, SeverityMinor},
		{0.5, SeverityMinor},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, severity(tc.pct), "pct %v", tc.pct)
	}
}

func TestDeepAuditAssessment(t *testing.T) {
	a := NewDeepAuditor(nil, nil, auditBoundary(t), auditDataset(), 80, 10)

	feats := []report.Feature{
		artifactFeature("L-001", mixedRoute(4, 0)...),  // clean
		artifactFeature("L-002", mixedRoute(2, 2)...),  // 50%
		artifactFeature("L-003", mixedRoute(9, 1)...),  // 10%
		artifactFeature("L-004", mixedRoute(24, 1)...), // 4%
		artifactFeature("L-005"),                       // never routed
	}

	rep, err := a.Run(context.Background(), feats, false)
	require.NoError(t, err)

	assert.Equal(t, "lake", rep.Dataset)
	assert.False(t, rep.Fix)
	assert.Equal(t, 5, rep.Features)
	assert.Equal(t, 1, rep.Severe)
	assert.Equal(t, 1, rep.Moderate)
	assert.Equal(t, 1, rep.Minor)
	assert.Equal(t, 0, rep.Fixed)
	assert.Empty(t, rep.Decisions)

	require.Len(t, rep.Worst, 3)
	assert.Equal(t, "L-002", rep.Worst[0].SegmentID)
	assert.Equal(t, 50.0, rep.Worst[0].OOBPct)
	assert.Equal(t, SeveritySevere, rep.Worst[0].Severity)
	assert.Equal(t, "L-003", rep.Worst[1].SegmentID)
	assert.Equal(t, "L-004", rep.Worst[2].SegmentID)
	assert.Equal(t, SeverityMinor, rep.Worst[2].Severity)

	assert.Equal(t, 43, rep.TotalPoints)
	assert.Equal(t, 4, rep.OOBPoints)
	assert.Equal(t, 9.3023, rep.OOBPct)
	assert.Equal(t, 3, rep.SegmentsWithOOB)

	// Assessment never rewrites statuses.
	for _, f := range feats {
		assert.Equal(t, "OK", f.Properties.RouteStatus)
	}
}

func TestDeepAuditWorstOrdering(t *testing.T) {
	a := NewDeepAuditor(nil, nil, auditBoundary(t), auditDataset(), 80, 10)

	feats := []report.Feature{artifactFeature("Z-TOP", mixedRoute(0, 4)...)}
	for i := 0; i < 12; i++ {
		feats = append(feats, artifactFeature(fmt.Sprintf("T-%02d", i), mixedRoute(2, 2)...))
	}

	rep, err := a.Run(context.Background(), feats, false)
	require.NoError(t, err)

	require.Len(t, rep.Worst, 10)
	assert.Equal(t, "Z-TOP", rep.Worst[0].SegmentID)
	assert.Equal(t, 100.0, rep.Worst[0].OOBPct)
	// Ties order by segment id.
	for i := 1; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("T-%02d", i-1), rep.Worst[i].SegmentID)
	}
	assert.Equal(t, 13, rep.Severe)
}

func TestDeepAuditFixRequiresClients(t *testing.T) {
	a := NewDeepAuditor(nil, nil, auditBoundary(t), auditDataset(), 80, 10)
	_, err := a.Run(context.Background(), nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fix mode")
}

func TestDeepAuditFixAccepts(t *testing.T) {
	newFrom := geocode.Candidate{Lon: -81.55, Lat: 28.2, Score: 95.25}
	newTo := geocode.Candidate{Lon: -81.35, Lat: 28.2, Score: 91}
	geo := &fakeGeocoder{candidates: map[string][]geocode.Candidate{
		"Main St & 1st Ave, Lake County, FL": {newFrom},
		"Main St & 9th Ave, Lake County, FL": {newTo},
	}}
	fixedRoute := &route.Route{
		Points: []geometry.Point{
			{Lon: -81.55, Lat: 28.2}, {Lon: -81.45, Lat: 28.21}, {Lon: -81.35, Lat: 28.2},
		},
		DistanceKm: 20.4,
		Engine:     "valhalla",
	}
	rtr := &fakeRouter{route: fixedRoute}

	a := NewDeepAuditor(geo, rtr, auditBoundary(t), auditDataset(), 80, 10)
	feats := []report.Feature{artifactFeature("L-002", mixedRoute(2, 2)...)}

	rep, err := a.Run(context.Background(), feats, true)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Fixed)
	assert.Equal(t, 0, rep.StillFlagged)
	require.Len(t, rep.Decisions, 1)
	d := rep.Decisions[0]
	assert.Equal(t, "L-002", d.SegmentID)
	assert.Equal(t, 50.0, d.OldPct)
	assert.Equal(t, 0.0, d.NewPct)
	assert.True(t, d.Accepted)
	assert.Empty(t, d.Reason)

	f := feats[0]
	assert.Equal(t, fixedRoute.Points, f.Points)
	assert.Equal(t, 3, f.Properties.RoutePointCount)
	assert.Equal(t, report.StatusDeepAuditFixed, f.Properties.RouteStatus)
	assert.Equal(t, 95.3, f.Properties.FromScore)
	assert.Equal(t, 91.0, f.Properties.ToScore)
	assert.Equal(t, 20.4, f.Properties.RouteDistanceKm)

	straight := geometry.HaversineKm(
		geometry.Point{Lon: newFrom.Lon, Lat: newFrom.Lat},
		geometry.Point{Lon: newTo.Lon, Lat: newTo.Lat},
	)
	assert.Equal(t, round2(straight), f.Properties.StraightDistanceKm)
	assert.Equal(t, round2(segment.DetourRatioOf(20.4, straight)), f.Properties.DetourRatio)
	assert.Equal(t, "valhalla", f.Properties.RoutingEngine)

	// Totals reflect the repaired geometry.
	assert.Equal(t, 3, rep.TotalPoints)
	assert.Equal(t, 0, rep.OOBPoints)
	assert.Equal(t, 0.0, rep.OOBPct)
	assert.Equal(t, 0, rep.SegmentsWithOOB)
	assert.Equal(t, 1, rep.Severe)
}

func TestDeepAuditFixRejectsNoImprovement(t *testing.T) {
	geo := &fakeGeocoder{always: []geocode.Candidate{{Lon: -81.55, Lat: 28.2, Score: 95}}}
	rtr := &fakeRouter{route: &route.Route{Points: mixedRoute(2, 2), DistanceKm: 9.9, Engine: "valhalla"}}

	a := NewDeepAuditor(geo, rtr, auditBoundary(t), auditDataset(), 80, 10)
	original := mixedRoute(2, 2)
	feats := []report.Feature{artifactFeature("L-002", original...)}

	rep, err := a.Run(context.Background(), feats, true)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Fixed)
	assert.Equal(t, 1, rep.StillFlagged)
	require.Len(t, rep.Decisions, 1)
	d := rep.Decisions[0]
	assert.False(t, d.Accepted)
	assert.Equal(t, 50.0, d.OldPct)
	assert.Equal(t, 50.0, d.NewPct)
	assert.Equal(t, "no improvement", d.Reason)

	// Geometry and distances survive; only the status is annotated.
	assert.Equal(t, original, feats[0].Points)
	assert.Equal(t, 5.0, feats[0].Properties.RouteDistanceKm)
	assert.Equal(t, "AUDIT_FLAGGED", feats[0].Properties.RouteStatus)
}

func TestDeepAuditFixRelocationExhausted(t *testing.T) {
	geo := &fakeGeocoder{always: []geocode.Candidate{
		{Lon: -81.5, Lat: 28.2, Score: 50}, // inside but below the repair score
		{Lon: -81.5, Lat: 27.0, Score: 99}, // strong but outside the boundary
	}}
	rtr := &fakeRouter{}

	a := NewDeepAuditor(geo, rtr, auditBoundary(t), auditDataset(), 80, 10)
	feats := []report.Feature{artifactFeature("L-002", mixedRoute(2, 2)...)}

	rep, err := a.Run(context.Background(), feats, true)
	require.NoError(t, err)

	require.Len(t, rep.Decisions, 1)
	assert.False(t, rep.Decisions[0].Accepted)
	assert.Equal(t, "endpoint relocation exhausted", rep.Decisions[0].Reason)
	assert.Equal(t, "AUDIT_FLAGGED", feats[0].Properties.RouteStatus)
	assert.Equal(t, 0, rtr.called)
}

func TestDeepAuditFixRouteErrorFlags(t *testing.T) {
	geo := &fakeGeocoder{always: []geocode.Candidate{{Lon: -81.55, Lat: 28.2, Score: 95}}}
	rtr := &fakeRouter{err: errors.New("routing upstream 500")}

	a := NewDeepAuditor(geo, rtr, auditBoundary(t), auditDataset(), 80, 10)
	feats := []report.Feature{artifactFeature("L-002", mixedRoute(2, 2)...)}

	rep, err := a.Run(context.Background(), feats, true)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.StillFlagged)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, "re-route failed", rep.Decisions[0].Reason)
	assert.Equal(t, "AUDIT_FLAGGED", feats[0].Properties.RouteStatus)
}

func TestDeepAuditFixSkipsMinor(t *testing.T) {
	geo := &fakeGeocoder{always: []geocode.Candidate{{Lon: -81.55, Lat: 28.2, Score: 95}}}
	rtr := &fakeRouter{route: &route.Route{Points: mixedRoute(3, 0), DistanceKm: 2, Engine: "valhalla"}}

	a := NewDeepAuditor(geo, rtr, auditBoundary(t), auditDataset(), 80, 10)
	feats := []report.Feature{artifactFeature("L-004", mixedRoute(24, 1)...)}

	rep, err := a.Run(context.Background(), feats, true)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Minor)
	assert.Empty(t, rep.Decisions)
	assert.Equal(t, 0, rtr.called)
	assert.Equal(t, "OK", feats[0].Properties.RouteStatus)
}

func TestDeepAuditFixStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewDeepAuditor(&fakeGeocoder{}, &fakeRouter{}, auditBoundary(t), auditDataset(), 80, 10)
	feats := []report.Feature{artifactFeature("L-002", mixedRoute(2, 2)...)}

	_, err := a.Run(ctx, feats, true)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeepAuditReportWrite(t *testing.T) {
	a := NewDeepAuditor(nil, nil, auditBoundary(t), auditDataset(), 80, 10)
	rep, err := a.Run(context.Background(), []report.Feature{
		artifactFeature("L-002", mixedRoute(2, 2)...),
	}, false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "deep_audit.json")
	require.NoError(t, rep.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "lake", decoded["dataset"])
	assert.Equal(t, false, decoded["fix"])
	assert.Contains(t, decoded, "worst")
	assert.Equal(t, float64(1), decoded["severe"])
}
