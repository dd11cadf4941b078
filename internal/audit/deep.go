package audit

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/boundary"
	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/ingest"
	"github.com/sells-group/roadworks-cli/internal/pipeline"
	"github.com/sells-group/roadworks-cli/internal/report"
	"github.com/sells-group/roadworks-cli/internal/segment"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

// Severity bands over a feature's out-of-boundary point share.
const (
	SeveritySevere   = "severe"
	SeverityModerate = "moderate"
	SeverityMinor    = "minor"
)

// Band edges, in percent of route points outside the boundary.
const (
	severeOOBPct   = 25.0
	moderateOOBPct = 5.0
)

// worstLimit caps the worst-offender list in the report.
const worstLimit = 10

// FeatureAudit is one feature's boundary assessment.
type FeatureAudit struct {
	SegmentID   string  `json:"segment_id"`
	RoadName    string  `json:"road_name"`
	TotalPoints int     `json:"total_points"`
	OOBPoints   int     `json:"oob_points"`
	OOBPct      float64 `json:"oob_pct"`
	Severity    string  `json:"severity"`

	idx int // position in the audited feature slice
}

// Decision records one re-route attempt on a severe or moderate feature.
type Decision struct {
	SegmentID string  `json:"segment_id"`
	OldPct    float64 `json:"old_oob_pct"`
	NewPct    float64 `json:"new_oob_pct,omitempty"`
	Accepted  bool    `json:"accepted"`
	Reason    string  `json:"reason,omitempty"`
}

// DeepAuditReport summarizes a full-geometry audit. Severity counts reflect
// the geometry as read; the point totals are recounted after any accepted
// fixes.
type DeepAuditReport struct {
	Dataset     string    `json:"dataset"`
	GeneratedAt time.Time `json:"generated_at"`
	Fix         bool      `json:"fix"`

	Features int `json:"features"`
	Severe   int `json:"severe"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`

	Fixed        int `json:"fixed"`
	StillFlagged int `json:"still_flagged"`

	TotalPoints     int     `json:"total_points"`
	OOBPoints       int     `json:"oob_points"`
	OOBPct          float64 `json:"oob_pct"`
	SegmentsWithOOB int     `json:"segments_with_oob"`

	Worst     []FeatureAudit `json:"worst"`
	Decisions []Decision     `json:"decisions,omitempty"`
}

// Write saves the report as indented JSON.
func (r *DeepAuditReport) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return eris.Wrap(err, "audit: marshal deep-audit report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "audit: write %s", path)
	}
	return nil
}

// DeepAuditor re-walks artifact geometry against the boundary and, in fix
// mode, re-routes severe and moderate offenders.
type DeepAuditor struct {
	geocoder      geocode.Client
	router        route.Router
	bnd           *boundary.Boundary
	ds            *ingest.DatasetSpec
	minScore      float64
	maxCandidates int
	log           *zap.Logger
}

// NewDeepAuditor builds a deep auditor. The geocoder and router may be nil
// for assessment-only runs.
func NewDeepAuditor(geocoder geocode.Client, router route.Router, bnd *boundary.Boundary, ds *ingest.DatasetSpec, minScore float64, maxCandidates int) *DeepAuditor {
	return &DeepAuditor{
		geocoder:      geocoder,
		router:        router,
		bnd:           bnd,
		ds:            ds,
		minScore:      minScore,
		maxCandidates: maxCandidates,
		log: zap.L().With(
			zap.String("component", "deepaudit"),
			zap.String("dataset", ds.Key),
		),
	}
}

// Run assesses every feature's OOB share and, when fix is set, re-routes
// severe and moderate offenders in place. A re-route is kept only when it
// strictly lowers the feature's OOB share; otherwise the feature keeps its
// geometry and is annotated AUDIT_FLAGGED.
func (a *DeepAuditor) Run(ctx context.Context, feats []report.Feature, fix bool) (*DeepAuditReport, error) {
	if fix && (a.geocoder == nil || a.router == nil) {
		return nil, eris.New("audit: fix mode needs a geocoder and a router")
	}

	rep := &DeepAuditReport{
		Dataset:     a.ds.Key,
		GeneratedAt: time.Now().UTC(),
		Fix:         fix,
		Features:    len(feats),
	}

	var flagged []FeatureAudit
	for i := range feats {
		total := len(feats[i].Points)
		if total == 0 {
			continue
		}
		oob := a.oobCount(feats[i].Points)
		if oob == 0 {
			continue
		}
		pct := 100 * float64(oob) / float64(total)
		fa := FeatureAudit{
			SegmentID:   feats[i].Properties.SegmentID,
			RoadName:    feats[i].Properties.RoadName,
			TotalPoints: total,
			OOBPoints:   oob,
			OOBPct:      round1(pct),
			Severity:    severity(pct),
			idx:         i,
		}
		flagged = append(flagged, fa)
		switch fa.Severity {
		case SeveritySevere:
			rep.Severe++
		case SeverityModerate:
			rep.Moderate++
		default:
			rep.Minor++
		}
	}

	sort.Slice(flagged, func(i, j int) bool {
		if flagged[i].OOBPct != flagged[j].OOBPct {
			return flagged[i].OOBPct > flagged[j].OOBPct
		}
		return flagged[i].SegmentID < flagged[j].SegmentID
	})
	rep.Worst = append([]FeatureAudit(nil), flagged...)
	if len(rep.Worst) > worstLimit {
		rep.Worst = rep.Worst[:worstLimit]
	}

	a.log.Info("deep audit assessment",
		zap.Int("features", rep.Features),
		zap.Int("severe", rep.Severe),
		zap.Int("moderate", rep.Moderate),
		zap.Int("minor", rep.Minor))

	if fix {
		for _, fa := range flagged {
			if fa.Severity == SeverityMinor {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			d, err := a.repair(ctx, &feats[fa.idx])
			if err != nil {
				return nil, err
			}
			rep.Decisions = append(rep.Decisions, d)
			if d.Accepted {
				feats[fa.idx].Properties.RouteStatus = report.StatusDeepAuditFixed
				rep.Fixed++
			} else {
				feats[fa.idx].Properties.RouteStatus = string(segment.FlagAuditFlagged)
				rep.StillFlagged++
			}
		}
	}

	for i := range feats {
		total := len(feats[i].Points)
		rep.TotalPoints += total
		if total == 0 {
			continue
		}
		if oob := a.oobCount(feats[i].Points); oob > 0 {
			rep.OOBPoints += oob
			rep.SegmentsWithOOB++
		}
	}
	if rep.TotalPoints > 0 {
		rep.OOBPct = round4(100 * float64(rep.OOBPoints) / float64(rep.TotalPoints))
	}

	a.log.Info("deep audit complete",
		zap.Int("fixed", rep.Fixed),
		zap.Int("still_flagged", rep.StillFlagged),
		zap.Float64("oob_pct", rep.OOBPct))

	return rep, nil
}

// repair re-resolves both endpoints and re-routes the feature, replacing
// geometry and derived properties only on strict improvement.
func (a *DeepAuditor) repair(ctx context.Context, f *report.Feature) (Decision, error) {
	oldPct := 100 * float64(a.oobCount(f.Points)) / float64(len(f.Points))
	d := Decision{SegmentID: f.Properties.SegmentID, OldPct: round1(oldPct)}

	from, err := a.locate(ctx, f.Properties.RoadName, f.Properties.From)
	if err != nil {
		return d, err
	}
	to, err := a.locate(ctx, f.Properties.RoadName, f.Properties.To)
	if err != nil {
		return d, err
	}
	if from == nil || to == nil {
		d.Reason = "endpoint relocation exhausted"
		return d, nil
	}

	fromPt := geometry.Point{Lon: from.Lon, Lat: from.Lat}
	toPt := geometry.Point{Lon: to.Lon, Lat: to.Lat}
	rt, err := a.router.Route(ctx, fromPt, toPt)
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		d.Reason = "re-route failed"
		a.log.Warn("deep audit re-route failed",
			zap.String("segment", d.SegmentID), zap.Error(err))
		return d, nil
	}

	newPct := 100 * float64(a.oobCount(rt.Points)) / float64(len(rt.Points))
	d.NewPct = round1(newPct)
	if newPct >= oldPct {
		d.Reason = "no improvement"
		return d, nil
	}

	d.Accepted = true
	straight := geometry.HaversineKm(fromPt, toPt)
	f.SetPoints(rt.Points)
	f.Properties.FromScore = round1(from.Score)
	f.Properties.ToScore = round1(to.Score)
	f.Properties.RouteDistanceKm = round2(rt.DistanceKm)
	f.Properties.StraightDistanceKm = round2(straight)
	f.Properties.DetourRatio = round2(segment.DetourRatioOf(rt.DistanceKm, straight))
	f.Properties.RoutingEngine = rt.Engine
	return d, nil
}

// locate walks the repair-query ladder for one endpoint and returns the
// first candidate inside the boundary at or above the repair score. A nil
// candidate with nil error means the ladder is exhausted; only context
// cancellation propagates as an error.
func (a *DeepAuditor) locate(ctx context.Context, road, cross string) (*geocode.Candidate, error) {
	queries := append(
		[]pipeline.RepairQuery{{Strategy: "primary", Query: pipeline.IntersectionQuery(road, cross, a.ds.GeocodeSuffix)}},
		pipeline.RepairQueries(road, cross, a.ds.GeocodeSuffix, a.ds.Localities)...,
	)

	bbox := a.bnd.BBox()
	center := a.bnd.Center()
	opts := geocode.ResolveOptions{
		Extent: &geocode.Extent{
			MinLon: bbox.MinLon, MinLat: bbox.MinLat,
			MaxLon: bbox.MaxLon, MaxLat: bbox.MaxLat,
		},
		Bias:  &geocode.LonLat{Lon: center.Lon, Lat: center.Lat},
		Limit: a.maxCandidates,
	}

	for _, q := range queries {
		cands, err := a.geocoder.Resolve(ctx, q.Query, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("relocation query failed", zap.String("query", q.Query), zap.Error(err))
			continue
		}
		for i := range cands {
			if cands[i].Score < a.minScore {
				continue
			}
			if a.bnd.Contains(geometry.Point{Lon: cands[i].Lon, Lat: cands[i].Lat}) {
				return &cands[i], nil
			}
		}
	}
	return nil, nil
}

// oobCount returns how many points fall outside the boundary.
func (a *DeepAuditor) oobCount(pts []geometry.Point) int {
	n := 0
	for _, pt := range pts {
		if !a.bnd.Contains(pt) {
			n++
		}
	}
	return n
}

func severity(pct float64) string {
	switch {
	case pct > severeOOBPct:
		return SeveritySevere
	case pct > moderateOOBPct:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
