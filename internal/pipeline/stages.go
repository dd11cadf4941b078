package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/resilience"
	"github.com/sells-group/roadworks-cli/internal/segment"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

// Stage thresholds. Coordinates are degrees unless noted.
const (
	// coincidentEps is the componentwise delta below which two endpoints
	// count as the same location (~11 m).
	coincidentEps = 1e-4

	// minSeparationDeg is the Manhattan distance a repaired endpoint must
	// put between itself and its anchor.
	minSeparationDeg = 0.001

	// Clip triggers. Small incursions are tolerated: a route is clipped
	// only when more than clipOOBCount points AND more than
	// clipOOBFraction of all points fall outside the boundary.
	clipOOBFraction = 0.02
	clipOOBCount    = 2

	// Detour ratio bands.
	highDetourRatio     = 5.0
	moderateDetourRatio = 3.0

	// veryShortKm marks routed distances short enough to be suspect.
	veryShortKm = 0.01
)

// stage is one row of the segment state machine: the run phase it belongs
// to, the statuses it consumes, and the transition it applies.
type stage struct {
	phase string
	name  string
	pre   []segment.Status
	fn    func(*Pipeline, context.Context, *segment.Segment) error
}

func (s stage) accepts(status segment.Status) bool {
	for _, want := range s.pre {
		if want == status {
			return true
		}
	}
	return false
}

// stages is the ordered transition table. Stages run in table order within
// each phase; a stage whose precondition does not match is skipped. A
// segment whose stage fails keeps its pre-stage status, is flagged for
// review, and no later stage touches it.
var stages = []stage{
	{phaseGeocode, "geocode", []segment.Status{segment.StatusRaw}, (*Pipeline).stageGeocode},
	{phaseGeocode, "zero_length_repair", []segment.Status{segment.StatusZeroLength}, (*Pipeline).stageRepairZeroLength},
	{phaseRoute, "route", []segment.Status{segment.StatusGeocoded}, (*Pipeline).stageRoute},
	{phaseBoundary, "endpoint_check", []segment.Status{segment.StatusRouted}, (*Pipeline).stageEndpointCheck},
	{phaseBoundary, "oob_repair", []segment.Status{segment.StatusOOBEndpoint}, (*Pipeline).stageRepairOOB},
	{phaseBoundary, "collapse_repair", []segment.Status{segment.StatusCollapsed}, (*Pipeline).stageRepairCollapsed},
	{phaseConform, "conform", []segment.Status{segment.StatusRouted}, (*Pipeline).stageConform},
}

// stageGeocode resolves both endpoints through the primary geocoder. Either
// endpoint failing leaves the segment RAW; both resolving to the same
// location marks it ZERO_LENGTH for repair.
func (p *Pipeline) stageGeocode(ctx context.Context, seg *segment.Segment) error {
	from, err := p.resolveBest(ctx, IntersectionQuery(seg.RoadName, seg.FromDesc, p.ds.GeocodeSuffix))
	if err != nil {
		return eris.Wrap(err, "resolve FROM endpoint")
	}
	to, err := p.resolveBest(ctx, IntersectionQuery(seg.RoadName, seg.ToDesc, p.ds.GeocodeSuffix))
	if err != nil {
		return eris.Wrap(err, "resolve TO endpoint")
	}

	seg.From = p.newEndpoint(segment.RoleFrom, from)
	seg.To = p.newEndpoint(segment.RoleTo, to)
	seg.Status = segment.StatusGeocoded
	if geometry.NearlyCoincident(seg.From.Point, seg.To.Point, coincidentEps) {
		seg.Status = segment.StatusZeroLength
	}
	return nil
}

// stageRepairZeroLength tries to separate coincident endpoints by moving TO
// away from FROM through the repair strategies, then the reverse.
func (p *Pipeline) stageRepairZeroLength(ctx context.Context, seg *segment.Segment) error {
	tried := 0

	cand, strategy, n, err := p.repairAway(ctx, seg.RoadName, seg.ToDesc, seg.From.Point)
	tried += n
	if err != nil {
		return err
	}
	if cand != nil {
		seg.To = p.newEndpoint(segment.RoleTo, *cand)
		seg.Status = segment.StatusGeocoded
		p.log.Info("zero-length repaired",
			zap.String("segment", seg.ID),
			zap.String("moved", string(segment.RoleTo)),
			zap.String("strategy", strategy))
		return nil
	}

	cand, strategy, n, err = p.repairAway(ctx, seg.RoadName, seg.FromDesc, seg.To.Point)
	tried += n
	if err != nil {
		return err
	}
	if cand != nil {
		seg.From = p.newEndpoint(segment.RoleFrom, *cand)
		seg.Status = segment.StatusGeocoded
		p.log.Info("zero-length repaired",
			zap.String("segment", seg.ID),
			zap.String("moved", string(segment.RoleFrom)),
			zap.String("strategy", strategy))
		return nil
	}

	return &ServiceExhaustedError{
		SegmentID:  seg.ID,
		Stage:      "zero_length_repair",
		Strategies: tried,
		Defect:     &DegenerateGeometryError{SegmentID: seg.ID, Reason: "endpoints geocoded to the same location"},
	}
}

// stageRoute asks the router for the segment geometry. Routing failures
// never kill the segment: the fallback is a two-point straight line.
func (p *Pipeline) stageRoute(ctx context.Context, seg *segment.Segment) error {
	from, to := seg.From.Point, seg.To.Point
	straight := geometry.HaversineKm(from, to)

	r, err := resilience.DoVal(ctx, p.routeRetry, func(ctx context.Context) (*route.Route, error) {
		return p.router.Route(ctx, from, to)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("routing failed, keeping straight line",
			zap.String("segment", seg.ID),
			zap.Error(err))
		seg.Route = []geometry.Point{from, to}
		seg.RouteDistanceKm = straight
		seg.StraightDistanceKm = straight
		seg.Engine = route.EngineStraightLine
		seg.AddFlag(segment.FlagStraightLine)
		seg.Status = segment.StatusRouted
		return nil
	}

	seg.Route = r.Points
	seg.RouteDistanceKm = r.DistanceKm
	seg.StraightDistanceKm = straight
	seg.Engine = r.Engine
	seg.Status = segment.StatusRouted
	return nil
}

// stageEndpointCheck tests both endpoints against the boundary.
func (p *Pipeline) stageEndpointCheck(_ context.Context, seg *segment.Segment) error {
	oob := false
	if !p.boundary.Contains(seg.From.Point) {
		seg.From.Status = segment.EndpointOutOfBoundary
		oob = true
	}
	if !p.boundary.Contains(seg.To.Point) {
		seg.To.Status = segment.EndpointOutOfBoundary
		oob = true
	}
	if oob {
		seg.Status = segment.StatusOOBEndpoint
	}
	return nil
}

// stageRepairOOB re-resolves out-of-boundary endpoints with a candidate
// walk biased toward the boundary center, then re-routes. Replacements are
// committed only when every stray endpoint found a home.
func (p *Pipeline) stageRepairOOB(ctx context.Context, seg *segment.Segment) error {
	type fix struct {
		ep   *segment.Endpoint
		cand geocode.Candidate
	}
	var fixes []fix
	for _, ep := range []*segment.Endpoint{&seg.From, &seg.To} {
		if ep.Status != segment.EndpointOutOfBoundary {
			continue
		}
		desc := seg.FromDesc
		if ep.Role == segment.RoleTo {
			desc = seg.ToDesc
		}
		cand, err := p.relocateInside(ctx, seg.RoadName, desc)
		if err != nil {
			return err
		}
		if cand == nil {
			return &ServiceExhaustedError{
				SegmentID:  seg.ID,
				Stage:      "oob_repair",
				Strategies: p.cfg.Pipeline.OOBCandidates,
				Defect:     &OutOfBoundaryError{SegmentID: seg.ID, Role: ep.Role, Point: ep.Point},
			}
		}
		fixes = append(fixes, fix{ep, *cand})
	}
	for _, f := range fixes {
		*f.ep = p.newEndpoint(f.ep.Role, f.cand)
	}
	seg.AddFlag(segment.FlagFixedOOB)
	p.log.Info("out-of-boundary endpoints repaired",
		zap.String("segment", seg.ID),
		zap.Int("moved", len(fixes)))

	if err := p.stageRoute(ctx, seg); err != nil {
		return err
	}
	// The relocated endpoints can land on top of each other.
	if geometry.NearlyCoincident(seg.From.Point, seg.To.Point, coincidentEps) {
		seg.Status = segment.StatusCollapsed
	}
	return nil
}

// stageRepairCollapsed re-resolves both endpoints of a segment whose repair
// left FROM and TO coincident, requiring the new pair to sit apart, then
// re-routes.
func (p *Pipeline) stageRepairCollapsed(ctx context.Context, seg *segment.Segment) error {
	from, tried, err := p.relocateDistinct(ctx, seg.RoadName, seg.FromDesc, nil)
	if err != nil {
		return err
	}
	if from == nil {
		return &ServiceExhaustedError{
			SegmentID:  seg.ID,
			Stage:      "collapse_repair",
			Strategies: tried,
			Defect:     &DegenerateGeometryError{SegmentID: seg.ID, Reason: "endpoints collapsed after repair"},
		}
	}

	fromPt := geometry.Point{Lon: from.Lon, Lat: from.Lat}
	to, triedTo, err := p.relocateDistinct(ctx, seg.RoadName, seg.ToDesc, &fromPt)
	if err != nil {
		return err
	}
	if to == nil {
		return &ServiceExhaustedError{
			SegmentID:  seg.ID,
			Stage:      "collapse_repair",
			Strategies: tried + triedTo,
			Defect:     &DegenerateGeometryError{SegmentID: seg.ID, Reason: "endpoints collapsed after repair"},
		}
	}

	seg.From = p.newEndpoint(segment.RoleFrom, *from)
	seg.To = p.newEndpoint(segment.RoleTo, *to)
	seg.AddFlag(segment.FlagFixedCollapsed)
	p.log.Info("collapsed segment repaired", zap.String("segment", seg.ID))

	return p.stageRoute(ctx, seg)
}

// stageConform audits the full route against the boundary, clips routes
// with material excursions, and classifies the detour ratio.
func (p *Pipeline) stageConform(_ context.Context, seg *segment.Segment) error {
	oob := 0
	for _, pt := range seg.Route {
		if !p.boundary.Contains(pt) {
			oob++
		}
	}

	switch {
	case oob == len(seg.Route):
		return &DegenerateGeometryError{SegmentID: seg.ID, Reason: "every route point lies outside the boundary"}
	case oob > clipOOBCount && float64(oob) > clipOOBFraction*float64(len(seg.Route)):
		clipped, err := geometry.ClipPolylineToPolygon(seg.Route, p.boundary.Polygon())
		if err != nil {
			return eris.Wrap(err, "clip route")
		}
		if len(clipped) < 2 {
			return &DegenerateGeometryError{SegmentID: seg.ID, Reason: "clip left fewer than two points"}
		}
		p.log.Debug("route clipped",
			zap.String("segment", seg.ID),
			zap.Int("points_before", len(seg.Route)),
			zap.Int("points_after", len(clipped)),
			zap.Int("oob", oob))
		seg.Route = clipped
		seg.Status = segment.StatusClipped
	default:
		// Zero or tolerably few stray points.
		seg.Status = segment.StatusOK
	}

	if seg.RouteDistanceKm < veryShortKm {
		seg.AddFlag(segment.FlagVeryShortRoute)
	}

	switch ratio := seg.DetourRatio(); {
	case ratio > highDetourRatio:
		seg.Status = segment.StatusHighDetour
	case ratio > moderateDetourRatio:
		seg.Status = segment.StatusModerateDetour
	}
	return nil
}

// resolveBest returns the top-ranked candidate for a query, with retry on
// transient service failures.
func (p *Pipeline) resolveBest(ctx context.Context, query string) (geocode.Candidate, error) {
	cands, err := resilience.DoVal(ctx, p.geoRetry, func(ctx context.Context) ([]geocode.Candidate, error) {
		return p.geocoder.Resolve(ctx, query, p.resolveOpts(p.cfg.Geocode.MaxLocations))
	})
	if err != nil {
		return geocode.Candidate{}, err
	}
	if len(cands) == 0 {
		return geocode.Candidate{}, eris.Errorf("no candidates for %q", query)
	}
	return cands[0], nil
}

// repairAway walks the repair strategies for road at cross, accepting the
// first top candidate that is inside the boundary bbox, confidence-
// acceptable, and far enough from anchor. A nil candidate with nil error
// means the strategies were exhausted. Returns the number of queries tried.
func (p *Pipeline) repairAway(ctx context.Context, road, cross string, anchor geometry.Point) (*geocode.Candidate, string, int, error) {
	queries := RepairQueries(road, cross, p.ds.GeocodeSuffix, p.ds.Localities)
	for i, q := range queries {
		cand, err := p.resolveBest(ctx, q.Query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", i + 1, ctx.Err()
			}
			continue
		}
		pt := geometry.Point{Lon: cand.Lon, Lat: cand.Lat}
		if !p.boundary.BBox().Contains(pt) {
			continue
		}
		if cand.Score < p.cfg.Pipeline.MinRepairScore {
			continue
		}
		if geometry.Manhattan(pt, anchor) <= minSeparationDeg {
			continue
		}
		return &cand, q.Strategy, i + 1, nil
	}
	return nil, "", len(queries), nil
}

// relocateInside walks up to OOBCandidates geocoder candidates for the
// primary query and returns the first confidence-acceptable one inside the
// boundary polygon. A nil candidate with nil error means none qualified.
func (p *Pipeline) relocateInside(ctx context.Context, road, cross string) (*geocode.Candidate, error) {
	query := IntersectionQuery(road, cross, p.ds.GeocodeSuffix)
	cands, err := resilience.DoVal(ctx, p.geoRetry, func(ctx context.Context) ([]geocode.Candidate, error) {
		return p.geocoder.Resolve(ctx, query, p.resolveOpts(p.cfg.Pipeline.OOBCandidates))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(err, "relocate %q", query)
	}
	for i := range cands {
		if cands[i].Score < p.cfg.Pipeline.MinRepairScore {
			continue
		}
		if p.boundary.Contains(geometry.Point{Lon: cands[i].Lon, Lat: cands[i].Lat}) {
			return &cands[i], nil
		}
	}
	return nil, nil
}

// relocateDistinct resolves road at cross to a point inside the boundary
// polygon, at least minSeparationDeg from apart when given. The primary
// query is tried first, then the repair strategies, walking the full
// candidate list of each. Returns the number of queries tried.
func (p *Pipeline) relocateDistinct(ctx context.Context, road, cross string, apart *geometry.Point) (*geocode.Candidate, int, error) {
	queries := append(
		[]RepairQuery{{"primary", IntersectionQuery(road, cross, p.ds.GeocodeSuffix)}},
		RepairQueries(road, cross, p.ds.GeocodeSuffix, p.ds.Localities)...,
	)
	for i, q := range queries {
		cands, err := resilience.DoVal(ctx, p.geoRetry, func(ctx context.Context) ([]geocode.Candidate, error) {
			return p.geocoder.Resolve(ctx, q.Query, p.resolveOpts(p.cfg.Pipeline.OOBCandidates))
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, i + 1, ctx.Err()
			}
			continue
		}
		for j := range cands {
			if cands[j].Score < p.cfg.Pipeline.MinRepairScore {
				continue
			}
			pt := geometry.Point{Lon: cands[j].Lon, Lat: cands[j].Lat}
			if !p.boundary.Contains(pt) {
				continue
			}
			if apart != nil && geometry.Manhattan(pt, *apart) < minSeparationDeg {
				continue
			}
			return &cands[j], i + 1, nil
		}
	}
	return nil, len(queries), nil
}

// resolveOpts builds the geocoder options: boundary bbox as the search
// extent and the boundary center as the bias point.
func (p *Pipeline) resolveOpts(limit int) geocode.ResolveOptions {
	bbox := p.boundary.BBox()
	center := p.boundary.Center()
	return geocode.ResolveOptions{
		Extent: &geocode.Extent{
			MinLon: bbox.MinLon,
			MinLat: bbox.MinLat,
			MaxLon: bbox.MaxLon,
			MaxLat: bbox.MaxLat,
		},
		Bias:  &geocode.LonLat{Lon: center.Lon, Lat: center.Lat},
		Limit: limit,
	}
}

// newEndpoint builds an endpoint from a candidate, marking scores below the
// repair threshold as low confidence.
func (p *Pipeline) newEndpoint(role segment.Role, c geocode.Candidate) segment.Endpoint {
	status := segment.EndpointResolved
	if c.Score < p.cfg.Pipeline.MinRepairScore {
		status = segment.EndpointLowConfidence
	}
	return segment.Endpoint{
		Role:   role,
		Point:  geometry.Point{Lon: c.Lon, Lat: c.Lat},
		Score:  c.Score,
		Status: status,
	}
}

// flag records a segment-fatal failure: the segment keeps its current
// status and carries the reason into the output for manual review.
func (p *Pipeline) flag(seg *segment.Segment, stageName string, err error) {
	seg.ReviewReason = fmt.Sprintf("%s: %v", stageName, err)
	p.log.Warn("segment flagged for review",
		zap.String("segment", seg.ID),
		zap.String("stage", stageName),
		zap.Error(err))
}
