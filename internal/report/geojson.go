// Package report emits and reads back run artifacts: the routed GeoJSON
// FeatureCollection and the QA summary JSON.
package report

import (
	"encoding/json"
	"math"
	"os"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/segment"
)

// StatusDeepAuditFixed is the routeStatus of a feature whose geometry was
// replaced by an accepted deep-audit re-route. It exists only in artifacts;
// segments never carry it.
const StatusDeepAuditFixed = "DEEP_AUDIT_FIXED"

// Properties is the property block every artifact feature carries.
type Properties struct {
	SegmentID          string
	RoadName           string
	From               string
	To                 string
	FromScore          float64
	ToScore            float64
	RouteDistanceKm    float64
	StraightDistanceKm float64
	DetourRatio        float64
	RoutePointCount    int
	RouteStatus        string
	RoutingEngine      string
}

// Feature is one artifact feature: the property block plus the emitted line
// coordinates. Points is empty for segments that never obtained a location,
// which encode with null geometry.
type Feature struct {
	Properties Properties
	Points     []geometry.Point
}

// SetPoints replaces the feature geometry and keeps routePointCount in step.
func (f *Feature) SetPoints(pts []geometry.Point) {
	f.Points = pts
	f.Properties.RoutePointCount = len(pts)
}

// TerminalStatus reports whether a routeStatus value is an accepted end
// state rather than a stalled or review-flagged one.
func TerminalStatus(status string) bool {
	if segment.Status(status).Terminal() {
		return true
	}
	return status == string(segment.FlagStraightLine) || status == StatusDeepAuditFixed
}

// Features converts segments to artifact features, one per segment in input
// order, failures included. Scores round to one decimal place, distances and
// ratios to two.
func Features(segs []*segment.Segment) []Feature {
	feats := make([]Feature, 0, len(segs))
	for _, s := range segs {
		pts := linePoints(s)
		feats = append(feats, Feature{
			Properties: Properties{
				SegmentID:          s.ID,
				RoadName:           s.RoadName,
				From:               s.FromDesc,
				To:                 s.ToDesc,
				FromScore:          round(s.From.Score, 1),
				ToScore:            round(s.To.Score, 1),
				RouteDistanceKm:    round(s.RouteDistanceKm, 2),
				StraightDistanceKm: round(s.StraightDistanceKm, 2),
				DetourRatio:        round(s.DetourRatio(), 2),
				RoutePointCount:    len(pts),
				RouteStatus:        s.ResultStatus(),
				RoutingEngine:      s.Engine,
			},
			Points: pts,
		})
	}
	return feats
}

// linePoints returns the coordinates emitted for a segment: the routed
// geometry when present, the resolved endpoints as a two-point line
// otherwise, nothing when the segment never geocoded.
func linePoints(s *segment.Segment) []geometry.Point {
	if len(s.Route) >= 2 {
		return s.Route
	}
	if s.From.Resolved() && s.To.Resolved() {
		return []geometry.Point{s.From.Point, s.To.Point}
	}
	return nil
}

// WriteGeoJSON writes the artifact FeatureCollection to path.
func WriteGeoJSON(path string, feats []Feature) error {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(feats))}
	for _, f := range feats {
		fc.Features = append(fc.Features, encodeFeature(f))
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return eris.Wrap(err, "report: marshal feature collection")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "report: write %s", path)
	}
	return nil
}

// ReadGeoJSON loads an artifact back into features, preserving order.
func ReadGeoJSON(path string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "report: read %s", path)
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "report: parse %s", path)
	}
	feats := make([]Feature, 0, len(fc.Features))
	for _, gf := range fc.Features {
		feats = append(feats, Feature{
			Properties: propertiesFrom(gf.Properties),
			Points:     lineStringPoints(gf.Geometry),
		})
	}
	return feats, nil
}

func encodeFeature(f Feature) *geojson.Feature {
	var g geom.T
	if len(f.Points) > 0 {
		flat := make([]float64, 0, len(f.Points)*2)
		for _, pt := range f.Points {
			flat = append(flat, pt.Lon, pt.Lat)
		}
		g = geom.NewLineStringFlat(geom.XY, flat)
	}
	return &geojson.Feature{
		Geometry: g,
		Properties: map[string]any{
			"segmentId":          f.Properties.SegmentID,
			"roadName":           f.Properties.RoadName,
			"from":               f.Properties.From,
			"to":                 f.Properties.To,
			"fromScore":          f.Properties.FromScore,
			"toScore":            f.Properties.ToScore,
			"routeDistanceKm":    f.Properties.RouteDistanceKm,
			"straightDistanceKm": f.Properties.StraightDistanceKm,
			"detourRatio":        f.Properties.DetourRatio,
			"routePointCount":    f.Properties.RoutePointCount,
			"routeStatus":        f.Properties.RouteStatus,
			"routingEngine":      f.Properties.RoutingEngine,
		},
	}
}

// lineStringPoints flattens a feature geometry. Early artifact versions
// encoded routes as single-part MultiLineStrings, so both shapes decode.
func lineStringPoints(g geom.T) []geometry.Point {
	switch t := g.(type) {
	case *geom.LineString:
		return coordPoints(t.Coords())
	case *geom.MultiLineString:
		var pts []geometry.Point
		for i := 0; i < t.NumLineStrings(); i++ {
			pts = append(pts, coordPoints(t.LineString(i).Coords())...)
		}
		return pts
	default:
		return nil
	}
}

func coordPoints(coords []geom.Coord) []geometry.Point {
	pts := make([]geometry.Point, 0, len(coords))
	for _, c := range coords {
		pts = append(pts, geometry.Point{Lon: c[0], Lat: c[1]})
	}
	return pts
}

func propertiesFrom(m map[string]any) Properties {
	return Properties{
		SegmentID:          propString(m, "segmentId"),
		RoadName:           propString(m, "roadName"),
		From:               propString(m, "from"),
		To:                 propString(m, "to"),
		FromScore:          propFloat(m, "fromScore"),
		ToScore:            propFloat(m, "toScore"),
		RouteDistanceKm:    propFloat(m, "routeDistanceKm"),
		StraightDistanceKm: propFloat(m, "straightDistanceKm"),
		DetourRatio:        propFloat(m, "detourRatio"),
		RoutePointCount:    int(propFloat(m, "routePointCount")),
		RouteStatus:        propString(m, "routeStatus"),
		RoutingEngine:      propString(m, "routingEngine"),
	}
}

func propString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func propFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
