// Package boundary loads reference region polygons from GeoJSON files and
// TIGER/Line shapefiles and answers point-containment queries against them.
package boundary

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/roadworks-cli/internal/geometry"
)

// Boundary is an immutable reference region. Multipolygon regions are held
// as a flat ring set; even-odd containment makes ring-to-polygon grouping
// irrelevant as long as rings do not partially overlap, which holds for
// valid administrative boundaries. Safe for concurrent reads.
type Boundary struct {
	name    string
	polygon geometry.Polygon
	bbox    geometry.BBox

	// src is the geometry as loaded, kept so WriteGeoJSON can re-emit the
	// original multipolygon structure. Nil when built from raw rings.
	src geom.T
}

// New builds a Boundary from a validated ring set.
func New(name string, polygon geometry.Polygon) (*Boundary, error) {
	if err := polygon.Validate(); err != nil {
		return nil, eris.Wrapf(err, "boundary: %s", name)
	}
	return &Boundary{
		name:    name,
		polygon: polygon,
		bbox:    geometry.Bounds(polygon),
	}, nil
}

// newFromGeom builds a Boundary from a decoded GeoJSON geometry, retaining
// the source geometry for re-emit.
func newFromGeom(name string, g geom.T) (*Boundary, error) {
	rings, err := ringsFromGeom(g)
	if err != nil {
		return nil, err
	}
	b, err := New(name, rings)
	if err != nil {
		return nil, err
	}
	b.src = g
	return b, nil
}

// Name returns the region name, e.g. the county NAME attribute.
func (b *Boundary) Name() string { return b.name }

// Polygon returns the boundary ring set.
func (b *Boundary) Polygon() geometry.Polygon { return b.polygon }

// BBox returns the bounding box over all rings.
func (b *Boundary) BBox() geometry.BBox { return b.bbox }

// Center returns the bounding-box center, used as the geocoder bias point.
func (b *Boundary) Center() geometry.Point { return b.bbox.Center() }

// Contains reports whether pt lies inside the boundary.
func (b *Boundary) Contains(pt geometry.Point) bool {
	if !b.bbox.Contains(pt) {
		return false
	}
	// The ring set was validated at construction, so the containment test
	// cannot fail.
	in, err := geometry.PointInPolygon(pt, b.polygon)
	if err != nil {
		return false
	}
	return in
}

// LoadGeoJSON reads a boundary from a GeoJSON file holding a
// FeatureCollection (first feature wins), a single Feature, or a bare
// geometry. The name comes from the NAME property when present, otherwise
// fallbackName.
func LoadGeoJSON(path, fallbackName string) (*Boundary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: read %s", path)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, eris.Wrapf(err, "boundary: parse %s", path)
	}

	name := fallbackName
	var g geom.T

	switch probe.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, eris.Wrapf(err, "boundary: parse feature collection %s", path)
		}
		if len(fc.Features) == 0 {
			return nil, eris.Errorf("boundary: %s has no features", path)
		}
		g = fc.Features[0].Geometry
		if n := propString(fc.Features[0].Properties, "NAME"); n != "" {
			name = n
		}
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrapf(err, "boundary: parse feature %s", path)
		}
		g = f.Geometry
		if n := propString(f.Properties, "NAME"); n != "" {
			name = n
		}
	default:
		if err := geojson.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrapf(err, "boundary: parse geometry %s", path)
		}
	}

	return newFromGeom(name, g)
}

// FindCounty scans a county FeatureCollection (Census cartographic boundary
// export) for the feature whose GEOID equals fips or whose NAME contains
// name, case-insensitively. Each feature is checked for the FIPS match
// first, so an exact GEOID always beats a fuzzy name on the same feature.
func FindCounty(path, name, fips string) (*Boundary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: read %s", path)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "boundary: parse feature collection %s", path)
	}

	lowered := strings.ToLower(name)
	for _, feat := range fc.Features {
		featName := propString(feat.Properties, "NAME")
		geoid := propString(feat.Properties, "GEOID")

		match := fips != "" && geoid == fips
		if !match && lowered != "" {
			match = strings.Contains(strings.ToLower(featName), lowered)
		}
		if !match {
			continue
		}

		return newFromGeom(featName, feat.Geometry)
	}

	return nil, eris.Errorf("boundary: no county matching name %q or fips %q in %s", name, fips, path)
}

// WriteGeoJSON writes the boundary as a single-feature collection, the shape
// the map viewer loads.
func (b *Boundary) WriteGeoJSON(path string) error {
	g := b.src
	if g == nil {
		g = b.toGeom()
	}
	fc := geojson.FeatureCollection{
		Features: []*geojson.Feature{{
			Geometry:   g,
			Properties: map[string]any{"NAME": b.name},
		}},
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return eris.Wrap(err, "boundary: marshal geojson")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "boundary: write %s", path)
	}
	return nil
}

// toGeom rebuilds a go-geom polygon from the ring set, closing each ring.
func (b *Boundary) toGeom() geom.T {
	poly := geom.NewPolygon(geom.XY)
	for _, ring := range b.polygon {
		flat := make([]float64, 0, (len(ring)+1)*2)
		for _, pt := range ring {
			flat = append(flat, pt.Lon, pt.Lat)
		}
		if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
			flat = append(flat, ring[0].Lon, ring[0].Lat)
		}
		_ = poly.Push(geom.NewLinearRingFlat(geom.XY, flat))
	}
	return poly
}

// ringsFromGeom flattens a Polygon or MultiPolygon into a ring set.
func ringsFromGeom(g geom.T) (geometry.Polygon, error) {
	switch t := g.(type) {
	case *geom.Polygon:
		return polygonRings(t), nil
	case *geom.MultiPolygon:
		var rings geometry.Polygon
		for i := 0; i < t.NumPolygons(); i++ {
			rings = append(rings, polygonRings(t.Polygon(i))...)
		}
		return rings, nil
	default:
		return nil, eris.Errorf("boundary: unsupported geometry type %T", g)
	}
}

func polygonRings(p *geom.Polygon) geometry.Polygon {
	rings := make(geometry.Polygon, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		ring := make(geometry.Ring, 0, len(coords))
		for _, c := range coords {
			ring = append(ring, geometry.Point{Lon: c[0], Lat: c[1]})
		}
		rings = append(rings, ring)
	}
	return rings
}

func propString(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}
