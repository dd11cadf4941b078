// Package geometry implements the planar geometry kernel used for boundary
// conformance: ray-cast point-in-polygon, parametric segment intersection,
// polyline clipping, and great-circle distance. All functions are pure.
package geometry

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for Haversine distance.
const EarthRadiusMeters = 6371008.8

// intersectEps guards the intersection denominator; near-parallel segments
// are treated as non-intersecting.
const intersectEps = 1e-9

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Lon float64
	Lat float64
}

// Ring is a closed loop of vertices. The closing duplicate (first == last)
// is optional; both forms are accepted.
type Ring []Point

// Polygon is one or more rings combined under the even-odd rule: the outer
// ring plus holes, or the flattened rings of a multipolygon.
type Polygon []Ring

// DegenerateRingError reports a ring with fewer than three distinct vertices.
type DegenerateRingError struct {
	Index    int
	Vertices int
}

func (e *DegenerateRingError) Error() string {
	return fmt.Sprintf("geometry: ring %d has %d distinct vertices, need at least 3", e.Index, e.Vertices)
}

// vertices returns the ring without its closing duplicate, if present.
func (r Ring) vertices() Ring {
	if len(r) > 1 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

// Validate checks every ring for degeneracy.
func (p Polygon) Validate() error {
	for i, r := range p {
		if len(r.vertices()) < 3 {
			return &DegenerateRingError{Index: i, Vertices: len(r.vertices())}
		}
	}
	return nil
}

// ringContains runs the even-odd ray cast for a single ring. The ring is
// assumed validated.
func ringContains(r Ring, pt Point) bool {
	v := r.vertices()
	n := len(v)
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := v[i], v[j]
		if (vi.Lat > pt.Lat) != (vj.Lat > pt.Lat) &&
			pt.Lon < (vj.Lon-vi.Lon)*(pt.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lon {
			inside = !inside
		}
		j = i
	}
	return inside
}

// PointInPolygon reports whether pt lies inside the polygon under the
// even-odd rule: containment results XOR across rings, so holes exclude and
// disjoint outer rings each contribute.
func PointInPolygon(pt Point, poly Polygon) (bool, error) {
	if err := poly.Validate(); err != nil {
		return false, err
	}
	return pointInPolygonUnchecked(pt, poly), nil
}

func pointInPolygonUnchecked(pt Point, poly Polygon) bool {
	inside := false
	for _, r := range poly {
		if ringContains(r, pt) {
			inside = !inside
		}
	}
	return inside
}

// SegmentIntersection computes the intersection of segments a1-a2 and b1-b2.
// Returns false for parallel, collinear, or non-overlapping segments.
func SegmentIntersection(a1, a2, b1, b2 Point) (Point, bool) {
	denom := (a1.Lon-a2.Lon)*(b1.Lat-b2.Lat) - (a1.Lat-a2.Lat)*(b1.Lon-b2.Lon)
	if math.Abs(denom) < intersectEps {
		return Point{}, false
	}
	t := ((a1.Lon-b1.Lon)*(b1.Lat-b2.Lat) - (a1.Lat-b1.Lat)*(b1.Lon-b2.Lon)) / denom
	u := -((a1.Lon-a2.Lon)*(a1.Lat-b1.Lat) - (a1.Lat-a2.Lat)*(a1.Lon-b1.Lon)) / denom
	if t < 0 || t > 1 || u < 0 || u > 1 {
		return Point{}, false
	}
	return Point{
		Lon: a1.Lon + t*(a2.Lon-a1.Lon),
		Lat: a1.Lat + t*(a2.Lat-a1.Lat),
	}, true
}

// boundaryCrossing finds the polygon-edge crossing on the segment from the
// inside point toward the outside point, keeping the crossing nearest the
// inside point. Falls back to the inside point when no edge intersects.
func boundaryCrossing(inside, outside Point, poly Polygon) Point {
	best := inside
	bestT := math.Inf(1)
	for _, r := range poly {
		v := r.vertices()
		n := len(v)
		for i := 0; i < n; i++ {
			e1, e2 := v[i], v[(i+1)%n]
			pt, ok := SegmentIntersection(inside, outside, e1, e2)
			if !ok {
				continue
			}
			t := paramAlong(inside, outside, pt)
			if t < bestT {
				bestT = t
				best = pt
			}
		}
	}
	return best
}

// paramAlong returns the parameter of pt along the segment a-b, using the
// dominant axis to avoid dividing by a near-zero component.
func paramAlong(a, b, pt Point) float64 {
	dLon := b.Lon - a.Lon
	dLat := b.Lat - a.Lat
	if math.Abs(dLon) >= math.Abs(dLat) {
		if dLon == 0 {
			return 0
		}
		return (pt.Lon - a.Lon) / dLon
	}
	return (pt.Lat - a.Lat) / dLat
}

// ClipPolylineToPolygon clips a polyline to the polygon. Inside vertices are
// kept; at each boundary transition an interpolated crossing vertex is
// inserted. When clipping splits the line into several inside runs, only the
// longest run is retained. A fully-inside polyline is returned unchanged; a
// fully-outside polyline, or a clip that cannot produce two points, falls
// back to the inside vertices and finally to the original line.
func ClipPolylineToPolygon(points []Point, poly Polygon) ([]Point, error) {
	if err := poly.Validate(); err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return points, nil
	}

	inside := make([]bool, len(points))
	allIn, anyIn := true, false
	for i, pt := range points {
		inside[i] = pointInPolygonUnchecked(pt, poly)
		if inside[i] {
			anyIn = true
		} else {
			allIn = false
		}
	}
	if allIn {
		return points, nil
	}
	if !anyIn {
		return points, nil
	}

	var runs [][]Point
	var cur []Point
	for i, pt := range points {
		switch {
		case inside[i] && (i == 0 || inside[i-1]):
			cur = append(cur, pt)
		case inside[i]: // entering
			cur = append(cur, boundaryCrossing(pt, points[i-1], poly), pt)
		case i > 0 && inside[i-1]: // leaving
			cur = append(cur, boundaryCrossing(points[i-1], pt, poly))
			runs = append(runs, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}

	var longest []Point
	for _, r := range runs {
		if len(r) > len(longest) {
			longest = r
		}
	}
	if len(longest) >= 2 {
		return longest, nil
	}

	var kept []Point
	for i, pt := range points {
		if inside[i] {
			kept = append(kept, pt)
		}
	}
	if len(kept) >= 2 {
		return kept, nil
	}
	return points, nil
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// HaversineKm returns the great-circle distance in kilometers.
func HaversineKm(a, b Point) float64 {
	return Haversine(a, b) / 1000
}

// PathLengthKm sums the Haversine distance over consecutive polyline points.
func PathLengthKm(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return total
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Manhattan returns |Δlon| + |Δlat| in degrees, the cheap separation metric
// used by degeneracy checks.
func Manhattan(a, b Point) float64 {
	return math.Abs(a.Lon-b.Lon) + math.Abs(a.Lat-b.Lat)
}

// NearlyCoincident reports whether both coordinate deltas are below eps.
func NearlyCoincident(a, b Point, eps float64) bool {
	return math.Abs(a.Lon-b.Lon) < eps && math.Abs(a.Lat-b.Lat) < eps
}

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Contains reports whether pt lies within the box, inclusive.
func (b BBox) Contains(pt Point) bool {
	return pt.Lon >= b.MinLon && pt.Lon <= b.MaxLon &&
		pt.Lat >= b.MinLat && pt.Lat <= b.MaxLat
}

// Buffer expands the box by d degrees on every side.
func (b BBox) Buffer(d float64) BBox {
	return BBox{
		MinLon: b.MinLon - d,
		MinLat: b.MinLat - d,
		MaxLon: b.MaxLon + d,
		MaxLat: b.MaxLat + d,
	}
}

// Center returns the box midpoint.
func (b BBox) Center() Point {
	return Point{Lon: (b.MinLon + b.MaxLon) / 2, Lat: (b.MinLat + b.MaxLat) / 2}
}

// Bounds computes the bounding box over all polygon vertices.
func Bounds(poly Polygon) BBox {
	b := BBox{
		MinLon: math.Inf(1), MinLat: math.Inf(1),
		MaxLon: math.Inf(-1), MaxLat: math.Inf(-1),
	}
	for _, r := range poly {
		for _, pt := range r.vertices() {
			b.MinLon = math.Min(b.MinLon, pt.Lon)
			b.MinLat = math.Min(b.MinLat, pt.Lat)
			b.MaxLon = math.Max(b.MaxLon, pt.Lon)
			b.MaxLat = math.Max(b.MaxLat, pt.Lat)
		}
	}
	return b
}

// Centroid returns the arithmetic mean of a ring's vertices.
func Centroid(r Ring) Point {
	v := r.vertices()
	if len(v) == 0 {
		return Point{}
	}
	var c Point
	for _, pt := range v {
		c.Lon += pt.Lon
		c.Lat += pt.Lat
	}
	c.Lon /= float64(len(v))
	c.Lat /= float64(len(v))
	return c
}
