package boundary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roadworks-cli/internal/geometry"
)

const countiesFixture = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"NAME": "Lake", "GEOID": "12069"},
			"geometry": {
				"type": "MultiPolygon",
				"coordinates": [
					[
						[[-82.0, 28.0], [-81.0, 28.0], [-81.0, 29.0], [-82.0, 29.0], [-82.0, 28.0]],
						[[-81.7, 28.3], [-81.5, 28.3], [-81.5, 28.5], [-81.7, 28.5], [-81.7, 28.3]]
					],
					[
						[[-80.9, 28.0], [-80.7, 28.0], [-80.7, 28.2], [-80.9, 28.2], [-80.9, 28.0]]
					]
				]
			}
		},
		{
			"type": "Feature",
			"properties": {"NAME": "Orange", "GEOID": "12095"},
			"geometry": {
				"type": "Polygon",
				"coordinates": [
					[[-81.7, 28.3], [-80.9, 28.3], [-80.9, 28.8], [-81.7, 28.8], [-81.7, 28.3]]
				]
			}
		}
	]
}`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFindCountyByFIPS(t *testing.T) {
	path := writeFixture(t, "counties.geojson", countiesFixture)

	b, err := FindCounty(path, "", "12095")
	require.NoError(t, err)
	assert.Equal(t, "Orange", b.Name())
}

func TestFindCountyByName(t *testing.T) {
	path := writeFixture(t, "counties.geojson", countiesFixture)

	b, err := FindCounty(path, "lake", "")
	require.NoError(t, err)
	assert.Equal(t, "Lake", b.Name())
}

func TestFindCountyNotFound(t *testing.T) {
	path := writeFixture(t, "counties.geojson", countiesFixture)

	_, err := FindCounty(path, "duval", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no county matching")
}

func TestFindCountyNoCriteria(t *testing.T) {
	path := writeFixture(t, "counties.geojson", countiesFixture)

	_, err := FindCounty(path, "", "")
	require.Error(t, err)
}

func TestBoundaryContains(t *testing.T) {
	path := writeFixture(t, "counties.geojson", countiesFixture)

	b, err := FindCounty(path, "", "12069")
	require.NoError(t, err)

	tests := []struct {
		name string
		pt   geometry.Point
		want bool
	}{
		{"inside main ring", geometry.Point{Lon: -81.9, Lat: 28.1}, true},
		{"inside hole", geometry.Point{Lon: -81.6, Lat: 28.4}, false},
		{"inside detached part", geometry.Point{Lon: -80.8, Lat: 28.1}, true},
		{"between parts", geometry.Point{Lon: -80.95, Lat: 28.1}, false},
		{"outside bbox", geometry.Point{Lon: -83.0, Lat: 28.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Contains(tt.pt))
		})
	}
}

func TestBoundaryBBoxAndCenter(t *testing.T) {
	path := writeFixture(t, "counties.geojson", countiesFixture)

	b, err := FindCounty(path, "", "12069")
	require.NoError(t, err)

	bbox := b.BBox()
	assert.InDelta(t, -82.0, bbox.MinLon, 1e-9)
	assert.InDelta(t, 28.0, bbox.MinLat, 1e-9)
	assert.InDelta(t, -80.7, bbox.MaxLon, 1e-9)
	assert.InDelta(t, 29.0, bbox.MaxLat, 1e-9)

	center := b.Center()
	assert.InDelta(t, -81.35, center.Lon, 1e-9)
	assert.InDelta(t, 28.5, center.Lat, 1e-9)
}

func TestLoadGeoJSONFeature(t *testing.T) {
	path := writeFixture(t, "region.geojson", `{
		"type": "Feature",
		"properties": {"NAME": "Lake"},
		"geometry": {"type": "Polygon", "coordinates": [[[-82, 28], [-81, 28], [-81, 29], [-82, 29], [-82, 28]]]}
	}`)

	b, err := LoadGeoJSON(path, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "Lake", b.Name())
	assert.True(t, b.Contains(geometry.Point{Lon: -81.5, Lat: 28.5}))
}

func TestLoadGeoJSONBareGeometry(t *testing.T) {
	path := writeFixture(t, "region.geojson",
		`{"type": "Polygon", "coordinates": [[[-82, 28], [-81, 28], [-81, 29], [-82, 29], [-82, 28]]]}`)

	b, err := LoadGeoJSON(path, "custom region")
	require.NoError(t, err)
	assert.Equal(t, "custom region", b.Name())
}

func TestLoadGeoJSONUnsupportedGeometry(t *testing.T) {
	path := writeFixture(t, "region.geojson",
		`{"type": "Point", "coordinates": [-81.5, 28.5]}`)

	_, err := LoadGeoJSON(path, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported geometry")
}

func TestLoadGeoJSONEmptyCollection(t *testing.T) {
	path := writeFixture(t, "region.geojson", `{"type": "FeatureCollection", "features": []}`)

	_, err := LoadGeoJSON(path, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no features")
}

func TestWriteGeoJSONRoundTrip(t *testing.T) {
	src := writeFixture(t, "counties.geojson", countiesFixture)

	b, err := FindCounty(src, "", "12069")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "boundary.geojson")
	require.NoError(t, b.WriteGeoJSON(out))

	reloaded, err := LoadGeoJSON(out, "")
	require.NoError(t, err)
	assert.Equal(t, "Lake", reloaded.Name())
	assert.True(t, reloaded.Contains(geometry.Point{Lon: -81.9, Lat: 28.1}))
	assert.False(t, reloaded.Contains(geometry.Point{Lon: -81.6, Lat: 28.4}))
	assert.True(t, reloaded.Contains(geometry.Point{Lon: -80.8, Lat: 28.1}))
}

func TestNewRejectsDegenerateRing(t *testing.T) {
	_, err := New("bad", geometry.Polygon{
		{{Lon: 0, Lat: 0}, {Lon: 1, Lat: 1}},
	})
	require.Error(t, err)
}
