package boundary

import (
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roadworks-cli/internal/geometry"
)

// writeCountyShapefile builds a two-county fixture with NAME and GEOID
// attributes.
func writeCountyShapefile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counties.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("NAME", 32),
		shp.StringField("GEOID", 8),
	}))

	lake := shp.Polygon(*shp.NewPolyLine([][]shp.Point{{
		{X: -82.0, Y: 28.0}, {X: -82.0, Y: 29.0}, {X: -81.0, Y: 29.0}, {X: -81.0, Y: 28.0}, {X: -82.0, Y: 28.0},
	}}))
	w.Write(&lake)
	require.NoError(t, w.WriteAttribute(0, 0, "Lake"))
	require.NoError(t, w.WriteAttribute(0, 1, "12069"))

	orange := shp.Polygon(*shp.NewPolyLine([][]shp.Point{{
		{X: -81.0, Y: 28.0}, {X: -81.0, Y: 28.8}, {X: -80.4, Y: 28.8}, {X: -80.4, Y: 28.0}, {X: -81.0, Y: 28.0},
	}}))
	w.Write(&orange)
	require.NoError(t, w.WriteAttribute(1, 0, "Orange"))
	require.NoError(t, w.WriteAttribute(1, 1, "12095"))

	w.Close()
	return path
}

func TestFindCountyShapefileByFIPS(t *testing.T) {
	path := writeCountyShapefile(t)

	b, err := FindCountyShapefile(path, "", "12095")
	require.NoError(t, err)
	assert.Equal(t, "Orange", b.Name())
	assert.True(t, b.Contains(geometry.Point{Lon: -80.7, Lat: 28.4}))
	assert.False(t, b.Contains(geometry.Point{Lon: -81.5, Lat: 28.4}))
}

func TestFindCountyShapefileByName(t *testing.T) {
	path := writeCountyShapefile(t)

	b, err := FindCountyShapefile(path, "lake", "")
	require.NoError(t, err)
	assert.Equal(t, "Lake", b.Name())

	bbox := b.BBox()
	assert.InDelta(t, -82.0, bbox.MinLon, 1e-9)
	assert.InDelta(t, 29.0, bbox.MaxLat, 1e-9)
}

func TestFindCountyShapefileNotFound(t *testing.T) {
	path := writeCountyShapefile(t)

	_, err := FindCountyShapefile(path, "duval", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no county matching")
}

func TestFindCountyShapefileMissingFile(t *testing.T) {
	_, err := FindCountyShapefile(filepath.Join(t.TempDir(), "absent.shp"), "lake", "")
	require.Error(t, err)
}
