package boundary

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/geometry"
)

// FindCountyShapefile scans a TIGER/Line or cartographic county shapefile
// for the record whose GEOID equals fips or whose NAME contains name,
// case-insensitively. Ring grouping follows the shapefile part table; all
// parts land in one flat ring set (see Boundary).
func FindCountyShapefile(shpPath, name, fips string) (*Boundary, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	// Build field name → index map. DBF field names are NUL-padded.
	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		fname := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(fname)] = i
	}
	nameIdx, hasName := fieldIdx["name"]
	geoidIdx, hasGeoid := fieldIdx["geoid"]
	if !hasName && !hasGeoid {
		return nil, eris.Errorf("boundary: shapefile %s has neither NAME nor GEOID field", shpPath)
	}

	lowered := strings.ToLower(name)
	var skipped int

	for reader.Next() {
		num, shape := reader.Shape()

		var featName, geoid string
		if hasName {
			featName = attribute(reader, nameIdx)
		}
		if hasGeoid {
			geoid = attribute(reader, geoidIdx)
		}

		match := fips != "" && geoid == fips
		if !match && lowered != "" {
			match = strings.Contains(strings.ToLower(featName), lowered)
		}
		if !match {
			continue
		}

		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil || poly.NumParts == 0 {
			skipped++
			zap.L().Debug("boundary: matched record has no polygon shape",
				zap.Int("record", num),
				zap.String("name", featName),
			)
			continue
		}

		return New(featName, shpRings(poly))
	}

	if skipped > 0 {
		return nil, eris.Errorf("boundary: matched %d records in %s but none had polygon geometry", skipped, shpPath)
	}
	return nil, eris.Errorf("boundary: no county matching name %q or fips %q in %s", name, fips, shpPath)
}

// attribute reads a DBF attribute, trimming NUL padding and whitespace.
func attribute(r *shp.Reader, idx int) string {
	val := strings.TrimRight(r.Attribute(idx), "\x00")
	return strings.TrimSpace(val)
}

// shpRings slices a shapefile polygon's point array by its part table.
func shpRings(p *shp.Polygon) geometry.Polygon {
	rings := make(geometry.Polygon, 0, p.NumParts)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		ring := make(geometry.Ring, 0, end-start)
		for j := start; j < end; j++ {
			ring = append(ring, geometry.Point{Lon: p.Points[j].X, Lat: p.Points[j].Y})
		}
		rings = append(rings, ring)
	}
	return rings
}
