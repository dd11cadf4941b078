package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Registry is the dataset registry: every agency dataset the pipeline knows
// how to ingest, keyed by a short dataset key.
type Registry struct {
	Defaults DatasetDefaults         `yaml:"defaults"`
	Datasets map[string]*DatasetSpec `yaml:"datasets"`
}

// DatasetDefaults are applied to datasets that leave the field empty.
type DatasetDefaults struct {
	Boundary string `yaml:"boundary"`
	OutDir   string `yaml:"out_dir"`
}

// DatasetSpec describes one agency dataset.
type DatasetSpec struct {
	Key           string      `yaml:"-"`
	Region        string      `yaml:"region"`         // display name, e.g. "Lake County, FL"
	GeocodeSuffix string      `yaml:"geocode_suffix"` // appended to intersection queries
	County        string      `yaml:"county"`
	CountyFIPS    string      `yaml:"county_fips"`
	Input         string      `yaml:"input"`    // CSV or XLSX path
	Boundary      string      `yaml:"boundary"` // GeoJSON or counties file path
	OutDir        string      `yaml:"out_dir"`
	Extract       ExtractSpec `yaml:"extract"`

	// Localities are town names (with state, e.g. "Leesburg, FL") tried by
	// the locality-qualified geocode repair strategy.
	Localities []string `yaml:"localities"`
}

// ExtractSpec holds the per-workbook extraction parameters. Column indices
// are zero-based. Exactly one of SpanColumn and the FromColumn/ToColumn pair
// drives the FROM/TO split.
type ExtractSpec struct {
	Sheet    string `yaml:"sheet"`     // empty selects the first sheet
	SkipRows int    `yaml:"skip_rows"` // header rows to skip

	IDColumn   *int `yaml:"id_column"` // nil assigns sequential ids
	RoadColumn int  `yaml:"road_column"`
	SpanColumn *int `yaml:"span_column"` // "X to Y" text column
	FromColumn int  `yaml:"from_column"`
	ToColumn   int  `yaml:"to_column"`

	// NumericIDs drops rows whose id cell is not all digits, which skips
	// the subtotal rows some workbooks interleave.
	NumericIDs bool `yaml:"numeric_ids"`

	// StripIDDirection trims a trailing N/S/E/W from ids so directional
	// counter pairs collapse to one segment.
	StripIDDirection bool `yaml:"strip_id_direction"`

	// SkipRoadValues lists road-cell values (compared case-insensitively)
	// that mark repeated header rows.
	SkipRoadValues []string `yaml:"skip_road_values"`
}

// LoadRegistry reads the dataset registry from a YAML file. Unknown keys are
// rejected so typos in column names fail loudly.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read registry %s", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var reg Registry
	if err := dec.Decode(&reg); err != nil {
		return nil, eris.Wrap(err, "ingest: parse registry")
	}
	if len(reg.Datasets) == 0 {
		return nil, eris.New("ingest: registry has no datasets")
	}

	for key, ds := range reg.Datasets {
		ds.Key = key
		if ds.Boundary == "" {
			ds.Boundary = reg.Defaults.Boundary
		}
		if ds.OutDir == "" {
			ds.OutDir = reg.Defaults.OutDir
		}
		if err := ds.validate(); err != nil {
			return nil, eris.Wrapf(err, "ingest: dataset %q", key)
		}
	}

	return &reg, nil
}

func (d *DatasetSpec) validate() error {
	if d.Region == "" {
		return eris.New("region is required")
	}
	if d.GeocodeSuffix == "" {
		return eris.New("geocode_suffix is required")
	}
	if d.County == "" && d.CountyFIPS == "" {
		return eris.New("county or county_fips is required")
	}
	if d.Input == "" {
		return eris.New("input is required")
	}
	if isXLSX(d.Input) && d.Extract.SpanColumn == nil && d.Extract.FromColumn == d.Extract.ToColumn {
		return eris.New("extract needs span_column or distinct from_column/to_column")
	}
	return nil
}

// Artifact paths live under OutDir, prefixed with the dataset key so
// datasets can share an output directory.

// GeoJSONPath returns the routed-artifact path for the dataset.
func (d *DatasetSpec) GeoJSONPath() string {
	return filepath.Join(d.OutDir, d.Key+"_routed.geojson")
}

// QAPath returns the QA report path for the dataset.
func (d *DatasetSpec) QAPath() string {
	return filepath.Join(d.OutDir, d.Key+"_qa.json")
}

// AuditPath returns the deep-audit report path for the dataset.
func (d *DatasetSpec) AuditPath() string {
	return filepath.Join(d.OutDir, d.Key+"_deep_audit.json")
}

// CrossValidationPath returns the cross-validation report path for the dataset.
func (d *DatasetSpec) CrossValidationPath() string {
	return filepath.Join(d.OutDir, d.Key+"_cross_validation.json")
}

// SegmentsCSVPath returns the default destination of the extract command.
func (d *DatasetSpec) SegmentsCSVPath() string {
	return filepath.Join(d.OutDir, d.Key+"_segments.csv")
}

// BoundaryGeoJSONPath returns the path of the boundary copy written next to
// the artifact for map viewers.
func (d *DatasetSpec) BoundaryGeoJSONPath() string {
	return filepath.Join(d.OutDir, d.Key+"_boundary.geojson")
}

// Get returns the spec for a dataset key.
func (r *Registry) Get(key string) (*DatasetSpec, error) {
	ds, ok := r.Datasets[key]
	if !ok {
		return nil, eris.Errorf("ingest: unknown dataset %q (have %v)", key, r.Keys())
	}
	return ds, nil
}

// Keys returns the dataset keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.Datasets))
	for k := range r.Datasets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
