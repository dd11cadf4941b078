package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/boundary"
	"github.com/sells-group/roadworks-cli/internal/ingest"
	"github.com/sells-group/roadworks-cli/internal/segment"
	"github.com/sells-group/roadworks-cli/internal/store"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "roadworks.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// loadDataset resolves a dataset key through the registry file named in the
// configuration.
func loadDataset(key string) (*ingest.DatasetSpec, error) {
	reg, err := ingest.LoadRegistry(cfg.Ingest.Registry)
	if err != nil {
		return nil, err
	}
	return reg.Get(key)
}

// loadBoundary reads the dataset's reference polygon. Shapefiles select the
// county by attribute; GeoJSON files are first scanned as a county collection
// and fall back to a plain single-boundary read, so both a statewide Census
// export and a pre-cut county file work.
func loadBoundary(ds *ingest.DatasetSpec) (*boundary.Boundary, error) {
	path := ds.Boundary
	if path == "" {
		return nil, eris.Errorf("dataset %q has no boundary source", ds.Key)
	}

	if strings.HasSuffix(strings.ToLower(path), ".shp") {
		return boundary.FindCountyShapefile(path, ds.County, ds.CountyFIPS)
	}

	if b, err := boundary.FindCounty(path, ds.County, ds.CountyFIPS); err == nil {
		return b, nil
	}
	return boundary.LoadGeoJSON(path, ds.Region)
}

func newPrimaryGeocoder() geocode.Client {
	opts := []geocode.Option{
		geocode.WithUserAgent(cfg.Geocode.UserAgent),
		geocode.WithMinInterval(time.Duration(cfg.Geocode.ArcGISDelayMs) * time.Millisecond),
	}
	if cfg.Geocode.ArcGISBaseURL != "" {
		opts = append(opts, geocode.WithBaseURL(cfg.Geocode.ArcGISBaseURL))
	}
	return geocode.NewArcGIS(opts...)
}

func newSecondaryGeocoder() geocode.Client {
	opts := []geocode.Option{
		geocode.WithUserAgent(cfg.Geocode.UserAgent),
		geocode.WithMinInterval(time.Duration(cfg.Geocode.NominatimDelayMs) * time.Millisecond),
	}
	if cfg.Geocode.NominatimBaseURL != "" {
		opts = append(opts, geocode.WithBaseURL(cfg.Geocode.NominatimBaseURL))
	}
	return geocode.NewNominatim(opts...)
}

func newRouter(engine string) (route.Router, error) {
	if engine == "" {
		engine = cfg.Route.Engine
	}
	interval := route.WithMinInterval(time.Duration(cfg.Route.DelayMs) * time.Millisecond)

	switch engine {
	case route.EngineValhalla:
		opts := []route.Option{interval}
		if cfg.Route.ValhallaBaseURL != "" {
			opts = append(opts, route.WithBaseURL(cfg.Route.ValhallaBaseURL))
		}
		return route.NewValhalla(opts...), nil
	case route.EngineOSRM:
		opts := []route.Option{interval}
		if cfg.Route.OSRMBaseURL != "" {
			opts = append(opts, route.WithBaseURL(cfg.Route.OSRMBaseURL))
		}
		return route.NewOSRM(opts...), nil
	default:
		return nil, eris.Errorf("unknown routing engine %q", engine)
	}
}

// isXLSXPath reports whether path names an Excel workbook.
func isXLSXPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".xlsx")
}

// loadRows reads the dataset's input rows, from the workbook extractor or
// the streaming CSV reader depending on the file type. A positive limit
// truncates the result, which keeps trial runs cheap against rate-limited
// services.
func loadRows(ctx context.Context, ds *ingest.DatasetSpec, input string, limit int) ([]ingest.Row, error) {
	if input == "" {
		input = ds.Input
	}

	var rows []ingest.Row
	if isXLSXPath(input) {
		extracted, err := ingest.ExtractXLSX(input, ds.Key, ds.Extract)
		if err != nil {
			return nil, err
		}
		rows = extracted
	} else {
		f, err := os.Open(input)
		if err != nil {
			return nil, eris.Wrapf(err, "open input %s", input)
		}
		defer f.Close() //nolint:errcheck

		rowCh, errCh := ingest.StreamCSV(ctx, f, ingest.CSVOptions{IDPrefix: ds.Key})
		for row := range rowCh {
			rows = append(rows, row)
		}
		if err := <-errCh; err != nil {
			return nil, err
		}
	}

	if limit > 0 && limit < len(rows) {
		zap.L().Info("input truncated", zap.Int("rows", len(rows)), zap.Int("limit", limit))
		rows = rows[:limit]
	}
	return rows, nil
}

// buildRepo seeds a repository with RAW segments, one per input row.
func buildRepo(rows []ingest.Row) (*segment.Repository, error) {
	repo := segment.NewRepository()
	for _, row := range rows {
		if err := repo.Add(segment.New(row.ID, row.Road, row.From, row.To)); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// ensureOutDir creates the dataset's artifact directory when missing.
func ensureOutDir(ds *ingest.DatasetSpec) error {
	if ds.OutDir == "" {
		return nil
	}
	if err := os.MkdirAll(ds.OutDir, 0o755); err != nil {
		return eris.Wrapf(err, "create output dir %s", ds.OutDir)
	}
	return nil
}
