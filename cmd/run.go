package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/pipeline"
	"github.com/sells-group/roadworks-cli/internal/report"
)

var (
	runDataset  string
	runInput    string
	runBoundary string
	runEngine   string
	runWorkers  int
	runLimit    int
	runOut      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the repair pipeline for a dataset",
	Long:  "Geocodes, routes, repairs, and clips every segment of a dataset, then writes the routed GeoJSON artifact and QA report.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// An interrupt aborts cleanly between segments; no segment is left
		// half-mutated.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runWorkers > 0 {
			cfg.Pipeline.Workers = runWorkers
		}
		if runEngine != "" {
			cfg.Route.Engine = runEngine
		}
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		ds, err := loadDataset(runDataset)
		if err != nil {
			return err
		}
		if runBoundary != "" {
			ds.Boundary = runBoundary
		}
		if runOut != "" {
			ds.OutDir = runOut
		}
		if err := ensureOutDir(ds); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		bnd, err := loadBoundary(ds)
		if err != nil {
			return err
		}
		router, err := newRouter(cfg.Route.Engine)
		if err != nil {
			return err
		}

		rows, err := loadRows(ctx, ds, runInput, runLimit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return eris.Errorf("dataset %q: no input rows", ds.Key)
		}
		repo, err := buildRepo(rows)
		if err != nil {
			return err
		}

		zap.L().Info("dataset loaded",
			zap.String("dataset", ds.Key),
			zap.String("boundary", bnd.Name()),
			zap.Int("segments", repo.Len()),
			zap.String("engine", router.Engine()),
		)

		p := pipeline.New(cfg, st, newPrimaryGeocoder(), router, bnd, ds)
		result, err := p.Run(ctx, repo)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		// Artifacts: routed linework, QA summary, and a boundary copy for
		// map viewers.
		feats := report.Features(repo.All())
		if err := report.WriteGeoJSON(ds.GeoJSONPath(), feats); err != nil {
			return err
		}
		qa := report.BuildQA(ds.Key, ds.Region, repo.All(), bnd)
		if err := report.WriteQA(ds.QAPath(), qa); err != nil {
			return err
		}
		if err := bnd.WriteGeoJSON(ds.BoundaryGeoJSONPath()); err != nil {
			return err
		}

		zap.L().Info("artifacts written",
			zap.String("geojson", ds.GeoJSONPath()),
			zap.String("qa", ds.QAPath()),
			zap.Int("clean", result.Clean),
			zap.Int("flagged", result.Flagged),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runDataset, "dataset", "", "dataset key from the registry (required)")
	runCmd.Flags().StringVar(&runInput, "input", "", "input file override (CSV or XLSX)")
	runCmd.Flags().StringVar(&runBoundary, "boundary", "", "boundary file override (GeoJSON or shapefile)")
	runCmd.Flags().StringVar(&runEngine, "engine", "", "routing engine: valhalla or osrm (default from config)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "concurrent segment workers (default from config)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "process at most N segments (0 = all)")
	runCmd.Flags().StringVar(&runOut, "out", "", "output directory override")
	_ = runCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(runCmd)
}
