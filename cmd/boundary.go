package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/boundary"
)

var (
	boundaryDataset string
	boundaryURL     string
	boundaryOut     string
)

var boundaryCmd = &cobra.Command{
	Use:   "boundary",
	Short: "Fetch and normalize a dataset's reference boundary",
	Long:  "Downloads a TIGER/Line county archive (HTTP or FTP) or reads the configured boundary file, selects the dataset's county, and writes the normalized boundary GeoJSON the pipeline and viewers load.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		ds, err := loadDataset(boundaryDataset)
		if err != nil {
			return err
		}
		if boundaryOut != "" {
			ds.OutDir = boundaryOut
		}
		if err := ensureOutDir(ds); err != nil {
			return err
		}

		var bnd *boundary.Boundary
		if boundaryURL != "" {
			shpPath, err := boundary.Fetch(ctx, boundaryURL, ds.OutDir)
			if err != nil {
				return err
			}
			bnd, err = boundary.FindCountyShapefile(shpPath, ds.County, ds.CountyFIPS)
			if err != nil {
				return err
			}
		} else {
			bnd, err = loadBoundary(ds)
			if err != nil {
				return err
			}
		}

		out := ds.BoundaryGeoJSONPath()
		if err := bnd.WriteGeoJSON(out); err != nil {
			return err
		}

		bbox := bnd.BBox()
		zap.L().Info("boundary ready",
			zap.String("dataset", ds.Key),
			zap.String("name", bnd.Name()),
			zap.Int("rings", len(bnd.Polygon())),
			zap.Float64s("bbox", []float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat}),
			zap.String("geojson", out),
		)
		return nil
	},
}

func init() {
	boundaryCmd.Flags().StringVar(&boundaryDataset, "dataset", "", "dataset key from the registry (required)")
	boundaryCmd.Flags().StringVar(&boundaryURL, "url", "", "boundary archive URL (http:// or ftp://)")
	boundaryCmd.Flags().StringVar(&boundaryOut, "out", "", "output directory override")
	_ = boundaryCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(boundaryCmd)
}
