package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/report"
)

var qaDataset string

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Regenerate the QA report from an existing artifact",
	Long:  "Re-reads the routed GeoJSON artifact, recounts statuses and out-of-boundary points against the boundary, and rewrites the QA report. Useful after the artifact was edited in the viewer.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ds, err := loadDataset(qaDataset)
		if err != nil {
			return err
		}

		feats, err := report.ReadGeoJSON(ds.GeoJSONPath())
		if err != nil {
			return err
		}
		bnd, err := loadBoundary(ds)
		if err != nil {
			return err
		}

		qa := report.RebuildQA(ds.Key, ds.Region, feats, bnd)
		if err := report.WriteQA(ds.QAPath(), qa); err != nil {
			return err
		}

		zap.L().Info("qa report rebuilt",
			zap.String("dataset", ds.Key),
			zap.Int("features", qa.TotalInput),
			zap.Float64("oob_pct", qa.OOBPct),
			zap.String("qa", ds.QAPath()),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(qa)
	},
}

func init() {
	qaCmd.Flags().StringVar(&qaDataset, "dataset", "", "dataset key from the registry (required)")
	_ = qaCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(qaCmd)
}
