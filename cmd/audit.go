package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/audit"
	"github.com/sells-group/roadworks-cli/internal/report"
	"github.com/sells-group/roadworks-cli/internal/segment"
)

var (
	auditDataset string
	auditSeed    int64
	auditSample  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Cross-validate geocoding against an independent service",
	Long:  "Draws a reproducible stratified sample from the routed artifact, re-geocodes each sampled endpoint through Nominatim, and reports how far the two services disagree.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("audit"); err != nil {
			return err
		}

		ds, err := loadDataset(auditDataset)
		if err != nil {
			return err
		}
		feats, err := report.ReadGeoJSON(ds.GeoJSONPath())
		if err != nil {
			return err
		}
		segs := segmentsFromFeatures(feats)
		if len(segs) == 0 {
			return eris.Errorf("dataset %q: artifact has no located segments", ds.Key)
		}
		bnd, err := loadBoundary(ds)
		if err != nil {
			return err
		}

		seed := cfg.Audit.Seed
		if cmd.Flags().Changed("seed") {
			seed = auditSeed
		}
		quotas := audit.Quotas{
			State:   cfg.Audit.SampleState,
			Federal: cfg.Audit.SampleFederal,
			County:  cfg.Audit.SampleCounty,
			Local:   cfg.Audit.SampleLocal,
		}
		if auditSample > 0 {
			quotas = quotas.Scale(auditSample)
		}

		cv := audit.NewCrossValidator(newSecondaryGeocoder(), bnd, ds, seed, quotas)
		rep, err := cv.Run(ctx, segs)
		if err != nil {
			return eris.Wrap(err, "cross-validation")
		}

		if err := rep.Write(ds.CrossValidationPath()); err != nil {
			return err
		}
		zap.L().Info("cross-validation report written",
			zap.String("dataset", ds.Key),
			zap.Int("sampled", rep.SampleSize),
			zap.Int("ok", rep.OK),
			zap.Int("warn", rep.Warn),
			zap.Int("bad", rep.Bad),
			zap.Int("miss", rep.Miss),
			zap.String("report", ds.CrossValidationPath()),
		)
		return nil
	},
}

// segmentsFromFeatures rebuilds the endpoint view of an artifact: each
// located feature contributes a segment whose endpoints are the line's first
// and last coordinates with the emitted scores. Features without geometry
// never geocoded and are not comparable.
func segmentsFromFeatures(feats []report.Feature) []*segment.Segment {
	segs := make([]*segment.Segment, 0, len(feats))
	for _, f := range feats {
		if len(f.Points) < 2 {
			continue
		}
		s := segment.New(f.Properties.SegmentID, f.Properties.RoadName, f.Properties.From, f.Properties.To)
		s.From = segment.Endpoint{
			Role:   segment.RoleFrom,
			Point:  f.Points[0],
			Score:  f.Properties.FromScore,
			Status: segment.EndpointResolved,
		}
		s.To = segment.Endpoint{
			Role:   segment.RoleTo,
			Point:  f.Points[len(f.Points)-1],
			Score:  f.Properties.ToScore,
			Status: segment.EndpointResolved,
		}
		segs = append(segs, s)
	}
	return segs
}

func init() {
	auditCmd.Flags().StringVar(&auditDataset, "dataset", "", "dataset key from the registry (required)")
	auditCmd.Flags().Int64Var(&auditSeed, "seed", 0, "sampling seed override (default from config)")
	auditCmd.Flags().IntVar(&auditSample, "sample", 0, "total sample size; per-stratum quotas are scaled proportionally")
	_ = auditCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(auditCmd)
}
