package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/audit"
	"github.com/sells-group/roadworks-cli/internal/report"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

var (
	deepauditDataset string
	deepauditFix     bool
)

var deepauditCmd = &cobra.Command{
	Use:   "deepaudit",
	Short: "Audit artifact geometry point-by-point against the boundary",
	Long:  "Walks every route point of the routed artifact through the boundary polygon, bands offenders by out-of-boundary share, and with --fix re-geocodes and re-routes the worst ones, keeping a fix only when it measurably improves.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ds, err := loadDataset(deepauditDataset)
		if err != nil {
			return err
		}
		feats, err := report.ReadGeoJSON(ds.GeoJSONPath())
		if err != nil {
			return err
		}
		if len(feats) == 0 {
			return eris.Errorf("dataset %q: artifact is empty", ds.Key)
		}
		bnd, err := loadBoundary(ds)
		if err != nil {
			return err
		}

		// Fix mode needs live services; assessment alone touches nothing.
		var geocoder geocode.Client
		var router route.Router
		if deepauditFix {
			if err := cfg.Validate("run"); err != nil {
				return err
			}
			geocoder = newPrimaryGeocoder()
			router, err = newRouter(cfg.Route.Engine)
			if err != nil {
				return err
			}
		}

		auditor := audit.NewDeepAuditor(geocoder, router, bnd, ds, cfg.Pipeline.MinRepairScore, cfg.Pipeline.OOBCandidates)
		rep, err := auditor.Run(ctx, feats, deepauditFix)
		if err != nil {
			return eris.Wrap(err, "deep audit")
		}

		if err := rep.Write(ds.AuditPath()); err != nil {
			return err
		}
		if deepauditFix {
			// Accepted fixes and AUDIT_FLAGGED annotations mutated the
			// feature slice; persist them.
			if err := report.WriteGeoJSON(ds.GeoJSONPath(), feats); err != nil {
				return err
			}
		}

		zap.L().Info("deep audit complete",
			zap.String("dataset", ds.Key),
			zap.Int("features", rep.Features),
			zap.Int("severe", rep.Severe),
			zap.Int("moderate", rep.Moderate),
			zap.Int("fixed", rep.Fixed),
			zap.Float64("oob_pct", rep.OOBPct),
			zap.String("report", ds.AuditPath()),
		)
		return nil
	},
}

func init() {
	deepauditCmd.Flags().StringVar(&deepauditDataset, "dataset", "", "dataset key from the registry (required)")
	deepauditCmd.Flags().BoolVar(&deepauditFix, "fix", false, "re-route severe and moderate offenders, keeping improvements")
	_ = deepauditCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(deepauditCmd)
}
