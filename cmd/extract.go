package main

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/ingest"
)

var (
	extractDataset string
	extractInput   string
	extractOut     string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract segment rows from an agency workbook to CSV",
	Long:  "Reads the dataset's Excel workbook, splits location spans into FROM/TO intersections, de-duplicates, and writes a flat CSV the run command can ingest.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ds, err := loadDataset(extractDataset)
		if err != nil {
			return err
		}

		input := extractInput
		if input == "" {
			input = ds.Input
		}
		if !isXLSXPath(input) {
			return eris.Errorf("extract expects an .xlsx workbook, got %s", input)
		}

		rows, err := ingest.ExtractXLSX(input, ds.Key, ds.Extract)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return eris.Errorf("no segment rows extracted from %s", input)
		}

		out := extractOut
		if out == "" {
			if err := ensureOutDir(ds); err != nil {
				return err
			}
			out = ds.SegmentsCSVPath()
		}
		if err := writeSegmentsCSV(out, rows); err != nil {
			return err
		}

		zap.L().Info("extraction complete",
			zap.String("dataset", ds.Key),
			zap.Int("segments", len(rows)),
			zap.String("csv", out),
		)
		return nil
	},
}

// writeSegmentsCSV writes extracted rows with the header spelling the CSV
// reader resolves.
func writeSegmentsCSV(path string, rows []ingest.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	defer f.Close() //nolint:errcheck
	return writeSegmentRows(f, rows)
}

func writeSegmentRows(w io.Writer, rows []ingest.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"segmentId", "roadName", "fromDescription", "toDescription"}); err != nil {
		return eris.Wrap(err, "write csv header")
	}
	for _, row := range rows {
		if err := cw.Write([]string{row.ID, row.Road, row.From, row.To}); err != nil {
			return eris.Wrapf(err, "write csv row %s", row.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "flush csv")
}

func init() {
	extractCmd.Flags().StringVar(&extractDataset, "dataset", "", "dataset key from the registry (required)")
	extractCmd.Flags().StringVar(&extractInput, "input", "", "workbook override (.xlsx)")
	extractCmd.Flags().StringVar(&extractOut, "out", "", "output CSV path (default <out_dir>/<key>_segments.csv)")
	_ = extractCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(extractCmd)
}
