package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// CSVOptions configures the streaming CSV reader.
type CSVOptions struct {
	Delimiter rune   // default ','
	Charset   string // e.g. "windows-1252"; empty means UTF-8
	IDPrefix  string // prepended to every id, with a dash
}

// Recognized header spellings, lowercased. Agencies are not consistent.
var (
	idHeaders   = []string{"segmentid", "segment_id", "id", "stn", "link"}
	roadHeaders = []string{"roadname", "road_name", "road", "roadway", "on street", "on_street"}
	fromHeaders = []string{"fromdescription", "from_description", "from"}
	toHeaders   = []string{"todescription", "to_description", "to"}
)

// StreamCSV reads segment rows from a headed CSV export and sends them to a
// channel. Column positions are resolved from the header row; rows missing a
// road or either intersection are skipped. Both channels are closed when
// processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		if opts.Charset != "" {
			enc, err := htmlindex.Get(opts.Charset)
			if err != nil {
				errCh <- eris.Wrapf(err, "csv: unsupported charset %q", opts.Charset)
				return
			}
			r = enc.NewDecoder().Reader(r)
		}

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1 // allow variable fields

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}

		idIdx := columnIndex(header, idHeaders)
		roadIdx := columnIndex(header, roadHeaders)
		fromIdx := columnIndex(header, fromHeaders)
		toIdx := columnIndex(header, toHeaders)
		if roadIdx < 0 || fromIdx < 0 || toIdx < 0 {
			errCh <- eris.Errorf("csv: header %v is missing road/from/to columns", header)
			return
		}

		seq := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			row := Row{
				ID:   clean(cell(record, idIdx)),
				Road: clean(cell(record, roadIdx)),
				From: clean(cell(record, fromIdx)),
				To:   clean(cell(record, toIdx)),
			}
			if row.Road == "" || row.From == "" || row.To == "" {
				continue
			}

			seq++
			if row.ID == "" {
				row.ID = strconv.Itoa(seq)
			}
			if opts.IDPrefix != "" {
				row.ID = opts.IDPrefix + "-" + row.ID
			}

			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// columnIndex finds the first header cell matching any of the candidate
// names, case-insensitively.
func columnIndex(header []string, names []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}
