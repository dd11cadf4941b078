package ingest

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// ExtractXLSX reads an agency workbook and returns segment rows per the
// dataset's extraction spec: header rows skipped, "X to Y" location text
// split into FROM/TO, repeated header rows filtered, duplicates collapsed on
// road|from|to, ids kept unique, and ids prefixed with the dataset key.
func ExtractXLSX(path, datasetKey string, spec ExtractSpec) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open workbook %s", path)
	}

	sheet, err := getSheet(f, spec.Sheet)
	if err != nil {
		return nil, err
	}

	var rows []Row
	seen := make(map[string]struct{})
	usedIDs := make(map[string]struct{})
	var skippedSpans, droppedDupIDs int

	for i, sheetRow := range sheet.Rows {
		if i < spec.SkipRows {
			continue
		}
		cells := rowToStrings(sheetRow)

		road := clean(cell(cells, spec.RoadColumn))
		if road == "" || isSkipValue(road, spec.SkipRoadValues) {
			continue
		}

		var from, to string
		if spec.SpanColumn != nil {
			span := clean(cell(cells, *spec.SpanColumn))
			var ok bool
			from, to, ok = SplitSpan(span)
			if !ok {
				if span != "" {
					skippedSpans++
				}
				continue
			}
		} else {
			from = clean(cell(cells, spec.FromColumn))
			to = clean(cell(cells, spec.ToColumn))
		}
		if from == "" || to == "" {
			continue
		}

		var id, rawID string
		if spec.IDColumn != nil {
			id = clean(cell(cells, *spec.IDColumn))
			if spec.NumericIDs && !isDigits(id) {
				continue
			}
			rawID = id
			if spec.StripIDDirection {
				id = stripDirection(id)
			}
		}
		if id == "" {
			id = strconv.Itoa(len(rows) + 1)
		}

		key := road + "|" + from + "|" + to
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		// Directional pairs normally collapse on the road|from|to key.
		// A pair that survives it (reversed or differing spans) would
		// collide on the stripped id: keep the direction suffix for the
		// later row, and drop the row when even the raw id is taken.
		if _, taken := usedIDs[id]; taken && rawID != "" && rawID != id {
			id = rawID
		}
		if _, taken := usedIDs[id]; taken {
			droppedDupIDs++
			continue
		}
		usedIDs[id] = struct{}{}

		if datasetKey != "" {
			id = datasetKey + "-" + id
		}
		rows = append(rows, Row{ID: id, Road: road, From: from, To: to})
	}

	if droppedDupIDs > 0 {
		zap.L().Warn("ingest: dropped rows with duplicate ids",
			zap.String("workbook", path),
			zap.Int("dropped", droppedDupIDs),
		)
	}
	if skippedSpans > 0 {
		zap.L().Debug("ingest: skipped rows with unsplittable location text",
			zap.String("workbook", path),
			zap.Int("skipped", skippedSpans),
		)
	}

	return rows, nil
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, c := range row.Cells {
		cells[j] = c.String()
	}
	return cells
}

// isSkipValue reports whether the road cell repeats a header word.
func isSkipValue(road string, skip []string) bool {
	for _, s := range skip {
		if strings.EqualFold(road, s) {
			return true
		}
	}
	return false
}

// stripDirection trims one trailing N/S/E/W so directional counter pairs
// (8301N / 8301S) share an id.
func stripDirection(id string) string {
	if n := len(id); n > 0 {
		switch id[n-1] {
		case 'N', 'S', 'E', 'W':
			return id[:n-1]
		}
	}
	return id
}
