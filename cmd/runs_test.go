package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/roadworks-cli/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 8, 15, 10, 30, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:      "abc12345-6789-0000-0000-000000000000",
			Dataset: "lake",
			Engine:  "valhalla",
			Status:  store.RunStatusComplete,
			Result: &store.RunResult{
				SegmentsTotal:   120,
				SegmentsClean:   117,
				SegmentsFlagged: 3,
			},
			CreatedAt: now,
			UpdatedAt: now.Add(40 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Dataset:   "orange",
			Engine:    "osrm",
			Status:    store.RunStatusRouting,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "DATASET")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "lake")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "117")
	assert.Contains(t, output, "orange")
	assert.Contains(t, output, "routing")
	assert.Contains(t, output, "2026-08-15 10:30")
}

func TestFormatRunsList_NoResultShowsDash(t *testing.T) {
	runs := []store.Run{
		{
			ID:      "def12345-6789-0000-0000-000000000000",
			Dataset: "lake",
			Status:  store.RunStatusFailed,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	assert.Contains(t, buf.String(), "-")
	assert.Contains(t, buf.String(), "failed")
}

func TestFormatSegmentResults(t *testing.T) {
	results := []store.SegmentResult{
		{
			SegmentID:       "lake-7",
			RoadName:        "SR 19",
			Status:          "CLIPPED",
			RouteDistanceKm: 3.21,
			DetourRatio:     1.4,
			Flags:           []string{"FIXED_OOB"},
		},
		{
			SegmentID:    "lake-9",
			RoadName:     "CR 455",
			Status:       "ZERO_LENGTH",
			ReviewReason: "zero-length repair exhausted",
		},
	}

	var buf bytes.Buffer
	formatSegmentResults(&buf, results)

	output := buf.String()
	assert.Contains(t, output, "SEGMENT")
	assert.Contains(t, output, "lake-7")
	assert.Contains(t, output, "CLIPPED")
	assert.Contains(t, output, "3.21")
	assert.Contains(t, output, "FIXED_OOB")
	assert.Contains(t, output, "lake-9")
	assert.Contains(t, output, "zero-length repair exhausted")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc12345", shortID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", shortID("short"))
}
