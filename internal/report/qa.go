package report

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roadworks-cli/internal/boundary"
	"github.com/sells-group/roadworks-cli/internal/segment"
)

// Distribution bands mirror the conformance classifier.
const (
	highDetourRatio     = 5.0
	moderateDetourRatio = 3.0
	veryShortKm         = 0.01
)

// DetourStats summarizes the detour-ratio distribution over segments that
// finished routing.
type DetourStats struct {
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	High     int     `json:"high"`     // ratio > 5
	Moderate int     `json:"moderate"` // 3 < ratio <= 5
}

// QAReport is the run summary written next to the GeoJSON artifact.
type QAReport struct {
	Dataset     string    `json:"dataset"`
	Region      string    `json:"region"`
	GeneratedAt time.Time `json:"generated_at"`

	TotalInput      int `json:"total_input"`
	Geocoded        int `json:"geocoded"`
	GeocodeFailed   int `json:"geocode_failed"`
	Routed          int `json:"routed"`
	RouteFailed     int `json:"route_failed"`
	Clipped         int `json:"clipped"`
	ZeroLength      int `json:"zero_length"`
	VeryShortRoutes int `json:"very_short_routes"`
	NeedsReview     int `json:"needs_review"`

	TotalRoutePoints int     `json:"total_route_points"`
	OOBPoints        int     `json:"oob_points"`
	OOBPct           float64 `json:"oob_pct"`

	Detour   DetourStats    `json:"detour"`
	Statuses map[string]int `json:"statuses"`
	Flags    map[string]int `json:"flags"`
}

// BuildQA summarizes a finished run from its segments.
func BuildQA(dataset, region string, segs []*segment.Segment, bnd *boundary.Boundary) *QAReport {
	qa := RebuildQA(dataset, region, Features(segs), bnd)

	// Live segments carry repair flags and review state the artifact
	// properties do not.
	flags := make(map[string]int)
	review := 0
	for _, s := range segs {
		for _, fl := range s.Flags {
			flags[string(fl)]++
		}
		if s.NeedsReview() {
			review++
		}
	}
	qa.Flags = flags
	qa.NeedsReview = review
	return qa
}

// RebuildQA recomputes a QA report from artifact features alone. Flag
// tallies and the review count are limited to what routeStatus exposes.
func RebuildQA(dataset, region string, feats []Feature, bnd *boundary.Boundary) *QAReport {
	qa := &QAReport{
		Dataset:     dataset,
		Region:      region,
		GeneratedAt: time.Now().UTC(),
		TotalInput:  len(feats),
		Statuses:    make(map[string]int),
		Flags:       make(map[string]int),
	}

	var detourSum float64
	var detourN int

	for _, f := range feats {
		p := f.Properties
		qa.Statuses[p.RouteStatus]++
		if !TerminalStatus(p.RouteStatus) {
			qa.NeedsReview++
		}

		if p.RouteStatus == string(segment.StatusRaw) {
			qa.GeocodeFailed++
			continue
		}
		qa.Geocoded++

		qa.TotalRoutePoints += len(f.Points)
		for _, pt := range f.Points {
			if !bnd.Contains(pt) {
				qa.OOBPoints++
			}
		}

		if !routeComplete(p.RouteStatus) {
			continue
		}
		if p.RouteStatus == string(segment.FlagStraightLine) {
			qa.RouteFailed++
			qa.Flags[string(segment.FlagStraightLine)]++
		} else {
			qa.Routed++
		}
		if p.RouteStatus == string(segment.FlagAuditFlagged) {
			qa.Flags[string(segment.FlagAuditFlagged)]++
		}
		if p.RouteDistanceKm < veryShortKm {
			qa.VeryShortRoutes++
		}

		detourSum += p.DetourRatio
		detourN++
		if p.DetourRatio > qa.Detour.Max {
			qa.Detour.Max = p.DetourRatio
		}
		switch {
		case p.DetourRatio > highDetourRatio:
			qa.Detour.High++
		case p.DetourRatio > moderateDetourRatio:
			qa.Detour.Moderate++
		}
	}

	if detourN > 0 {
		qa.Detour.Mean = round(detourSum/float64(detourN), 2)
	}
	if qa.TotalRoutePoints > 0 {
		qa.OOBPct = round(100*float64(qa.OOBPoints)/float64(qa.TotalRoutePoints), 4)
	}
	qa.Clipped = qa.Statuses[string(segment.StatusClipped)]
	qa.ZeroLength = qa.Statuses[string(segment.StatusZeroLength)]
	return qa
}

// routeComplete reports whether a routeStatus means routing finished, by the
// router or the straight-line fallback.
func routeComplete(status string) bool {
	switch status {
	case string(segment.StatusRaw), string(segment.StatusGeocoded), string(segment.StatusZeroLength):
		return false
	}
	return true
}

// WriteQA writes the QA report as indented JSON.
func WriteQA(path string, qa *QAReport) error {
	data, err := json.MarshalIndent(qa, "", "  ")
	if err != nil {
		return eris.Wrap(err, "report: marshal qa report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "report: write %s", path)
	}
	return nil
}

// ReadQA loads a QA report from disk.
func ReadQA(path string) (*QAReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "report: read %s", path)
	}
	var qa QAReport
	if err := json.Unmarshal(data, &qa); err != nil {
		return nil, eris.Wrapf(err, "report: parse %s", path)
	}
	return &qa, nil
}
