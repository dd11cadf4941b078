// Package audit re-checks finished runs from the outside: the
// cross-validator compares resolved endpoints against an independent
// geocoder, and the deep auditor re-walks artifact geometry against the
// boundary.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/boundary"
	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/ingest"
	"github.com/sells-group/roadworks-cli/internal/pipeline"
	"github.com/sells-group/roadworks-cli/internal/segment"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
)

// Road-type strata, keyed by designation prefix.
const (
	StratumState   = "state"
	StratumFederal = "federal"
	StratumCounty  = "county"
	StratumLocal   = "local"
)

// Match classes for one endpoint comparison.
const (
	MatchOK   = "OK"
	MatchWarn = "WARN"
	MatchBad  = "BAD"
	MatchMiss = "MISS"
)

// Agreement thresholds between the two geocoders, in meters.
const (
	okDistanceM   = 500.0
	warnDistanceM = 2000.0
)

// secondaryLimit caps candidates requested from the secondary geocoder.
const secondaryLimit = 3

// Stratum buckets a road name by its designation prefix.
func Stratum(road string) string {
	r := strings.ToUpper(strings.TrimSpace(road))
	switch {
	case strings.HasPrefix(r, "SR ") || strings.HasPrefix(r, "SR-") || strings.HasPrefix(r, "STATE "):
		return StratumState
	case strings.HasPrefix(r, "US ") || strings.HasPrefix(r, "US-"):
		return StratumFederal
	case strings.HasPrefix(r, "CR ") || strings.HasPrefix(r, "CR-") || strings.HasPrefix(r, "COUNTY "):
		return StratumCounty
	default:
		return StratumLocal
	}
}

// Quotas are per-stratum sample sizes.
type Quotas struct {
	State   int
	Federal int
	County  int
	Local   int
}

// Total returns the combined sample target.
func (q Quotas) Total() int {
	return q.State + q.Federal + q.County + q.Local
}

// Scale resizes the quotas proportionally toward a new total. Rounding can
// overshoot by a seat or two; strata that had a quota keep at least one.
func (q Quotas) Scale(total int) Quotas {
	cur := q.Total()
	if total <= 0 || cur == 0 || total == cur {
		return q
	}
	f := float64(total) / float64(cur)
	return Quotas{
		State:   scaleQuota(q.State, f),
		Federal: scaleQuota(q.Federal, f),
		County:  scaleQuota(q.County, f),
		Local:   scaleQuota(q.Local, f),
	}
}

func scaleQuota(n int, f float64) int {
	if n == 0 {
		return 0
	}
	if s := int(math.Round(float64(n) * f)); s > 1 {
		return s
	}
	return 1
}

// DistanceStats summarize geocoder deltas over matched pairs only.
type DistanceStats struct {
	Median float64 `json:"median_m"`
	Mean   float64 `json:"mean_m"`
	P90    float64 `json:"p90_m"`
	Max    float64 `json:"max_m"`
}

// MatchCounts tally comparisons by class.
type MatchCounts struct {
	OK   int `json:"ok"`
	Warn int `json:"warn"`
	Bad  int `json:"bad"`
	Miss int `json:"miss"`
}

func (m *MatchCounts) add(match string) {
	switch match {
	case MatchOK:
		m.OK++
	case MatchWarn:
		m.Warn++
	case MatchBad:
		m.Bad++
	case MatchMiss:
		m.Miss++
	}
}

// StratumReport is the per-stratum slice of the report.
type StratumReport struct {
	Population int `json:"population"`
	Sampled    int `json:"sampled"`
	Endpoints  int `json:"endpoints_compared"`
	Found      int `json:"secondary_found"`
	MatchCounts
	Distance DistanceStats `json:"distance"`
}

// Comparison is one endpoint check against the secondary geocoder.
type Comparison struct {
	SegmentID    string  `json:"segment_id"`
	RoadName     string  `json:"road_name"`
	Endpoint     string  `json:"endpoint"`
	Stratum      string  `json:"stratum"`
	PrimaryLon   float64 `json:"primary_lon"`
	PrimaryLat   float64 `json:"primary_lat"`
	SecondaryLon float64 `json:"secondary_lon"`
	SecondaryLat float64 `json:"secondary_lat"`
	DeltaM       float64 `json:"delta_m"`
	Match        string  `json:"match"`
}

// CrossValidationReport aggregates a sampling run.
type CrossValidationReport struct {
	Dataset     string    `json:"dataset"`
	GeneratedAt time.Time `json:"generated_at"`
	Seed        int64     `json:"seed"`
	SampleSize  int       `json:"sample_size"`
	Endpoints   int       `json:"endpoints_compared"`
	Found       int       `json:"secondary_found"`
	MatchCounts
	Distance DistanceStats             `json:"distance"`
	Strata   map[string]*StratumReport `json:"strata"`
	Results  []Comparison              `json:"results"`
}

// Write saves the report as indented JSON.
func (r *CrossValidationReport) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return eris.Wrap(err, "audit: marshal cross-validation report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "audit: write %s", path)
	}
	return nil
}

// CrossValidator spot-checks resolved endpoints against a second geocoding
// service. It is read-only over the segments it samples.
type CrossValidator struct {
	secondary geocode.Client
	bbox      geometry.BBox
	ds        *ingest.DatasetSpec
	seed      int64
	quotas    Quotas
	log       *zap.Logger
}

// NewCrossValidator builds a cross-validator. The secondary client's rate
// limiter paces requests; the validator never sleeps.
func NewCrossValidator(secondary geocode.Client, bnd *boundary.Boundary, ds *ingest.DatasetSpec, seed int64, quotas Quotas) *CrossValidator {
	return &CrossValidator{
		secondary: secondary,
		bbox:      bnd.BBox(),
		ds:        ds,
		seed:      seed,
		quotas:    quotas,
		log: zap.L().With(
			zap.String("component", "crossvalidate"),
			zap.String("dataset", ds.Key),
		),
	}
}

// Run draws the stratified sample, re-geocodes each endpoint through the
// secondary service, and classifies the distance between the two answers.
func (cv *CrossValidator) Run(ctx context.Context, segs []*segment.Segment) (*CrossValidationReport, error) {
	sample, populations := cv.sample(segs)

	rep := &CrossValidationReport{
		Dataset:     cv.ds.Key,
		GeneratedAt: time.Now().UTC(),
		Seed:        cv.seed,
		SampleSize:  len(sample),
		Strata: map[string]*StratumReport{
			StratumState:   {Population: populations[StratumState]},
			StratumFederal: {Population: populations[StratumFederal]},
			StratumCounty:  {Population: populations[StratumCounty]},
			StratumLocal:   {Population: populations[StratumLocal]},
		},
	}

	cv.log.Info("cross-validation sample drawn",
		zap.Int("eligible", populations[StratumState]+populations[StratumFederal]+populations[StratumCounty]+populations[StratumLocal]),
		zap.Int("sampled", len(sample)),
		zap.Int64("seed", cv.seed))

	var overall []float64
	perStratum := make(map[string][]float64)

	for _, s := range sample {
		st := rep.Strata[Stratum(s.RoadName)]
		st.Sampled++

		for _, ep := range []segment.Endpoint{s.From, s.To} {
			cmp, err := cv.compare(ctx, s, ep)
			if err != nil {
				return nil, err
			}
			rep.Results = append(rep.Results, cmp)

			rep.Endpoints++
			st.Endpoints++
			rep.add(cmp.Match)
			st.add(cmp.Match)
			if cmp.Match == MatchMiss {
				continue
			}
			rep.Found++
			st.Found++
			overall = append(overall, cmp.DeltaM)
			perStratum[cmp.Stratum] = append(perStratum[cmp.Stratum], cmp.DeltaM)
		}
	}

	rep.Distance = distanceStats(overall)
	for name, st := range rep.Strata {
		st.Distance = distanceStats(perStratum[name])
	}

	cv.log.Info("cross-validation complete",
		zap.Int("endpoints", rep.Endpoints),
		zap.Int("ok", rep.OK),
		zap.Int("warn", rep.Warn),
		zap.Int("bad", rep.Bad),
		zap.Int("miss", rep.Miss),
		zap.Float64("median_m", rep.Distance.Median))

	return rep, nil
}

// sample buckets eligible segments (both endpoints resolved) by stratum,
// shuffles each bucket with the seeded generator, and truncates to quota.
// Strata draw in a fixed order so a seed always yields the same membership.
func (cv *CrossValidator) sample(segs []*segment.Segment) ([]*segment.Segment, map[string]int) {
	buckets := make(map[string][]*segment.Segment)
	for _, s := range segs {
		if !s.From.Resolved() || !s.To.Resolved() {
			continue
		}
		name := Stratum(s.RoadName)
		buckets[name] = append(buckets[name], s)
	}

	populations := make(map[string]int, len(buckets))
	for name, pool := range buckets {
		populations[name] = len(pool)
	}

	rng := rand.New(rand.NewPCG(uint64(cv.seed), uint64(cv.seed)))
	var sample []*segment.Segment
	for _, draw := range []struct {
		name  string
		quota int
	}{
		{StratumState, cv.quotas.State},
		{StratumFederal, cv.quotas.Federal},
		{StratumCounty, cv.quotas.County},
		{StratumLocal, cv.quotas.Local},
	} {
		pool := buckets[draw.name]
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		n := draw.quota
		if n > len(pool) {
			n = len(pool)
		}
		sample = append(sample, pool[:n]...)
	}
	return sample, populations
}

// compare re-geocodes one endpoint and classifies the distance to the
// pipeline's coordinate.
func (cv *CrossValidator) compare(ctx context.Context, s *segment.Segment, ep segment.Endpoint) (Comparison, error) {
	cross := s.FromDesc
	if ep.Role == segment.RoleTo {
		cross = s.ToDesc
	}

	cmp := Comparison{
		SegmentID:  s.ID,
		RoadName:   s.RoadName,
		Endpoint:   string(ep.Role),
		Stratum:    Stratum(s.RoadName),
		PrimaryLon: ep.Point.Lon,
		PrimaryLat: ep.Point.Lat,
	}

	cand, err := cv.lookup(ctx, s.RoadName, cross)
	if err != nil {
		return cmp, err
	}
	if cand == nil {
		cmp.Match = MatchMiss
		return cmp, nil
	}

	delta := geometry.Haversine(ep.Point, geometry.Point{Lon: cand.Lon, Lat: cand.Lat})
	cmp.SecondaryLon = cand.Lon
	cmp.SecondaryLat = cand.Lat
	cmp.DeltaM = round1(delta)
	switch {
	case delta < okDistanceM:
		cmp.Match = MatchOK
	case delta < warnDistanceM:
		cmp.Match = MatchWarn
	default:
		cmp.Match = MatchBad
	}
	return cmp, nil
}

// lookup queries the secondary geocoder hard-bounded to the boundary bbox,
// falling back to the cross street alone when the intersection query finds
// nothing. A nil candidate with nil error is a miss; only context
// cancellation propagates as an error.
func (cv *CrossValidator) lookup(ctx context.Context, road, cross string) (*geocode.Candidate, error) {
	opts := geocode.ResolveOptions{
		Extent: &geocode.Extent{
			MinLon: cv.bbox.MinLon, MinLat: cv.bbox.MinLat,
			MaxLon: cv.bbox.MaxLon, MaxLat: cv.bbox.MaxLat,
		},
		Limit:   secondaryLimit,
		Bounded: true,
	}

	queries := []string{
		pipeline.IntersectionQuery(road, cross, cv.ds.GeocodeSuffix),
		fmt.Sprintf("%s, %s", cross, cv.ds.GeocodeSuffix),
	}
	for _, q := range queries {
		cands, err := cv.secondary.Resolve(ctx, q, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cv.log.Warn("secondary lookup failed", zap.String("query", q), zap.Error(err))
			continue
		}
		if len(cands) > 0 {
			return &cands[0], nil
		}
	}
	return nil, nil
}

// distanceStats computes rank statistics over matched deltas.
func distanceStats(deltas []float64) DistanceStats {
	if len(deltas) == 0 {
		return DistanceStats{}
	}
	sorted := append([]float64(nil), deltas...)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	return DistanceStats{
		Median: round1(sorted[n/2]),
		Mean:   round1(sum / float64(n)),
		P90:    round1(sorted[int(float64(n)*0.9)]),
		Max:    round1(sorted[n-1]),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
