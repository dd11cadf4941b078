// Package pipeline drives road segments through the staged repair state
// machine: geocode both endpoints, route between them, pull stray endpoints
// back inside the boundary, and conform the final geometry. Each segment
// either reaches a terminal status or is flagged for manual review with the
// reason attached; no segment is ever dropped.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/roadworks-cli/internal/boundary"
	"github.com/sells-group/roadworks-cli/internal/config"
	"github.com/sells-group/roadworks-cli/internal/ingest"
	"github.com/sells-group/roadworks-cli/internal/resilience"
	"github.com/sells-group/roadworks-cli/internal/segment"
	"github.com/sells-group/roadworks-cli/internal/store"
	"github.com/sells-group/roadworks-cli/pkg/geocode"
	"github.com/sells-group/roadworks-cli/pkg/route"
)

// Run phases, persisted per run in execution order.
const (
	phaseGeocode  = "1_geocode"
	phaseRoute    = "2_route"
	phaseBoundary = "3_boundary"
	phaseConform  = "4_conform"
	phasePersist  = "5_persist"
)

// Pipeline orchestrates one dataset run.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	geocoder   geocode.Client
	router     route.Router
	boundary   *boundary.Boundary
	ds         *ingest.DatasetSpec
	geoRetry   resilience.RetryConfig
	routeRetry resilience.RetryConfig
	log        *zap.Logger
}

// New creates a pipeline for one dataset.
func New(cfg *config.Config, st store.Store, geocoder geocode.Client, router route.Router, bnd *boundary.Boundary, ds *ingest.DatasetSpec) *Pipeline {
	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	geoRetry, routeRetry := retry, retry
	geoRetry.OnRetry = resilience.RetryLogger("geocode", "resolve")
	routeRetry.OnRetry = resilience.RetryLogger(router.Engine(), "route")

	return &Pipeline{
		cfg:        cfg,
		store:      st,
		geocoder:   geocoder,
		router:     router,
		boundary:   bnd,
		ds:         ds,
		geoRetry:   geoRetry,
		routeRetry: routeRetry,
		log: zap.L().With(
			zap.String("component", "pipeline"),
			zap.String("dataset", ds.Key),
		),
	}
}

// Result summarizes a finished run.
type Result struct {
	RunID        string
	Total        int
	Clean        int
	Flagged      int
	StatusCounts map[string]int
	Phases       []store.PhaseResult
}

// Run drives every segment in the repository through the state machine and
// persists the run record, phase outcomes, and per-segment results. It
// returns an error only when the run record cannot be created or the
// context is canceled; individual segment failures are flagged, not fatal.
func (p *Pipeline) Run(ctx context.Context, repo *segment.Repository) (*Result, error) {
	run, err := p.store.CreateRun(ctx, p.ds.Key, p.router.Engine())
	if err != nil {
		return nil, eris.Wrap(err, "create run")
	}
	log := p.log.With(zap.String("run", run.ID))
	log.Info("pipeline run started", zap.Int("segments", repo.Len()))

	// Bookkeeping writes use a detached context so the run record reflects
	// how far a canceled run got.
	bookCtx := context.WithoutCancel(ctx)

	setStatus := func(status store.RunStatus) {
		if err := p.store.UpdateRunStatus(bookCtx, run.ID, status); err != nil {
			log.Warn("update run status", zap.String("status", string(status)), zap.Error(err))
		}
	}

	var (
		mu     sync.Mutex
		result = &Result{RunID: run.ID, Total: repo.Len()}
	)
	trackPhase := func(name string, fn func() error) *store.PhaseResult {
		phase, perr := p.store.CreatePhase(bookCtx, run.ID, name)
		if perr != nil {
			log.Warn("create phase", zap.String("phase", name), zap.Error(perr))
		}

		start := time.Now()
		pr := &store.PhaseResult{Name: name, Status: store.PhaseStatusComplete}
		if err := fn(); err != nil {
			pr.Status = store.PhaseStatusFailed
			pr.Error = err.Error()
		}
		pr.Duration = time.Since(start).Milliseconds()
		pr.Metadata = phaseMetadata(name, repo)

		if pr.Status == store.PhaseStatusFailed {
			log.Warn("phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration),
				zap.String("error", pr.Error))
		} else {
			log.Info("phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration))
		}

		if phase != nil {
			if err := p.store.CompletePhase(bookCtx, phase.ID, pr); err != nil {
				log.Warn("complete phase", zap.String("phase", name), zap.Error(err))
			}
		}

		mu.Lock()
		result.Phases = append(result.Phases, *pr)
		mu.Unlock()
		return pr
	}

	fail := func(cause error) (*Result, error) {
		setStatus(store.RunStatusFailed)
		final := p.finalize(result, repo)
		final.Error = cause.Error()
		if err := p.store.FinishRun(bookCtx, run.ID, final); err != nil {
			log.Warn("finish run", zap.Error(err))
		}
		return result, cause
	}

	phases := []struct {
		name   string
		status store.RunStatus
	}{
		{phaseGeocode, store.RunStatusGeocoding},
		{phaseRoute, store.RunStatusRouting},
		{phaseBoundary, store.RunStatusRepairing},
		{phaseConform, store.RunStatusRepairing},
	}
	for _, ph := range phases {
		setStatus(ph.status)
		trackPhase(ph.name, func() error {
			return p.applyPhase(ctx, ph.name, repo)
		})
		if ctx.Err() != nil {
			log.Warn("pipeline run canceled", zap.String("phase", ph.name))
			return fail(ctx.Err())
		}
	}

	setStatus(store.RunStatusReporting)
	trackPhase(phasePersist, func() error {
		return p.store.SaveSegmentResults(ctx, run.ID, segmentResults(run.ID, repo))
	})
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	final := p.finalize(result, repo)
	if err := p.store.FinishRun(bookCtx, run.ID, final); err != nil {
		log.Warn("finish run", zap.Error(err))
	}
	log.Info("pipeline run complete",
		zap.Int("clean", result.Clean),
		zap.Int("flagged", result.Flagged))
	return result, nil
}

// applyPhase advances every segment through the phase's stages, fanning out
// across the configured worker count. Only cancellation aborts the phase.
func (p *Pipeline) applyPhase(ctx context.Context, phase string, repo *segment.Repository) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Pipeline.Workers)
	for _, seg := range repo.All() {
		g.Go(func() error {
			return p.advance(ctx, phase, seg)
		})
	}
	return g.Wait()
}

// advance runs the phase's stage rows against one segment in table order,
// so a status produced mid-phase is consumed by the next matching row. A
// stage error flags the segment and stops its progress for good; only
// cancellation is returned to the caller.
func (p *Pipeline) advance(ctx context.Context, phase string, seg *segment.Segment) error {
	if seg.NeedsReview() {
		return nil
	}
	for _, st := range stages {
		if st.phase != phase || !st.accepts(seg.Status) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.fn(p, ctx, seg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.flag(seg, st.name, err)
			return nil
		}
	}
	return nil
}

// finalize computes the run summary. A segment counts as clean when it
// reached a terminal status without being flagged for review.
func (p *Pipeline) finalize(result *Result, repo *segment.Repository) *store.RunResult {
	result.Clean, result.Flagged = 0, 0
	for _, s := range repo.All() {
		if s.Status.Terminal() && !s.NeedsReview() {
			result.Clean++
		} else {
			result.Flagged++
		}
	}
	result.StatusCounts = repo.CountByResultStatus()
	return &store.RunResult{
		SegmentsTotal:   result.Total,
		SegmentsClean:   result.Clean,
		SegmentsFlagged: result.Flagged,
		StatusCounts:    result.StatusCounts,
		Phases:          result.Phases,
	}
}

// phaseMetadata snapshots the repository counters a phase is responsible
// for moving.
func phaseMetadata(name string, repo *segment.Repository) map[string]any {
	counts := repo.CountByStatus()
	md := make(map[string]any)
	switch name {
	case phaseGeocode:
		md["geocoded"] = counts[segment.StatusGeocoded]
		md["unresolved"] = counts[segment.StatusRaw] + counts[segment.StatusZeroLength]
	case phaseRoute:
		md["routed"] = counts[segment.StatusRouted]
		md["straight_line"] = flagCount(repo, segment.FlagStraightLine)
	case phaseBoundary:
		md["fixed_oob"] = flagCount(repo, segment.FlagFixedOOB)
		md["fixed_collapsed"] = flagCount(repo, segment.FlagFixedCollapsed)
		md["unrepaired"] = counts[segment.StatusOOBEndpoint] + counts[segment.StatusCollapsed]
	case phaseConform:
		md["ok"] = counts[segment.StatusOK]
		md["clipped"] = counts[segment.StatusClipped]
		md["high_detour"] = counts[segment.StatusHighDetour]
		md["moderate_detour"] = counts[segment.StatusModerateDetour]
	case phasePersist:
		md["persisted"] = repo.Len()
	}
	return md
}

func flagCount(repo *segment.Repository, f segment.Flag) int {
	n := 0
	for _, s := range repo.All() {
		if s.HasFlag(f) {
			n++
		}
	}
	return n
}

// segmentResults converts the repository's final state into store rows.
func segmentResults(runID string, repo *segment.Repository) []store.SegmentResult {
	out := make([]store.SegmentResult, 0, repo.Len())
	for _, s := range repo.All() {
		flags := make([]string, 0, len(s.Flags))
		for _, f := range s.Flags {
			flags = append(flags, string(f))
		}
		out = append(out, store.SegmentResult{
			RunID:           runID,
			SegmentID:       s.ID,
			RoadName:        s.RoadName,
			Status:          s.ResultStatus(),
			Flags:           flags,
			RouteDistanceKm: s.RouteDistanceKm,
			DetourRatio:     s.DetourRatio(),
			ReviewReason:    s.ReviewReason,
		})
	}
	return out
}
