// Package store persists run history: one row per pipeline run, its phase
// outcomes, and the final per-segment results. Backends: SQLite (default)
// and Postgres.
package store

import (
	"context"
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusGeocoding RunStatus = "geocoding"
	RunStatusRouting   RunStatus = "routing"
	RunStatusRepairing RunStatus = "repairing"
	RunStatusReporting RunStatus = "reporting"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents a single pipeline run over one dataset.
type Run struct {
	ID        string     `json:"id"`
	Dataset   string     `json:"dataset"`
	Engine    string     `json:"engine"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	SegmentsTotal   int            `json:"segments_total"`
	SegmentsClean   int            `json:"segments_clean"`
	SegmentsFlagged int            `json:"segments_flagged"`
	StatusCounts    map[string]int `json:"status_counts"`
	Phases          []PhaseResult  `json:"phases"`
	Error           string         `json:"error,omitempty"`
}

// RunPhase represents a phase within a run.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SegmentResult is the persisted summary of one segment's final state.
type SegmentResult struct {
	RunID           string   `json:"run_id"`
	SegmentID       string   `json:"segment_id"`
	RoadName        string   `json:"road_name"`
	Status          string   `json:"status"`
	Flags           []string `json:"flags,omitempty"`
	RouteDistanceKm float64  `json:"route_distance_km"`
	DetourRatio     float64  `json:"detour_ratio"`
	ReviewReason    string   `json:"review_reason,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  RunStatus `json:"status,omitempty"`
	Dataset string    `json:"dataset,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for the repair pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, dataset, engine string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	// FinishRun stores the final result and marks the run complete, or
	// failed when the result carries an error.
	FinishRun(ctx context.Context, runID string, result *RunResult) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name string) (*RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *PhaseResult) error

	// Segment results
	SaveSegmentResults(ctx context.Context, runID string, results []SegmentResult) error
	ListSegmentResults(ctx context.Context, runID string) ([]SegmentResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
