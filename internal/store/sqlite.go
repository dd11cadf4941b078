package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	dataset    TEXT NOT NULL,
	engine     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_phases (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS segment_results (
	run_id            TEXT NOT NULL REFERENCES runs(id),
	segment_id        TEXT NOT NULL,
	road_name         TEXT NOT NULL,
	status            TEXT NOT NULL,
	flags             TEXT,
	route_distance_km REAL NOT NULL DEFAULT 0,
	detour_ratio      REAL NOT NULL DEFAULT 0,
	review_reason     TEXT,
	PRIMARY KEY (run_id, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_segment_results_run_id ON segment_results(run_id);
CREATE INDEX IF NOT EXISTS idx_segment_results_status ON segment_results(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, dataset, engine string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, dataset, engine, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, dataset, engine, string(RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:        id,
		Dataset:   dataset,
		Engine:    engine,
		Status:    RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, result *RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(finalStatus(result)), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset, engine, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, dataset, engine, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Dataset != "" {
		query += ` AND dataset = ?`
		args = append(args, filter.Dataset)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreatePhase(ctx context.Context, runID string, name string) (*RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for run %s", runID)
	}

	return &RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_phases SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

func (s *SQLiteStore) SaveSegmentResults(ctx context.Context, runID string, results []SegmentResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO segment_results
		 (run_id, segment_id, road_name, status, flags, route_distance_km, detour_ratio, review_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, segment_id) DO UPDATE SET
		   road_name = excluded.road_name, status = excluded.status, flags = excluded.flags,
		   route_distance_km = excluded.route_distance_km, detour_ratio = excluded.detour_ratio,
		   review_reason = excluded.review_reason`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare segment insert")
	}
	defer stmt.Close()

	for _, r := range results {
		flagsJSON, err := json.Marshal(r.Flags)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal flags for %s", r.SegmentID)
		}
		if _, err := stmt.ExecContext(ctx,
			runID, r.SegmentID, r.RoadName, r.Status, string(flagsJSON),
			r.RouteDistanceKm, r.DetourRatio, r.ReviewReason,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert segment result %s", r.SegmentID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit segment results")
}

func (s *SQLiteStore) ListSegmentResults(ctx context.Context, runID string) ([]SegmentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, segment_id, road_name, status, flags, route_distance_km, detour_ratio, review_reason
		 FROM segment_results WHERE run_id = ? ORDER BY segment_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list segment results")
	}
	defer rows.Close()

	var results []SegmentResult
	for rows.Next() {
		var r SegmentResult
		var flagsJSON, reason sql.NullString
		if err := rows.Scan(&r.RunID, &r.SegmentID, &r.RoadName, &r.Status, &flagsJSON,
			&r.RouteDistanceKm, &r.DetourRatio, &reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan segment result")
		}
		if flagsJSON.Valid && flagsJSON.String != "" {
			if err := json.Unmarshal([]byte(flagsJSON.String), &r.Flags); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal flags")
			}
		}
		r.ReviewReason = reason.String
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list segment results iterate")
}

// helpers

// finalStatus maps a run result to its terminal status.
func finalStatus(result *RunResult) RunStatus {
	if result != nil && result.Error != "" {
		return RunStatusFailed
	}
	return RunStatusComplete
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.Dataset, &r.Engine, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if resultJSON.Valid {
		r.Result = &RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}
