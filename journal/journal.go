// Package journal records training runs, per-epoch statistics and written
// checkpoints in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-cyclegan/training"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("journal is closed")

// Run status values
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run is one training invocation
type Run struct {
	ID         string
	Device     string
	Status     string
	Config     string // JSON
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal is a SQLite-backed training log. It implements
// training.EpochRecorder.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

var _ training.EpochRecorder = (*Journal)(nil)

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for %s", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", path)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			d_loss_mean REAL NOT NULL,
			d_loss_std REAL NOT NULL,
			g_loss_mean REAL NOT NULL,
			g_loss_std REAL NOT NULL,
			h_real REAL NOT NULL,
			h_fake REAL NOT NULL,
			skipped_d INTEGER NOT NULL,
			skipped_g INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			path TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, epoch);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create journal schema")
	}
	return nil
}

// StartRun records a new run. cfg is stored as JSON.
func (j *Journal) StartRun(ctx context.Context, runID, device string, cfg interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode run configuration")
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO runs (id, device, status, config, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, device, StatusRunning, string(data), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to record run %s", runID)
	}
	return nil
}

// FinishRun marks a run finished or failed
func (j *Journal) FinishRun(ctx context.Context, runID, status string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), runID)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("unknown run %s", runID)
	}
	return nil
}

// RecordEpoch stores an epoch summary and its checkpoint paths atomically.
// Recording the same epoch twice replaces the statistics.
func (j *Journal) RecordEpoch(ctx context.Context, s training.EpochSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs (run_id, epoch, steps, d_loss_mean, d_loss_std, g_loss_mean, g_loss_std,
			h_real, h_fake, skipped_d, skipped_g, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Epoch, s.Steps, s.DLossMean, s.DLossStd, s.GLossMean, s.GLossStd,
		s.HReal, s.HFake, s.SkippedD, s.SkippedG, s.Duration.Milliseconds(), now)
	if err != nil {
		return errors.Wrapf(err, "failed to record epoch %d", s.Epoch)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = ? AND epoch = ?`, s.RunID, s.Epoch); err != nil {
		return errors.Wrapf(err, "failed to replace checkpoints of epoch %d", s.Epoch)
	}
	for _, path := range s.Checkpoints {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (run_id, epoch, path, recorded_at) VALUES (?, ?, ?, ?)`,
			s.RunID, s.Epoch, path, now)
		if err != nil {
			return errors.Wrapf(err, "failed to record checkpoint %s", path)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit epoch")
	}
	return nil
}

// Epochs returns the recorded epochs of a run in order, with checkpoint paths
func (j *Journal) Epochs(ctx context.Context, runID string) ([]training.EpochSummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT epoch, steps, d_loss_mean, d_loss_std, g_loss_mean, g_loss_std,
			h_real, h_fake, skipped_d, skipped_g, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query epochs")
	}
	defer rows.Close()

	var out []training.EpochSummary
	for rows.Next() {
		s := training.EpochSummary{RunID: runID}
		var ms int64
		if err := rows.Scan(&s.Epoch, &s.Steps, &s.DLossMean, &s.DLossStd, &s.GLossMean, &s.GLossStd,
			&s.HReal, &s.HFake, &s.SkippedD, &s.SkippedG, &ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan epoch")
		}
		s.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read epochs")
	}
	rows.Close()

	for i := range out {
		paths, err := j.checkpointPaths(ctx, runID, out[i].Epoch)
		if err != nil {
			return nil, err
		}
		out[i].Checkpoints = paths
	}
	return out, nil
}

func (j *Journal) checkpointPaths(ctx context.Context, runID string, epoch int) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT path FROM checkpoints WHERE run_id = ? AND epoch = ? ORDER BY rowid`, runID, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query checkpoints")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Runs returns every recorded run, oldest first
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, device, status, config, started_at, finished_at FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var cfg sql.NullString
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Device, &r.Status, &cfg, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		r.Config = cfg.String
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
