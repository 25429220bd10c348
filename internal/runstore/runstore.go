// Package runstore records training runs, their per-epoch metrics and
// served predictions in a sqlite database.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lesionseg/internal/timeutil"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Store is a handle on the run database.
type Store struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	s := &Store{db: db, path: path, clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used to stamp rows.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = c }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Path is the database file the store was opened from.
func (s *Store) Path() string { return s.path }

// Run is one training invocation.
type Run struct {
	ID             string     `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status"`
	ConfigJSON     string     `json:"config_json"`
	BestEpoch      int        `json:"best_epoch"`
	BestValIoU     float64    `json:"best_val_iou"`
	CheckpointPath string     `json:"checkpoint_path"`
}

// Epoch is the outcome of one training epoch.
type Epoch struct {
	RunID        string        `json:"run_id"`
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	ValLesionIoU float64       `json:"val_lesion_iou"`
	Saved        bool          `json:"saved"`
	Duration     time.Duration `json:"duration"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Prediction is one served or offline segmentation.
type Prediction struct {
	ID             string    `json:"prediction_id"`
	CreatedAt      time.Time `json:"created_at"`
	Transport      string    `json:"transport"`
	Source         string    `json:"source"`
	CheckpointPath string    `json:"checkpoint_path"`
	NumPoints      int       `json:"num_points"`
	LesionPoints   int       `json:"lesion_points"`
	DurationMS     float64   `json:"duration_ms"`
}

// StartRun inserts a running run and returns its id.
func (s *Store) StartRun(ctx context.Context, configJSON string) (string, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_runs (run_id, started_at, status, config_json) VALUES (?, ?, ?, ?)`,
		id, s.clock.Now().UnixMilli(), StatusRunning, configJSON)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// RecordEpoch stores e and, when e.Saved, marks it as the run's best.
func (s *Store) RecordEpoch(ctx context.Context, e Epoch) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.clock.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO training_epochs (run_id, epoch, train_loss, val_lesion_iou, saved, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Epoch, e.TrainLoss, e.ValLesionIoU, e.Saved, e.Duration.Milliseconds(), e.RecordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", e.Epoch, err)
	}
	if e.Saved {
		if _, err := tx.ExecContext(ctx,
			`UPDATE training_runs SET best_epoch = ?, best_val_iou = ? WHERE run_id = ?`,
			e.Epoch, e.ValLesionIoU, e.RunID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FinishRun closes a run with the given status and best checkpoint path.
func (s *Store) FinishRun(ctx context.Context, runID, status, checkpointPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_runs SET finished_at = ?, status = ?, checkpoint_path = ? WHERE run_id = ?`,
		s.clock.Now().UnixMilli(), status, checkpointPath, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, started_at, finished_at, status, config_json, best_epoch, best_val_iou, checkpoint_path`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&r.ID, &started, &finished, &r.Status, &r.ConfigJSON,
		&r.BestEpoch, &r.BestValIoU, &r.CheckpointPath); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM training_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM training_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNotFound
	}
	return runs[0], nil
}

// ListEpochs returns a run's epochs in order.
func (s *Store) ListEpochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, epoch, train_loss, val_lesion_iou, saved, duration_ms, recorded_at
		 FROM training_epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Epoch
	for rows.Next() {
		var e Epoch
		var durMS, recorded int64
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.TrainLoss, &e.ValLesionIoU, &e.Saved, &durMS, &recorded); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durMS) * time.Millisecond
		e.RecordedAt = time.UnixMilli(recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordPrediction stores p, assigning an id and timestamp when unset.
func (s *Store) RecordPrediction(ctx context.Context, p Prediction) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (prediction_id, created_at, transport, source, checkpoint_path, num_points, lesion_points, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CreatedAt.UnixMilli(), p.Transport, p.Source, p.CheckpointPath, p.NumPoints, p.LesionPoints, p.DurationMS)
	if err != nil {
		return "", fmt.Errorf("failed to record prediction: %w", err)
	}
	return p.ID, nil
}

// ListPredictions returns up to limit predictions, newest first.
func (s *Store) ListPredictions(ctx context.Context, limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT prediction_id, created_at, transport, source, checkpoint_path, num_points, lesion_points, duration_ms
		 FROM predictions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Prediction
	for rows.Next() {
		var p Prediction
		var created int64
		if err := rows.Scan(&p.ID, &created, &p.Transport, &p.Source, &p.CheckpointPath,
			&p.NumPoints, &p.LesionPoints, &p.DurationMS); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(created)
		out = append(out, p)
	}
	return out, rows.Err()
}
