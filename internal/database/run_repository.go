package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/sumi-ripple/internal/domain"
)

// ErrNoRunningRun is returned by CurrentRunning when no run has status
// "running".
var ErrNoRunningRun = errors.New("no running run")

// RunRepository handles the runs table (§4.3 "begin_run"/"finish_run").
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Begin inserts a new running run with the given config hash.
func (r *RunRepository) Begin(ctx context.Context, configHash string) (*domain.Run, error) {
	run := &domain.Run{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		ConfigHash: configHash,
		Status:     domain.RunRunning,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, config_hash, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.ConfigHash, run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// Finish sets a run's status and finished_at timestamp.
func (r *RunRepository) Finish(ctx context.Context, id string, status domain.RunStatus) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, now, id,
	)
	return execRequireRows(result, err, fmt.Errorf("run not found: %s", id))
}

// CurrentRunning returns the most recent run with status "running", if any.
// Used by the coordinator's resume path (§4.8 "On startup").
func (r *RunRepository) CurrentRunning(ctx context.Context) (*domain.Run, error) {
	var run domain.Run
	err := r.db.GetContext(ctx, &run,
		`SELECT id, started_at, finished_at, config_hash, status FROM runs
		 WHERE status = 'running' ORDER BY started_at DESC LIMIT 1`,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRunningRun
		}
		return nil, fmt.Errorf("query current running run: %w", err)
	}
	return &run, nil
}

// InterruptStale marks every run still flagged "running" as "interrupted".
// Called on --fresh or when no resumable run was found, so a prior
// process's crash never leaves two "running" rows (§3 global invariant).
func (r *RunRepository) InterruptStale(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = 'interrupted', finished_at = ? WHERE status = 'running'`,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("interrupt stale runs: %w", err)
	}
	return nil
}
