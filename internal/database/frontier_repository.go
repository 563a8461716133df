package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/sumi-ripple/internal/domain"
)

// ErrNoURLAvailable is returned by Take when no frontier entry currently
// satisfies the caller's readiness predicate.
var ErrNoURLAvailable = errors.New("no URL available in frontier")

// FrontierRepository handles the frontier table (§4.3 "frontier_push" /
// "frontier_take"). SQLite has no SELECT ... FOR UPDATE SKIP LOCKED, so
// Take serializes candidate scanning through a BEGIN IMMEDIATE
// transaction instead of row-level locking (db.Open caps the pool at one
// connection, making this equivalent in effect to a single writer).
type FrontierRepository struct {
	db   *sqlx.DB   // Take's own self-contained BEGIN IMMEDIATE transaction
	exec dbExecutor // Push/Hosts/Empty/Remove/All; db, or a caller's tx via WithTx
}

// NewFrontierRepository creates a new frontier repository.
func NewFrontierRepository(db *sqlx.DB) *FrontierRepository {
	return &FrontierRepository{db: db, exec: db}
}

// WithTx returns a FrontierRepository whose Push/Remove writes run against
// tx instead of opening their own connection, so a caller can compose this
// repository's writes with other repositories' into one transaction. Take
// still always opens its own transaction against the repository's own
// connection, since it is never called from within a caller-owned one.
func (r *FrontierRepository) WithTx(tx *sqlx.Tx) *FrontierRepository {
	return &FrontierRepository{db: r.db, exec: tx}
}

// Push is frontier_push: inserts a frontier entry for a page.
func (r *FrontierRepository) Push(ctx context.Context, pageID int64, url, host string, priority int) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO frontier (page_id, url, host, priority, added_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (page_id) DO NOTHING`,
		pageID, url, host, priority, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("push frontier entry: %w", err)
	}
	return nil
}

// ReadyPredicate reports whether the frontier entry for host may be
// dispatched now, given the caller's domain-state snapshot.
type ReadyPredicate func(host string) bool

// Take is frontier_take: returns and removes the minimum-priority entry
// whose host satisfies ready, or ErrNoURLAvailable if none does.
func (r *FrontierRepository) Take(ctx context.Context, ready ReadyPredicate) (*domain.FrontierEntry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var candidates []domain.FrontierEntry
	err = tx.SelectContext(ctx, &candidates,
		`SELECT page_id, url, host, priority, added_at FROM frontier
		 ORDER BY priority ASC, added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("scan frontier candidates: %w", err)
	}

	var chosen *domain.FrontierEntry
	for i := range candidates {
		if ready(candidates[i].Host) {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return nil, ErrNoURLAvailable
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM frontier WHERE page_id = ?`, chosen.PageID); err != nil {
		return nil, fmt.Errorf("delete claimed frontier entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take transaction: %w", err)
	}
	return chosen, nil
}

// Hosts returns the distinct hosts currently present in the frontier, used
// by the scheduler's wait-loop to compute the minimum cooldown (§4.5).
func (r *FrontierRepository) Hosts(ctx context.Context) ([]string, error) {
	var hosts []string
	err := r.exec.SelectContext(ctx, &hosts, `SELECT DISTINCT host FROM frontier`)
	if err != nil {
		return nil, fmt.Errorf("select frontier hosts: %w", err)
	}
	return hosts, nil
}

// Empty reports whether the frontier has no entries.
func (r *FrontierRepository) Empty(ctx context.Context) (bool, error) {
	var count int
	err := r.exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM frontier`)
	if err != nil {
		return false, fmt.Errorf("count frontier: %w", err)
	}
	return count == 0, nil
}

// Remove deletes a frontier entry by page id (used when a queued page is
// swept to RateLimited/RequestLimitHit before being dispatched).
func (r *FrontierRepository) Remove(ctx context.Context, pageID int64) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM frontier WHERE page_id = ?`, pageID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("remove frontier entry: %w", err)
	}
	return nil
}

// All returns every frontier entry, used by the coordinator's rate-limit
// and request-cap sweeps to find a host's still-queued entries.
func (r *FrontierRepository) All(ctx context.Context) ([]domain.FrontierEntry, error) {
	var entries []domain.FrontierEntry
	err := r.exec.SelectContext(ctx, &entries,
		`SELECT page_id, url, host, priority, added_at FROM frontier ORDER BY priority ASC, added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("select all frontier entries: %w", err)
	}
	return entries, nil
}
