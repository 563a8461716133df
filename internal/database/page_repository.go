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

// PageRepository handles pages, page_depths, and links (§4.3).
type PageRepository struct {
	exec dbExecutor
}

// NewPageRepository creates a new page repository.
func NewPageRepository(db *sqlx.DB) *PageRepository {
	return &PageRepository{exec: db}
}

// WithTx returns a PageRepository whose writes run against tx instead of
// opening their own connection, so a caller can compose this repository's
// writes with other repositories' into one transaction.
func (r *PageRepository) WithTx(tx *sqlx.Tx) *PageRepository {
	return &PageRepository{exec: tx}
}

// InsertOrGet is insert_or_get_page: idempotent by canonical URL (§4.3).
func (r *PageRepository) InsertOrGet(ctx context.Context, url, host, runID string) (*domain.Page, error) {
	now := time.Now().UTC()
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO pages (url, host, state, run_id, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (url) DO NOTHING`,
		url, host, domain.StateDiscovered, runID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert page: %w", err)
	}

	var page domain.Page
	if err := r.exec.GetContext(ctx, &page, `SELECT * FROM pages WHERE url = ?`, url); err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}
	return &page, nil
}

// ByID fetches a page by surrogate id.
func (r *PageRepository) ByID(ctx context.Context, id int64) (*domain.Page, error) {
	var page domain.Page
	if err := r.exec.GetContext(ctx, &page, `SELECT * FROM pages WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("page %d not found", id)
		}
		return nil, fmt.Errorf("select page: %w", err)
	}
	return &page, nil
}

// SetState transitions a page to a new state, validating the move against
// the state machine (§4.2) before writing.
func (r *PageRepository) SetState(ctx context.Context, id int64, from, to domain.PageState, lastError *string) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal page transition %s -> %s for page %d", from, to, id)
	}
	result, err := r.exec.ExecContext(ctx,
		`UPDATE pages SET state = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, lastError, time.Now().UTC(), id, from,
	)
	return execRequireRows(result, err, fmt.Errorf("page %d not in expected state %s", id, from))
}

// RecordProcessed is record_processed: transitions a page to Processed and
// stores the HTTP metadata captured during the fetch (§4.3, §4.8 step 4).
func (r *PageRepository) RecordProcessed(ctx context.Context, id int64, from domain.PageState, httpStatus int, contentType string, visitedAt time.Time) error {
	if !domain.CanTransition(from, domain.StateProcessed) {
		return fmt.Errorf("illegal page transition %s -> %s for page %d", from, domain.StateProcessed, id)
	}
	result, err := r.exec.ExecContext(ctx,
		`UPDATE pages SET state = ?, http_status = ?, content_type = ?, visited_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
		domain.StateProcessed, httpStatus, contentType, visitedAt, time.Now().UTC(), id, from,
	)
	return execRequireRows(result, err, fmt.Errorf("page %d not in expected state %s", id, from))
}

// ListByState returns every page for runID currently in state, used by the
// coordinator's resume path to requeue pages stranded in Fetching (§4.8,
// §5 "Aborted fetches leave the page in Fetching").
func (r *PageRepository) ListByState(ctx context.Context, runID string, state domain.PageState) ([]domain.Page, error) {
	var pages []domain.Page
	err := r.exec.SelectContext(ctx, &pages,
		`SELECT * FROM pages WHERE run_id = ? AND state = ?`, runID, state)
	if err != nil {
		return nil, fmt.Errorf("select pages by state: %w", err)
	}
	return pages, nil
}

// UpsertDepth is upsert_depth: monotone, only lowers the stored depth
// (§4.3, §9 "Monotone depth").
func (r *PageRepository) UpsertDepth(ctx context.Context, pageID int64, origin string, depth int) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO page_depths (page_id, origin, depth) VALUES (?, ?, ?)
		 ON CONFLICT (page_id, origin) DO UPDATE SET depth = MIN(depth, excluded.depth)`,
		pageID, origin, depth,
	)
	if err != nil {
		return fmt.Errorf("upsert depth: %w", err)
	}
	return nil
}

// Depths returns every (origin, depth) row for a page.
func (r *PageRepository) Depths(ctx context.Context, pageID int64) ([]domain.PageDepth, error) {
	var depths []domain.PageDepth
	err := r.exec.SelectContext(ctx, &depths,
		`SELECT page_id, origin, depth FROM page_depths WHERE page_id = ?`, pageID)
	if err != nil {
		return nil, fmt.Errorf("select depths: %w", err)
	}
	return depths, nil
}

// MinDepth returns the smallest depth row for a page, and whether any row exists.
func (r *PageRepository) MinDepth(ctx context.Context, pageID int64) (int, bool, error) {
	var depth sql.NullInt64
	err := r.exec.GetContext(ctx, &depth,
		`SELECT MIN(depth) FROM page_depths WHERE page_id = ?`, pageID)
	if err != nil {
		return 0, false, fmt.Errorf("select min depth: %w", err)
	}
	if !depth.Valid {
		return 0, false, nil
	}
	return int(depth.Int64), true, nil
}

// AddLink inserts a deduplicated directed edge (§3 "Link").
func (r *PageRepository) AddLink(ctx context.Context, fromPageID, toPageID int64) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO links (from_page_id, to_page_id) VALUES (?, ?)
		 ON CONFLICT (from_page_id, to_page_id) DO NOTHING`,
		fromPageID, toPageID,
	)
	if err != nil {
		return fmt.Errorf("add link: %w", err)
	}
	return nil
}
