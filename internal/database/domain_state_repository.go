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

// DomainStateRepository handles the domain_states table (§3, §4.3
// "save_domain_state" / "load_all_domain_states"), grounded on the
// host_state politeness-tracking pattern.
type DomainStateRepository struct {
	db *sqlx.DB
}

// NewDomainStateRepository creates a new domain state repository.
func NewDomainStateRepository(db *sqlx.DB) *DomainStateRepository {
	return &DomainStateRepository{db: db}
}

// GetOrCreate returns the domain state for host, creating a zero-valued
// entry if none exists.
func (r *DomainStateRepository) GetOrCreate(ctx context.Context, host string) (*domain.DomainState, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO domain_states (host, request_count, rate_limited, created_at, updated_at)
		 VALUES (?, 0, 0, ?, ?) ON CONFLICT (host) DO NOTHING`,
		host, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert domain state: %w", err)
	}

	var state domain.DomainState
	if err := r.db.GetContext(ctx, &state, `SELECT * FROM domain_states WHERE host = ?`, host); err != nil {
		return nil, fmt.Errorf("select domain state: %w", err)
	}
	return &state, nil
}

// LoadAll returns every domain state row (the scheduler's readiness
// snapshot for each frontier scan).
func (r *DomainStateRepository) LoadAll(ctx context.Context) ([]domain.DomainState, error) {
	var states []domain.DomainState
	if err := r.db.SelectContext(ctx, &states, `SELECT * FROM domain_states`); err != nil {
		return nil, fmt.Errorf("select all domain states: %w", err)
	}
	return states, nil
}

// RecordRequest increments request_count and sets last_request_time = now
// (§4.5 "Record-request").
func (r *DomainStateRepository) RecordRequest(ctx context.Context, host string, now time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE domain_states SET request_count = request_count + 1, last_request_time = ?, updated_at = ? WHERE host = ?`,
		now, now, host,
	)
	return execRequireRows(result, err, fmt.Errorf("domain state not found: %s", host))
}

// MarkRateLimited sets the sticky rate_limited flag for the rest of the run.
func (r *DomainStateRepository) MarkRateLimited(ctx context.Context, host string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE domain_states SET rate_limited = 1, updated_at = ? WHERE host = ?`,
		time.Now().UTC(), host,
	)
	return execRequireRows(result, err, fmt.Errorf("domain state not found: %s", host))
}

// UpdateRobots caches a host's robots.txt body and fetch timestamp (§4.4).
func (r *DomainStateRepository) UpdateRobots(ctx context.Context, host string, body string, fetchedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE domain_states SET robots_body = ?, robots_fetched_at = ?, updated_at = ? WHERE host = ?`,
		body, fetchedAt, fetchedAt, host,
	)
	return execRequireRows(result, err, fmt.Errorf("domain state not found: %s", host))
}

// ErrDomainStateNotFound is returned by Get when host has no row.
var ErrDomainStateNotFound = errors.New("domain state not found")

// Get returns the domain state for host without creating one.
func (r *DomainStateRepository) Get(ctx context.Context, host string) (*domain.DomainState, error) {
	var state domain.DomainState
	err := r.db.GetContext(ctx, &state, `SELECT * FROM domain_states WHERE host = ?`, host)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDomainStateNotFound
		}
		return nil, fmt.Errorf("select domain state: %w", err)
	}
	return &state, nil
}
