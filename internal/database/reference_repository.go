package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/sumi-ripple/internal/domain"
)

// ReferenceKind distinguishes the blacklisted_* and stubbed_* table pairs
// so one repository implementation can serve both (§3).
type ReferenceKind int

const (
	ReferenceBlacklisted ReferenceKind = iota
	ReferenceStubbed
)

func (k ReferenceKind) tables() (urlsTable, referrersTable string) {
	if k == ReferenceStubbed {
		return "stubbed_urls", "stubbed_referrers"
	}
	return "blacklisted_urls", "blacklisted_referrers"
}

// ReferenceRepository handles blacklisted_urls/blacklisted_referrers and
// stubbed_urls/stubbed_referrers (§3 "BlacklistedReference / StubbedReference").
type ReferenceRepository struct {
	db   *sqlx.DB
	exec dbExecutor
}

// NewReferenceRepository creates a new reference repository.
func NewReferenceRepository(db *sqlx.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db, exec: db}
}

// WithTx returns a ReferenceRepository whose Record call runs against tx
// directly instead of opening its own nested transaction, so a caller can
// compose this repository's writes with other repositories' into one
// transaction. db.SetMaxOpenConns(1) means a nested BeginTxx here would
// deadlock waiting for the connection the caller's own tx already holds.
func (r *ReferenceRepository) WithTx(tx *sqlx.Tx) *ReferenceRepository {
	return &ReferenceRepository{db: r.db, exec: tx}
}

// Record inserts or increments a reference to targetURL from referrerPageID,
// on the given kind's tables. reference_count equals the number of distinct
// referrers, so a repeat referrer is a no-op (§3).
func (r *ReferenceRepository) Record(
	ctx context.Context,
	kind ReferenceKind,
	targetURL, host, runID string,
	referrerPageID int64,
) error {
	urlsTable, referrersTable := kind.tables()

	if tx, ok := r.exec.(*sqlx.Tx); ok {
		return recordReference(ctx, tx, urlsTable, referrersTable, targetURL, host, runID, referrerPageID)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reference transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := recordReference(ctx, tx, urlsTable, referrersTable, targetURL, host, runID, referrerPageID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reference transaction: %w", err)
	}
	return nil
}

func recordReference(
	ctx context.Context,
	tx dbExecutor,
	urlsTable, referrersTable, targetURL, host, runID string,
	referrerPageID int64,
) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (url, host, reference_count, first_seen_run)
		 VALUES (?, ?, 0, ?) ON CONFLICT (url) DO NOTHING`, urlsTable),
		targetURL, host, runID,
	)
	if err != nil {
		return fmt.Errorf("insert reference url: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (target_url, referrer_page_id) VALUES (?, ?)
		 ON CONFLICT (target_url, referrer_page_id) DO NOTHING`, referrersTable),
		targetURL, referrerPageID,
	)
	if err != nil {
		return fmt.Errorf("insert referrer: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET reference_count = reference_count + 1 WHERE url = ?`, urlsTable),
			targetURL,
		)
		if err != nil {
			return fmt.Errorf("increment reference count: %w", err)
		}
	}
	return nil
}

// Top returns the top-N references by reference_count descending, for the
// Markdown report's "top-20 blacklist/stub references" section (§6).
func (r *ReferenceRepository) Top(ctx context.Context, kind ReferenceKind, n int) ([]domain.Reference, error) {
	urlsTable, _ := kind.tables()
	var refs []domain.Reference
	err := r.db.SelectContext(ctx, &refs,
		fmt.Sprintf(`SELECT url, host, reference_count, first_seen_run FROM %s
		 ORDER BY reference_count DESC LIMIT ?`, urlsTable),
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("select top references: %w", err)
	}
	return refs, nil
}
