package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// StatsRepository answers the aggregate queries behind the Markdown
// summary report and the CLI's --stats table (§6), grounded on the
// teacher's FrontierStats group-by-status aggregation pattern.
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// StateCounts returns the number of pages in each state.
func (r *StatsRepository) StateCounts(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, `SELECT state AS k, COUNT(*) AS c FROM pages GROUP BY state`)
}

// DepthCounts returns the number of pages at each minimum depth.
func (r *StatsRepository) DepthCounts(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, `
		SELECT CAST(min_depth AS TEXT) AS k, COUNT(*) AS c FROM (
			SELECT page_id, MIN(depth) AS min_depth FROM page_depths GROUP BY page_id
		) per_page GROUP BY min_depth`)
}

// ErrorCounts returns the number of pages whose last_error matches each
// distinct message, for the error histogram.
func (r *StatsRepository) ErrorCounts(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, `
		SELECT last_error AS k, COUNT(*) AS c FROM pages
		WHERE last_error IS NOT NULL GROUP BY last_error`)
}

// RateLimitedHosts returns every host with a sticky rate_limited flag.
func (r *StatsRepository) RateLimitedHosts(ctx context.Context) ([]string, error) {
	var hosts []string
	err := r.db.SelectContext(ctx, &hosts,
		`SELECT host FROM domain_states WHERE rate_limited = 1 ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("select rate-limited hosts: %w", err)
	}
	return hosts, nil
}

// ClassificationCounts returns the number of distinct hosts under each of
// the four §4.1 classification tiers, for the summary's "domains by
// classification" section. Quality hosts are exactly those appearing as a
// page_depths origin (every origin is seeded from a configured quality
// domain); any other host with a page row is Discovered.
func (r *StatsRepository) ClassificationCounts(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, `
		SELECT 'Quality' AS k, COUNT(DISTINCT host) AS c FROM pages
			WHERE host IN (SELECT DISTINCT origin FROM page_depths)
		UNION ALL
		SELECT 'Discovered', COUNT(DISTINCT host) FROM pages
			WHERE host NOT IN (SELECT DISTINCT origin FROM page_depths)
		UNION ALL
		SELECT 'Blacklisted', COUNT(DISTINCT host) FROM blacklisted_urls
		UNION ALL
		SELECT 'Stubbed', COUNT(DISTINCT host) FROM stubbed_urls`)
}

// TotalPages returns the total number of page rows.
func (r *StatsRepository) TotalPages(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pages`); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

func (r *StatsRepository) groupCount(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("group count query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var k string
		var c int
		if err := rows.Scan(&k, &c); err != nil {
			return nil, fmt.Errorf("scan group count row: %w", err)
		}
		counts[k] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group count rows: %w", err)
	}
	return counts, nil
}
