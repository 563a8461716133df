// Package report renders the Markdown run summary (§6 "Summary output"):
// overall counts, depth breakdown, domains by classification, top
// blacklist/stub references, an error histogram, and the rate-limited
// host list, all sourced from database.StatsRepository and
// database.ReferenceRepository query results.
package report

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/domain"
)

// topReferenceCount is how many blacklist/stub references the summary
// lists per kind (§6: "top-20 ... references").
const topReferenceCount = 20

// Writer renders the Markdown summary from the store's aggregate views.
type Writer struct {
	stats *database.StatsRepository
	refs  *database.ReferenceRepository
}

// New builds a report Writer over the given stats and reference repositories.
func New(stats *database.StatsRepository, refs *database.ReferenceRepository) *Writer {
	return &Writer{stats: stats, refs: refs}
}

// Render builds the Markdown document for runID, not written to disk.
func (w *Writer) Render(ctx context.Context, runID string) (string, error) {
	total, err := w.stats.TotalPages(ctx)
	if err != nil {
		return "", fmt.Errorf("total pages: %w", err)
	}
	stateCounts, err := w.stats.StateCounts(ctx)
	if err != nil {
		return "", fmt.Errorf("state counts: %w", err)
	}
	depthCounts, err := w.stats.DepthCounts(ctx)
	if err != nil {
		return "", fmt.Errorf("depth counts: %w", err)
	}
	classCounts, err := w.stats.ClassificationCounts(ctx)
	if err != nil {
		return "", fmt.Errorf("classification counts: %w", err)
	}
	errorCounts, err := w.stats.ErrorCounts(ctx)
	if err != nil {
		return "", fmt.Errorf("error counts: %w", err)
	}
	rateLimited, err := w.stats.RateLimitedHosts(ctx)
	if err != nil {
		return "", fmt.Errorf("rate limited hosts: %w", err)
	}
	blacklistTop, err := w.refs.Top(ctx, database.ReferenceBlacklisted, topReferenceCount)
	if err != nil {
		return "", fmt.Errorf("top blacklist references: %w", err)
	}
	stubTop, err := w.refs.Top(ctx, database.ReferenceStubbed, topReferenceCount)
	if err != nil {
		return "", fmt.Errorf("top stub references: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Crawl Summary\n\n")
	fmt.Fprintf(&b, "Run: `%s`\nGenerated: %s\n\n", runID, time.Now().UTC().Format(time.RFC3339))

	b.WriteString("## Overall counts\n\n")
	fmt.Fprintf(&b, "Total pages: %d\n\n", total)
	writeCountTable(&b, "State", "Count", stateCounts)

	b.WriteString("\n## Depth breakdown\n\n")
	writeCountTable(&b, "Depth", "Pages", depthCounts)

	b.WriteString("\n## Domains by classification\n\n")
	writeCountTable(&b, "Classification", "Hosts", classCounts)

	b.WriteString("\n## Top blacklist references\n\n")
	writeReferenceTable(&b, blacklistTop)

	b.WriteString("\n## Top stub references\n\n")
	writeReferenceTable(&b, stubTop)

	b.WriteString("\n## Error histogram\n\n")
	writeCountTable(&b, "Error", "Count", errorCounts)

	b.WriteString("\n## Rate-limited hosts\n\n")
	if len(rateLimited) == 0 {
		b.WriteString("None.\n")
	} else {
		for _, host := range rateLimited {
			fmt.Fprintf(&b, "- %s\n", host)
		}
	}

	return b.String(), nil
}

// WriteFile renders the summary for runID and writes it to path (§6
// "Summary output" / the CLI's `--export-summary` flag).
func (w *Writer) WriteFile(ctx context.Context, runID, path string) error {
	doc, err := w.Render(ctx, runID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write summary file %s: %w", path, err)
	}
	return nil
}

func writeCountTable(b *strings.Builder, keyHeader, valueHeader string, counts map[string]int) {
	if len(counts) == 0 {
		b.WriteString("None.\n")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "| %s | %s |\n|---|---|\n", keyHeader, valueHeader)
	for _, k := range keys {
		fmt.Fprintf(b, "| %s | %d |\n", k, counts[k])
	}
}

func writeReferenceTable(b *strings.Builder, refs []domain.Reference) {
	if len(refs) == 0 {
		b.WriteString("None.\n")
		return
	}
	b.WriteString("| URL | Host | References | First seen run |\n|---|---|---|---|\n")
	for _, r := range refs {
		fmt.Fprintf(b, "| %s | %s | %d | %s |\n", r.URL, r.Host, r.ReferenceCount, r.FirstSeenRun)
	}
}
