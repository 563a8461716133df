// Package cmd implements the command-line interface: a single cobra root
// command that loads a config file, drives one Coordinator run, and
// optionally prints or exports the run's summary (§6, §10).
package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/sumi-ripple/internal/config"
	"github.com/jonesrussell/sumi-ripple/internal/coordinator"
	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/domain"
	"github.com/jonesrussell/sumi-ripple/internal/failure"
	"github.com/jonesrussell/sumi-ripple/internal/fetcher"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
	"github.com/jonesrussell/sumi-ripple/internal/report"
	"github.com/jonesrussell/sumi-ripple/internal/robots"
	"github.com/jonesrussell/sumi-ripple/internal/scheduler"
	"github.com/jonesrussell/sumi-ripple/internal/urlnorm"
)

// Exit codes (§6 "Command-line surface").
const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitStorageError = 2
	ExitInterrupted  = 3
)

var (
	flagFresh         bool
	flagResume        bool
	flagDryRun        bool
	flagStats         bool
	flagExportSummary bool
	flagQuiet         bool
	flagVerbosity     int
	flagDatabasePath  string
	flagSummaryPath   string
)

var rootCmd = &cobra.Command{
	Use:   "sumi-ripple <config-path>",
	Short: "Maps the link terrain around a curated set of quality domains",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrawl,
	// Exit codes, not usage text, carry the outcome; Execute prints the error.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().BoolVar(&flagFresh, "fresh", false, "start a new run, interrupting any prior running run")
	rootCmd.Flags().BoolVar(&flagResume, "resume", true, "resume the most recent running run (default)")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate configuration and exit without crawling")
	rootCmd.Flags().BoolVar(&flagStats, "stats", false, "print the run summary as a table to stdout")
	rootCmd.Flags().BoolVar(&flagExportSummary, "export-summary", false, "write the Markdown summary report")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "log errors only")
	rootCmd.Flags().CountVarP(&flagVerbosity, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
	rootCmd.Flags().StringVar(&flagDatabasePath, "database-path", "", "override output.database_path")
	rootCmd.Flags().StringVar(&flagSummaryPath, "summary-path", "", "override output.summary_path")
}

// Execute runs the root command and returns the process exit code, so
// main is a single `os.Exit(cmd.Execute())` call site (§10 "CLI").
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if err == errInterrupted {
			return ExitInterrupted
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

var errInterrupted = fmt.Errorf("interrupted")

func exitCodeFor(err error) int {
	if classified, ok := failure.As(err); ok && classified.Kind() == failure.KindConfig {
		return ExitConfigError
	}
	return ExitStorageError
}

func verbosityLevel() logger.Level {
	switch {
	case flagQuiet:
		return logger.LevelQuiet
	case flagVerbosity >= 3:
		return logger.LevelTrace
	case flagVerbosity >= 1:
		return logger.LevelDebug
	default:
		return logger.LevelInfo
	}
}

func runCrawl(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0], config.FlagOverrides{
		DatabasePath: flagDatabasePath,
		SummaryPath:  flagSummaryPath,
	})
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: verbosityLevel(), Development: flagVerbosity > 0})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // best-effort flush on exit

	if flagDryRun {
		log.Info("configuration valid, dry run requested")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := database.Open(ctx, cfg.Output.DatabasePath)
	if err != nil {
		return fmt.Errorf("%w", failure.New(failure.KindStorage, failure.SeverityFatal, "", err))
	}
	defer db.Close()

	pages := database.NewPageRepository(db)
	runs := database.NewRunRepository(db)
	frontier := database.NewFrontierRepository(db)
	states := database.NewDomainStateRepository(db)
	refs := database.NewReferenceRepository(db)
	stats := database.NewStatsRepository(db)

	classifier := urlnorm.NewClassifier(domainList(cfg.Blacklist), domainList(cfg.Stub), qualityList(cfg.Quality))
	httpClient := newHTTPClient()
	robotsCache := robots.New(httpClient, cfg.UserAgentString(), states, log)
	sched := scheduler.New(frontier, states, robotsCache, scheduler.Config{
		MaxConcurrentPagesOpen: cfg.Crawler.MaxConcurrentPagesOpen,
		MaxDomainRequests:      cfg.Crawler.MaxDomainRequests,
		MinTimeOnPage:          cfg.MinTimeOnPage(),
	}, log)
	pipeline := fetcher.New(httpClient, robotsCache, classifier, cfg.UserAgentString(), log)
	coord := coordinator.New(cfg, log, db, runs, pages, frontier, refs, classifier, sched, pipeline)

	run, err := coord.Run(ctx, flagFresh)
	if err != nil {
		return fmt.Errorf("%w", failure.New(failure.KindStorage, failure.SeverityFatal, "", err))
	}

	if flagStats {
		printStatsTable(ctx, stats)
	}
	if flagExportSummary {
		if err := report.New(stats, refs).WriteFile(context.Background(), run.ID, cfg.Output.SummaryPath); err != nil {
			return fmt.Errorf("%w", failure.New(failure.KindStorage, failure.SeverityRecoverable, "", err))
		}
		log.Info("summary written", logger.String("path", cfg.Output.SummaryPath))
	}

	if run.Status == domain.RunInterrupted {
		return errInterrupted
	}
	return nil
}

// newHTTPClient applies §6 "Network": 10s connect timeout, 30s total
// request timeout. Redirects are disabled per-Pipeline by fetcher.New.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
	}
}

func domainList(entries []config.DomainEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Domain
	}
	return out
}

func qualityList(entries []config.QualityDomain) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Domain
	}
	return out
}

func printStatsTable(ctx context.Context, stats *database.StatsRepository) {
	total, _ := stats.TotalPages(ctx)
	stateCounts, _ := stats.StateCounts(ctx)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"State", "Count"})
	for state, count := range stateCounts {
		t.AppendRow(table.Row{state, count})
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()
}
