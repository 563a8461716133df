// Package coordinator is the Coordinator (§4.8): it owns the run
// lifecycle and the per-iteration dispatch -> fetch -> translate -> enqueue
// pipeline, generalising the worker-pool/WaitGroup pattern this module's
// teacher used for its job queue into a frontier-driven crawl loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/sumi-ripple/internal/config"
	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/domain"
	"github.com/jonesrussell/sumi-ripple/internal/fetcher"
	"github.com/jonesrussell/sumi-ripple/internal/harvest"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
	"github.com/jonesrussell/sumi-ripple/internal/scheduler"
	"github.com/jonesrussell/sumi-ripple/internal/urlnorm"
)

// frontierEmptyRetryInterval is how long an idle worker waits before
// re-checking the frontier after the scheduler reports it empty, giving
// sibling workers a chance to discover and enqueue more pages first.
const frontierEmptyRetryInterval = 50 * time.Millisecond

// Coordinator drives the crawl: it owns run lifecycle (begin/resume/finish)
// and, per dispatched ticket, the translate-and-enqueue step that turns a
// fetch result into page-state writes and new frontier entries.
type Coordinator struct {
	cfg        config.Config
	log        logger.Logger
	db         *sqlx.DB
	runs       *database.RunRepository
	pages      *database.PageRepository
	frontier   *database.FrontierRepository
	refs       *database.ReferenceRepository
	classifier *urlnorm.Classifier
	sched      *scheduler.Scheduler
	pipeline   *fetcher.Pipeline
}

// New builds a Coordinator from its component dependencies. db is the
// repositories' underlying connection, used to open the single transaction
// that recordProcessed's page-state and link writes share (spec's
// record_processed "in one transaction").
func New(
	cfg config.Config,
	log logger.Logger,
	db *sqlx.DB,
	runs *database.RunRepository,
	pages *database.PageRepository,
	frontier *database.FrontierRepository,
	refs *database.ReferenceRepository,
	classifier *urlnorm.Classifier,
	sched *scheduler.Scheduler,
	pipeline *fetcher.Pipeline,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		log:        log,
		db:         db,
		runs:       runs,
		pages:      pages,
		frontier:   frontier,
		refs:       refs,
		classifier: classifier,
		sched:      sched,
		pipeline:   pipeline,
	}
}

// Run executes one crawl run to completion: it resolves startup (fresh or
// resume), runs max_concurrent_pages_open worker goroutines over ctx until
// the frontier drains or ctx is cancelled, and finalizes the run's status.
func (c *Coordinator) Run(ctx context.Context, fresh bool) (*domain.Run, error) {
	run, err := c.start(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	var wg sync.WaitGroup
	var inFlight int64
	workers := c.cfg.Crawler.MaxConcurrentPagesOpen
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runWorker(ctx, run.ID, &inFlight)
		}()
	}
	wg.Wait()

	status := domain.RunCompleted
	if ctx.Err() != nil {
		status = domain.RunInterrupted
	}
	// Finish is written against a background context: a SIGINT that
	// cancelled ctx must not also prevent recording that the run stopped.
	if err := c.runs.Finish(context.Background(), run.ID, status); err != nil {
		return run, fmt.Errorf("finish run: %w", err)
	}
	run.Status = status
	return run, nil
}

// start resolves §4.8 "On startup": fresh begins a new run after
// interrupting any stale one; otherwise it attaches to the most recent
// running run, falling back to fresh if none exists.
func (c *Coordinator) start(ctx context.Context, fresh bool) (*domain.Run, error) {
	if !fresh {
		run, err := c.runs.CurrentRunning(ctx)
		if err == nil {
			return c.resume(ctx, run)
		}
		if !errors.Is(err, database.ErrNoRunningRun) {
			return nil, fmt.Errorf("query current running run: %w", err)
		}
	}

	if err := c.runs.InterruptStale(ctx); err != nil {
		return nil, fmt.Errorf("interrupt stale runs: %w", err)
	}
	return c.beginFresh(ctx)
}

// beginFresh inserts a new run and seeds the frontier with every quality
// domain's seed URLs at depth 0, priority Quality (§4.8 "On startup").
func (c *Coordinator) beginFresh(ctx context.Context) (*domain.Run, error) {
	hash, err := c.cfg.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash config: %w", err)
	}
	run, err := c.runs.Begin(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}

	for _, q := range c.cfg.Quality {
		for _, seed := range q.Seeds {
			if err := c.seedPage(ctx, run.ID, q.Domain, seed); err != nil {
				return nil, err
			}
		}
	}
	return run, nil
}

func (c *Coordinator) seedPage(ctx context.Context, runID, origin, seed string) error {
	canon, err := urlnorm.Canonicalize(seed)
	if err != nil {
		return fmt.Errorf("canonicalize seed %q: %w", seed, err)
	}
	host, err := urlnorm.Host(canon)
	if err != nil {
		return fmt.Errorf("seed %q host: %w", seed, err)
	}

	page, err := c.pages.InsertOrGet(ctx, canon, host, runID)
	if err != nil {
		return fmt.Errorf("insert seed page: %w", err)
	}
	if err := c.pages.UpsertDepth(ctx, page.ID, origin, 0); err != nil {
		return fmt.Errorf("seed depth: %w", err)
	}
	// Re-seeding an already-discovered page (a resumed run re-walking its
	// own quality list) must not re-enqueue a page that has already been
	// dispatched, queued, or finished in a prior run.
	if page.State != domain.StateDiscovered {
		return nil
	}
	if err := c.pages.SetState(ctx, page.ID, domain.StateDiscovered, domain.StateQueued, nil); err != nil {
		return fmt.Errorf("queue seed page: %w", err)
	}
	if err := c.frontier.Push(ctx, page.ID, canon, host, domain.PriorityQuality); err != nil {
		return fmt.Errorf("push seed frontier entry: %w", err)
	}
	return nil
}

// resume attaches to run and requeues any page the prior process left
// stranded in Fetching, since an aborted fetch's frontier entry was
// already consumed by Take before the crash (§4.8, §5).
func (c *Coordinator) resume(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	stuck, err := c.pages.ListByState(ctx, run.ID, domain.StateFetching)
	if err != nil {
		return nil, fmt.Errorf("list fetching pages: %w", err)
	}
	for _, p := range stuck {
		priority := c.dispatchPriority(p.Host)
		if err := c.frontier.Push(ctx, p.ID, p.URL, p.Host, priority); err != nil {
			return nil, fmt.Errorf("requeue stranded page %s: %w", p.URL, err)
		}
	}
	return run, nil
}

func (c *Coordinator) dispatchPriority(host string) int {
	class, _ := c.classifier.Classify(host)
	if class == urlnorm.Quality {
		return domain.PriorityQuality
	}
	return domain.PriorityDiscovered
}

// runWorker is one of the cooperating goroutines implementing §5's
// "N concurrent fetch tasks" over the scheduler's next() operation. It
// exits once the frontier is empty and no sibling worker is still
// in-flight (an in-flight fetch may yet discover and enqueue more pages).
func (c *Coordinator) runWorker(ctx context.Context, runID string, inFlight *int64) {
	for {
		ticket, err := c.sched.Next(ctx)
		if err != nil {
			if !errors.Is(err, scheduler.ErrFrontierEmpty) {
				return
			}
			if atomic.LoadInt64(inFlight) == 0 {
				return
			}
			timer := time.NewTimer(frontierEmptyRetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		atomic.AddInt64(inFlight, 1)
		c.processTicket(ctx, runID, ticket)
		atomic.AddInt64(inFlight, -1)
	}
}

// processTicket implements one per-iteration dispatch of §4.8: set
// Fetching, run the Fetch Pipeline, translate the result into state
// writes and new frontier entries, then record the request.
func (c *Coordinator) processTicket(ctx context.Context, runID string, ticket *scheduler.Ticket) {
	defer ticket.Release()
	entry := ticket.Entry

	// Store reads/writes and the fetch itself run against a background
	// context: a SIGINT stops new dispatch (ctx is checked by Next and
	// runWorker) but a page already in flight is fetched to completion and
	// its result recorded (§5 "in-flight fetches are allowed to complete").
	wctx := context.Background()

	page, err := c.pages.ByID(wctx, entry.PageID)
	if err != nil {
		c.log.Error("load dispatched page", logger.Int64("page_id", entry.PageID), logger.Err(err))
		return
	}

	// A page already in Fetching was requeued on resume (§5 "Fetching is
	// treated equivalently to Queued"); re-driving its own state is a no-op.
	if page.State != domain.StateFetching {
		if err := c.pages.SetState(wctx, page.ID, page.State, domain.StateFetching, nil); err != nil {
			c.log.Error("transition to fetching", logger.String("url", entry.URL), logger.Err(err))
			return
		}
	}

	result := c.pipeline.Fetch(wctx, entry.URL)
	c.translate(wctx, runID, page, entry, result)

	capReached, err := c.sched.RecordRequest(wctx, entry.Host)
	if err != nil {
		c.log.Error("record request", logger.String("host", entry.Host), logger.Err(err))
		return
	}
	if capReached {
		c.sweepRequestLimitHit(wctx, entry.Host)
	}
}

// translate is §4.8 step 4-5: turn a Fetch Pipeline result into the
// matching state transition, and on Processed, harvest and enqueue links.
func (c *Coordinator) translate(ctx context.Context, runID string, page *domain.Page, entry domain.FrontierEntry, result fetcher.Result) {
	switch result.Outcome {
	case fetcher.OutcomeProcessed:
		c.recordProcessed(ctx, runID, page, result)
	case fetcher.OutcomeRedirectedToBlacklist:
		c.recordRedirect(ctx, runID, page, result, database.ReferenceBlacklisted, domain.StateBlacklisted)
	case fetcher.OutcomeRedirectedToStub:
		c.recordRedirect(ctx, runID, page, result, database.ReferenceStubbed, domain.StateStubbed)
	case fetcher.OutcomeRateLimited:
		c.recordTerminal(ctx, page, domain.StateRateLimited, result.Err)
		if err := c.sched.MarkRateLimited(ctx, entry.Host); err != nil {
			c.log.Error("mark rate limited", logger.String("host", entry.Host), logger.Err(err))
		}
		c.sweepRateLimited(ctx, entry.Host)
	default:
		c.recordTerminal(ctx, page, outcomeToState(result.Outcome), result.Err)
	}
}

func outcomeToState(o fetcher.Outcome) domain.PageState {
	switch o {
	case fetcher.OutcomeDeadLink:
		return domain.StateDeadLink
	case fetcher.OutcomeUnreachable:
		return domain.StateUnreachable
	case fetcher.OutcomeContentMismatch:
		return domain.StateContentMismatch
	case fetcher.OutcomeRobotsDenied, fetcher.OutcomeFailed:
		return domain.StateFailed
	default:
		return domain.StateFailed
	}
}

func (c *Coordinator) recordTerminal(ctx context.Context, page *domain.Page, to domain.PageState, cause error) {
	var lastErr *string
	if cause != nil {
		msg := cause.Error()
		lastErr = &msg
	}
	if err := c.pages.SetState(ctx, page.ID, domain.StateFetching, to, lastErr); err != nil {
		c.log.Error("terminal state transition", logger.String("url", page.URL), logger.Err(err))
	}
}

// recordProcessed implements record_processed's single-transaction
// requirement: the page's Processed transition and every link it yields
// (references, target inserts, depth propagation, and admission) commit
// together, so a crash between any two of these writes can never leave a
// Processed page's outgoing links partially recorded (spec's "process
// crash at any point followed by resume yields a final page set equal to
// an uninterrupted run").
func (c *Coordinator) recordProcessed(ctx context.Context, runID string, page *domain.Page, result fetcher.Result) {
	targets, err := harvest.Links(result.FinalURL, result.Body)
	if err != nil {
		c.log.Warn("harvest links, recording empty link set", logger.String("url", result.FinalURL), logger.Err(err))
		targets = nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		c.log.Error("begin record-processed transaction", logger.String("url", page.URL), logger.Err(err))
		return
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	pages := c.pages.WithTx(tx)
	refs := c.refs.WithTx(tx)
	frontier := c.frontier.WithTx(tx)

	if err := pages.RecordProcessed(ctx, page.ID, domain.StateFetching, result.HTTPStatus, result.ContentType, time.Now().UTC()); err != nil {
		c.log.Error("record processed", logger.String("url", page.URL), logger.Err(err))
		return
	}

	depths, err := pages.Depths(ctx, page.ID)
	if err != nil {
		c.log.Error("load source depths", logger.Int64("page_id", page.ID), logger.Err(err))
		return
	}

	for _, target := range targets {
		c.handleLink(ctx, runID, page, depths, target, pages, refs, frontier)
	}

	if err := tx.Commit(); err != nil {
		c.log.Error("commit record-processed transaction", logger.String("url", page.URL), logger.Err(err))
	}
}

// handleLink is the per-target body of §4.8 step 5: normalise, classify,
// and either record a reference (Blacklisted/Stubbed) or insert/depth-track
// and conditionally enqueue the discovered page. It writes through the
// repositories recordProcessed bound to its transaction.
func (c *Coordinator) handleLink(
	ctx context.Context,
	runID string,
	source *domain.Page,
	sourceDepths []domain.PageDepth,
	targetRaw string,
	pages *database.PageRepository,
	refs *database.ReferenceRepository,
	frontier *database.FrontierRepository,
) {
	target, err := urlnorm.Canonicalize(targetRaw)
	if err != nil {
		c.log.Warn("skip invalid link target", logger.String("url", targetRaw), logger.Err(err))
		return
	}
	host, err := urlnorm.Host(target)
	if err != nil {
		c.log.Warn("skip link with no host", logger.String("url", target), logger.Err(err))
		return
	}

	class, _ := c.classifier.Classify(host)
	switch class {
	case urlnorm.Blacklisted:
		if err := refs.Record(ctx, database.ReferenceBlacklisted, target, host, runID, source.ID); err != nil {
			c.log.Error("record blacklist reference", logger.String("url", target), logger.Err(err))
		}
		return
	case urlnorm.Stubbed:
		if err := refs.Record(ctx, database.ReferenceStubbed, target, host, runID, source.ID); err != nil {
			c.log.Error("record stub reference", logger.String("url", target), logger.Err(err))
		}
		return
	}

	targetPage, err := pages.InsertOrGet(ctx, target, host, runID)
	if err != nil {
		c.log.Error("insert or get target page", logger.String("url", target), logger.Err(err))
		return
	}
	if err := pages.AddLink(ctx, source.ID, targetPage.ID); err != nil {
		c.log.Error("add link edge", logger.Err(err))
	}

	for _, d := range sourceDepths {
		depth := domain.PropagatedDepth(d.Depth, d.Origin, host)
		if err := pages.UpsertDepth(ctx, targetPage.ID, d.Origin, depth); err != nil {
			c.log.Error("upsert propagated depth", logger.Err(err))
		}
	}

	if targetPage.State != domain.StateDiscovered {
		return // already queued or terminal from an earlier discovery
	}
	c.admitOrExceed(ctx, targetPage, class, pages, frontier)
}

// admitOrExceed applies §4.8's admissibility test to a freshly
// depth-stamped Discovered page: queue and enqueue it if any origin's
// depth is within budget, otherwise mark it DepthExceeded without ever
// dispatching it.
func (c *Coordinator) admitOrExceed(
	ctx context.Context,
	page *domain.Page,
	class urlnorm.Classification,
	pages *database.PageRepository,
	frontier *database.FrontierRepository,
) {
	minDepth, ok, err := pages.MinDepth(ctx, page.ID)
	if err != nil {
		c.log.Error("read min depth", logger.Int64("page_id", page.ID), logger.Err(err))
		return
	}
	if !ok {
		return
	}

	if minDepth > c.cfg.Crawler.MaxDepth {
		if err := pages.SetState(ctx, page.ID, domain.StateDiscovered, domain.StateDepthExceeded, nil); err != nil {
			c.log.Error("mark depth exceeded", logger.Err(err))
		}
		return
	}

	priority := domain.PriorityDiscovered
	if class == urlnorm.Quality {
		priority = domain.PriorityQuality
	}
	if err := pages.SetState(ctx, page.ID, domain.StateDiscovered, domain.StateQueued, nil); err != nil {
		c.log.Error("queue discovered page", logger.Err(err))
		return
	}
	if err := frontier.Push(ctx, page.ID, page.URL, page.Host, priority); err != nil {
		c.log.Error("push frontier entry", logger.Err(err))
	}
}

// recordRedirect implements the §9 decision that a redirect to a
// blacklisted or stubbed host marks the *source* page terminal with the
// *target's* classification, and records a reference for the target.
func (c *Coordinator) recordRedirect(ctx context.Context, runID string, page *domain.Page, result fetcher.Result, kind database.ReferenceKind, terminal domain.PageState) {
	if err := c.pages.SetState(ctx, page.ID, domain.StateFetching, terminal, nil); err != nil {
		c.log.Error("terminal redirect transition", logger.String("url", page.URL), logger.Err(err))
	}
	host, err := urlnorm.Host(result.RedirectTarget)
	if err != nil {
		c.log.Error("redirect target host", logger.String("url", result.RedirectTarget), logger.Err(err))
		return
	}
	if err := c.refs.Record(ctx, kind, result.RedirectTarget, host, runID, page.ID); err != nil {
		c.log.Error("record redirect reference", logger.String("url", result.RedirectTarget), logger.Err(err))
	}
}

// sweepRateLimited transitions every still-queued frontier entry for host
// straight to RateLimited without a fetch (§8 scenario 4: "subsequent URLs
// for that host transition to RateLimited without being fetched"), since
// the scheduler's readiness predicate would otherwise strand them in the
// frontier forever once the host is flagged.
func (c *Coordinator) sweepRateLimited(ctx context.Context, host string) {
	entries, err := c.frontier.All(ctx)
	if err != nil {
		c.log.Error("sweep rate limited: list frontier", logger.Err(err))
		return
	}
	for _, e := range entries {
		if e.Host != host {
			continue
		}
		if err := c.pages.SetState(ctx, e.PageID, domain.StateQueued, domain.StateRateLimited, nil); err != nil {
			c.log.Error("sweep rate limited: transition page", logger.Int64("page_id", e.PageID), logger.Err(err))
			continue
		}
		if err := c.frontier.Remove(ctx, e.PageID); err != nil {
			c.log.Error("sweep rate limited: remove frontier entry", logger.Int64("page_id", e.PageID), logger.Err(err))
		}
	}
}

// sweepRequestLimitHit transitions every still-queued frontier entry for
// host straight to RequestLimitHit once host's request count reaches
// MaxDomainRequests (§4.2 "Queued -> RequestLimitHit | host cap reached").
// minWait permanently excludes a capped host from its wait computation, so
// without this sweep that host's remaining queued entries would never be
// claimed or removed and the worker pool would spin on Next forever.
func (c *Coordinator) sweepRequestLimitHit(ctx context.Context, host string) {
	entries, err := c.frontier.All(ctx)
	if err != nil {
		c.log.Error("sweep request limit hit: list frontier", logger.Err(err))
		return
	}
	for _, e := range entries {
		if e.Host != host {
			continue
		}
		if err := c.pages.SetState(ctx, e.PageID, domain.StateQueued, domain.StateRequestLimitHit, nil); err != nil {
			c.log.Error("sweep request limit hit: transition page", logger.Int64("page_id", e.PageID), logger.Err(err))
			continue
		}
		if err := c.frontier.Remove(ctx, e.PageID); err != nil {
			c.log.Error("sweep request limit hit: remove frontier entry", logger.Int64("page_id", e.PageID), logger.Err(err))
		}
	}
}
