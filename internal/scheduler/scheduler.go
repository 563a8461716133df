// Package scheduler is the Scheduler (§4.5): it turns the frontier, the
// per-host domain-state table, and a global admission cap into a single
// next() operation that the Coordinator's worker pool calls in a loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/domain"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
	"github.com/jonesrussell/sumi-ripple/internal/robots"
)

// minPollInterval is the wait-loop floor (§4.5 step 2: "max(10ms, ...)").
const minPollInterval = 10 * time.Millisecond

// ErrFrontierEmpty is returned by Next when the frontier has no entries
// left at all, as opposed to entries that merely aren't ready yet.
var ErrFrontierEmpty = errors.New("scheduler: frontier is empty")

// Config holds the politeness and concurrency limits Next enforces.
type Config struct {
	MaxConcurrentPagesOpen int
	MaxDomainRequests      int
	MinTimeOnPage          time.Duration
}

// Scheduler is the Scheduler component. It owns the global admission
// semaphore; the frontier scan and domain-state reads live in the store.
type Scheduler struct {
	frontier *database.FrontierRepository
	states   *database.DomainStateRepository
	robots   *robots.Cache
	cfg      Config
	log      logger.Logger

	sem chan struct{}
}

// New builds a Scheduler. cfg.MaxConcurrentPagesOpen sizes the global
// admission semaphore (§5 "counting semaphore with capacity
// max_concurrent_pages_open").
func New(frontier *database.FrontierRepository, states *database.DomainStateRepository, robotsCache *robots.Cache, cfg Config, log logger.Logger) *Scheduler {
	return &Scheduler{
		frontier: frontier,
		states:   states,
		robots:   robotsCache,
		cfg:      cfg,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrentPagesOpen),
	}
}

// Ticket carries one admitted frontier entry plus the admission slot it
// holds. Callers must call Release exactly once, regardless of outcome.
type Ticket struct {
	Entry domain.FrontierEntry

	once    sync.Once
	release func()
}

// Release frees the global admission slot this ticket holds. Safe to call
// more than once; only the first call has effect.
func (t *Ticket) Release() {
	t.once.Do(t.release)
}

// Next implements the §4.5 "next() -> FetchTicket | None" operation.
// It blocks until a ready entry is admitted, the frontier is empty
// (ErrFrontierEmpty), or ctx is cancelled.
func (s *Scheduler) Next(ctx context.Context) (*Ticket, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-s.sem }

	for {
		if err := ctx.Err(); err != nil {
			release()
			return nil, err
		}

		now := time.Now()
		entry, err := s.frontier.Take(ctx, s.readyPredicate(ctx, now))
		if err == nil {
			return &Ticket{Entry: *entry, release: release}, nil
		}
		if !errors.Is(err, database.ErrNoURLAvailable) {
			release()
			return nil, fmt.Errorf("scan frontier: %w", err)
		}

		empty, emptyErr := s.frontier.Empty(ctx)
		if emptyErr == nil && empty {
			release()
			return nil, ErrFrontierEmpty
		}

		wait := s.minWait(ctx, now)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		}
	}
}

// readyPredicate builds the per-host readiness check the frontier scan
// uses (§4.5 step 2). The domain-state rows are loaded into a snapshot
// before Take opens its transaction, since that transaction holds the
// store's only connection while the predicate runs. A host with no
// domain-state row yet has never been requested this run and is always
// ready.
func (s *Scheduler) readyPredicate(ctx context.Context, now time.Time) database.ReadyPredicate {
	states, err := s.states.LoadAll(ctx)
	if err != nil {
		s.log.Warn("domain state snapshot failed, treating hosts as not ready", logger.Err(err))
		return func(string) bool { return false }
	}
	snapshot := make(map[string]domain.DomainState, len(states))
	for _, st := range states {
		snapshot[st.Host] = st
	}
	return func(host string) bool {
		state, ok := snapshot[host]
		if !ok {
			return true
		}
		delay := domain.EffectiveDelay(s.cfg.MinTimeOnPage, s.robots.CachedCrawlDelay(host))
		return state.Ready(now, s.cfg.MaxDomainRequests, delay)
	}
}

// minWait computes the §4.5 step 2 wait-loop sleep: the smallest time
// until any currently-throttled frontier host becomes ready, floored at
// minPollInterval. Hosts that cannot become ready this run (rate-limited,
// or at the per-domain request cap) are excluded from the minimum.
func (s *Scheduler) minWait(ctx context.Context, now time.Time) time.Duration {
	hosts, err := s.frontier.Hosts(ctx)
	if err != nil || len(hosts) == 0 {
		return minPollInterval
	}

	best := time.Duration(-1)
	for _, host := range hosts {
		state, err := s.states.Get(ctx, host)
		if err != nil {
			continue
		}
		if state.RateLimited || state.RequestCount >= s.cfg.MaxDomainRequests {
			continue
		}
		delay := domain.EffectiveDelay(s.cfg.MinTimeOnPage, s.robots.CachedCrawlDelay(host))
		var remaining time.Duration
		if state.LastRequestTime != nil {
			remaining = delay - now.Sub(*state.LastRequestTime)
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	if best < minPollInterval {
		best = minPollInterval
	}
	return best
}

// RecordRequest is the §4.5 "Record-request" operation: increments the
// host's request count and stamps last_request_time, creating the
// domain-state row on first sight of the host. The returned bool reports
// whether this request pushed host to the per-domain request cap, so the
// caller can sweep any frontier entries for host that can now never
// become ready (§4.2 "Queued -> RequestLimitHit | host cap reached").
func (s *Scheduler) RecordRequest(ctx context.Context, host string) (bool, error) {
	if _, err := s.states.GetOrCreate(ctx, host); err != nil {
		return false, fmt.Errorf("ensure domain state for %s: %w", host, err)
	}
	if err := s.states.RecordRequest(ctx, host, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("record request for %s: %w", host, err)
	}
	state, err := s.states.Get(ctx, host)
	if err != nil {
		return false, fmt.Errorf("reload domain state for %s: %w", host, err)
	}
	return state.RequestCount >= s.cfg.MaxDomainRequests, nil
}

// MarkRateLimited flags host as rate-limited for the remainder of the run
// (§4.5: sticky on a 429).
func (s *Scheduler) MarkRateLimited(ctx context.Context, host string) error {
	if _, err := s.states.GetOrCreate(ctx, host); err != nil {
		return fmt.Errorf("ensure domain state for %s: %w", host, err)
	}
	if err := s.states.MarkRateLimited(ctx, host); err != nil {
		return fmt.Errorf("mark %s rate-limited: %w", host, err)
	}
	return nil
}
