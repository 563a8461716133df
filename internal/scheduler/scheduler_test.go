package scheduler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
	"github.com/jonesrussell/sumi-ripple/internal/robots"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *database.PageRepository, *database.FrontierRepository, *database.RunRepository) {
	t.Helper()
	db := openTestDB(t)
	pages := database.NewPageRepository(db)
	frontier := database.NewFrontierRepository(db)
	runs := database.NewRunRepository(db)
	states := database.NewDomainStateRepository(db)
	robotsCache := robots.New(http.DefaultClient, "sumi-ripple-test/1.0", states, logger.NewNoop())
	return New(frontier, states, robotsCache, cfg, logger.NewNoop()), pages, frontier, runs
}

func TestNextDispatchesPriorityOrder(t *testing.T) {
	cfg := Config{MaxConcurrentPagesOpen: 2, MaxDomainRequests: 100, MinTimeOnPage: 0}
	sched, pages, frontier, runs := newTestScheduler(t, cfg)
	ctx := context.Background()

	run, _ := runs.Begin(ctx, "hash")
	low, _ := pages.InsertOrGet(ctx, "https://q.test/low", "q.test", run.ID)
	high, _ := pages.InsertOrGet(ctx, "https://q.test/high", "q.test", run.ID)
	_ = frontier.Push(ctx, low.ID, low.URL, "q.test", 10)
	_ = frontier.Push(ctx, high.ID, high.URL, "q.test", 0)

	ticket, err := sched.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	defer ticket.Release()
	if ticket.Entry.PageID != high.ID {
		t.Errorf("expected priority-0 entry dispatched first, got page %d", ticket.Entry.PageID)
	}
}

func TestNextReturnsErrFrontierEmpty(t *testing.T) {
	cfg := Config{MaxConcurrentPagesOpen: 1, MaxDomainRequests: 100, MinTimeOnPage: 0}
	sched, _, _, _ := newTestScheduler(t, cfg)

	_, err := sched.Next(context.Background())
	if !errors.Is(err, ErrFrontierEmpty) {
		t.Errorf("expected ErrFrontierEmpty on a drained frontier, got %v", err)
	}
}

func TestNextWaitsForPolitenessDelay(t *testing.T) {
	cfg := Config{MaxConcurrentPagesOpen: 1, MaxDomainRequests: 100, MinTimeOnPage: 80 * time.Millisecond}
	sched, pages, frontier, runs := newTestScheduler(t, cfg)
	ctx := context.Background()

	run, _ := runs.Begin(ctx, "hash")
	page, _ := pages.InsertOrGet(ctx, "https://q.test/a", "q.test", run.ID)
	_ = frontier.Push(ctx, page.ID, page.URL, "q.test", 0)

	if _, err := sched.RecordRequest(ctx, "q.test"); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	start := time.Now()
	ticket, err := sched.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	defer ticket.Release()
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("expected Next to wait out the politeness delay, returned after %v", elapsed)
	}
}

func TestAdmissionSemaphoreBlocksBeyondCapacity(t *testing.T) {
	cfg := Config{MaxConcurrentPagesOpen: 1, MaxDomainRequests: 100, MinTimeOnPage: 0}
	sched, pages, frontier, runs := newTestScheduler(t, cfg)
	ctx := context.Background()

	run, _ := runs.Begin(ctx, "hash")
	a, _ := pages.InsertOrGet(ctx, "https://a.test/", "a.test", run.ID)
	b, _ := pages.InsertOrGet(ctx, "https://b.test/", "b.test", run.ID)
	_ = frontier.Push(ctx, a.ID, a.URL, "a.test", 0)
	_ = frontier.Push(ctx, b.ID, b.URL, "b.test", 0)

	first, err := sched.Next(ctx)
	if err != nil {
		t.Fatalf("Next (first): %v", err)
	}

	result := make(chan error, 1)
	go func() {
		second, err := sched.Next(ctx)
		if err == nil {
			second.Release()
		}
		result <- err
	}()

	select {
	case <-result:
		t.Fatal("expected second Next to block while the single admission slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Next (second): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Next did not unblock after Release")
	}
}

func TestRecordRequestReportsCapReached(t *testing.T) {
	cfg := Config{MaxConcurrentPagesOpen: 1, MaxDomainRequests: 2, MinTimeOnPage: 0}
	sched, _, _, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	capReached, err := sched.RecordRequest(ctx, "q.test")
	if err != nil {
		t.Fatalf("RecordRequest (1st): %v", err)
	}
	if capReached {
		t.Error("expected capReached false after the first of two allowed requests")
	}

	capReached, err = sched.RecordRequest(ctx, "q.test")
	if err != nil {
		t.Fatalf("RecordRequest (2nd): %v", err)
	}
	if !capReached {
		t.Error("expected capReached true once request_count reaches MaxDomainRequests")
	}
}

func TestMarkRateLimitedHostNeverReady(t *testing.T) {
	cfg := Config{MaxConcurrentPagesOpen: 1, MaxDomainRequests: 1, MinTimeOnPage: 0}
	sched, pages, frontier, runs := newTestScheduler(t, cfg)
	ctx := context.Background()

	run, _ := runs.Begin(ctx, "hash")
	page, _ := pages.InsertOrGet(ctx, "https://q.test/", "q.test", run.ID)
	_ = frontier.Push(ctx, page.ID, page.URL, "q.test", 0)

	if err := sched.MarkRateLimited(ctx, "q.test"); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := sched.Next(waitCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected a rate-limited host's only entry to never become ready, got %v", err)
	}
}
