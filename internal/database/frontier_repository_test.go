package database

import (
	"context"
	"errors"
	"testing"
)

func TestFrontierTakeOrdersByPriorityThenArrival(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runs := NewRunRepository(db)
	pages := NewPageRepository(db)
	frontier := NewFrontierRepository(db)

	run, _ := runs.Begin(ctx, "hash")
	low, _ := pages.InsertOrGet(ctx, "https://q.test/low", "q.test", run.ID)
	high, _ := pages.InsertOrGet(ctx, "https://q.test/high", "q.test", run.ID)

	if err := frontier.Push(ctx, low.ID, low.URL, "q.test", 10); err != nil {
		t.Fatalf("Push low: %v", err)
	}
	if err := frontier.Push(ctx, high.ID, high.URL, "q.test", 0); err != nil {
		t.Fatalf("Push high: %v", err)
	}

	alwaysReady := func(string) bool { return true }
	entry, err := frontier.Take(ctx, alwaysReady)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if entry.PageID != high.ID {
		t.Errorf("expected to dispatch the priority-0 entry first, got page %d", entry.PageID)
	}
}

func TestFrontierTakeSkipsUnreadyHosts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runs := NewRunRepository(db)
	pages := NewPageRepository(db)
	frontier := NewFrontierRepository(db)

	run, _ := runs.Begin(ctx, "hash")
	throttled, _ := pages.InsertOrGet(ctx, "https://throttled.test/", "throttled.test", run.ID)
	ready, _ := pages.InsertOrGet(ctx, "https://ready.test/", "ready.test", run.ID)

	_ = frontier.Push(ctx, throttled.ID, throttled.URL, "throttled.test", 0)
	_ = frontier.Push(ctx, ready.ID, ready.URL, "ready.test", 10)

	onlyReadyHost := func(host string) bool { return host == "ready.test" }
	entry, err := frontier.Take(ctx, onlyReadyHost)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if entry.PageID != ready.ID {
		t.Errorf("expected the only ready host's entry, got page %d", entry.PageID)
	}
}

func TestFrontierTakeReturnsErrNoURLAvailable(t *testing.T) {
	db := openTestDB(t)
	frontier := NewFrontierRepository(db)

	_, err := frontier.Take(context.Background(), func(string) bool { return true })
	if !errors.Is(err, ErrNoURLAvailable) {
		t.Errorf("expected ErrNoURLAvailable on empty frontier, got %v", err)
	}
}
