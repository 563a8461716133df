package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
)

func newTestCache(t *testing.T, handler http.HandlerFunc) (*Cache, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}

	db := openTestDB(t)
	states := database.NewDomainStateRepository(db)
	c := New(srv.Client(), "sumi-ripple-test/1.0", states, logger.NewNoop(), WithScheme("http"))
	return c, u.Host
}

func TestIsAllowedDisallowsPath(t *testing.T) {
	body := "User-agent: *\nDisallow: /private\n"
	c, host := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	allowed, err := c.IsAllowed(context.Background(), host, "/ok")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if !allowed {
		t.Error("expected /ok to be allowed")
	}

	allowed, err = c.IsAllowed(context.Background(), host, "/private/x")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if allowed {
		t.Error("expected /private/x to be disallowed")
	}
}

func TestRobotsFetchFailureAllowsAll(t *testing.T) {
	c, host := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	allowed, err := c.IsAllowed(context.Background(), host, "/anything")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if !allowed {
		t.Error("expected allow-all when robots.txt returns non-2xx")
	}
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	var fetches int64
	c, host := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	})

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.IsAllowed(context.Background(), host, "/ok")
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("IsAllowed: %v", err)
		}
	}

	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Errorf("expected exactly 1 robots.txt fetch across %d concurrent callers, got %d", n, got)
	}
}
