// Package robots is the Robots Cache (§4.4): a 24-hour TTL cache of parsed
// robots.txt directives keyed by host, with single-flight coalescing of
// concurrent first-sights of a new host (§5, §9 "Robots cache single-flight").
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
)

// DefaultTTL is the robots cache entry lifetime (§4.4).
const DefaultTTL = 24 * time.Hour

// maxBodyBytes bounds how much of a robots.txt response body is read.
const maxBodyBytes = 512 * 1024

const robotsPath = "/robots.txt"

type entry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
	allowAll  bool
}

// Cache is the Robots Cache. It persists entries through a
// DomainStateRepository and, on a miss in memory, reuses a stored body
// still within the TTL, so the crawl survives process restarts without
// re-fetching every host's robots.txt (§4.4, §4.8 resume path).
type Cache struct {
	httpClient *http.Client
	userAgent  string
	ttl        time.Duration
	scheme     string
	states     *database.DomainStateRepository
	log        logger.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight map[string]chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithScheme overrides the scheme used to fetch robots.txt, defaulting to
// "https" (§6 "Outgoing HTTPS only"). Tests against httptest.Server use
// WithScheme("http").
func WithScheme(scheme string) Option {
	return func(c *Cache) { c.scheme = scheme }
}

// New builds a robots Cache.
func New(httpClient *http.Client, userAgent string, states *database.DomainStateRepository, log logger.Logger, opts ...Option) *Cache {
	c := &Cache{
		httpClient: httpClient,
		userAgent:  userAgent,
		ttl:        DefaultTTL,
		scheme:     "https",
		states:     states,
		log:        log,
		entries:    make(map[string]*entry),
		inFlight:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsAllowed reports whether path may be fetched by userAgent on host
// (§4.4 "is_allowed").
func (c *Cache) IsAllowed(ctx context.Context, host, path string) (bool, error) {
	e, err := c.get(ctx, host)
	if err != nil {
		return false, err
	}
	if e.allowAll {
		return true, nil
	}
	return e.data.TestAgent(path, c.userAgent), nil
}

// CrawlDelay returns the robots-directed crawl delay for host, or 0 if
// none is specified (§4.4 "crawl_delay").
func (c *Cache) CrawlDelay(ctx context.Context, host string) (time.Duration, error) {
	e, err := c.get(ctx, host)
	if err != nil {
		return 0, err
	}
	if e.allowAll || e.data == nil {
		return 0, nil
	}
	group := e.data.FindGroup(c.userAgent)
	if group == nil {
		return 0, nil
	}
	return group.CrawlDelay, nil
}

// CachedCrawlDelay returns the robots crawl delay for host if an entry is
// already cached, without triggering a fetch. Callers on a hot path that
// must not block on network I/O (the scheduler's readiness predicate, §4.5)
// use this instead of CrawlDelay.
func (c *Cache) CachedCrawlDelay(host string) time.Duration {
	host = strings.ToLower(host)

	c.mu.Lock()
	e, ok := c.entries[host]
	c.mu.Unlock()
	if !ok || e.allowAll || e.data == nil {
		return 0
	}
	group := e.data.FindGroup(c.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// get returns a fresh cache entry for host, fetching it if absent or
// stale. Concurrent callers for the same host coalesce onto one fetch.
func (c *Cache) get(ctx context.Context, host string) (*entry, error) {
	host = strings.ToLower(host)

	for {
		c.mu.Lock()
		if e, ok := c.entries[host]; ok && time.Since(e.fetchedAt) < c.ttl {
			c.mu.Unlock()
			return e, nil
		}
		if wait, pending := c.inFlight[host]; pending {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		c.inFlight[host] = done
		c.mu.Unlock()

		e := c.fetchAndCache(ctx, host)

		c.mu.Lock()
		c.entries[host] = e
		delete(c.inFlight, host)
		c.mu.Unlock()
		close(done)

		return e, nil
	}
}

func (c *Cache) fetchAndCache(ctx context.Context, host string) *entry {
	if st, err := c.states.Get(ctx, host); err == nil && st.RobotsBody != nil && st.RobotsFetchedAt != nil &&
		time.Since(*st.RobotsFetchedAt) < c.ttl {
		if data, err := robotstxt.FromString(*st.RobotsBody); err == nil {
			return &entry{data: data, fetchedAt: *st.RobotsFetchedAt, allowAll: *st.RobotsBody == ""}
		}
	}
	body, status, err := c.doFetch(ctx, host)
	if err != nil {
		c.log.Warn("robots fetch failed, allowing all", logger.String("host", host), logger.Err(err))
		return c.persistAllowAll(ctx, host)
	}
	return c.persistParsed(ctx, host, body, status)
}

func (c *Cache) doFetch(ctx context.Context, host string) ([]byte, int, error) {
	robotsURL := c.scheme + "://" + host + robotsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read robots.txt body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Cache) persistAllowAll(ctx context.Context, host string) *entry {
	now := time.Now().UTC()
	if _, err := c.states.GetOrCreate(ctx, host); err == nil {
		_ = c.states.UpdateRobots(ctx, host, "", now)
	}
	return &entry{fetchedAt: now, allowAll: true}
}

func (c *Cache) persistParsed(ctx context.Context, host string, body []byte, status int) *entry {
	now := time.Now().UTC()
	if status < 200 || status >= 300 {
		return c.persistAllowAll(ctx, host)
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		c.log.Warn("robots.txt parse failed, allowing all", logger.String("host", host), logger.Err(err))
		return c.persistAllowAll(ctx, host)
	}

	if _, err := c.states.GetOrCreate(ctx, host); err == nil {
		_ = c.states.UpdateRobots(ctx, host, string(body), now)
	}
	return &entry{data: data, fetchedAt: now}
}
