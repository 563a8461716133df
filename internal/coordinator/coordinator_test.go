package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/sumi-ripple/internal/config"
	"github.com/jonesrussell/sumi-ripple/internal/database"
	"github.com/jonesrussell/sumi-ripple/internal/domain"
	"github.com/jonesrussell/sumi-ripple/internal/fetcher"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
	"github.com/jonesrussell/sumi-ripple/internal/robots"
	"github.com/jonesrussell/sumi-ripple/internal/scheduler"
	"github.com/jonesrussell/sumi-ripple/internal/urlnorm"
)

// fakeDNSTransport lets tests use realistic hostnames (q.test, ext.test,
// bad.test, ...) while every routed host actually dials a single local
// httptest server, preserving the original Host header so the server's
// handler can still branch on it.
type fakeDNSTransport struct {
	rt    http.RoundTripper
	hosts map[string]string
}

func (f *fakeDNSTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	addr, ok := f.hosts[req.URL.Hostname()]
	if !ok {
		return f.rt.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Host = req.URL.Host
	req.URL.Host = addr
	return f.rt.RoundTrip(req)
}

func newTestServer(t *testing.T, mux *http.ServeMux, hosts []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)

	base := srv.Client()
	transport := base.Transport.(*http.Transport).Clone()
	transport.TLSClientConfig = transport.TLSClientConfig.Clone()
	transport.TLSClientConfig.InsecureSkipVerify = true

	routes := make(map[string]string, len(hosts))
	for _, h := range hosts {
		routes[h] = srv.Listener.Addr().String()
	}
	srv.Client().Transport = &fakeDNSTransport{rt: transport, hosts: routes}
	return srv
}

func allowAllRobots(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("User-agent: *\nAllow: /\n"))
}

func htmlPage(links ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, l)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func domainEntries(hosts []string) []config.DomainEntry {
	out := make([]config.DomainEntry, len(hosts))
	for i, h := range hosts {
		out[i] = config.DomainEntry{Domain: h}
	}
	return out
}

func testConfig(maxDepth, maxConcurrent, minTimeOnPageMS, maxDomainRequests int, qualityHost string, seeds, blacklist, stub []string) config.Config {
	return config.Config{File: config.File{
		Crawler: config.CrawlerSection{
			MaxDepth:               maxDepth,
			MaxConcurrentPagesOpen: maxConcurrent,
			MinTimeOnPageMS:        minTimeOnPageMS,
			MaxDomainRequests:      maxDomainRequests,
		},
		UserAgent: config.UserAgentSection{
			Name: "sumiripple-test", Version: "1.0",
			ContactURL: "https://example.test", ContactEmail: "bot@example.test",
		},
		Output:    config.OutputSection{DatabasePath: "unused.db", SummaryPath: "unused.md"},
		Quality:   []config.QualityDomain{{Domain: qualityHost, Seeds: seeds}},
		Blacklist: domainEntries(blacklist),
		Stub:      domainEntries(stub),
	}}
}

func buildCoordinator(t *testing.T, srv *httptest.Server, cfg config.Config) (*Coordinator, *sqlx.DB) {
	t.Helper()
	db := openTestDB(t)
	runs := database.NewRunRepository(db)
	pages := database.NewPageRepository(db)
	frontier := database.NewFrontierRepository(db)
	states := database.NewDomainStateRepository(db)
	refs := database.NewReferenceRepository(db)

	var quality, blacklist, stub []string
	for _, q := range cfg.Quality {
		quality = append(quality, q.Domain)
	}
	for _, b := range cfg.Blacklist {
		blacklist = append(blacklist, b.Domain)
	}
	for _, s := range cfg.Stub {
		stub = append(stub, s.Domain)
	}
	classifier := urlnorm.NewClassifier(blacklist, stub, quality)

	robotsCache := robots.New(srv.Client(), cfg.UserAgentString(), states, logger.NewNoop())
	sched := scheduler.New(frontier, states, robotsCache, scheduler.Config{
		MaxConcurrentPagesOpen: cfg.Crawler.MaxConcurrentPagesOpen,
		MaxDomainRequests:      cfg.Crawler.MaxDomainRequests,
		MinTimeOnPage:          cfg.MinTimeOnPage(),
	}, logger.NewNoop())
	pipeline := fetcher.New(srv.Client(), robotsCache, classifier, cfg.UserAgentString(), logger.NewNoop(),
		fetcher.WithRetryDelays([]time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}))

	coord := New(cfg, logger.NewNoop(), db, runs, pages, frontier, refs, classifier, sched, pipeline)
	return coord, db
}

func listPages(t *testing.T, db *sqlx.DB) []domain.Page {
	t.Helper()
	var pages []domain.Page
	require.NoError(t, db.Select(&pages, `SELECT * FROM pages ORDER BY url`))
	return pages
}

func pageByURL(t *testing.T, db *sqlx.DB, url string) domain.Page {
	t.Helper()
	var page domain.Page
	require.NoError(t, db.Get(&page, `SELECT * FROM pages WHERE url = ?`, url))
	return page
}

func TestCoordinatorSingleQualityDomainThreeLinkedPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", allowAllRobots)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage("/a", "/b")) })
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage("/b")) })
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage()) })

	srv := newTestServer(t, mux, []string{"q.test"})
	cfg := testConfig(1, 2, 10, 100, "q.test", []string{"https://q.test/"}, nil, nil)
	coord, db := buildCoordinator(t, srv, cfg)

	run, err := coord.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	pages := listPages(t, db)
	require.Len(t, pages, 3)
	for _, p := range pages {
		assert.Equal(t, domain.StateProcessed, p.State, p.URL)

		var depth int
		require.NoError(t, db.Get(&depth, `SELECT depth FROM page_depths WHERE page_id = ? AND origin = ?`, p.ID, "q.test"))
		assert.Equal(t, 0, depth, p.URL)
	}

	var linkCount int
	require.NoError(t, db.Get(&linkCount, `SELECT COUNT(*) FROM links`))
	assert.Equal(t, 3, linkCount, "expects /->/a, /->/b, /a->/b")
}

func TestCoordinatorBlacklistRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", allowAllRobots)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://bad.test/x", http.StatusFound)
	})

	// bad.test is deliberately left out of the routed hosts: a correct
	// pipeline never dials it.
	srv := newTestServer(t, mux, []string{"q.test"})
	cfg := testConfig(1, 1, 10, 100, "q.test", []string{"https://q.test/"}, []string{"bad.test"}, nil)
	coord, db := buildCoordinator(t, srv, cfg)

	run, err := coord.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	pages := listPages(t, db)
	require.Len(t, pages, 1)
	assert.Equal(t, domain.StateBlacklisted, pages[0].State)

	refs := database.NewReferenceRepository(db)
	top, err := refs.Top(context.Background(), database.ReferenceBlacklisted, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "https://bad.test/x", top[0].URL)
	assert.Equal(t, 1, top[0].ReferenceCount)
}

func TestCoordinatorDepthCutoff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", allowAllRobots)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "q.test" {
			w.Write(htmlPage("https://ext.test/a"))
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "ext.test" {
			w.Write(htmlPage("https://ext.test/b"))
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage()) })

	srv := newTestServer(t, mux, []string{"q.test", "ext.test"})
	cfg := testConfig(1, 1, 10, 100, "q.test", []string{"https://q.test/"}, nil, nil)
	coord, db := buildCoordinator(t, srv, cfg)

	run, err := coord.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	seed := pageByURL(t, db, "https://q.test/")
	assert.Equal(t, domain.StateProcessed, seed.State)

	a := pageByURL(t, db, "https://ext.test/a")
	assert.Equal(t, domain.StateProcessed, a.State)
	var depthA int
	require.NoError(t, db.Get(&depthA, `SELECT depth FROM page_depths WHERE page_id = ? AND origin = ?`, a.ID, "q.test"))
	assert.Equal(t, 1, depthA)

	b := pageByURL(t, db, "https://ext.test/b")
	assert.Equal(t, domain.StateDepthExceeded, b.State)
}

func TestCoordinatorRateLimitStickiness(t *testing.T) {
	var fetchedTwo int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", allowAllRobots)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage("/1", "/2")) })
	mux.HandleFunc("/1", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) })
	mux.HandleFunc("/2", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&fetchedTwo, 1)
		w.Write(htmlPage())
	})

	srv := newTestServer(t, mux, []string{"r.test"})
	cfg := testConfig(1, 1, 10, 100, "r.test", []string{"https://r.test/"}, nil, nil)
	coord, db := buildCoordinator(t, srv, cfg)

	run, err := coord.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	assert.Zero(t, atomic.LoadInt32(&fetchedTwo), "r.test/2 must never be fetched once the host is rate-limited")

	p1 := pageByURL(t, db, "https://r.test/1")
	assert.Equal(t, domain.StateRateLimited, p1.State)
	p2 := pageByURL(t, db, "https://r.test/2")
	assert.Equal(t, domain.StateRateLimited, p2.State)

	states := database.NewDomainStateRepository(db)
	st, err := states.Get(context.Background(), "r.test")
	require.NoError(t, err)
	assert.True(t, st.RateLimited)
}

func TestCoordinatorRobotsDisallow(t *testing.T) {
	var robotsRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&robotsRequests, 1)
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage("/private/x", "/ok")) })
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage()) })
	mux.HandleFunc("/private/x", func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage()) })

	srv := newTestServer(t, mux, []string{"q.test"})
	cfg := testConfig(1, 1, 10, 100, "q.test", []string{"https://q.test/"}, nil, nil)
	coord, db := buildCoordinator(t, srv, cfg)

	run, err := coord.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	ok := pageByURL(t, db, "https://q.test/ok")
	assert.Equal(t, domain.StateProcessed, ok.State)

	priv := pageByURL(t, db, "https://q.test/private/x")
	assert.Equal(t, domain.StateFailed, priv.State)
	require.NotNil(t, priv.LastError)

	assert.EqualValues(t, 1, atomic.LoadInt32(&robotsRequests), "robots.txt must be fetched once and cached")
}

func TestCoordinatorResumeAfterInterruption(t *testing.T) {
	const leafCount = 10

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", allowAllRobots)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		links := make([]string, leafCount)
		for i := range links {
			links[i] = fmt.Sprintf("/leaf%d", i+1)
		}
		w.Write(htmlPage(links...))
	})
	for i := 1; i <= leafCount; i++ {
		mux.HandleFunc(fmt.Sprintf("/leaf%d", i), func(w http.ResponseWriter, _ *http.Request) { w.Write(htmlPage()) })
	}

	srv := newTestServer(t, mux, []string{"q.test"})
	cfg := testConfig(1, 1, 10, 100, "q.test", []string{"https://q.test/"}, nil, nil)
	coord, db := buildCoordinator(t, srv, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *domain.Run, 1)
	go func() {
		run, err := coord.Run(ctx, true)
		if err != nil {
			t.Errorf("run A: %v", err)
			close(done)
			return
		}
		done <- run
	}()

	require.Eventually(t, func() bool {
		var n int
		_ = db.Get(&n, `SELECT COUNT(*) FROM pages WHERE state = ?`, domain.StateProcessed)
		return n >= 3
	}, 2*time.Second, 2*time.Millisecond, "run A must process at least 3 pages before cancellation")
	cancel()

	var runA *domain.Run
	select {
	case runA = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run A did not stop after cancellation")
	}
	require.NotNil(t, runA)
	assert.Equal(t, domain.RunInterrupted, runA.Status)

	var processedAfterA int
	require.NoError(t, db.Get(&processedAfterA, `SELECT COUNT(*) FROM pages WHERE state = ?`, domain.StateProcessed))
	require.Less(t, processedAfterA, leafCount+1, "run A must not have finished the whole crawl before cancellation")

	runB, err := coord.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, runB.Status)
	assert.NotEqual(t, runA.ID, runB.ID)

	var totalProcessed int
	require.NoError(t, db.Get(&totalProcessed, `SELECT COUNT(*) FROM pages WHERE state = ?`, domain.StateProcessed))
	assert.Equal(t, leafCount+1, totalProcessed)

	var totalPages int
	require.NoError(t, db.Get(&totalPages, `SELECT COUNT(*) FROM pages`))
	assert.Equal(t, leafCount+1, totalPages, "no page should have been discovered twice")
}
