// Package fetcher is the Fetch Pipeline (§4.6): robots gate, HEAD content
// sniff, GET with retry, and manual redirect traversal, grounded on the
// worker/redirect handling this module's teacher used for a single-shot
// GET and generalised here to the full §4.6 state machine.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jonesrussell/sumi-ripple/internal/failure"
	"github.com/jonesrussell/sumi-ripple/internal/logger"
	"github.com/jonesrussell/sumi-ripple/internal/robots"
	"github.com/jonesrussell/sumi-ripple/internal/urlnorm"
)

// maxRedirects bounds manual redirect traversal (§4.6 step 5).
const maxRedirects = 10

// maxResponseBodyBytes bounds how much of a GET response body is read.
const maxResponseBodyBytes = 10 * 1024 * 1024

// retryDelays is the exponential backoff schedule for retryable failures
// (§4.6 step 4: "5s, 10s, 20s").
var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Outcome names where a fetch landed among §4.2's terminal page states.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeRobotsDenied
	OutcomeContentMismatch
	OutcomeDeadLink
	OutcomeRateLimited
	OutcomeUnreachable
	OutcomeFailed
	OutcomeRedirectedToBlacklist
	OutcomeRedirectedToStub
)

// Result is the Fetch Pipeline's output for one URL. Err, when non-nil, is
// always a failure.ClassifiedError.
type Result struct {
	Outcome        Outcome
	FinalURL       string
	Body           []byte
	ContentType    string
	HTTPStatus     int
	RedirectTarget string
	Err            error
}

// Pipeline runs the §4.6 fetch state machine for a single URL.
type Pipeline struct {
	client      *http.Client
	robots      *robots.Cache
	classifier  *urlnorm.Classifier
	userAgent   string
	log         logger.Logger
	retryDelays []time.Duration
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithRetryDelays overrides the default §4.6 step 4 backoff schedule.
// Tests use this to avoid waiting out the production 5s/10s/20s schedule.
func WithRetryDelays(delays []time.Duration) Option {
	return func(p *Pipeline) { p.retryDelays = delays }
}

// New builds a Pipeline. client's CheckRedirect is overridden to disable
// automatic redirect following (§6 "manual redirect handling"); callers
// must not share this client with code that expects library-level
// redirects.
func New(client *http.Client, robotsCache *robots.Cache, classifier *urlnorm.Classifier, userAgent string, log logger.Logger, opts ...Option) *Pipeline {
	client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	p := &Pipeline{client: client, robots: robotsCache, classifier: classifier, userAgent: userAgent, log: log, retryDelays: retryDelays}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch runs the robots gate, HEAD content-type sniff, and retried GET for
// pageURL (§4.6 steps 1-4).
func (p *Pipeline) Fetch(ctx context.Context, pageURL string) Result {
	host, err := urlnorm.Host(pageURL)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: failure.New(failure.KindInvalidURL, failure.SeverityRecoverable, pageURL, err)}
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: failure.New(failure.KindInvalidURL, failure.SeverityRecoverable, pageURL, err)}
	}

	// robots.txt comes from the page's own authority, port included.
	robotsHost := host
	if port := u.Port(); port != "" {
		robotsHost = net.JoinHostPort(host, port)
	}
	allowed, err := p.robots.IsAllowed(ctx, robotsHost, u.Path)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: failure.New(failure.KindInternal, failure.SeverityRecoverable, pageURL, err)}
	}
	if !allowed {
		return Result{Outcome: OutcomeRobotsDenied, Err: failure.New(failure.KindRobotsDenied, failure.SeverityRecoverable, pageURL, errors.New("disallowed by robots.txt"))}
	}

	if mismatch, ok := p.sniffContentType(ctx, pageURL); ok {
		return mismatch
	}

	return p.fetchWithRetry(ctx, pageURL)
}

// sniffContentType issues the §4.6 step 2 HEAD request. It reports a
// terminal Result (ok=true) only when the redirect chain itself resolved
// to a blacklist/stub target, a loop, or an overlong chain, or when a
// successful HEAD response carries a non-HTML content type. Any other
// HEAD failure (unsupported method, network hiccup) is swallowed so the
// GET step gets its own chance.
func (p *Pipeline) sniffContentType(ctx context.Context, pageURL string) (Result, bool) {
	resp, finalURL, term := p.traverse(ctx, http.MethodHead, pageURL)
	if term != nil {
		switch term.Outcome {
		case OutcomeRedirectedToBlacklist, OutcomeRedirectedToStub:
			return *term, true
		}
		if ce, ok := failure.As(term.Err); ok && (ce.Kind() == failure.KindRedirectLoop || ce.Kind() == failure.KindRedirectTooLong) {
			return *term, true
		}
		return Result{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, false
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !isHTMLContentType(ct) {
		return Result{
			Outcome:     OutcomeContentMismatch,
			FinalURL:    finalURL,
			ContentType: ct,
			HTTPStatus:  resp.StatusCode,
			Err:         failure.New(failure.KindParse, failure.SeverityRecoverable, finalURL, fmt.Errorf("non-HTML content-type %q", ct)),
		}, true
	}
	return Result{}, false
}

func isHTMLContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// fetchWithRetry runs the §4.6 step 3/4 GET-and-retry loop.
func (p *Pipeline) fetchWithRetry(ctx context.Context, pageURL string) Result {
	var result Result
	for attempt := 0; ; attempt++ {
		result = p.fetchOnce(ctx, pageURL)
		if !isRetryable(result) {
			return result
		}
		if attempt >= len(p.retryDelays) {
			return result
		}
		timer := time.NewTimer(p.retryDelays[attempt])
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result
		}
	}
}

func isRetryable(r Result) bool {
	if r.Outcome != OutcomeFailed || r.Err == nil {
		return false
	}
	return failure.IsRetryable(r.Err)
}

// fetchOnce issues the §4.6 step 3 GET and classifies the response.
func (p *Pipeline) fetchOnce(ctx context.Context, pageURL string) Result {
	resp, finalURL, term := p.traverse(ctx, http.MethodGet, pageURL)
	if term != nil {
		return *term
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		if err != nil {
			return Result{
				Outcome: OutcomeFailed, FinalURL: finalURL, HTTPStatus: resp.StatusCode,
				Err: failure.New(failure.KindNetworkTransient, failure.SeverityRecoverable, finalURL, err),
			}
		}
		return Result{
			Outcome: OutcomeProcessed, FinalURL: finalURL, Body: body,
			ContentType: resp.Header.Get("Content-Type"), HTTPStatus: resp.StatusCode,
		}
	case resp.StatusCode == http.StatusNotFound:
		return Result{Outcome: OutcomeDeadLink, FinalURL: finalURL, HTTPStatus: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Outcome: OutcomeRateLimited, FinalURL: finalURL, HTTPStatus: resp.StatusCode}
	case resp.StatusCode >= 500:
		return Result{
			Outcome: OutcomeFailed, FinalURL: finalURL, HTTPStatus: resp.StatusCode,
			Err: failure.New(failure.KindNetworkTransient, failure.SeverityRecoverable, finalURL, fmt.Errorf("http %d", resp.StatusCode)),
		}
	default:
		return Result{
			Outcome: OutcomeFailed, FinalURL: finalURL, HTTPStatus: resp.StatusCode,
			Err: failure.New(failure.KindNetworkPermanent, failure.SeverityRecoverable, finalURL, fmt.Errorf("http %d", resp.StatusCode)),
		}
	}
}

// traverse issues method against startURL, manually following redirects
// (§4.6 step 5) up to maxRedirects. It returns either a non-redirect
// response (caller must close its body) or a terminal *Result describing
// why traversal stopped short of one.
func (p *Pipeline) traverse(ctx context.Context, method, startURL string) (*http.Response, string, *Result) {
	seen := make(map[string]bool)
	current := startURL

	for hop := 0; ; hop++ {
		canon, err := urlnorm.Canonicalize(current)
		if err != nil {
			return nil, "", &Result{Outcome: OutcomeFailed, Err: failure.New(failure.KindInvalidURL, failure.SeverityRecoverable, current, err)}
		}
		if seen[canon] {
			return nil, "", &Result{Outcome: OutcomeFailed, FinalURL: canon, Err: failure.New(failure.KindRedirectLoop, failure.SeverityRecoverable, startURL, fmt.Errorf("redirect loop at %s", canon))}
		}
		if hop >= maxRedirects {
			return nil, "", &Result{Outcome: OutcomeFailed, FinalURL: canon, Err: failure.New(failure.KindRedirectTooLong, failure.SeverityRecoverable, startURL, fmt.Errorf("exceeded %d redirects", maxRedirects))}
		}
		seen[canon] = true

		req, err := http.NewRequestWithContext(ctx, method, canon, http.NoBody)
		if err != nil {
			return nil, "", &Result{Outcome: OutcomeFailed, FinalURL: canon, Err: failure.New(failure.KindInternal, failure.SeverityRecoverable, canon, err)}
		}
		req.Header.Set("User-Agent", p.userAgent)

		resp, err := p.client.Do(req)
		if err != nil {
			kind := classifyTransportError(err)
			outcome := OutcomeFailed
			if kind == failure.KindNetworkPermanent {
				outcome = OutcomeUnreachable
			}
			return nil, "", &Result{Outcome: outcome, FinalURL: canon, Err: failure.New(kind, failure.SeverityRecoverable, canon, err)}
		}

		if isRedirectStatus(resp.StatusCode) {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, "", &Result{
					Outcome: OutcomeFailed, FinalURL: canon,
					Err: failure.New(failure.KindNetworkPermanent, failure.SeverityRecoverable, canon, errors.New("redirect response missing Location header")),
				}
			}
			next, err := urlnorm.Resolve(canon, location)
			if err != nil {
				return nil, "", &Result{Outcome: OutcomeFailed, FinalURL: canon, Err: failure.New(failure.KindInvalidURL, failure.SeverityRecoverable, canon, err)}
			}

			if term := p.classifyRedirectTarget(canon, next); term != nil {
				return nil, "", term
			}
			current = next
			continue
		}

		return resp, canon, nil
	}
}

// classifyRedirectTarget returns a terminal Result when next's host is
// Blacklisted or Stubbed (§4.6 step 5), else nil to keep following.
func (p *Pipeline) classifyRedirectTarget(sourceURL, next string) *Result {
	host, err := urlnorm.Host(next)
	if err != nil {
		return nil
	}
	class, _ := p.classifier.Classify(host)

	var outcome Outcome
	switch class {
	case urlnorm.Blacklisted:
		outcome = OutcomeRedirectedToBlacklist
	case urlnorm.Stubbed:
		outcome = OutcomeRedirectedToStub
	default:
		return nil
	}

	target, err := urlnorm.Canonicalize(next)
	if err != nil {
		target = next
	}
	return &Result{Outcome: outcome, FinalURL: sourceURL, RedirectTarget: target}
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// classifyTransportError maps a transport-level error to the §7 taxonomy:
// timeouts are transient (retryable), DNS/dial failures are permanent.
func classifyTransportError(err error) failure.Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.KindNetworkTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure.KindNetworkPermanent
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return failure.KindNetworkPermanent
	}
	return failure.KindNetworkTransient
}
