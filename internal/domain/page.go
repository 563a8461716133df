// Package domain holds the value types of the crawl engine's data model:
// pages, per-origin depths, link edges, blacklist/stub references, domain
// state, frontier entries, and runs. All logic here is pure; persistence
// lives in internal/database.
package domain

import "time"

// PageState is a page's position in the lifecycle state machine (§4.2).
type PageState string

const (
	StateDiscovered      PageState = "discovered"
	StateQueued          PageState = "queued"
	StateFetching        PageState = "fetching"
	StateProcessed       PageState = "processed"
	StateBlacklisted     PageState = "blacklisted"
	StateStubbed         PageState = "stubbed"
	StateDepthExceeded   PageState = "depth_exceeded"
	StateRequestLimitHit PageState = "request_limit_hit"
	StateDeadLink        PageState = "dead_link"
	StateUnreachable     PageState = "unreachable"
	StateRateLimited     PageState = "rate_limited"
	StateFailed          PageState = "failed"
	StateContentMismatch PageState = "content_mismatch"
)

// IsTerminal reports whether s is an absorbing state: no further
// transition is legal once a page reaches it.
func (s PageState) IsTerminal() bool {
	switch s {
	case StateDiscovered, StateQueued, StateFetching:
		return false
	default:
		return true
	}
}

// IsActive reports whether s is one of the non-terminal, in-progress states.
func (s PageState) IsActive() bool { return !s.IsTerminal() }

// legalTransitions enumerates §4.2's transition table. A nil/missing entry
// for a "from" state means no transitions out of it are legal (terminal).
var legalTransitions = map[PageState]map[PageState]bool{
	"": {
		StateDiscovered: true,
	},
	StateDiscovered: {
		StateQueued:          true,
		StateBlacklisted:     true,
		StateStubbed:         true,
		StateDepthExceeded:   true,
		StateRequestLimitHit: true,
	},
	StateQueued: {
		StateDepthExceeded:   true,
		StateRequestLimitHit: true,
		StateFetching:        true,
		// A host can flip to rate-limited between a page's enqueue and its
		// dispatch; the coordinator sweeps such queued pages straight to
		// RateLimited instead of leaving them stranded in the frontier.
		StateRateLimited: true,
	},
	StateFetching: {
		StateProcessed:       true,
		StateDeadLink:        true,
		StateRateLimited:     true,
		StateUnreachable:     true,
		StateFailed:          true,
		StateContentMismatch: true,
		// A redirect to a blacklisted or stubbed host ends the source page
		// with the target's classification (§9).
		StateBlacklisted: true,
		StateStubbed:     true,
		// Resume treats an aborted Fetching page as equivalent to Queued,
		// so it may transition back into dispatch the same way Queued does.
		StateDepthExceeded:   true,
		StateRequestLimitHit: true,
	},
}

// CanTransition reports whether moving from -> to is legal per §4.2.
func CanTransition(from, to PageState) bool {
	allowed, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Page is a discovered URL and its lifecycle state. The canonical URL is
// the sole identity key (§3).
type Page struct {
	ID          int64     `db:"id"`
	URL         string    `db:"url"`
	Host        string    `db:"host"`
	State       PageState `db:"state"`
	Title       *string   `db:"title"`
	HTTPStatus  *int      `db:"http_status"`
	ContentType *string   `db:"content_type"`
	RunID       string    `db:"run_id"`
	VisitedAt   *time.Time `db:"visited_at"`
	RetryCount  int       `db:"retry_count"`
	LastError   *string   `db:"last_error"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
