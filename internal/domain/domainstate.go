package domain

import "time"

// DomainState is the per-host politeness and robots-cache record (§3).
// LastRequestTime is a wall-clock UTC timestamp persisted with the row, not
// a monotonic-clock reading; Ready compares it directly against the
// caller's now, also after a resume.
type DomainState struct {
	Host            string     `db:"host"`
	RequestCount    int        `db:"request_count"`
	LastRequestTime *time.Time `db:"last_request_time"`
	RateLimited     bool       `db:"rate_limited"`
	RobotsBody      *string    `db:"robots_body"`
	RobotsFetchedAt *time.Time `db:"robots_fetched_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// EffectiveDelay returns max(minTimeOnPage, robotsCrawlDelay) per §4.5/§5.
func EffectiveDelay(minTimeOnPage, robotsCrawlDelay time.Duration) time.Duration {
	if robotsCrawlDelay > minTimeOnPage {
		return robotsCrawlDelay
	}
	return minTimeOnPage
}

// Ready reports whether the host may be dispatched at `now`, given the
// configured per-domain request cap and effective delay (§8 "Admission
// discipline").
func (d DomainState) Ready(now time.Time, maxDomainRequests int, effectiveDelay time.Duration) bool {
	if d.RateLimited {
		return false
	}
	if d.RequestCount >= maxDomainRequests {
		return false
	}
	if d.LastRequestTime == nil {
		return true
	}
	return now.Sub(*d.LastRequestTime) >= effectiveDelay
}
