package domain

import "time"

// RunStatus is the lifecycle status of a crawl run (§3).
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
)

// Run is one logical crawl session. At most one Run with status Running
// exists globally at any time (§3 global invariant).
type Run struct {
	ID         string     `db:"id"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	ConfigHash string     `db:"config_hash"`
	Status     RunStatus  `db:"status"`
}
