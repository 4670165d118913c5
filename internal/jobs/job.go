// Package jobs runs crawls in the background on behalf of the HTTP API and
// keeps their status and results.
package jobs

import (
	"time"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. A job moves queued -> running -> one of the terminal states.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Overrides are per-job changes to the configured crawl.
type Overrides struct {
	FilterValue string `json:"filter_value,omitempty"`
}

// Counters summarise a finished crawl.
type Counters struct {
	Records  int `json:"records"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
	Pages    int `json:"pages"`
	Enqueued int `json:"enqueued"`
}

// Job is the stored view of one crawl.
type Job struct {
	ID          string     `json:"job_id"`
	Status      Status     `json:"status"`
	Overrides   Overrides  `json:"overrides"`
	Submitted   time.Time  `json:"submitted_at"`
	Started     *time.Time `json:"started_at,omitempty"`
	Finished    *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Counters    Counters   `json:"counters"`
	Stopped     bool       `json:"stop_requested"`
	ArtifactURI string     `json:"artifact_uri,omitempty"`
}

// Result pairs a job with its records.
type Result struct {
	Job     Job                    `json:"job"`
	Records []crawler.DetailRecord `json:"records"`
	Skipped []crawler.Identifier   `json:"skipped,omitempty"`
}
