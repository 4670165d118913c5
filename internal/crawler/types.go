package crawler

import "time"

// Identifier names one directory entry. The pipeline treats it as opaque.
type Identifier string

// WorkItem is a queue entry: either an identifier to fetch or a stop sentinel.
type WorkItem struct {
	ID   Identifier
	stop bool
}

// ItemFor wraps an identifier in a WorkItem.
func ItemFor(id Identifier) WorkItem {
	return WorkItem{ID: id}
}

// StopItem returns the sentinel that tells exactly one worker to exit.
func StopItem() WorkItem {
	return WorkItem{stop: true}
}

// IsStop reports whether the item is a stop sentinel.
func (w WorkItem) IsStop() bool {
	return w.stop
}

// StepKind enumerates the browser transitions a PageFetcher can perform.
type StepKind string

// Supported step kinds.
const (
	StepNavigate StepKind = "navigate"
	StepSelect   StepKind = "select"
	StepClick    StepKind = "click"
)

// Step describes one rendering transition. After the action runs the fetcher
// polls for WaitFor (when set), sleeps for Settle (when set) and returns the
// rendered markup of the whole document.
type Step struct {
	Kind     StepKind
	URL      string
	Selector string
	Value    string
	WaitFor  string
	Settle   time.Duration
}

// Navigate builds a navigation step.
func Navigate(url, waitFor string, settle time.Duration) Step {
	return Step{Kind: StepNavigate, URL: url, WaitFor: waitFor, Settle: settle}
}
