package search

import "fmt"

// Crawl stages that can fail fatally.
const (
	StageAcquire  = "acquire_fetcher"
	StageNavigate = "navigate"
	StageFilter   = "apply_filter"
	StageSubmit   = "submit"
	StagePageSize = "set_page_size"
)

// FatalError reports a failure before any identifier was pushed. The crawl
// phase stops; the rest of the pipeline still drains and shuts down.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("crawl %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
