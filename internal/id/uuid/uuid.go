// Package uuid issues crawl job ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

var _ crawler.IDGenerator = JobIDs{}

// JobIDs issues UUIDv7 job ids. The time prefix keeps ids in submission order.
type JobIDs struct{}

// New returns the job id source used by the job runner.
func New() JobIDs {
	return JobIDs{}
}

// NewID returns a fresh job id.
func (JobIDs) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("issue job id: %w", err)
	}
	return id.String(), nil
}
