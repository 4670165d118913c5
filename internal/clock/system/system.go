// Package system supplies the clocks stamped onto records and jobs.
package system

import (
	"time"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

var (
	_ crawler.Clock = UTC{}
	_ crawler.Clock = Fixed{}
)

// UTC reads the wall clock in UTC, the zone of FetchedAt and job timestamps.
type UTC struct{}

// New returns the wall clock.
func New() UTC {
	return UTC{}
}

// Now implements crawler.Clock.
func (UTC) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant.
type Fixed time.Time

// Now implements crawler.Clock.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}
