// Package cancel provides the cooperative stop signal shared by the crawler
// and its workers.
package cancel

import "sync/atomic"

// Token is a one-way switch from running to stop-requested. Holders check it
// at their own safe points; it never interrupts work in progress. Hard aborts
// go through context cancellation instead.
type Token struct {
	stopped atomic.Bool
}

// New returns a Token in the running state.
func New() *Token {
	return &Token{}
}

// RequestStop flips the token. Calling it more than once is harmless.
func (t *Token) RequestStop() {
	t.stopped.Store(true)
}

// Stopped reports whether a stop has been requested.
func (t *Token) Stopped() bool {
	return t.stopped.Load()
}
