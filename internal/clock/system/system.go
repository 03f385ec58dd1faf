// Package system provides the wall clock and a fixed clock for tests.
package system

import (
	"sync"
	"time"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

var (
	_ crawler.Clock = Clock{}
	_ crawler.Clock = (*Fixed)(nil)
)

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns a set time until advanced.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a clock stopped at now.
func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now.UTC()}
}

// Now returns the stored time.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
