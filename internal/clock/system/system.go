// Package system provides the real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/pagemine/internal/clock"
)

// Clock implements clock.Clock on top of the time package.
type Clock struct{}

var _ clock.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs f on its own goroutine once d has elapsed.
func (Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return time.AfterFunc(d, f)
}

// After returns a channel that receives the time once d has elapsed.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
