// Package system provides the wall clock used by the job controller and the
// maintenance gate.
package system

import "time"

// Clock implements scrape.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Callers convert to other zones.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
