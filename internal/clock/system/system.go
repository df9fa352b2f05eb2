// Package system provides the wall clock.
package system

import "time"

// Clock reports the current time in UTC.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns time.Now in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
