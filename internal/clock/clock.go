// Package clock abstracts the wall clock so time windows can be tested deterministically
package clock

import "time"

// Clock returns the current instant
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock in UTC
type System struct{}

// Now implements Clock
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant
type Fixed time.Time

// Now implements Clock
func (f Fixed) Now() time.Time { return time.Time(f).UTC() }

// Func adapts a function to Clock
type Func func() time.Time

// Now implements Clock
func (f Func) Now() time.Time { return f().UTC() }
