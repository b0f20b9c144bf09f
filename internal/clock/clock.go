// Package clock abstracts time so replication wait loops and expiry math can
// run against a controllable clock in tests.
package clock

import "time"

// Clock is the subset of time functionality the replication layer needs.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }
