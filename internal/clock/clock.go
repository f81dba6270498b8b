package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Fake is a manually-advanced clock for tests. Now() returns the set time;
// After() delivers the deadline immediately so tests never sleep.
type Fake struct {
	Current time.Time
}

// NewFake returns a Fake pinned at the given instant.
func NewFake(at time.Time) *Fake { return &Fake{Current: at} }

func (f *Fake) Now() time.Time                  { return f.Current }
func (f *Fake) Since(t time.Time) time.Duration { return f.Current.Sub(t) }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Current.Add(d)
	return ch
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
