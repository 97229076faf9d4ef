// Package clock abstracts the time source used by presence staleness,
// sweepers and save debouncing so tests can drive time explicitly.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// a pending call.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	stop func() bool
}

// Stop reports whether the call prevented f from running.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
