// Package clock abstracts time so debounce windows, cooldowns and
// pacing delays can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After behaves like time.After. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
	// AfterFunc behaves like time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stopFunc() }

func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop, resetFunc: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
