package clock

import "time"

// Clock is the source of time and timers used by the segmenter, the uploader
// and the session registry.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real clock) or inline from
	// Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Ticker delivers ticks on C at a fixed period. Slow receivers miss ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the Clock backed by the time package.
type Real struct{}

var _ Clock = Real{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewTicker wraps time.NewTicker.
func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
