// Package clock abstracts wall time, one-shot timers and tickers so that
// timer-driven state machines (silence detection, periodic drains, session
// expiry) can be driven deterministically in tests.
package clock
