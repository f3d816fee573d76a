package engine

import "time"

// Clock supplies wall time and timers to the reconciler and the backfill
// controller.
//
// Timestamps in signals are only compared with each other and with Now;
// they never decide processing order. Ordering comes from store seq and
// the conversation job queue.
//
// AfterFunc returns a stop function with time.Timer.Stop semantics, so test
// clocks can implement Clock without importing this package.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// nowMillis returns c.Now() as unix milliseconds, the unit every signal
// timestamp uses.
func nowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
