// Package tick provides rollover-safe countdown timers over an injectable
// monotonic millisecond counter. Counters are uint32 and wrap after about
// 49 days; all arithmetic uses wrapping unsigned subtraction so a wrap
// between Set and Remaining still yields the true elapsed time.
package tick

import "time"

// Clock yields a monotonic millisecond counter.
type Clock interface {
	Millis() uint32
}

type systemClock struct{ epoch time.Time }

func (c systemClock) Millis() uint32 {
	return uint32(time.Since(c.epoch) / time.Millisecond)
}

// System counts milliseconds since process start.
var System Clock = systemClock{epoch: time.Now()}

// Timer holds only a deadline start and a timeout; it is continuously
// re-armable with Set.
type Timer struct {
	clock   Clock
	start   uint32
	timeout uint32
}

func NewTimer(clock Clock) *Timer {
	if clock == nil {
		clock = System
	}
	return &Timer{clock: clock}
}

// Set arms the timer for timeout milliseconds from now.
func (t *Timer) Set(timeout uint32) {
	t.timeout = timeout
	t.start = t.clock.Millis()
}

// Remaining returns milliseconds left, negative once expired. The uint32
// subtractions wrap, which is exactly what makes a counter rollover
// between Set and Remaining come out as the small true elapsed value.
func (t *Timer) Remaining() int32 {
	elapsed := t.clock.Millis() - t.start
	return int32(t.timeout - elapsed)
}

func (t *Timer) Expired() bool { return t.Remaining() <= 0 }
