// Package transport adapts a byte-stream connection to the bounded,
// timeout-governed reads and single-shot writes the protocol engine
// expects. The Conn interface is the entire contract with the network
// layer; Adapter adds deadline-driven polling on top of it.
package transport

import (
	"errors"
	"runtime"

	"github.com/ebogdum/arduino-mqtt/tick"
)

var (
	ErrFailedConnect = errors.New("transport: connect failed")
	ErrFailedRead    = errors.New("transport: read failed")
	ErrFailedWrite   = errors.New("transport: write failed")
	ErrTimeout       = errors.New("transport: timeout")
)

// Conn is a stream connection in the shape of the embedded network
// clients this package was built against: reads do not block when no
// data is pending, liveness is an explicit query, Stop is idempotent.
type Conn interface {
	Connect(host string, port int) error
	// Read moves pending bytes into p. Zero with nil error means no
	// data yet, not end of stream.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Available reports how many inbound bytes can be read right now.
	Available() int
	Connected() bool
	Stop()
}

// Adapter drives a Conn with timer-bounded polling reads and single
// attempt writes.
type Adapter struct {
	Conn  Conn
	Clock tick.Clock
	// Yield runs on every empty poll pass, handing control to whatever
	// background tasks the host environment needs serviced.
	// Defaults to runtime.Gosched.
	Yield func()
}

// Read fills p up to len(p) within timeout milliseconds. A short nonzero
// read before the deadline is success, not an error; callers that need an
// exact count retry upstream. Zero bytes by the deadline is ErrTimeout,
// and a dead connection discovered on an empty poll is ErrFailedRead.
func (a *Adapter) Read(p []byte, timeout uint32) (int, error) {
	timer := tick.NewTimer(a.Clock)
	timer.Set(timeout)
	total := 0
	for total < len(p) {
		if timer.Expired() {
			break
		}
		n, err := a.Conn.Read(p[total:])
		if n > 0 {
			total += n
			continue
		}
		if err != nil {
			return total, ErrFailedRead
		}
		a.yield()
		if !a.Conn.Connected() {
			return total, ErrFailedRead
		}
	}
	if total == 0 {
		return 0, ErrTimeout
	}
	return total, nil
}

// Write is a single attempt with no retry loop. Success is at least one
// byte out.
func (a *Adapter) Write(p []byte) (int, error) {
	n, _ := a.Conn.Write(p)
	if n > 0 {
		return n, nil
	}
	return 0, ErrFailedWrite
}

func (a *Adapter) yield() {
	if a.Yield != nil {
		a.Yield()
		return
	}
	runtime.Gosched()
}
