package transport

import (
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
)

const tcpPollInterval = 1 * time.Millisecond

// TCPConn implements Conn over net.Conn in the manner of the embedded
// stream clients the driver was designed around: short-deadline polling
// reads, a one byte peek buffer backing Available, and an explicit
// liveness flag that read/write errors clear.
type TCPConn struct {
	DialTimeout time.Duration

	conn      net.Conn
	connected bool
	peek      [1]byte
	peeked    bool
}

func (tc *TCPConn) Connect(host string, port int) error {
	tc.Stop()
	d := net.Dialer{Timeout: tc.DialTimeout}
	conn, err := d.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Annotatef(ErrFailedConnect, "dial %s:%d: %v", host, port, err)
	}
	tc.conn = conn
	tc.connected = true
	tc.peeked = false
	return nil
}

func (tc *TCPConn) Read(p []byte) (int, error) {
	if tc.conn == nil || len(p) == 0 {
		return 0, ErrFailedRead
	}
	off := 0
	if tc.peeked {
		p[0] = tc.peek[0]
		tc.peeked = false
		off = 1
		if len(p) == 1 {
			return 1, nil
		}
	}
	_ = tc.conn.SetReadDeadline(time.Now().Add(tcpPollInterval))
	n, err := tc.conn.Read(p[off:])
	total := off + n
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return total, nil // no more data pending
		}
		tc.connected = false
		if total > 0 {
			return total, nil
		}
		return 0, err
	}
	return total, nil
}

func (tc *TCPConn) Write(p []byte) (int, error) {
	if tc.conn == nil {
		return 0, ErrFailedWrite
	}
	n, err := tc.conn.Write(p)
	if err != nil {
		tc.connected = false
	}
	return n, err
}

// Available reports whether at least one inbound byte is pending, by
// holding it in the peek buffer until the next Read.
func (tc *TCPConn) Available() int {
	if tc.conn == nil {
		return 0
	}
	if tc.peeked {
		return 1
	}
	_ = tc.conn.SetReadDeadline(time.Now().Add(tcpPollInterval))
	n, err := tc.conn.Read(tc.peek[:])
	if n == 1 {
		tc.peeked = true
		return 1
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0
		}
		tc.connected = false
	}
	return 0
}

func (tc *TCPConn) Connected() bool {
	return tc.connected && tc.conn != nil
}

func (tc *TCPConn) Stop() {
	if tc.conn != nil {
		_ = tc.conn.Close()
		tc.conn = nil
	}
	tc.connected = false
	tc.peeked = false
}
