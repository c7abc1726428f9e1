package tlsio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-netcore/connio"
)

// pollSlice bounds each readiness wait so a closed conn is noticed promptly.
const pollSlice = 50 * time.Millisecond

// wouldBlockError is returned by fdConn reads in non-waiting mode. crypto/tls
// keeps partial records and does not latch temporary net.Errors, so a later
// Read resumes where this one stopped.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tlsio: record layer would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }
func (wouldBlockError) Unwrap() error   { return unix.EAGAIN }

var errWouldBlock error = wouldBlockError{}

// fdConn adapts a socket descriptor owned by a connio.Handle to net.Conn so
// crypto/tls can run over it. Closing it never closes the descriptor; the
// handle does that.
type fdConn struct {
	fd  int
	sys connio.Syscalls

	// wait makes reads poll through EAGAIN. It is set while the handshake
	// goroutine owns the conn.
	wait      atomic.Bool
	readFlags atomic.Int32
	closed    atomic.Bool

	readDeadline  atomic.Int64
	writeDeadline atomic.Int64

	local  net.Addr
	remote net.Addr
}

func newFDConn(fd int, sys connio.Syscalls) *fdConn {
	if sys == nil {
		sys = connio.UnixSyscalls{}
	}

	c := &fdConn{fd: fd, sys: sys}
	c.local, _ = connio.LocalAddr(fd)
	c.remote, _ = connio.PeerAddr(fd)
	if c.local == nil {
		c.local = fdAddr(fd)
	}
	if c.remote == nil {
		c.remote = fdAddr(fd)
	}

	return c
}

// Read implements net.Conn.
func (c *fdConn) Read(p []byte) (int, error) {
	flags := int(c.readFlags.Load())
	for {
		if c.closed.Load() {
			return 0, net.ErrClosed
		}

		n, err := c.sys.Recv(c.fd, p, flags)
		if err == nil {
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		}

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if !c.wait.Load() || flags&connio.MsgDontWait != 0 {
				return 0, errWouldBlock
			}
			if err := c.waitFor(unix.POLLIN, &c.readDeadline); err != nil {
				return 0, err
			}
			continue
		}

		return 0, fmt.Errorf("tls record recv: %w", err)
	}
}

// Write implements net.Conn. It always writes the whole record, waiting for
// write readiness as needed, because crypto/tls treats any write error as
// permanent.
func (c *fdConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if c.closed.Load() {
			return total, net.ErrClosed
		}

		n, err := c.sys.Send(c.fd, p, 0)
		if n > 0 {
			total += n
			p = p[n:]
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := c.waitFor(unix.POLLOUT, &c.writeDeadline); err != nil {
				return total, err
			}
			continue
		}

		return total, fmt.Errorf("tls record send: %w", err)
	}

	return total, nil
}

// waitFor polls for events until they are ready, the deadline passes or the
// conn is closed.
func (c *fdConn) waitFor(events int16, deadline *atomic.Int64) error {
	for {
		if c.closed.Load() {
			return net.ErrClosed
		}

		timeout := pollSlice
		if d := deadline.Load(); d != 0 {
			left := time.Until(time.Unix(0, d))
			if left <= 0 {
				return os.ErrDeadlineExceeded
			}
			if left < timeout {
				timeout = left
			}
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll fd %d: %w", c.fd, err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Close implements net.Conn. It stops pending waits but leaves the descriptor
// open.
func (c *fdConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fdConn) LocalAddr() net.Addr  { return c.local }
func (c *fdConn) RemoteAddr() net.Addr { return c.remote }

func (c *fdConn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Store(deadlineNanos(t))
	return nil
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Store(deadlineNanos(t))
	return nil
}

func deadlineNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// fdAddr names a descriptor whose socket address is unavailable.
type fdAddr int

func (a fdAddr) Network() string { return "fd" }
func (a fdAddr) String() string  { return fmt.Sprintf("fd:%d", int(a)) }
