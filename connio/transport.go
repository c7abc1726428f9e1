package connio

import (
	"os"

	"golang.org/x/sys/unix"
)

// Message flags accepted by Recv, Send and Peek. They carry the platform's
// socket flag values and are passed through to the kernel on plaintext
// connections. MsgNoSignal is defined per platform.
const (
	MsgWaitAll  = unix.MSG_WAITALL
	MsgPeek     = unix.MSG_PEEK
	MsgDontWait = unix.MSG_DONTWAIT
)

// Transport moves bytes for a Handle. A plaintext socket and a TLS session
// implement the same contract so callers write one code path. Transports may
// return interrupted results; Handle retries them.
type Transport interface {
	// Recv reads up to len(p) bytes. Zero bytes with a nil error means the
	// peer closed the stream.
	Recv(p []byte, flags int) (int, error)

	// Send writes up to len(p) bytes and may return a partial count.
	Send(p []byte, flags int) (int, error)

	// Peek copies up to len(p) buffered bytes without consuming them.
	Peek(p []byte, flags int) (int, error)
}

// FileSender is implemented by transports that can move file contents to
// the socket without copying them through user space.
type FileSender interface {
	// SendFile writes up to length bytes of f starting at offset and may
	// return a partial count.
	SendFile(f *os.File, offset int64, length int) (int, error)
}

// Syscalls is the raw socket surface used by PlainTransport. Tests replace
// it to inject interrupted or partial results.
type Syscalls interface {
	Recv(fd int, p []byte, flags int) (int, error)
	Send(fd int, p []byte, flags int) (int, error)
	Sendfile(outFD, inFD int, offset *int64, count int) (int, error)
	Close(fd int) error
}

// UnixSyscalls implements Syscalls with golang.org/x/sys/unix.
type UnixSyscalls struct{}

// Recv implements Syscalls.
func (UnixSyscalls) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, flags)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// Send implements Syscalls.
func (UnixSyscalls) Send(fd int, p []byte, flags int) (int, error) {
	n, err := unix.SendmsgN(fd, p, nil, nil, flags)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// Sendfile implements Syscalls. A write that moved some bytes before the
// socket filled up reports the count without an error.
func (UnixSyscalls) Sendfile(outFD, inFD int, offset *int64, count int) (int, error) {
	n, err := unix.Sendfile(outFD, inFD, offset, count)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, err
	}

	return n, nil
}

// Close implements Syscalls.
func (UnixSyscalls) Close(fd int) error {
	return unix.Close(fd)
}

// PlainTransport performs socket I/O directly on a descriptor.
type PlainTransport struct {
	fd  int
	sys Syscalls
}

// NewPlainTransport returns a transport for fd. A nil sys selects
// UnixSyscalls.
func NewPlainTransport(fd int, sys Syscalls) *PlainTransport {
	if sys == nil {
		sys = UnixSyscalls{}
	}

	return &PlainTransport{fd: fd, sys: sys}
}

// Recv implements Transport.
func (t *PlainTransport) Recv(p []byte, flags int) (int, error) {
	return t.sys.Recv(t.fd, p, flags)
}

// Send implements Transport.
func (t *PlainTransport) Send(p []byte, flags int) (int, error) {
	return t.sys.Send(t.fd, p, flags)
}

// Peek implements Transport.
func (t *PlainTransport) Peek(p []byte, flags int) (int, error) {
	return t.sys.Recv(t.fd, p, flags|MsgPeek)
}

// SendFile implements FileSender with the sendfile system call.
func (t *PlainTransport) SendFile(f *os.File, offset int64, length int) (int, error) {
	off := offset
	return t.sys.Sendfile(t.fd, int(f.Fd()), &off, length)
}
