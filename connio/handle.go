// Package connio provides the connection I/O layer: a Handle owns one socket
// descriptor and moves bytes through a Transport, either the plaintext socket
// or a TLS session attached after the handshake. Every operation retries
// interrupted system calls, and Classify reduces the resulting errors to the
// close/retry/fatal/error decisions a reactor acts on.
//
// A Handle is driven by one goroutine at a time; it does no internal locking
// apart from making Close idempotent.
package connio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-netcore/logger"
)

// abort terminates the process after a fatal classification. It raises
// SIGABRT so the runtime prints a traceback, and exits in case the signal is
// caught. Tests swap it out.
var abort = func() {
	_ = unix.Kill(unix.Getpid(), unix.SIGABRT)
	os.Exit(134)
}

// fileCopyChunk bounds the buffer used when file contents go through a
// transport that cannot send files directly.
const fileCopyChunk = 64 * 1024

// Option configures a Handle at creation.
type Option func(*Handle)

// WithTransport installs t instead of the plaintext transport.
func WithTransport(t Transport) Option {
	return func(h *Handle) {
		h.transport = t
	}
}

// WithCounter attaches a transfer counter.
func WithCounter(c Counter) Option {
	return func(h *Handle) {
		h.counter = c
	}
}

// WithLogger sets the logger used by Check and Close.
func WithLogger(l logger.Logger) Option {
	return func(h *Handle) {
		h.log = l
	}
}

// WithSyscalls replaces the raw socket calls used by the plaintext transport
// and by Close.
func WithSyscalls(sys Syscalls) Option {
	return func(h *Handle) {
		h.sys = sys
	}
}

// WithRegistry registers the handle in r, which assigns its ID and rejects a
// descriptor that is already owned.
func WithRegistry(r *Registry) Option {
	return func(h *Handle) {
		h.registry = r
	}
}

// Handle is the per-socket state of one network peer. It exclusively owns its
// descriptor and, once attached, its TLS session.
type Handle struct {
	fd        int
	id        uint32
	transport Transport
	counter   Counter
	sys       Syscalls
	log       logger.Logger
	registry  *Registry
	out       *OutBuffer
	closed    atomic.Bool
}

// NewHandle creates a Handle for fd. Without WithTransport the handle reads
// and writes the socket directly.
//
// Parameters:
//   - fd: A connected socket descriptor; ownership passes to the handle
//   - opts: Optional settings
//
// Returns:
//   - The new Handle
//   - ErrInvalidDescriptor for a negative fd, or ErrDescriptorInUse if the
//     registry already holds fd
func NewHandle(fd int, opts ...Option) (*Handle, error) {
	if fd < 0 {
		return nil, fmt.Errorf("new handle fd %d: %w", fd, ErrInvalidDescriptor)
	}

	h := &Handle{
		fd:  fd,
		sys: UnixSyscalls{},
		out: NewOutBuffer(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.log == nil {
		h.log = logger.NewNopLogger()
	}
	if h.transport == nil {
		h.transport = NewPlainTransport(fd, h.sys)
	}

	if h.registry != nil {
		id, err := h.registry.Register(h)
		if err != nil {
			return nil, err
		}
		h.id = id
	}

	h.log = h.log.With(logger.F("fd", fd), logger.F("handle", h.id))
	return h, nil
}

// FD returns the socket descriptor.
func (h *Handle) FD() int {
	return h.fd
}

// ID returns the registry-assigned ID, or 0 for unregistered handles.
func (h *Handle) ID() uint32 {
	return h.id
}

// Transport returns the active transport.
func (h *Handle) Transport() Transport {
	return h.transport
}

// SetTransport replaces the active transport. The TLS subsystem calls it when
// a session is attached.
func (h *Handle) SetTransport(t Transport) {
	h.transport = t
}

// Syscalls returns the raw socket calls used by the handle.
func (h *Handle) Syscalls() Syscalls {
	return h.sys
}

// Logger returns the handle's logger.
func (h *Handle) Logger() logger.Logger {
	return h.log
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// retryInterrupted repeats op until it reports something other than an
// interrupted system call.
func retryInterrupted(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err != nil && KindOf(err) == KindInterrupted {
			continue
		}

		return n, err
	}
}

// Recv reads up to len(p) bytes through the active transport. With
// MsgWaitAll it keeps reading until p is full, the peer closes or an error
// occurs.
//
// Parameters:
//   - p: Destination buffer
//   - flags: Message flags such as MsgWaitAll or MsgDontWait
//
// Returns:
//   - The number of bytes read; 0 with a nil error means the peer closed
//   - An error to be classified with Classify
func (h *Handle) Recv(p []byte, flags int) (int, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}

	n, err := retryInterrupted(func() (int, error) {
		return h.transport.Recv(p, flags)
	})
	if n > 0 && h.counter != nil {
		h.counter.AddReceived(n)
	}

	return n, err
}

// Send writes up to len(p) bytes. A partial count is returned as-is and the
// caller resumes from that offset; Enqueue and Flush do that bookkeeping.
//
// Parameters:
//   - p: Bytes to write; an empty slice returns immediately
//   - flags: Message flags passed to the transport
//
// Returns:
//   - The number of bytes written
//   - An error to be classified with Classify
func (h *Handle) Send(p []byte, flags int) (int, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := retryInterrupted(func() (int, error) {
		return h.transport.Send(p, flags)
	})
	if n > 0 && h.counter != nil {
		h.counter.AddSent(n)
	}

	return n, err
}

// Peek copies up to len(p) available bytes without consuming them.
//
// Parameters:
//   - p: Destination buffer
//   - flags: Message flags; MsgPeek is implied
//
// Returns:
//   - The number of bytes copied
//   - An error to be classified with Classify
func (h *Handle) Peek(p []byte, flags int) (int, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}

	return retryInterrupted(func() (int, error) {
		return h.transport.Peek(p, flags)
	})
}

// SendFile writes part of a file to the peer. Plaintext transports use the
// sendfile system call; others, such as TLS sessions, read the file and
// send it through the transport. A partial count is returned as-is and
// EnqueueFile and Flush resume from it.
//
// Parameters:
//   - f: An open regular file
//   - offset: Position of the first byte to send
//   - length: Number of bytes to send; 0 or less means up to the end of f
//
// Returns:
//   - The number of bytes written
//   - ErrFileRange if offset lies beyond the end of f, or an error to be
//     classified with Classify
func (h *Handle) SendFile(f *os.File, offset int64, length int) (int, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}

	length, err := fileSpan(f, offset, length)
	if err != nil || length == 0 {
		return 0, err
	}

	var n int
	fs, ok := h.transport.(FileSender)
	if ok {
		n, err = retryInterrupted(func() (int, error) {
			return fs.SendFile(f, offset, length)
		})
	}
	if !ok || (n == 0 && errors.Is(err, unix.ENOSYS)) {
		n, err = h.copyFile(f, offset, length)
	}

	if n > 0 && h.counter != nil {
		h.counter.AddSent(n)
	}

	return n, err
}

// fileSpan resolves the number of bytes to send from offset.
func fileSpan(f *os.File, offset int64, length int) (int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}

	size := info.Size()
	if offset < 0 || offset > size {
		return 0, fmt.Errorf("%w: offset %d, size %d", ErrFileRange, offset, size)
	}
	if length <= 0 || int64(length) > size-offset {
		return int(size - offset), nil
	}

	return length, nil
}

// copyFile sends file contents through the transport, stopping at the
// first short write.
func (h *Handle) copyFile(f *os.File, offset int64, length int) (int, error) {
	buf := make([]byte, min(length, fileCopyChunk))
	total := 0
	for total < length {
		r, err := f.ReadAt(buf[:min(len(buf), length-total)], offset+int64(total))
		if r == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return total, fmt.Errorf("read %s: %w", f.Name(), err)
		}

		n, err := retryInterrupted(func() (int, error) {
			return h.transport.Send(buf[:r], 0)
		})
		total += n
		if err != nil || n < r {
			return total, err
		}
	}

	return total, nil
}

// Check classifies err and applies the process policy: fatal errors abort,
// other classes are logged and returned for the caller to act on.
//
// Parameters:
//   - err: An error returned by Recv, Send, Peek or Flush
//
// Returns:
//   - The class of err
func (h *Handle) Check(err error) Class {
	kind := KindOf(err)
	class := ClassOfKind(kind)

	switch class {
	case ClassFatal:
		h.log.Error("fatal socket error", logger.F("kind", kind.String()), logger.F("error", err))
		abort()
	case ClassClose:
		h.log.Debug("connection unusable", logger.F("kind", kind.String()), logger.F("error", err))
	case ClassError:
		h.log.Warn("socket error", logger.F("kind", kind.String()), logger.F("error", err))
	}

	return class
}

// Enqueue appends p to the handle's pending output without writing it.
func (h *Handle) Enqueue(p []byte) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	h.out.Append(p)
	return nil
}

// EnqueueFile queues part of f behind the pending output. The range is
// resolved as for SendFile; f must stay open until it has been flushed.
func (h *Handle) EnqueueFile(f *os.File, offset int64, length int) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	length, err := fileSpan(f, offset, length)
	if err != nil {
		return err
	}

	h.out.AppendFile(f, offset, length)
	return nil
}

// Buffered returns the number of pending bytes and chunks.
func (h *Handle) Buffered() (bytes int, chunks int) {
	return h.out.Bytes(), h.out.Len()
}

// Flush writes pending output in order. It stops at the first error and
// keeps whatever was not written; a would-block error classifies as
// ClassRetry and the caller flushes again on the next write readiness.
//
// Returns:
//   - The number of bytes written by this call
//   - The first error from Send or SendFile
func (h *Handle) Flush() (int, error) {
	total := 0
	for !h.out.Empty() {
		c := h.out.front()
		var n int
		var err error
		if c.file != nil {
			n, err = h.SendFile(c.file, c.pos+int64(c.offset), c.size-c.offset)
		} else {
			n, err = h.Send(c.data[c.offset:], 0)
		}
		if n > 0 {
			h.out.consume(n)
			total += n
		}

		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}

	return total, nil
}

// Close shuts the transport down, when it supports that, and then closes the
// descriptor. Only the first call does anything; later calls return
// ErrHandleClosed.
//
// Returns:
//   - The first error from the transport shutdown or the descriptor close
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}

	var firstErr error
	if closer, ok := h.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			h.log.Debug("transport shutdown failed", logger.F("error", err))
			firstErr = err
		}
	}

	if h.registry != nil {
		h.registry.Unregister(h)
	}

	h.out.Reset()
	if err := h.sys.Close(h.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close fd %d: %w", h.fd, err)
	}

	return firstErr
}
