package connio

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// Errors returned by the connection layer.
var (
	ErrInvalidDescriptor = errors.New("connio: invalid descriptor")
	ErrDescriptorInUse   = errors.New("connio: descriptor already owned by a handle")
	ErrHandleClosed      = errors.New("connio: handle closed")
	ErrBadClient         = errors.New("connio: bad client")
	ErrFileRange         = errors.New("connio: file range outside the file")
)

// Class is the outcome of classifying an I/O error. The reactor acts on it:
// ClassClose tears the connection down, ClassRetry waits for the next
// readiness notification, ClassFatal terminates the process and ClassError
// is handed to the application layer.
type Class int

const (
	ClassError Class = iota // Unclassified, non-fatal, not retryable
	ClassClose              // Connection unusable
	ClassRetry              // Try again on the next readiness notification
	ClassFatal              // Invalid memory access; the process must abort
)

// String returns a lower-case name for the class.
func (c Class) String() string {
	switch c {
	case ClassError:
		return "error"
	case ClassClose:
		return "close"
	case ClassRetry:
		return "retry"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorKind is a portable name for an OS or protocol error condition. Raw
// errno values are mapped onto kinds by the per-platform table in
// kindFromErrno, and kinds onto classes by classTable.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindWouldBlock
	KindNoBuffers
	KindInterrupted
	KindBadDescriptor
	KindConnReset
	KindConnAborted
	KindBrokenPipe
	KindNotConnected
	KindTimedOut
	KindConnRefused
	KindNetDown
	KindNetUnreachable
	KindHostDown
	KindHostUnreachable
	KindBadClient
	KindFault
	KindOther

	kindCount
)

var kindNames = [kindCount]string{
	KindNone:            "none",
	KindWouldBlock:      "would_block",
	KindNoBuffers:       "no_buffers",
	KindInterrupted:     "interrupted",
	KindBadDescriptor:   "bad_descriptor",
	KindConnReset:       "conn_reset",
	KindConnAborted:     "conn_aborted",
	KindBrokenPipe:      "broken_pipe",
	KindNotConnected:    "not_connected",
	KindTimedOut:        "timed_out",
	KindConnRefused:     "conn_refused",
	KindNetDown:         "net_down",
	KindNetUnreachable:  "net_unreachable",
	KindHostDown:        "host_down",
	KindHostUnreachable: "host_unreachable",
	KindBadClient:       "bad_client",
	KindFault:           "fault",
	KindOther:           "other",
}

// String returns the snake_case name of the kind.
func (k ErrorKind) String() string {
	if k < 0 || k >= kindCount {
		return "unknown"
	}

	return kindNames[k]
}

// classTable is the closed kind-to-class mapping. Kinds absent from the
// table classify as ClassError.
var classTable = [kindCount]Class{
	KindNone:            ClassRetry,
	KindWouldBlock:      ClassRetry,
	KindNoBuffers:       noBuffersClass,
	KindInterrupted:     ClassError,
	KindBadDescriptor:   ClassClose,
	KindConnReset:       ClassClose,
	KindConnAborted:     ClassClose,
	KindBrokenPipe:      ClassClose,
	KindNotConnected:    ClassClose,
	KindTimedOut:        ClassClose,
	KindConnRefused:     ClassClose,
	KindNetDown:         ClassClose,
	KindNetUnreachable:  ClassClose,
	KindHostDown:        ClassClose,
	KindHostUnreachable: ClassClose,
	KindBadClient:       ClassClose,
	KindFault:           ClassFatal,
	KindOther:           ClassError,
}

// ClassOfKind returns the class for a kind.
func ClassOfKind(k ErrorKind) Class {
	if k < 0 || k >= kindCount {
		return ClassError
	}

	return classTable[k]
}

// KindOf maps an error returned by a Transport onto an ErrorKind. Wrapped
// errno values are found with errors.As. A nil error is KindNone.
//
// Parameters:
//   - err: The error to inspect
//
// Returns:
//   - The portable kind of err
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrHandleClosed), errors.Is(err, net.ErrClosed):
		return KindBadDescriptor
	case errors.Is(err, ErrBadClient):
		return KindBadClient
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return kindFromErrno(errno)
	}

	return KindOther
}

// Classify reduces an I/O error to one of the four classes. It is a pure,
// deterministic function; use Handle.Check to also apply the abort policy.
//
// Parameters:
//   - err: The error returned by Recv, Send or Peek
//
// Returns:
//   - The Class the caller should act on
func Classify(err error) Class {
	return ClassOfKind(KindOf(err))
}

// ClassifyErrno classifies a raw errno value.
func ClassifyErrno(errno unix.Errno) Class {
	return ClassOfKind(kindFromErrno(errno))
}

func kindFromErrno(errno unix.Errno) ErrorKind {
	switch errno {
	case 0:
		return KindNone
	case unix.EAGAIN:
		return KindWouldBlock
	case unix.ENOBUFS:
		return KindNoBuffers
	case unix.EINTR:
		return KindInterrupted
	case unix.EBADF, unix.ENOTSOCK:
		return KindBadDescriptor
	case unix.ECONNRESET:
		return KindConnReset
	case unix.ECONNABORTED:
		return KindConnAborted
	case unix.EPIPE:
		return KindBrokenPipe
	case unix.ENOTCONN:
		return KindNotConnected
	case unix.ETIMEDOUT:
		return KindTimedOut
	case unix.ECONNREFUSED:
		return KindConnRefused
	case unix.ENETDOWN:
		return KindNetDown
	case unix.ENETUNREACH:
		return KindNetUnreachable
	case unix.EHOSTDOWN:
		return KindHostDown
	case unix.EHOSTUNREACH:
		return KindHostUnreachable
	case unix.EFAULT:
		return KindFault
	}

	if errno == unix.EWOULDBLOCK {
		return KindWouldBlock
	}

	return KindOther
}
