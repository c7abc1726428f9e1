// Package tlsio layers TLS over connio handles. A Context holds the immutable
// configuration; a Session attached to a handle replaces its plaintext
// transport, runs the handshake without blocking the caller and then serves
// Recv, Send and Peek through the same connio.Transport contract.
//
// Handshakes are stepped: DriveHandshake (server) or ConnectHandshake
// (client) is called on every readiness event until it reports
// HandshakeReady. The handshake itself runs in a goroutine over the raw
// descriptor.
package tlsio

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-netcore/connio"
	"github.com/cyberinferno/go-netcore/logger"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateHandshake State = iota
	StateReady
	// StateWaitStream follows a handshake whose negotiated protocol starts
	// with a stream prelude; AckStream moves on to StateReady.
	StateWaitStream
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateReady:
		return "ready"
	case StateWaitStream:
		return "wait_stream"
	default:
		return "unknown"
	}
}

// Flags select the role of a new session.
type Flags int

const (
	FlagServer Flags = 1 << iota
	FlagClient
)

// HandshakeStatus is the result of one handshake step.
type HandshakeStatus int

const (
	HandshakeInProgress HandshakeStatus = iota
	HandshakeReady
)

var (
	ErrHandshakeInProgress = errors.New("tlsio: handshake in progress")
	ErrRoleMismatch        = errors.New("tlsio: session role mismatch")
	ErrSessionAttached     = errors.New("tlsio: handle already has a tls session")
	ErrNotWaitingStream    = errors.New("tlsio: session is not waiting for a stream prelude")
)

// Session is the TLS state of one connection. It is owned by the handle it is
// attached to and driven by one goroutine at a time.
type Session struct {
	handle *connio.Handle
	ctx    *Context
	server bool
	conn   *tls.Conn
	raw    *fdConn
	log    logger.Logger

	state  atomic.Int32
	closed atomic.Bool

	// Set when the handshake starts; hsErr and hsDuration are written by the
	// handshake goroutine before done is closed.
	done       chan struct{}
	cancel     context.CancelFunc
	hsStart    time.Time
	hsErr      error
	hsDuration time.Duration

	// pending holds decrypted bytes returned by Peek and not yet consumed.
	pending []byte
}

// CreateSession attaches a new session in StateHandshake to h. The handle's
// transport becomes the session.
//
// Parameters:
//   - h: The connection handle
//   - ctx: A context built for the role named by flags
//   - flags: FlagServer or FlagClient
//
// Returns:
//   - The attached Session
//   - ErrRoleMismatch when flags and ctx disagree, ErrSessionAttached when h
//     already carries a session
func CreateSession(h *connio.Handle, ctx *Context, flags Flags) (*Session, error) {
	if h == nil || ctx == nil {
		return nil, fmt.Errorf("%w: nil handle or context", ErrInvalidOptions)
	}

	server := flags&FlagServer != 0
	if server == (flags&FlagClient != 0) {
		return nil, fmt.Errorf("%w: flags must name exactly one role", ErrRoleMismatch)
	}
	if server != (ctx.role == RoleServer) {
		return nil, fmt.Errorf("%w: %s context", ErrRoleMismatch, ctx.role)
	}
	if _, ok := h.Transport().(*Session); ok {
		return nil, ErrSessionAttached
	}

	s := &Session{
		handle: h,
		ctx:    ctx,
		server: server,
		raw:    newFDConn(h.FD(), h.Syscalls()),
		log:    h.Logger().With(logger.F("tls_role", ctx.role.String())),
	}
	if server {
		s.conn = tls.Server(s.raw, ctx.config)
	} else {
		s.conn = tls.Client(s.raw, ctx.config)
	}

	h.SetTransport(s)
	return s, nil
}

// SessionOf returns the session attached to h, if any.
func SessionOf(h *connio.Handle) (*Session, bool) {
	s, ok := h.Transport().(*Session)
	return s, ok
}

// Close shuts down the session attached to h and restores the plaintext
// transport. It does nothing when h has no session.
func Close(h *connio.Handle) error {
	s, ok := SessionOf(h)
	if !ok {
		return nil
	}

	err := s.Close()
	h.SetTransport(connio.NewPlainTransport(h.FD(), h.Syscalls()))
	return err
}

// DriveHandshake advances a server handshake.
//
// Returns:
//   - HandshakeInProgress while the handshake needs more I/O
//   - HandshakeReady once the session is usable
//   - A non-nil error when the handshake failed; the caller closes the handle
func (s *Session) DriveHandshake() (HandshakeStatus, error) {
	return s.drive(true)
}

// ConnectHandshake advances a client handshake. Results are as for
// DriveHandshake.
func (s *Session) ConnectHandshake() (HandshakeStatus, error) {
	return s.drive(false)
}

func (s *Session) drive(server bool) (HandshakeStatus, error) {
	if s.closed.Load() {
		return HandshakeInProgress, fmt.Errorf("tls handshake: %w", net.ErrClosed)
	}
	if server != s.server {
		return HandshakeInProgress, ErrRoleMismatch
	}
	if s.State() != StateHandshake {
		return HandshakeReady, nil
	}

	if s.done == nil {
		s.startHandshake()
	}

	select {
	case <-s.done:
	default:
		return HandshakeInProgress, nil
	}

	if s.hsErr != nil {
		return HandshakeInProgress, s.hsErr
	}

	s.raw.wait.Store(false)
	next := StateReady
	cs := s.conn.ConnectionState()
	if cs.NegotiatedProtocol == alpnHTTP2 {
		next = StateWaitStream
	}
	s.state.Store(int32(next))

	s.log.Debug("tls handshake complete",
		logger.F("version", tls.VersionName(cs.Version)),
		logger.F("cipher", tls.CipherSuiteName(cs.CipherSuite)),
		logger.F("alpn", cs.NegotiatedProtocol),
		logger.F("resumed", cs.DidResume),
		logger.F("duration", s.hsDuration))

	return HandshakeReady, nil
}

func (s *Session) startHandshake() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.hsStart = time.Now()
	s.raw.wait.Store(true)

	go func() {
		defer close(s.done)

		err := s.conn.HandshakeContext(ctx)
		if err == nil {
			err = s.verifyOnHandshake()
		}

		s.hsErr = handshakeError(err)
		s.hsDuration = time.Since(s.hsStart)
	}()
}

// verifyOnHandshake applies the verification options once the handshake
// succeeded.
func (s *Session) verifyOnHandshake() error {
	opts := &s.ctx.opts
	if !opts.VerifyPeer {
		return nil
	}

	if err := s.verifyPeer(opts.AllowSelfSigned); err != nil {
		return err
	}
	if !s.server && opts.TLSHostName != "" {
		return s.checkHost(opts.TLSHostName)
	}

	return nil
}

// handshakeError marks non-TLS peers as bad clients.
func handshakeError(err error) error {
	if err == nil {
		return nil
	}

	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) {
		return fmt.Errorf("%w: %w", connio.ErrBadClient, err)
	}

	return fmt.Errorf("tls handshake: %w", err)
}

// AckStream moves a session from StateWaitStream to StateReady once the
// caller consumed the stream prelude.
func (s *Session) AckStream() error {
	if !s.state.CompareAndSwap(int32(StateWaitStream), int32(StateReady)) {
		return ErrNotWaitingStream
	}

	return nil
}

func (s *Session) usable() error {
	if s.closed.Load() {
		return fmt.Errorf("tls session: %w", net.ErrClosed)
	}
	if s.State() == StateHandshake {
		return ErrHandshakeInProgress
	}

	return nil
}

// Recv implements connio.Transport. Bytes left by Peek are returned first.
// With MsgWaitAll it reads until p is full, the peer closes or an error
// occurs, and returns the accumulated count together with that error.
func (s *Session) Recv(p []byte, flags int) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if flags&connio.MsgWaitAll == 0 {
		return s.read(p, flags)
	}

	flags &^= connio.MsgWaitAll
	total := 0
	for total < len(p) {
		n, err := s.read(p[total:], flags)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}

	return total, nil
}

func (s *Session) read(p []byte, flags int) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	s.raw.readFlags.Store(int32(flags & connio.MsgDontWait))
	n, err := s.conn.Read(p)
	return n, readError(err)
}

// readError maps a clean end of stream to the zero-read convention.
func readError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

// Peek implements connio.Transport. Decrypted bytes are kept in the session
// until Recv consumes them, so repeated peeks return the same data.
func (s *Session) Peek(p []byte, flags int) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if len(s.pending) == 0 {
		buf := make([]byte, len(p))
		s.raw.readFlags.Store(int32(flags & connio.MsgDontWait))
		n, err := s.conn.Read(buf)
		if n == 0 {
			return 0, readError(err)
		}
		s.pending = buf[:n]
	}

	return copy(p, s.pending), nil
}

// Send implements connio.Transport. Each call writes whole TLS records, so a
// nil error means all of p was sent.
func (s *Session) Send(p []byte, _ int) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}

	return s.conn.Write(p)
}

// Close sends close_notify when the handshake completed and releases the
// session. It stops a handshake still in progress. The descriptor stays open
// for the handle to close. Only the first call does anything.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.done != nil {
		s.cancel()
		<-s.done
	}

	err := s.conn.Close()
	s.pending = nil
	if err != nil && !errors.Is(err, net.ErrClosed) && connio.Classify(err) != connio.ClassClose {
		return fmt.Errorf("tls shutdown: %w", err)
	}

	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ConnectionState returns the crypto/tls connection details. It is empty
// until the handshake completes.
func (s *Session) ConnectionState() tls.ConnectionState {
	if s.State() == StateHandshake {
		return tls.ConnectionState{}
	}

	return s.conn.ConnectionState()
}

// NegotiatedProtocol returns the ALPN protocol, or "" when none was agreed.
func (s *Session) NegotiatedProtocol() string {
	return s.ConnectionState().NegotiatedProtocol
}

// CipherSuite returns the IANA name of the negotiated cipher suite.
func (s *Session) CipherSuite() string {
	if s.State() == StateHandshake {
		return ""
	}

	return tls.CipherSuiteName(s.ConnectionState().CipherSuite)
}

// Version returns the negotiated protocol version name, e.g. "TLS 1.3".
func (s *Session) Version() string {
	if s.State() == StateHandshake {
		return ""
	}

	return tls.VersionName(s.ConnectionState().Version)
}

// Resumed reports whether the handshake resumed an earlier session.
func (s *Session) Resumed() bool {
	return s.ConnectionState().DidResume
}

// HandshakeDuration returns how long the completed handshake took.
func (s *Session) HandshakeDuration() time.Duration {
	if s.State() == StateHandshake {
		return 0
	}

	return s.hsDuration
}

// PeerCertificatePEM returns the peer's leaf certificate in PEM form.
func (s *Session) PeerCertificatePEM() ([]byte, error) {
	if s.State() == StateHandshake {
		return nil, ErrHandshakeInProgress
	}

	certs := s.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, ErrNoPeerCertificate
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certs[0].Raw}), nil
}
