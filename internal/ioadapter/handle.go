// Package ioadapter gives the reactor and session layers a uniform
// read/write/close surface over either a raw socket or a TLS session, the
// way the teacher's infrastructure/network adapters wrap net.Conn. It
// surfaces "would block" distinct from a fatal IO error, since the reactor's
// write path must not treat backpressure as a reason to close the session.
package ioadapter

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"time"
)

// ErrWouldBlock signals that an operation could not complete without
// blocking and should be retried once the reactor re-arms interest for it.
// It is never fatal to the session.
var ErrWouldBlock = errors.New("ioadapter: would block")

// writeProbeDeadline bounds how long a non-blocking write attempt is
// allowed to take before it is reported as ErrWouldBlock. Real sockets
// accept small writes into the kernel buffer well within this window;
// exceeding it means the peer isn't draining and backpressure is real.
const writeProbeDeadline = 20 * time.Millisecond

// Handle is the uniform IO surface the session and authenticator drive.
type Handle interface {
	// Read blocks until data is available, EOF, or a fatal error.
	// It never returns ErrWouldBlock: the caller that drives Read owns a
	// dedicated goroutine and blocking is exactly what it wants.
	Read(p []byte) (int, error)

	// Write attempts a non-blocking write. It returns ErrWouldBlock if the
	// write could not be completed within writeProbeDeadline; the caller
	// is expected to retry after the reactor signals writable again.
	Write(p []byte) (int, error)

	Close() error

	// RemoteAddr reports the peer's address in host:port form, or a
	// filesystem path for a UNIX-domain peer.
	RemoteAddr() string

	// IsUnix reports whether this handle rides a UNIX-domain socket. The
	// session uses this to decide whether plaintext downgrade is legal
	// (spec.md §4.2, testable property 7).
	IsUnix() bool
}

// connHandle wraps a plain net.Conn (used before TLS, and for UNIX sockets
// after the post-auth plaintext downgrade).
type connHandle struct {
	conn   net.Conn
	isUnix bool
}

// NewConn wraps conn for use before a TLS handshake, or permanently for a
// UNIX-domain peer.
func NewConn(conn net.Conn) Handle {
	_, isUnix := conn.(*net.UnixConn)
	return &connHandle{conn: conn, isUnix: isUnix}
}

func (h *connHandle) Read(p []byte) (int, error) {
	if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	return h.conn.Read(p)
}

func (h *connHandle) Write(p []byte) (int, error) {
	if err := h.conn.SetWriteDeadline(time.Now().Add(writeProbeDeadline)); err != nil {
		return 0, err
	}
	n, err := h.conn.Write(p)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (h *connHandle) Close() error { return h.conn.Close() }

func (h *connHandle) RemoteAddr() string {
	if h.isUnix {
		if a, ok := h.conn.LocalAddr().(*net.UnixAddr); ok {
			return a.Name
		}
	}
	return h.conn.RemoteAddr().String()
}

func (h *connHandle) IsUnix() bool { return h.isUnix }

// tlsHandle wraps a *tls.Conn. The handshake itself is driven separately by
// the authenticator (internal/auth), blocking in the per-session goroutine;
// once complete, reads and writes go through this handle like any other.
type tlsHandle struct {
	conn *tls.Conn
}

// NewTLS wraps conn for use after (or while driving) a TLS handshake.
func NewTLS(conn *tls.Conn) Handle {
	return &tlsHandle{conn: conn}
}

func (h *tlsHandle) Read(p []byte) (int, error) {
	if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	return h.conn.Read(p)
}

func (h *tlsHandle) Write(p []byte) (int, error) {
	if err := h.conn.SetWriteDeadline(time.Now().Add(writeProbeDeadline)); err != nil {
		return 0, err
	}
	n, err := h.conn.Write(p)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (h *tlsHandle) Close() error { return h.conn.Close() }

func (h *tlsHandle) RemoteAddr() string { return h.conn.RemoteAddr().String() }

func (h *tlsHandle) IsUnix() bool { return false }

// Handshake drives the handshake to completion, translating a deadline
// timeout into ErrWouldBlock so the handshake never blocks past deadline.
// internal/auth treats any error from here, ErrWouldBlock included, as a
// rejected handshake.
func (h *tlsHandle) Handshake(deadline time.Time) error {
	if err := h.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = h.conn.SetDeadline(time.Time{}) }()

	err := h.conn.Handshake()
	if err != nil && isTimeout(err) {
		return ErrWouldBlock
	}
	return err
}

// ConnectionState exposes the negotiated TLS state (peer certificates) so
// the authenticator can derive a permission set from it.
func (h *tlsHandle) ConnectionState() tls.ConnectionState {
	return h.conn.ConnectionState()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// TLSHandle is implemented by Handle values returned from NewTLS; callers
// that need the handshake-driving or certificate-inspection surface type
// assert down to it.
type TLSHandle interface {
	Handle
	Handshake(deadline time.Time) error
	ConnectionState() tls.ConnectionState
}

var _ TLSHandle = (*tlsHandle)(nil)
