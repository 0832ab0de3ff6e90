// Package session implements the per-connection client state machine from
// spec.md §3-4.2: accept -> authenticating -> accepted -> closing/closed,
// realized as independent flags (so a closing-but-not-yet-closed session
// can still drain a pending write) rather than the teacher's vtable-style
// callback swap.
package session

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prelude-ids/manager/internal/auth"
	"github.com/prelude-ids/manager/internal/ioadapter"
	"github.com/prelude-ids/manager/internal/reactor"
	"github.com/prelude-ids/manager/internal/wire"
)

// Flag is one bit of Session state. Flags are independent: Accepted and
// Closing may both be set while a final write drains.
type Flag uint32

const (
	FlagAuthenticating Flag = 1 << iota
	FlagAccepted
	FlagClosing
	FlagClosed
)

// Flags is an atomically-updated bitmask of Flag values.
type Flags struct {
	bits atomic.Uint32
}

func (f *Flags) Has(flag Flag) bool { return Flag(f.bits.Load())&flag != 0 }

func (f *Flags) Set(flag Flag) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

func (f *Flags) Clear(flag Flag) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old&^uint32(flag)) {
			return
		}
	}
}

// ErrProtocolError surfaces malformed framing, a decode-length mismatch, or
// an illegal plaintext downgrade attempt (spec.md §7).
var ErrProtocolError = errors.New("session: protocol error")

// AcceptHook runs once, the moment a session transitions into Accepted. It
// mirrors server_generic's server->accept(client) callback.
type AcceptHook func(*Session) error

// DeliverHook hands one decoded wire.Message up to the normalizer, once the
// session is Accepted. Returning an error is fatal to the session
// (spec.md §4.4 framing errors / decode-length mismatches).
type DeliverHook func(*Session, *wire.Message) error

// CloseHook runs from OnClosable, after the IO handle has been shut down,
// to release any resources the owner (fan-out engine, session registry)
// associates with this session.
type CloseHook func(*Session)

// AuthFailureHook runs whenever a handshake fails or completes with no
// permissions, before the session starts closing. It exists so the owner
// can count rejected handshakes without the session taking a dependency on
// any particular metrics implementation.
type AuthFailureHook func(*Session)

// Session is the per-connection state machine. It implements
// reactor.Client.
type Session struct {
	handle    ioadapter.Handle
	isUnix    bool
	addr      string
	authn     *auth.Authenticator
	reactorH  *reactor.Handle
	logf      func(format string, args ...any)

	flags Flags

	analyzerID  uint64
	permissions auth.PermissionSet

	managerAnalyzerID uint64

	mu          sync.Mutex
	pendingWrite []byte

	authOutcome *authOutcome
	readOutcome *readOutcome

	plaintextDowngraded bool

	onAccept      AcceptHook
	onDeliver     DeliverHook
	onClose       CloseHook
	onAuthFailure AuthFailureHook
}

type authOutcome struct {
	result auth.Result
	err    error
}

type readOutcome struct {
	msg *wire.Message
	err error
}

// Config bundles the construction-time dependencies for a Session.
type Config struct {
	Addr              string
	Authenticator     *auth.Authenticator // nil for UNIX-domain peers
	ManagerAnalyzerID uint64
	Logf              func(format string, args ...any)
	OnAccept          AcceptHook
	OnDeliver         DeliverHook
	OnClose           CloseHook
	OnAuthFailure     AuthFailureHook
}

// NewTCP builds a Session for a freshly-accepted TCP connection that must
// still complete a mutual-TLS handshake before becoming Accepted.
func NewTCP(conn *tls.Conn, cfg Config) *Session {
	s := &Session{
		handle:            ioadapter.NewTLS(conn),
		authn:             cfg.Authenticator,
		addr:              cfg.Addr,
		managerAnalyzerID: cfg.ManagerAnalyzerID,
		logf:              cfg.Logf,
		onAccept:          cfg.OnAccept,
		onDeliver:         cfg.OnDeliver,
		onClose:           cfg.OnClose,
		onAuthFailure:     cfg.OnAuthFailure,
	}
	s.flags.Set(FlagAuthenticating)
	return s
}

// NewUnix builds a Session for a UNIX-domain peer. Encryption is never
// used on this transport (spec.md §1), so authentication is granted
// immediately with the fixed local permission set and the session starts
// directly in Accepted state.
func NewUnix(handle ioadapter.Handle, cfg Config) *Session {
	s := &Session{
		handle:            handle,
		isUnix:            true,
		addr:              cfg.Addr,
		managerAnalyzerID: cfg.ManagerAnalyzerID,
		logf:              cfg.Logf,
		onAccept:          cfg.OnAccept,
		onDeliver:         cfg.OnDeliver,
		onClose:           cfg.OnClose,
		onAuthFailure:     cfg.OnAuthFailure,
	}

	result := auth.LocalResult()
	s.analyzerID = result.AnalyzerID
	s.permissions = result.Permissions
	s.flags.Set(FlagAccepted)

	return s
}

// AttachReactor records the reactor handle returned from Register, so the
// session can request write notifications.
func (s *Session) AttachReactor(h *reactor.Handle) { s.reactorH = h }

// Addr returns the peer's address (host:port, or a UNIX socket path).
func (s *Session) Addr() string { return s.addr }

// AnalyzerID returns the peer's analyzer identifier (0 if unset).
func (s *Session) AnalyzerID() uint64 { return s.analyzerID }

// Permissions returns the session's granted permission set.
func (s *Session) Permissions() auth.PermissionSet { return s.permissions }

// Flags exposes the current state flags for observability and tests.
func (s *Session) Flags() *Flags { return &s.flags }

// IsUnix reports whether this session rides a UNIX-domain socket.
func (s *Session) IsUnix() bool { return s.isUnix }

// --- reactor.Client ---

// WaitReadable blocks for whatever this phase of the state machine is
// waiting on (the TLS handshake, or the next framed wire message) and
// stashes the outcome for OnReadable to act on. It returns nil for every
// outcome, fatal ones included: the decision of whether an outcome is fatal
// belongs to OnReadable, which still needs to run once more (to send
// AUTH{FAILED}, log, etc.) before the reactor closes the session. The only
// error it returns is io.ErrClosedPipe, once the session is already closed.
func (s *Session) WaitReadable(stop <-chan struct{}) error {
	if s.flags.Has(FlagClosed) {
		return io.ErrClosedPipe
	}

	if s.flags.Has(FlagAuthenticating) {
		s.waitAuth()
		return nil
	}

	msg, err := wire.ReadMessage(s.handle)
	s.readOutcome = &readOutcome{msg: msg, err: err}
	return nil
}

func (s *Session) waitAuth() {
	if s.isUnix || s.authn == nil {
		s.authOutcome = &authOutcome{result: auth.LocalResult()}
		return
	}

	// s.handle was built by NewTLS for every non-UNIX session, so this
	// assertion always succeeds; it is how the handshake-driving surface
	// (internal/ioadapter.TLSHandle) reaches the authenticator instead of
	// a raw *tls.Conn.
	th := s.handle.(ioadapter.TLSHandle)
	result, err := s.authn.Handshake(th)
	s.authOutcome = &authOutcome{result: result, err: err}
}

// OnReadable processes whatever WaitReadable produced.
func (s *Session) OnReadable() error {
	if s.flags.Has(FlagClosing) {
		return fmt.Errorf("session: closing")
	}

	if outcome := s.authOutcome; outcome != nil {
		s.authOutcome = nil
		return s.finishAuth(outcome)
	}

	outcome := s.readOutcome
	s.readOutcome = nil
	if outcome == nil {
		return nil
	}
	return s.finishRead(outcome)
}

func (s *Session) finishAuth(outcome *authOutcome) error {
	if outcome.err != nil {
		s.logf("auth rejected for %s: %v", s.addr, outcome.err)
		_ = s.sendAuthResult(wire.AuthFailed)
		s.flags.Set(FlagClosing)
		if s.onAuthFailure != nil {
			s.onAuthFailure(s)
		}
		return fmt.Errorf("%w", outcome.err)
	}

	s.analyzerID = outcome.result.AnalyzerID
	s.permissions = outcome.result.Permissions

	if len(s.permissions) == 0 {
		// invariant: an accepted session has a non-empty permission-set
		s.flags.Set(FlagClosing)
		if s.onAuthFailure != nil {
			s.onAuthFailure(s)
		}
		return fmt.Errorf("session: empty permission set after successful handshake")
	}

	s.flags.Clear(FlagAuthenticating)
	s.flags.Set(FlagAccepted)

	if err := s.sendAuthResult(wire.AuthSucceed); err != nil {
		s.flags.Set(FlagClosing)
		return err
	}

	if s.onAccept != nil {
		return s.onAccept(s)
	}
	return nil
}

func (s *Session) finishRead(outcome *readOutcome) error {
	if outcome.err != nil {
		if errors.Is(outcome.err, io.EOF) {
			s.flags.Set(FlagClosing)
			return io.EOF
		}
		s.logf("protocol error from %s: %v", s.addr, outcome.err)
		s.flags.Set(FlagClosing)
		return fmt.Errorf("%w: %v", ErrProtocolError, outcome.err)
	}

	if s.onDeliver == nil {
		return nil
	}
	if err := s.onDeliver(s, outcome.msg); err != nil {
		s.flags.Set(FlagClosing)
		return err
	}
	return nil
}

// OnWritable flushes the pending outbound buffer, re-arming write interest
// if the socket accepted only part of it.
func (s *Session) OnWritable() error {
	return s.flushPendingWrite()
}

// OnClosable runs once the reactor has deregistered the session. It makes
// one final write pass over any pending output (e.g. an AUTH{FAILED}
// frame), then closes the IO handle; it is the only place the handle is
// actually closed.
func (s *Session) OnClosable() {
	s.flags.Set(FlagClosing)
	_ = s.flushPendingWrite()
	s.flags.Set(FlagClosed)
	_ = s.handle.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}

// --- outbound plumbing ---

func (s *Session) sendAuthResult(result wire.AuthResult) error {
	msg := &wire.Message{
		Version:   wire.ProtocolVersion,
		Timestamp: time.Now(),
		Tag:       wire.TagAuth,
		Payload:   wire.EncodeAuthPayload(result, s.managerAnalyzerID),
	}

	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, msg); err != nil {
		return err
	}
	return s.queueWrite(buf.Bytes())
}

func (s *Session) queueWrite(payload []byte) error {
	s.mu.Lock()
	s.pendingWrite = append(s.pendingWrite, payload...)
	s.mu.Unlock()
	return s.flushPendingWrite()
}

func (s *Session) flushPendingWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pendingWrite) == 0 {
		return nil
	}

	n, err := s.handle.Write(s.pendingWrite)
	if err != nil && !errors.Is(err, ioadapter.ErrWouldBlock) {
		return err
	}

	s.pendingWrite = s.pendingWrite[n:]
	if len(s.pendingWrite) > 0 && s.reactorH != nil {
		s.reactorH.NotifyWriteEnable()
	}
	return nil
}

// DowngradeToPlaintext disables encryption for the remainder of the
// session. It is legal only for UNIX-domain peers (spec.md testable
// property 7); calling it on any other transport is a protocol error, and
// since this transport was never encrypted in the first place the call is
// otherwise a no-op observability marker.
func (s *Session) DowngradeToPlaintext() error {
	if !s.isUnix {
		return fmt.Errorf("%w: plaintext downgrade attempted on a non-UNIX session", ErrProtocolError)
	}
	s.plaintextDowngraded = true
	return nil
}

// PlaintextDowngraded reports whether DowngradeToPlaintext succeeded.
func (s *Session) PlaintextDowngraded() bool { return s.plaintextDowngraded }
