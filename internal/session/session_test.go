package session

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prelude-ids/manager/internal/ioadapter"
	"github.com/prelude-ids/manager/internal/reactor"
	"github.com/prelude-ids/manager/internal/wire"
)

// fakeHandle is an in-memory ioadapter.Handle double. writeResults, if set,
// is consumed one entry per Write call; the last entry repeats once
// exhausted. Read reports io.EOF, after first waiting for readBlock to be
// closed when readBlock is set.
type fakeHandle struct {
	writes       [][]byte
	writeResults []writeResult
	writeCalls   int32
	closed       int32
	readBlock    chan struct{}
}

type writeResult struct {
	n   int
	err error
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	if h.readBlock != nil {
		<-h.readBlock
	}
	return 0, io.EOF
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	idx := int(atomic.AddInt32(&h.writeCalls, 1)) - 1
	h.writes = append(h.writes, append([]byte(nil), p...))
	if len(h.writeResults) == 0 {
		return len(p), nil
	}
	if idx >= len(h.writeResults) {
		idx = len(h.writeResults) - 1
	}
	r := h.writeResults[idx]
	n := r.n
	if n > len(p) {
		n = len(p)
	}
	return n, r.err
}

func (h *fakeHandle) Close() error { atomic.AddInt32(&h.closed, 1); return nil }

func (h *fakeHandle) RemoteAddr() string { return "fake:0" }

func (h *fakeHandle) IsUnix() bool { return true }

func noopLogf(format string, args ...any) {}

func TestNewUnixAcceptsImmediately(t *testing.T) {
	s := NewUnix(&fakeHandle{}, Config{Addr: "/tmp/prelude-manager", Logf: noopLogf})

	if s.Flags().Has(FlagAuthenticating) {
		t.Error("UNIX session should never enter FlagAuthenticating")
	}
	if !s.Flags().Has(FlagAccepted) {
		t.Error("UNIX session should be Accepted immediately")
	}
	if len(s.Permissions()) == 0 {
		t.Error("want a non-empty permission set")
	}
}

func TestOnReadableDeliversMessage(t *testing.T) {
	var delivered *wire.Message
	s := NewUnix(&fakeHandle{}, Config{
		Logf: noopLogf,
		OnDeliver: func(_ *Session, m *wire.Message) error {
			delivered = m
			return nil
		},
	})

	want := &wire.Message{Tag: wire.TagAlert, Payload: []byte("hi")}
	s.readOutcome = &readOutcome{msg: want}

	if err := s.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != want {
		t.Fatal("OnDeliver was not invoked with the decoded message")
	}
}

func TestOnReadableEOFClosesCleanly(t *testing.T) {
	s := NewUnix(&fakeHandle{}, Config{Logf: noopLogf})
	s.readOutcome = &readOutcome{err: io.EOF}

	err := s.OnReadable()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
	if !s.Flags().Has(FlagClosing) {
		t.Error("want FlagClosing set after clean EOF")
	}
}

func TestOnReadableProtocolErrorIsFatal(t *testing.T) {
	s := NewUnix(&fakeHandle{}, Config{Logf: noopLogf})
	s.readOutcome = &readOutcome{err: errors.New("bad framing")}

	err := s.OnReadable()
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("got %v, want ErrProtocolError", err)
	}
	if !s.Flags().Has(FlagClosing) {
		t.Error("want FlagClosing set after a protocol error")
	}
}

func TestDowngradeToPlaintextRejectedForNonUnix(t *testing.T) {
	s := &Session{}

	if err := s.DowngradeToPlaintext(); !errors.Is(err, ErrProtocolError) {
		t.Fatalf("got %v, want ErrProtocolError", err)
	}
	if s.PlaintextDowngraded() {
		t.Error("non-UNIX session must not report a successful downgrade")
	}
}

func TestDowngradeToPlaintextAllowedForUnix(t *testing.T) {
	s := &Session{isUnix: true}

	if err := s.DowngradeToPlaintext(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.PlaintextDowngraded() {
		t.Error("want PlaintextDowngraded true after a successful call")
	}
}

func TestFinishAuthFailureSendsAuthFailedAndCloses(t *testing.T) {
	h := &fakeHandle{}
	var hookRan int32
	s := NewUnix(h, Config{
		Logf:          noopLogf,
		OnAuthFailure: func(_ *Session) { atomic.AddInt32(&hookRan, 1) },
	})
	// Force back into the authenticating phase to exercise the failure path.
	s.flags.Clear(FlagAccepted)
	s.flags.Set(FlagAuthenticating)

	err := s.finishAuth(&authOutcome{err: errors.New("bad certificate")})
	if err == nil {
		t.Fatal("want a non-nil error on auth failure")
	}
	if !s.Flags().Has(FlagClosing) {
		t.Error("want FlagClosing set on auth failure")
	}
	if len(h.writes) != 1 {
		t.Fatalf("want exactly one AUTH{FAILED} frame written, got %d", len(h.writes))
	}
	if atomic.LoadInt32(&hookRan) != 1 {
		t.Error("want the auth-failure hook invoked exactly once")
	}
}

func TestFinishAuthEmptyPermissionSetRunsHookAndCloses(t *testing.T) {
	h := &fakeHandle{}
	var hookRan int32
	s := NewUnix(h, Config{
		Logf:          noopLogf,
		OnAuthFailure: func(_ *Session) { atomic.AddInt32(&hookRan, 1) },
	})
	s.flags.Clear(FlagAccepted)
	s.flags.Set(FlagAuthenticating)

	err := s.finishAuth(&authOutcome{})
	if err == nil {
		t.Fatal("want a non-nil error for an empty permission set")
	}
	if !s.Flags().Has(FlagClosing) {
		t.Error("want FlagClosing set")
	}
	if atomic.LoadInt32(&hookRan) != 1 {
		t.Error("want the auth-failure hook invoked exactly once")
	}
}

func TestQueueWriteReArmsOnPartialWrite(t *testing.T) {
	// The reactor's read loop stays parked until the test ends, so the
	// session is not closed by an EOF while the write drains.
	readBlock := make(chan struct{})
	h := &fakeHandle{readBlock: readBlock, writeResults: []writeResult{
		{n: 2, err: ioadapter.ErrWouldBlock},
		{n: 7, err: nil},
	}}
	s := NewUnix(h, Config{Logf: noopLogf})

	r := reactor.New(1, 4)
	defer r.Stop()
	defer close(readBlock)
	handle := r.Register(s)
	s.AttachReactor(handle)

	if err := s.queueWrite([]byte("0123456789")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.mu.Lock()
	remaining := len(s.pendingWrite)
	s.mu.Unlock()
	if remaining != 8 {
		t.Fatalf("pendingWrite len = %d, want 8 after a 2-byte partial write", remaining)
	}

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		done := len(s.pendingWrite) == 0
		s.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the reactor to drain the pending write")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestOnClosableClosesHandleAndRunsHook(t *testing.T) {
	h := &fakeHandle{}
	var hookRan int32
	s := NewUnix(h, Config{
		Logf:    noopLogf,
		OnClose: func(_ *Session) { atomic.AddInt32(&hookRan, 1) },
	})

	s.OnClosable()

	if atomic.LoadInt32(&h.closed) != 1 {
		t.Error("want the underlying handle closed exactly once")
	}
	if !s.Flags().Has(FlagClosed) {
		t.Error("want FlagClosed set")
	}
	if atomic.LoadInt32(&hookRan) != 1 {
		t.Error("want the close hook invoked exactly once")
	}
}
