package manager

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/prelude-ids/manager/internal/config"
	"github.com/prelude-ids/manager/internal/decodeplugin"
	"github.com/prelude-ids/manager/internal/filter"
	"github.com/prelude-ids/manager/internal/idmef"
	"github.com/prelude-ids/manager/internal/normalize"
	"github.com/prelude-ids/manager/internal/sink"
	"github.com/prelude-ids/manager/internal/wire"
)

type captureSink struct {
	mu       sync.Mutex
	received []*idmef.Event
}

func (s *captureSink) Name() string                 { return "capture" }
func (s *captureSink) Init(map[string]string) error { return nil }
func (s *captureSink) Destroy() error                { return nil }

func (s *captureSink) Run(event *idmef.Event) error {
	s.mu.Lock()
	s.received = append(s.received, event)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// TestUnixSocketHappyPathDeliversAlertToSink drives spec.md's S1 scenario
// over a UNIX-domain socket end to end: accept, (implicit local) auth,
// normalize, fan out to a single registered sink.
func TestUnixSocketHappyPathDeliversAlertToSink(t *testing.T) {
	logger := zap.NewNop()
	engine := sink.New(sink.Config{Filters: filter.New(), SpoolDir: t.TempDir()})
	capture := &captureSink{}
	if err := engine.RegisterSink(capture, "", nil); err != nil {
		t.Fatalf("RegisterSink: %v", err)
	}

	decoder := &normalize.Decoder{
		LocalAnalyzer: idmef.Analyzer{AnalyzerID: "manager-1"},
		Plugins:       decodeplugin.NewRegistry(),
		DecodeAlert: func(payload []byte) (idmef.Event, error) {
			return idmef.Event{Classification: idmef.Classification{Text: string(payload)}}, nil
		},
	}

	sockPath := filepath.Join(t.TempDir(), "prelude-manager.sock")
	cfg := config.Defaults()
	cfg.UnixSocketPath = sockPath

	m := New(Config{
		Settings:          cfg,
		Logger:            logger,
		Engine:            engine,
		Decoder:           decoder,
		ManagerAnalyzerID: "manager-1",
	})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(stopCtx)
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := &wire.Message{
		Version:   wire.ProtocolVersion,
		Timestamp: time.Now(),
		Tag:       wire.TagAlert,
		Payload:   []byte("portscan"),
	}
	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for capture.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the sink to receive the event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	capture.mu.Lock()
	got := capture.received[0]
	capture.mu.Unlock()

	if got.Classification.Text != "portscan" {
		t.Fatalf("Classification.Text = %q, want portscan", got.Classification.Text)
	}
	if got.LastAnalyzer().AnalyzerID != "manager-1" {
		t.Fatalf("LastAnalyzer = %q, want manager-1", got.LastAnalyzer().AnalyzerID)
	}
}
