package sink

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prelude-ids/manager/internal/idmef"
)

type recordingPlugin struct {
	name      string
	mu        sync.Mutex
	received  []*idmef.Event
	runErr    error
	commitErr error
	runCalls  int32
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) Init(map[string]string) error { return nil }

func (p *recordingPlugin) Run(event *idmef.Event) error {
	atomic.AddInt32(&p.runCalls, 1)
	if p.runErr != nil {
		return p.runErr
	}
	p.mu.Lock()
	p.received = append(p.received, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) Destroy() error { return nil }

func (p *recordingPlugin) Commit() error { return p.commitErr }

// committerPlugin and non-committing plain plugin are distinguished via Go
// interfaces: recordingPlugin always implements Commit, so tests that need
// a non-failover-capable sink use plainPlugin instead.
type plainPlugin struct {
	name     string
	runErr   error
	runCalls int32
}

func (p *plainPlugin) Name() string                    { return p.name }
func (p *plainPlugin) Init(map[string]string) error    { return nil }
func (p *plainPlugin) Destroy() error                  { return nil }
func (p *plainPlugin) Run(event *idmef.Event) error {
	atomic.AddInt32(&p.runCalls, 1)
	return p.runErr
}

func TestDispatchDeliversToAllPassingSinks(t *testing.T) {
	e := New(Config{SpoolDir: t.TempDir()})
	a := &recordingPlugin{name: "xml-file"}
	b := &recordingPlugin{name: "sql"}
	if err := e.RegisterSink(a, "", nil); err != nil {
		t.Fatalf("RegisterSink a: %v", err)
	}
	if err := e.RegisterSink(b, "", nil); err != nil {
		t.Fatalf("RegisterSink b: %v", err)
	}

	event := &idmef.Event{Classification: idmef.Classification{Text: "portscan"}}
	e.Dispatch(event)

	if len(a.received) != 1 || len(b.received) != 1 {
		t.Fatalf("want both sinks to receive exactly one event, got a=%d b=%d", len(a.received), len(b.received))
	}

	if mode, _ := e.ModeOf("xml-file"); mode != ModeLive {
		t.Fatalf("xml-file mode = %v, want live", mode)
	}
	if n, _ := e.SpoolLen("sql"); n != 0 {
		t.Fatalf("sql spool len = %d, want 0", n)
	}
}

func TestDispatchTransientFailureEntersFailoverAndSpools(t *testing.T) {
	e := New(Config{SpoolDir: t.TempDir()})
	xml := &recordingPlugin{name: "xml-file"}
	sql := &recordingPlugin{name: "sql", runErr: errors.New("connection refused")}
	_ = e.RegisterSink(xml, "", nil)
	_ = e.RegisterSink(sql, "", nil)

	event := &idmef.Event{Classification: idmef.Classification{Text: "portscan"}}
	e.Dispatch(event)

	if len(xml.received) != 1 {
		t.Fatalf("want xml-file to receive the event, got %d", len(xml.received))
	}
	if mode, _ := e.ModeOf("sql"); mode != ModeFailover {
		t.Fatalf("sql mode = %v, want failover", mode)
	}
	if n, _ := e.SpoolLen("sql"); n != 1 {
		t.Fatalf("sql spool len = %d, want 1", n)
	}
}

func TestDispatchPermanentFailureDropsEventForNonCommitterSink(t *testing.T) {
	e := New(Config{SpoolDir: t.TempDir()})
	p := &plainPlugin{name: "no-commit", runErr: errors.New("boom")}
	_ = e.RegisterSink(p, "", nil)

	e.Dispatch(&idmef.Event{})

	if mode, _ := e.ModeOf("no-commit"); mode != ModeLive {
		t.Fatalf("a non-Committer sink must never enter failover, got mode %v", mode)
	}
	if n, _ := e.SpoolLen("no-commit"); n != 0 {
		t.Fatalf("spool len = %d, want 0 (no commit hook means no spool possible)", n)
	}
}

func TestRecoverAllDrainsSpoolOnSuccessfulCommit(t *testing.T) {
	e := New(Config{SpoolDir: t.TempDir()})
	sql := &recordingPlugin{name: "sql", runErr: errors.New("down")}
	_ = e.RegisterSink(sql, "", nil)

	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "one"}})
	if n, _ := e.SpoolLen("sql"); n != 1 {
		t.Fatalf("spool len = %d, want 1 before recovery", n)
	}

	sql.runErr = nil // sink now healthy
	e.RecoverAll()

	if n, _ := e.SpoolLen("sql"); n != 0 {
		t.Fatalf("spool len = %d, want 0 after recovery", n)
	}
	if mode, _ := e.ModeOf("sql"); mode != ModeLive {
		t.Fatalf("mode = %v, want live after recovery", mode)
	}
}

// selectiveFailPlugin fails Run for one specific classification text,
// letting a test drive the S4 "partial drain" scenario precisely.
type selectiveFailPlugin struct {
	name      string
	failText  string
	failAll   bool
	commitErr error
	mu        sync.Mutex
	received  []string
}

func (p *selectiveFailPlugin) Name() string                 { return p.name }
func (p *selectiveFailPlugin) Init(map[string]string) error { return nil }
func (p *selectiveFailPlugin) Destroy() error                { return nil }
func (p *selectiveFailPlugin) Commit() error                 { return p.commitErr }

func (p *selectiveFailPlugin) Run(event *idmef.Event) error {
	if p.failAll || event.Classification.Text == p.failText {
		return errors.New("down")
	}
	p.mu.Lock()
	p.received = append(p.received, event.Classification.Text)
	p.mu.Unlock()
	return nil
}

func TestRecoverAllLeavesSpoolUntouchedWhileStillFailing(t *testing.T) {
	e := New(Config{SpoolDir: t.TempDir()})
	sql := &recordingPlugin{name: "sql", runErr: errors.New("down")}
	_ = e.RegisterSink(sql, "", nil)

	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "E1"}})
	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "E2"}})
	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "E3"}})

	if n, _ := e.SpoolLen("sql"); n != 3 {
		t.Fatalf("spool len = %d, want 3", n)
	}

	e.RecoverAll()
	if n, _ := e.SpoolLen("sql"); n != 3 {
		t.Fatalf("spool len = %d, want 3 (recovery must not drain while still failing)", n)
	}
}

// TestRecoverAllPartialDrainLeavesRemainderInFailoverOrder drives spec.md
// S4 directly: on recovery, E1 succeeds, E2 fails; the drain must stop
// with [E2, E3] remaining and the sink still in failover.
func TestRecoverAllPartialDrainLeavesRemainderInFailoverOrder(t *testing.T) {
	e := New(Config{SpoolDir: t.TempDir()})
	sql := &selectiveFailPlugin{name: "sql", failText: "E2"}
	_ = e.RegisterSink(sql, "", nil)

	// Force the sink into failover with [E1, E2, E3] spooled, bypassing
	// the live path (which would otherwise deliver E1 and E3 directly).
	sql.failAll = true
	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "E1"}})
	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "E2"}})
	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "E3"}})
	if n, _ := e.SpoolLen("sql"); n != 3 {
		t.Fatalf("spool len = %d, want 3", n)
	}

	sql.failAll = false
	sql.failText = "E2"
	e.RecoverAll()

	if n, _ := e.SpoolLen("sql"); n != 2 {
		t.Fatalf("spool len = %d, want 2 ([E2, E3] remaining)", n)
	}
	if mode, _ := e.ModeOf("sql"); mode != ModeFailover {
		t.Fatalf("mode = %v, want failover after a partial drain", mode)
	}
	if len(sql.received) != 1 || sql.received[0] != "E1" {
		t.Fatalf("received = %v, want [E1]", sql.received)
	}
}

func TestMetricsHooksFireOnDeliverFailoverAndRecovery(t *testing.T) {
	var mu sync.Mutex
	var delivered, entered, recovered []string
	depths := map[string]int{}

	e := New(Config{
		SpoolDir: t.TempDir(),
		Metrics: Metrics{
			Delivered:       func(name string) { mu.Lock(); delivered = append(delivered, name); mu.Unlock() },
			EnteredFailover: func(name string) { mu.Lock(); entered = append(entered, name); mu.Unlock() },
			Recovered:       func(name string) { mu.Lock(); recovered = append(recovered, name); mu.Unlock() },
			SpoolDepth:      func(name string, depth int) { mu.Lock(); depths[name] = depth; mu.Unlock() },
		},
	})

	sql := &recordingPlugin{name: "sql", runErr: errors.New("down")}
	_ = e.RegisterSink(sql, "", nil)

	xml := &recordingPlugin{name: "xml-file"}
	_ = e.RegisterSink(xml, "", nil)

	e.Dispatch(&idmef.Event{Classification: idmef.Classification{Text: "one"}})

	mu.Lock()
	if len(delivered) != 1 || delivered[0] != "xml-file" {
		t.Fatalf("delivered = %v, want exactly [xml-file]", delivered)
	}
	if len(entered) != 1 || entered[0] != "sql" {
		t.Fatalf("entered failover = %v, want exactly [sql]", entered)
	}
	if depths["sql"] != 1 {
		t.Fatalf("spool depth[sql] = %d, want 1", depths["sql"])
	}
	mu.Unlock()

	sql.runErr = nil
	e.RecoverAll()

	mu.Lock()
	defer mu.Unlock()
	if len(recovered) != 1 || recovered[0] != "sql" {
		t.Fatalf("recovered = %v, want exactly [sql]", recovered)
	}
	if depths["sql"] != 0 {
		t.Fatalf("spool depth[sql] after recovery = %d, want 0", depths["sql"])
	}
}
