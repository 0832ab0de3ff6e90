// Package sink implements the reporting-plugin contract and the fan-out
// engine that delivers each normalized event to every registered sink,
// with per-sink failover spooling (spec.md §3, §4.6, §4.7), grounded on
// report-plugins.c's plugin-list-plus-mode-flag structure but expressed as
// a slice of polymorphic Plugin values instead of a linked list of
// report_plugin_t (spec.md §9).
package sink

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/prelude-ids/manager/internal/filter"
	"github.com/prelude-ids/manager/internal/idmef"
	"github.com/prelude-ids/manager/internal/spool"
)

// Plugin is the reporting-sink contract from spec.md §6.
type Plugin interface {
	Name() string
	Init(config map[string]string) error
	Run(event *idmef.Event) error
	Destroy() error
}

// Committer is implemented by sinks that can be placed in failover mode:
// its Commit method reopens files or reconnects before a recovery drain
// attempt (spec.md §4.7 step 1). A sink that does not implement Committer
// can never enter failover (spec.md §3 invariant); its failures are
// SinkPermanent.
type Committer interface {
	Commit() error
}

// Mode is a sink's current delivery mode.
type Mode uint8

const (
	ModeLive Mode = iota
	ModeFailover
)

func (m Mode) String() string {
	if m == ModeFailover {
		return "failover"
	}
	return "live"
}

// DefaultRetryPeriod is the failover recovery timer's default period
// (spec.md §4.7).
const DefaultRetryPeriod = 10 * time.Minute

type registration struct {
	plugin       Plugin
	instanceName string

	mu   sync.Mutex
	mode Mode
	sp   *spool.Spool
}

func (r *registration) displayName() string {
	if r.instanceName == "" {
		return r.plugin.Name()
	}
	return fmt.Sprintf("%s[%s]", r.plugin.Name(), r.instanceName)
}

// Logf is the logging hook the engine calls for transition and error
// events; callers wire it to their structured logger.
type Logf func(format string, args ...any)

// Metrics is the set of optional observability hooks the engine calls as
// it delivers, spools, and recovers events. Every field is nil-safe: the
// engine never requires a caller to populate all of them, the same way
// internal/reactor and internal/session accept a nil Logf. This keeps
// internal/sink free of a hard dependency on internal/telemetry's
// concrete Prometheus types (spec.md §13's per-sink metrics promise).
type Metrics struct {
	Delivered       func(sinkName string)
	EnteredFailover func(sinkName string)
	Recovered       func(sinkName string)
	SpoolDepth      func(sinkName string, depth int)
	SpoolDeleted    func(sinkName string, count int)
}

func (m Metrics) delivered(name string) {
	if m.Delivered != nil {
		m.Delivered(name)
	}
}

func (m Metrics) enteredFailover(name string) {
	if m.EnteredFailover != nil {
		m.EnteredFailover(name)
	}
}

func (m Metrics) recovered(name string) {
	if m.Recovered != nil {
		m.Recovered(name)
	}
}

func (m Metrics) spoolDepth(name string, depth int) {
	if m.SpoolDepth != nil {
		m.SpoolDepth(name, depth)
	}
}

func (m Metrics) spoolDeleted(name string, count int) {
	if count <= 0 {
		return
	}
	if m.SpoolDeleted != nil {
		m.SpoolDeleted(name, count)
	}
}

// Engine is the fan-out engine: it holds the ordered set of registered
// sinks and drives the filter pipeline, live delivery, and failover
// spooling for every normalized event (spec.md §4.6).
type Engine struct {
	filters  *filter.Pipeline
	spoolDir string
	quota    int
	logf     Logf
	metrics  Metrics

	mu   sync.Mutex
	regs []*registration
}

// Config bundles the Engine's construction-time dependencies.
type Config struct {
	Filters  *filter.Pipeline
	SpoolDir string
	// Quota is the maximum number of spooled records per sink; 0 is
	// unbounded.
	Quota   int
	Logf    Logf
	Metrics Metrics
}

// New builds an Engine. Filters may be nil, meaning every event passes.
func New(cfg Config) *Engine {
	filters := cfg.Filters
	if filters == nil {
		filters = filter.New()
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Engine{filters: filters, spoolDir: cfg.SpoolDir, quota: cfg.Quota, logf: logf, metrics: cfg.Metrics}
}

// RegisterSink adds p to the fan-out set in registration order, opening
// its on-disk spool. If the spool is non-empty on open, the sink starts in
// failover mode (spec.md §4.7, "On startup each sink's spool is opened").
// The same (plugin, instance-name) pair appearing twice is a config-time
// error (spec.md §9 Open Question, resolved in DESIGN.md; internal/config
// rejects it before the manager ever calls RegisterSink), so callers may
// assume every registration here names a distinct sink instance.
func (e *Engine) RegisterSink(p Plugin, instanceName string, config map[string]string) error {
	if err := p.Init(config); err != nil {
		return fmt.Errorf("sink %s: init: %w", p.Name(), err)
	}

	path := spool.PathFor(e.spoolDir, p.Name(), instanceName)
	sp, err := spool.Open(path, e.quota)
	if err != nil {
		return fmt.Errorf("sink %s: open spool: %w", p.Name(), err)
	}

	reg := &registration{plugin: p, instanceName: instanceName, sp: sp}
	if sp.Len() > 0 {
		reg.mode = ModeFailover
	}

	e.mu.Lock()
	e.regs = append(e.regs, reg)
	e.mu.Unlock()

	if reg.mode == ModeFailover {
		e.logf("sink %s starting in failover mode with %d spooled events", reg.displayName(), sp.Len())
		e.metrics.enteredFailover(reg.displayName())
	}
	e.metrics.spoolDepth(reg.displayName(), sp.Len())
	return nil
}

// Dispatch runs the category filter once, then offers event to every
// registered sink in registration order: per-sink filter, then live
// delivery or spool append, per spec.md §4.6. Dispatch itself never
// returns an error; per-sink failures are confined to that sink
// (spec.md §7 propagation policy).
func (e *Engine) Dispatch(event *idmef.Event) {
	if e.filters.RunByCategory(event, "REPORTING") == filter.Veto {
		return
	}

	e.mu.Lock()
	regs := make([]*registration, len(e.regs))
	copy(regs, e.regs)
	e.mu.Unlock()

	for _, reg := range regs {
		if e.filters.RunByPlugin(event, reg.plugin.Name()) == filter.Veto {
			continue
		}
		e.dispatchToSink(reg, event)
	}
}

func (e *Engine) dispatchToSink(reg *registration, event *idmef.Event) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.mode == ModeFailover {
		e.spoolLocked(reg, event)
		return
	}

	if err := reg.plugin.Run(event); err != nil {
		e.handleRunFailureLocked(reg, event, err)
		return
	}
	e.metrics.delivered(reg.displayName())
}

func (e *Engine) handleRunFailureLocked(reg *registration, event *idmef.Event, runErr error) {
	if _, ok := reg.plugin.(Committer); !ok {
		// SinkPermanent: no spool possible, drop for this sink (spec.md §7).
		e.logf("sink %s: permanent failure, event dropped: %v", reg.displayName(), runErr)
		return
	}

	reg.mode = ModeFailover
	e.logf("sink %s: transient failure, entering failover: %v", reg.displayName(), runErr)
	e.metrics.enteredFailover(reg.displayName())
	e.spoolLocked(reg, event)
}

func (e *Engine) spoolLocked(reg *registration, event *idmef.Event) {
	record, err := encodeEvent(event)
	if err != nil {
		e.logf("sink %s: failed to serialize event for spooling: %v", reg.displayName(), err)
		return
	}
	before := reg.sp.DeletedCount()
	if err := reg.sp.Append(record); err != nil {
		e.logf("sink %s: failed to append to spool: %v", reg.displayName(), err)
		return
	}
	e.metrics.spoolDepth(reg.displayName(), reg.sp.Len())
	if deleted := reg.sp.DeletedCount() - before; deleted > 0 {
		e.metrics.spoolDeleted(reg.displayName(), int(deleted))
	}
}

// RecoverAll attempts a recovery pass on every sink currently in failover
// mode (spec.md §4.7), driven by a periodic timer owned by the caller
// (internal/manager wires this to a cron schedule).
func (e *Engine) RecoverAll() {
	e.mu.Lock()
	regs := make([]*registration, len(e.regs))
	copy(regs, e.regs)
	e.mu.Unlock()

	for _, reg := range regs {
		e.recoverSink(reg)
	}
}

func (e *Engine) recoverSink(reg *registration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.mode != ModeFailover {
		return
	}

	committer, ok := reg.plugin.(Committer)
	if !ok {
		return // unreachable in practice: a non-Committer never enters failover
	}

	if err := committer.Commit(); err != nil {
		e.logf("sink %s: commit failed, recovery deferred: %v", reg.displayName(), err)
		return
	}

	if reg.sp.Len() == 0 {
		reg.mode = ModeLive
		e.logf("sink %s: recovered, no spooled events", reg.displayName())
		e.metrics.recovered(reg.displayName())
		e.metrics.spoolDepth(reg.displayName(), 0)
		return
	}

	_, err := reg.sp.Drain(func(record []byte) error {
		event, derr := decodeEvent(record)
		if derr != nil {
			return derr
		}
		return reg.plugin.Run(event)
	})
	e.metrics.spoolDepth(reg.displayName(), reg.sp.Len())
	if err != nil {
		e.logf("sink %s: drain stopped early, %d events remain: %v", reg.displayName(), reg.sp.Len(), err)
		return
	}

	reg.mode = ModeLive
	e.logf("sink %s: recovered, spool drained", reg.displayName())
	e.metrics.recovered(reg.displayName())
}

// Destroy calls Destroy on every registered sink, in registration order.
func (e *Engine) Destroy() {
	e.mu.Lock()
	regs := make([]*registration, len(e.regs))
	copy(regs, e.regs)
	e.mu.Unlock()

	for _, reg := range regs {
		if err := reg.plugin.Destroy(); err != nil {
			e.logf("sink %s: destroy: %v", reg.displayName(), err)
		}
	}
}

// ModeOf reports the current mode of the named sink instance, for tests
// and observability.
func (e *Engine) ModeOf(name string) (Mode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reg := range e.regs {
		if reg.displayName() == name {
			reg.mu.Lock()
			m := reg.mode
			reg.mu.Unlock()
			return m, true
		}
	}
	return 0, false
}

// SpoolLen reports the current spool length of the named sink instance.
func (e *Engine) SpoolLen(name string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reg := range e.regs {
		if reg.displayName() == name {
			return reg.sp.Len(), true
		}
	}
	return 0, false
}

// encodeEvent/decodeEvent serialize an idmef.Event for spool storage. No
// third-party codec in the retrieval pack targets Go-struct-to-Go-struct
// persistence of our own types (see DESIGN.md); encoding/gob is the
// idiomatic stdlib choice for that narrow, internal-only concern.
func encodeEvent(event *idmef.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(event); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEvent(record []byte) (*idmef.Event, error) {
	var event idmef.Event
	if err := gob.NewDecoder(bytes.NewReader(record)).Decode(&event); err != nil {
		return nil, err
	}
	return &event, nil
}
