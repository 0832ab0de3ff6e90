// Package manager wires the reactor, session, authenticator, normalizer,
// and fan-out engine into the accept-to-delivery pipeline spec.md §2
// describes as the system's data flow, the way the teacher's top-level
// application type owns and starts every subsystem.
package manager

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prelude-ids/manager/internal/auth"
	"github.com/prelude-ids/manager/internal/config"
	"github.com/prelude-ids/manager/internal/idmef"
	"github.com/prelude-ids/manager/internal/ioadapter"
	"github.com/prelude-ids/manager/internal/listen"
	"github.com/prelude-ids/manager/internal/normalize"
	"github.com/prelude-ids/manager/internal/reactor"
	"github.com/prelude-ids/manager/internal/session"
	"github.com/prelude-ids/manager/internal/sink"
	"github.com/prelude-ids/manager/internal/telemetry"
	"github.com/prelude-ids/manager/internal/wire"
)

// Metrics is the subset of telemetry.Metrics the manager updates; kept as
// an interface-free struct pointer so Manager can be built without
// telemetry wired in (as the tests do, by leaving it nil).
type Metrics = telemetry.Metrics

// Manager owns every running subsystem: the reactor's worker pool, the
// listen endpoints, the fan-out engine, and the periodic failover
// recovery schedule.
type Manager struct {
	cfg     config.Config
	logger  *zap.Logger
	engine  *sink.Engine
	decoder *normalize.Decoder
	authn   *auth.Authenticator
	metrics *Metrics

	managerAnalyzerID string

	reactor *reactor.Reactor
	cron    *cron.Cron

	mu        sync.Mutex
	listeners []net.Listener

	wg sync.WaitGroup
}

// Config bundles Manager's construction-time dependencies. Authenticator
// may be nil if cfg has no TCP listen addresses (UNIX-only deployment).
type Config struct {
	Settings          config.Config
	Logger            *zap.Logger
	Engine            *sink.Engine
	Decoder           *normalize.Decoder
	Authenticator     *auth.Authenticator
	Metrics           *Metrics
	ManagerAnalyzerID string
	Workers           int
}

// New builds a Manager. It does not yet bind any sockets; call Start.
func New(cfg Config) *Manager {
	workers := cfg.Workers
	if workers < 1 {
		workers = 8
	}
	return &Manager{
		cfg:               cfg.Settings,
		logger:            cfg.Logger,
		engine:            cfg.Engine,
		decoder:           cfg.Decoder,
		authn:             cfg.Authenticator,
		metrics:           cfg.Metrics,
		managerAnalyzerID: cfg.ManagerAnalyzerID,
		reactor:           reactor.New(workers, workers*4),
		cron:              cron.New(),
	}
}

// Start binds every configured listen endpoint, starts accept loops, and
// arms the periodic failover recovery schedule. It returns once every
// listener is bound; accept loops run in the background until Stop.
func (m *Manager) Start(ctx context.Context) error {
	var eg errgroup.Group

	if m.cfg.UnixSocketPath != "" {
		eg.Go(func() error { return m.bindAndServe(m.cfg.UnixSocketPath, true) })
	}
	for _, addr := range m.cfg.ListenAddrs {
		addr := addr
		eg.Go(func() error { return m.bindAndServe(addr, false) })
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	// spec.md §4.7: a sink whose spool is non-empty at startup starts in
	// failover mode with an immediate recovery attempt scheduled, rather
	// than waiting out a full cron period (up to RetryPeriod) before the
	// first retry.
	go m.engine.RecoverAll()

	period := m.cfg.RetryPeriod
	if period <= 0 {
		period = sink.DefaultRetryPeriod
	}
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", period), m.engine.RecoverAll); err != nil {
		return fmt.Errorf("manager: schedule recovery: %w", err)
	}
	m.cron.Start()

	return nil
}

func (m *Manager) bindAndServe(addr string, isUnix bool) error {
	var (
		ln  net.Listener
		err error
	)
	if isUnix {
		ln, err = listen.Unix(addr)
	} else {
		ln, err = listen.TCP(addr)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(ln, isUnix)
	return nil
}

func (m *Manager) acceptLoop(ln net.Listener, isUnix bool) {
	defer m.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed during Stop
		}
		go m.handleConn(conn, isUnix)
	}
}

func (m *Manager) handleConn(conn net.Conn, isUnix bool) {
	addr := conn.RemoteAddr().String()

	cfg := session.Config{
		Addr:              addr,
		ManagerAnalyzerID: analyzerIDToUint64(m.managerAnalyzerID),
		Logf:              m.logf,
		OnDeliver:         m.deliver,
		OnClose:           m.onSessionClose,
		OnAuthFailure:     m.onAuthFailure,
	}

	var sess *session.Session
	if isUnix {
		sess = session.NewUnix(ioadapter.NewConn(conn), cfg)
	} else {
		cfg.Authenticator = m.authn
		tlsConn := tls.Server(conn, m.authn.TLSConfig)
		sess = session.NewTCP(tlsConn, cfg)
	}

	handle := m.reactor.Register(sess)
	sess.AttachReactor(handle)

	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
}

// deliver is the session.DeliverHook: normalize one wire message and hand
// the resulting event to the fan-out engine.
func (m *Manager) deliver(sess *session.Session, msg *wire.Message) error {
	if m.metrics != nil {
		m.metrics.EventsReceived.WithLabelValues(msg.Tag.String()).Inc()
	}

	result, err := m.decoder.Normalize(msg)
	if err != nil {
		return err
	}
	if result.Logged != "" {
		m.logger.Sugar().Warnw(result.Logged, "tag", result.Tag.String(), "peer", sess.Addr())
		return nil
	}
	if result.Event != nil {
		m.engine.Dispatch(result.Event)
	}
	return nil
}

func (m *Manager) onSessionClose(*session.Session) {
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
}

func (m *Manager) onAuthFailure(*session.Session) {
	if m.metrics != nil {
		m.metrics.AuthFailures.Inc()
	}
}

func (m *Manager) logf(format string, args ...any) {
	m.logger.Sugar().Infof(format, args...)
}

// Stop halts accept loops, the reactor's worker pool, the recovery
// schedule, and every registered sink, in that order.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}

	m.reactor.Stop()

	cronCtx := m.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
	}

	m.engine.Destroy()
	return nil
}

// analyzerIDToUint64 hashes a string analyzer identity into the 64-bit id
// carried on the wire (spec.md §4.3), mirroring internal/auth's
// certificate-serial-number hash for the manager's own fixed identity.
func analyzerIDToUint64(id string) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

// LocalManagerAnalyzer builds the Analyzer descriptor the normalizer
// appends at the tail of every event's chain (spec.md §3 invariant).
func LocalManagerAnalyzer(id, name string) idmef.Analyzer {
	return idmef.Analyzer{AnalyzerID: id, Name: name, Class: "manager"}
}
