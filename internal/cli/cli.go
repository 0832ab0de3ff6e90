// Package cli wires github.com/spf13/cobra flags into internal/config's
// viper-backed loader and assembles every subsystem into a running
// internal/manager.Manager, the way the teacher's entry point owns
// flag parsing and top-level wiring (spec.md §6 "Operational surface").
package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/prelude-ids/manager/internal/config"
	"github.com/prelude-ids/manager/internal/decodeplugin"
	"github.com/prelude-ids/manager/internal/decodeplugin/heartbeatextra"
	"github.com/prelude-ids/manager/internal/filter"
	"github.com/prelude-ids/manager/internal/idmef"
	"github.com/prelude-ids/manager/internal/idmefcodec"
	"github.com/prelude-ids/manager/internal/logging"
	"github.com/prelude-ids/manager/internal/manager"
	"github.com/prelude-ids/manager/internal/normalize"
	"github.com/prelude-ids/manager/internal/sink"
	"github.com/prelude-ids/manager/internal/sink/debugsink"
	"github.com/prelude-ids/manager/internal/sink/xmlsink"
	"github.com/prelude-ids/manager/internal/telemetry"

	"github.com/prelude-ids/manager/internal/auth"
)

// Execute builds the root command and runs it against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "preluded",
		Short: "IDMEF event manager: accepts sensor connections, normalizes events, fans them out to reporting sinks",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	flags := serve.Flags()
	flags.StringSlice("listen", nil, "TCP listen address(es), host:port (repeatable)")
	flags.String("unix-socket", "", "UNIX-domain socket path for local sensors")
	flags.String("spool-dir", "", "directory holding each sink's failover spool")
	flags.Int("spool-quota", 0, "maximum spooled records per sink (0 = unbounded)")
	flags.Duration("retry-period", 0, "failover recovery retry period (0 = use the built-in default)")
	flags.String("ca-cert", "", "CA certificate used to verify sensor certificates")
	flags.String("cert", "", "manager's own TLS certificate")
	flags.String("key", "", "manager's own TLS private key")
	flags.StringSlice("plugin-dir", nil, "directories searched for reporting/decode plugins")
	flags.String("metrics-addr", "", "address the /metrics and /healthz HTTP endpoints bind to")
	flags.String("log-level", "", "debug|info|warn|error")
	flags.String("analyzer-id", "", "this manager's analyzer id (default: a generated uuid)")

	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serve)
	return root
}

func runServe(cmd *cobra.Command, configPath string) error {
	resolver := config.FileResolver{Path: configPath, Flag: cmd.Flags()}
	settings, err := config.Load(resolver)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: settings.LogLevel})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	analyzerID, _ := cmd.Flags().GetString("analyzer-id")
	if analyzerID == "" {
		analyzerID = "manager-" + uuid.NewString()
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	engine := sink.New(sink.Config{
		Filters:  filter.New(),
		SpoolDir: settings.SpoolDir,
		Quota:    settings.SpoolQuota,
		Logf:     logging.Printf(sugar),
		Metrics:  sinkMetrics(metrics),
	})

	if err := registerConfiguredSinks(engine, settings, sugar.Infof); err != nil {
		return err
	}

	decodePlugins := decodeplugin.NewRegistry()
	decodePlugins.Register(heartbeatextra.New())

	decoder := &normalize.Decoder{
		LocalAnalyzer:   idmef.Analyzer{AnalyzerID: analyzerID, Name: "Prelude Manager", Class: "manager"},
		Plugins:         decodePlugins,
		DecodeAlert:     idmefcodec.DecodeAlert,
		DecodeHeartbeat: idmefcodec.DecodeHeartbeat,
	}

	var authn *auth.Authenticator
	if len(settings.ListenAddrs) > 0 {
		tlsCfg, err := buildTLSConfig(settings)
		if err != nil {
			return err
		}
		authn = auth.New(tlsCfg, nil)
	}

	mgr := manager.New(manager.Config{
		Settings:          settings,
		Logger:            logger,
		Engine:            engine,
		Decoder:           decoder,
		Authenticator:     authn,
		Metrics:           metrics,
		ManagerAnalyzerID: analyzerID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("manager: start: %w", err)
	}

	var telemetrySrv *telemetry.Server
	if settings.MetricsAddr != "" {
		telemetrySrv = telemetry.NewServer(settings.MetricsAddr, reg, func() bool { return true })
		telemetrySrv.Start()
	}

	sugar.Infow("manager started", "analyzer_id", analyzerID, "listen", settings.ListenAddrs, "unix_socket", settings.UnixSocketPath)

	<-ctx.Done()
	sugar.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if telemetrySrv != nil {
		_ = telemetrySrv.Shutdown(stopCtx)
	}
	return mgr.Stop(stopCtx)
}

const shutdownGrace = 10 * time.Second

// sinkMetrics adapts telemetry's Prometheus handles into the nil-safe
// hooks internal/sink.Engine calls, so the fan-out engine itself never
// imports prometheus (spec.md §13's per-sink metrics).
func sinkMetrics(m *telemetry.Metrics) sink.Metrics {
	return sink.Metrics{
		Delivered: func(name string) { m.EventsDelivered.WithLabelValues(name).Inc() },
		EnteredFailover: func(name string) {
			m.SinksInFailover.WithLabelValues(name).Set(1)
		},
		Recovered: func(name string) {
			m.SinksInFailover.WithLabelValues(name).Set(0)
		},
		SpoolDepth: func(name string, depth int) {
			m.SpoolDepth.WithLabelValues(name).Set(float64(depth))
		},
		SpoolDeleted: func(name string, count int) {
			m.SpoolDeleted.WithLabelValues(name).Add(float64(count))
		},
	}
}

func registerConfiguredSinks(engine *sink.Engine, settings config.Config, logf func(string, ...any)) error {
	// Two built-in sinks are always available by plugin name; any
	// unrecognized plugin name is a configuration error rather than a
	// silent no-op, matching spec.md §7's ConfigError contract.
	for _, s := range settings.Sinks {
		switch s.Plugin {
		case "xml-file":
			if err := engine.RegisterSink(xmlsink.New(), s.InstanceName, s.Options); err != nil {
				return err
			}
		case "debug":
			if err := engine.RegisterSink(debugsink.New(logf), s.InstanceName, s.Options); err != nil {
				return err
			}
		default:
			return fmt.Errorf("config: unknown sink plugin %q (plugin directories are not yet loaded dynamically)", s.Plugin)
		}
	}
	return nil
}

func buildTLSConfig(settings config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(settings.CertPath, settings.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tls: load manager certificate: %w", err)
	}

	caBytes, err := os.ReadFile(settings.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("tls: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("tls: ca certificate file contains no usable certificates")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
