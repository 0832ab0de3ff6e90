package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

type stubResolver struct {
	path  string
	flags *pflag.FlagSet
}

func (s stubResolver) ConfigFilePath() string { return s.path }
func (s stubResolver) Flags() *pflag.FlagSet  { return s.flags }

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manager.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForKeysAbsentFromConfigFile(t *testing.T) {
	path := writeConfigFile(t, "unix_socket: /tmp/prelude-manager.sock\n")
	cfg, err := Load(stubResolver{path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpoolDir != "/var/spool/prelude-manager" {
		t.Fatalf("SpoolDir = %q, want the default", cfg.SpoolDir)
	}
	if cfg.SpoolQuota != 10000 {
		t.Fatalf("SpoolQuota = %d, want default 10000", cfg.SpoolQuota)
	}
}

func TestLoadRejectsMissingListenEndpoint(t *testing.T) {
	path := writeConfigFile(t, "spool_dir: /tmp/spool\n")
	if _, err := Load(stubResolver{path: path}); err == nil {
		t.Fatal("want an error when neither TCP nor UNIX listen endpoint is configured")
	}
}

func TestLoadRequiresTLSMaterialForTCP(t *testing.T) {
	path := writeConfigFile(t, "listen:\n  - 0.0.0.0:4690\n")
	if _, err := Load(stubResolver{path: path}); err == nil {
		t.Fatal("want an error when a TCP listener is configured without ca_cert/cert/key")
	}
}

func TestLoadRejectsDuplicateSinkInstance(t *testing.T) {
	path := writeConfigFile(t, `
unix_socket: /tmp/prelude-manager.sock
sinks:
  - plugin: sql
    instance_name: primary
  - plugin: sql
    instance_name: primary
`)
	if _, err := Load(stubResolver{path: path}); err == nil {
		t.Fatal("want an error for a duplicate sink instance name")
	}
}

func TestLoadAcceptsDistinctSinkInstances(t *testing.T) {
	path := writeConfigFile(t, `
unix_socket: /tmp/prelude-manager.sock
sinks:
  - plugin: sql
    instance_name: primary
  - plugin: sql
    instance_name: replica
`)
	cfg, err := Load(stubResolver{path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sinks) != 2 {
		t.Fatalf("len(Sinks) = %d, want 2", len(cfg.Sinks))
	}
}
