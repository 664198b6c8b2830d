package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadFromFileMissingFallsBackToDefault(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("missing config file should fall back to Default() (-want +got):\n%s", diff)
	}
}

func TestLoadFromFileParsesTOMLOverrides(t *testing.T) {
	toml := `
[runtime]
runtime_dir = "/custom/run"
shutdown_timeout = "10s"

[zone]
default_vcpu_count = 4
default_memory_mb = 1024
arm64 = true

[network]
ipv4_network = "10.99.0.0/16"

[log]
level = "debug"
format = "json"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Runtime.RuntimeDir != "/custom/run" {
		t.Fatalf("got runtime_dir %q", cfg.Runtime.RuntimeDir)
	}
	if cfg.Runtime.ShutdownTimeout != 10*time.Second {
		t.Fatalf("got shutdown_timeout %v", cfg.Runtime.ShutdownTimeout)
	}
	if cfg.Zone.DefaultVcpuCount != 4 || cfg.Zone.DefaultMemoryMB != 1024 {
		t.Fatalf("got vcpus=%d mem=%d", cfg.Zone.DefaultVcpuCount, cfg.Zone.DefaultMemoryMB)
	}
	if !cfg.Zone.Arm64 {
		t.Fatal("expected zone.arm64 = true")
	}
	if cfg.Network.IPv4Network != "10.99.0.0/16" {
		t.Fatalf("got ipv4_network %q", cfg.Network.IPv4Network)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("got log level=%q format=%q", cfg.Log.Level, cfg.Log.Format)
	}
	// Untouched sections must retain their defaults.
	if cfg.Control.Socket != Default().Control.Socket {
		t.Fatalf("expected untouched control.socket to retain its default, got %q", cfg.Control.Socket)
	}
}

func TestLoadFromEnvOverlaysConfig(t *testing.T) {
	cfg := Default()
	t.Setenv("KRATAD_ZONE_DEFAULT_VCPU_COUNT", "8")
	t.Setenv("KRATAD_ZONE_ARM64", "true")
	t.Setenv("KRATAD_METRICS_ENABLED", "0")
	t.Setenv("KRATAD_LOG_LEVEL", "warn")

	LoadFromEnv(cfg)

	if cfg.Zone.DefaultVcpuCount != 8 {
		t.Fatalf("got vcpu count %d, want 8", cfg.Zone.DefaultVcpuCount)
	}
	if !cfg.Zone.Arm64 {
		t.Fatal("expected arm64 = true from env")
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled = false from KRATAD_METRICS_ENABLED=0")
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("got log level %q, want warn", cfg.Log.Level)
	}
}

func TestValidateRejectsMemoryBoundsViolations(t *testing.T) {
	cfg := Default()
	cfg.Zone.MinMemoryMB = 256
	cfg.Zone.DefaultMemoryMB = 128
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when default memory is below the minimum")
	}

	cfg = Default()
	cfg.Zone.MinMemoryMB = 512
	cfg.Zone.MaxMemoryMB = 256
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when max memory is below the minimum")
	}
}

func TestValidateRejectsEmptyIPv4Network(t *testing.T) {
	cfg := Default()
	cfg.Network.IPv4Network = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing ipv4 network")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}
