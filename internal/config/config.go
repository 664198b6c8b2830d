// Package config provides centralized configuration management for
// kratad.
//
// Configuration can be loaded from:
// - a TOML configuration file (default: /etc/kratad/config.toml)
// - environment variables (prefixed with KRATAD_)
//
// Configuration is organized into sections matching the daemon's
// components: Runtime, Zone defaults, Reconciler, Network, Image,
// Control, Metrics, Log.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all configuration for kratad.
type Config struct {
	Runtime    RuntimeConfig    `toml:"runtime"`
	Zone       ZoneConfig       `toml:"zone"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Network    NetworkConfig    `toml:"network"`
	Image      ImageConfig      `toml:"image"`
	Control    ControlConfig    `toml:"control"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Log        LogConfig        `toml:"log"`
}

// RuntimeConfig holds general daemon settings.
type RuntimeConfig struct {
	RuntimeDir      string        `toml:"runtime_dir"`
	XenStoreSocket  string        `toml:"xenstore_socket"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// ZoneConfig holds default zone boot configuration.
type ZoneConfig struct {
	KernelPath       string `toml:"kernel_path"`
	KernelCmdline    string `toml:"kernel_cmdline"`
	InitrdPath       string `toml:"initrd_path"`
	DefaultVcpuCount int64  `toml:"default_vcpu_count"`
	DefaultMemoryMB  int64  `toml:"default_memory_mb"`
	MinMemoryMB      int64  `toml:"min_memory_mb"`
	MaxMemoryMB      int64  `toml:"max_memory_mb"`
	Arm64            bool   `toml:"arm64"`
	BackendStateTimeout time.Duration `toml:"backend_state_timeout"`
}

// ReconcilerConfig tunes the convergence loop.
type ReconcilerConfig struct {
	TickInterval  time.Duration `toml:"tick_interval"`
	NotifyQueueLen int          `toml:"notify_queue_len"`
}

// NetworkConfig holds the virtual L2 fabric's addressing and NAT settings.
type NetworkConfig struct {
	HostUUID      string `toml:"host_uuid"`
	IPv4Network   string `toml:"ipv4_network"`
	IPv6Network   string `toml:"ipv6_network"`
	BridgeTap     string `toml:"bridge_tap"`
}

// ImageConfig holds image-puller cache settings.
type ImageConfig struct {
	RootDir        string `toml:"root_dir"`
	CacheEnabled   bool   `toml:"cache_enabled"`
	CacheMaxSizeMB int64  `toml:"cache_max_size_mb"`
}

// ControlConfig holds the ttrpc Control Service listener settings.
type ControlConfig struct {
	Socket       string        `toml:"socket"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// MetricsConfig holds the prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// LogConfig holds logging output settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns the baseline configuration applied before a config
// file or environment overrides are read.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			RuntimeDir:      "/run/kratad",
			XenStoreSocket:  "/var/run/xenstored/socket",
			ShutdownTimeout: 30 * time.Second,
		},
		Zone: ZoneConfig{
			KernelPath:          "/var/lib/kratad/zone-kernel",
			KernelCmdline:       "console=hvc0",
			DefaultVcpuCount:    1,
			DefaultMemoryMB:     128,
			MinMemoryMB:         64,
			MaxMemoryMB:         8192,
			BackendStateTimeout: 30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			TickInterval:   15 * time.Second,
			NotifyQueueLen: 1000,
		},
		Network: NetworkConfig{
			IPv4Network: "10.75.0.0/16",
			IPv6Network: "fd75::/64",
			BridgeTap:   "krata0",
		},
		Image: ImageConfig{
			RootDir:        "/var/lib/kratad/images",
			CacheEnabled:   true,
			CacheMaxSizeMB: 10240,
		},
		Control: ControlConfig{
			Socket:         "/run/kratad/control.sock",
			RequestTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, falling back to
// Default() if the file is absent.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := parseTOML(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables prefixed KRATAD_ onto cfg.
func LoadFromEnv(cfg *Config) {
	loadEnvString(&cfg.Runtime.RuntimeDir, "KRATAD_RUNTIME_DIR")
	loadEnvString(&cfg.Runtime.XenStoreSocket, "KRATAD_XENSTORE_SOCKET")
	loadEnvDuration(&cfg.Runtime.ShutdownTimeout, "KRATAD_SHUTDOWN_TIMEOUT")

	loadEnvString(&cfg.Zone.KernelPath, "KRATAD_ZONE_KERNEL_PATH")
	loadEnvString(&cfg.Zone.KernelCmdline, "KRATAD_ZONE_KERNEL_CMDLINE")
	loadEnvInt64(&cfg.Zone.DefaultVcpuCount, "KRATAD_ZONE_DEFAULT_VCPU_COUNT")
	loadEnvInt64(&cfg.Zone.DefaultMemoryMB, "KRATAD_ZONE_DEFAULT_MEMORY_MB")
	loadEnvBool(&cfg.Zone.Arm64, "KRATAD_ZONE_ARM64")

	loadEnvString(&cfg.Network.HostUUID, "KRATAD_NETWORK_HOST_UUID")
	loadEnvString(&cfg.Network.IPv4Network, "KRATAD_NETWORK_IPV4_NETWORK")
	loadEnvString(&cfg.Network.IPv6Network, "KRATAD_NETWORK_IPV6_NETWORK")

	loadEnvString(&cfg.Image.RootDir, "KRATAD_IMAGE_ROOT_DIR")
	loadEnvBool(&cfg.Image.CacheEnabled, "KRATAD_IMAGE_CACHE_ENABLED")

	loadEnvString(&cfg.Control.Socket, "KRATAD_CONTROL_SOCKET")

	loadEnvBool(&cfg.Metrics.Enabled, "KRATAD_METRICS_ENABLED")
	loadEnvString(&cfg.Metrics.Address, "KRATAD_METRICS_ADDRESS")

	loadEnvString(&cfg.Log.Level, "KRATAD_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "KRATAD_LOG_FORMAT")
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Zone.DefaultMemoryMB < c.Zone.MinMemoryMB {
		return fmt.Errorf("zone.default_memory_mb (%d) is below zone.min_memory_mb (%d)", c.Zone.DefaultMemoryMB, c.Zone.MinMemoryMB)
	}
	if c.Zone.MaxMemoryMB < c.Zone.MinMemoryMB {
		return fmt.Errorf("zone.max_memory_mb is below zone.min_memory_mb")
	}
	if c.Network.IPv4Network == "" {
		return fmt.Errorf("network.ipv4_network is required")
	}
	return nil
}

// ApplyToLogger configures log according to c.Log.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{})
	}
	if c.Log.File != "" {
		if f, err := os.OpenFile(c.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			log.SetOutput(f)
		}
	}
}

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val == "true" || val == "1" || val == "yes"
	}
}

func loadEnvInt64(target *int64, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*target = i
		}
	}
}

func loadEnvDuration(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}

// parseTOML is a line-based parser for the subset of TOML this config
// format uses (sections, quoted/bare scalar values, no nesting or
// arrays). No TOML library appears anywhere in the retrieval pack this
// module is grounded on, so this hand-rolled reader is kept rather than
// introducing an unrelated dependency for a single ambient concern.
func parseTOML(data []byte, cfg *Config) error {
	lines := strings.Split(string(data), "\n")
	currentSection := ""

	for _, line := range lines {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = strings.Trim(line, "[]")
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"'`)

		applyConfigValue(cfg, currentSection, key, value)
	}

	return nil
}

func applyConfigValue(cfg *Config, section, key, value string) {
	switch section {
	case "runtime":
		switch key {
		case "runtime_dir":
			cfg.Runtime.RuntimeDir = value
		case "xenstore_socket":
			cfg.Runtime.XenStoreSocket = value
		case "shutdown_timeout":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.Runtime.ShutdownTimeout = d
			}
		}

	case "zone":
		switch key {
		case "kernel_path":
			cfg.Zone.KernelPath = value
		case "kernel_cmdline":
			cfg.Zone.KernelCmdline = value
		case "initrd_path":
			cfg.Zone.InitrdPath = value
		case "default_vcpu_count":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Zone.DefaultVcpuCount = i
			}
		case "default_memory_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Zone.DefaultMemoryMB = i
			}
		case "min_memory_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Zone.MinMemoryMB = i
			}
		case "max_memory_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Zone.MaxMemoryMB = i
			}
		case "arm64":
			cfg.Zone.Arm64 = value == "true"
		case "backend_state_timeout":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.Zone.BackendStateTimeout = d
			}
		}

	case "reconciler":
		switch key {
		case "tick_interval":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.Reconciler.TickInterval = d
			}
		case "notify_queue_len":
			if i, err := strconv.Atoi(value); err == nil {
				cfg.Reconciler.NotifyQueueLen = i
			}
		}

	case "network":
		switch key {
		case "host_uuid":
			cfg.Network.HostUUID = value
		case "ipv4_network":
			cfg.Network.IPv4Network = value
		case "ipv6_network":
			cfg.Network.IPv6Network = value
		case "bridge_tap":
			cfg.Network.BridgeTap = value
		}

	case "image":
		switch key {
		case "root_dir":
			cfg.Image.RootDir = value
		case "cache_enabled":
			cfg.Image.CacheEnabled = value == "true"
		case "cache_max_size_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Image.CacheMaxSizeMB = i
			}
		}

	case "control":
		switch key {
		case "socket":
			cfg.Control.Socket = value
		case "request_timeout":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.Control.RequestTimeout = d
			}
		}

	case "metrics":
		switch key {
		case "enabled":
			cfg.Metrics.Enabled = value == "true"
		case "address":
			cfg.Metrics.Address = value
		case "path":
			cfg.Metrics.Path = value
		}

	case "log":
		switch key {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		case "file":
			cfg.Log.File = value
		}
	}
}
