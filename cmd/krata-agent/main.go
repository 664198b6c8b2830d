// krata-agent is the Zone Agent binary: the init-like PID 1 process a
// zone's kernel boots into. It brings the zone's network up, reaps
// orphaned children, and serves the daemon over the IDM link on the
// zone's PV console, reporting the zone's exit status when asked to
// shut down.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o krata-agent ./cmd/krata-agent
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/agentsvc"
)

const defaultConsolePath = "/dev/hvc0"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{})
	entry := logrus.NewEntry(log).WithField("component", "krata-agent")

	cfg := configFromCmdline()
	agent := agentsvc.New(cfg, entry)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := agent.Run(ctx); err != nil {
		entry.WithError(err).Error("zone agent exited with error")
		os.Exit(1)
	}
}

// configFromCmdline reads /proc/cmdline for the krata.* parameters that
// cmd/kratad's domainLauncher.cmdlineFor appends, e.g.
// krata.iface=eth0 krata.ipv4=10.75.0.2/16 krata.gw4=10.75.0.1/16
// krata.ns=10.75.0.1/16 krata.console=/dev/hvc0
// Addresses arrive in CIDR form; the gateway and nameserver values keep
// only their address part.
func configFromCmdline() agentsvc.Config {
	cfg := agentsvc.Config{Interface: "eth0", ConsolePath: defaultConsolePath}

	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return cfg
	}
	for _, tok := range strings.Fields(string(data)) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch k {
		case "krata.iface":
			cfg.Interface = v
		case "krata.ipv4":
			cfg.IPv4CIDR = v
		case "krata.ipv6":
			cfg.IPv6CIDR = v
		case "krata.gw4":
			cfg.GatewayIPv4, _, _ = strings.Cut(v, "/")
		case "krata.gw6":
			cfg.GatewayIPv6, _, _ = strings.Cut(v, "/")
		case "krata.ns":
			ns, _, _ := strings.Cut(v, "/")
			cfg.Nameservers = append(cfg.Nameservers, ns)
		case "krata.console":
			cfg.ConsolePath = v
		}
	}
	return cfg
}
