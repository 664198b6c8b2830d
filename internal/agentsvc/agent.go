// Package agentsvc implements the Zone Agent: the init-like process
// (PID 1) the krata-agent binary runs as inside a zone. It brings up
// the zone's network interface, seeds DNS, reaps orphaned children, and
// serves ping/metrics/exec requests over the IDM link, reporting the
// zone's final exit code back to the daemon when it shuts down.
package agentsvc

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/idm"
)

// Config is the Zone Agent's boot-time configuration, normally read from
// the kernel command line the daemon constructs for the zone.
type Config struct {
	Interface   string // e.g. "eth0"
	IPv4CIDR    string
	IPv6CIDR    string
	GatewayIPv4 string
	GatewayIPv6 string
	Nameservers []string
	ConsolePath string // the PV console tty the IDM backend opens, e.g. /dev/hvc0
}

// Agent is the Zone Agent.
type Agent struct {
	cfg Config
	log *logrus.Entry
	idm *idm.Client

	mu       sync.Mutex
	execs    map[uint64]*exec.Cmd
	exitCode int32
}

// New constructs an Agent; Run performs all the PID-1 setup work.
func New(cfg Config, log *logrus.Entry) *Agent {
	return &Agent{cfg: cfg, log: log.WithField("component", "zone-agent"), execs: make(map[uint64]*exec.Cmd)}
}

// Run brings the zone up and serves the IDM link until ctx is canceled,
// then reports the agent's final exit status and returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.configureLoopback(); err != nil {
		a.log.WithError(err).Warn("failed to bring up loopback")
	}
	if a.cfg.Interface != "" {
		if err := a.configureInterface(); err != nil {
			a.log.WithError(err).Error("failed to configure network interface")
		}
	}
	if err := a.writeResolvConf(); err != nil {
		a.log.WithError(err).Warn("failed to seed resolv.conf")
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		a.reapChildren(ctx)
	}()

	backend, err := idm.OpenFileBackend(a.cfg.ConsolePath)
	if err != nil {
		return err
	}
	a.idm = idm.NewClient(backend, a.log)
	a.idm.SetRequestHandler(a.handleRequest)
	a.idm.SetStreamRequestHandler(a.handleStreamRequest)
	defer a.idm.Close()

	<-ctx.Done()
	a.log.WithField("exit_code", a.exitCode).Info("zone agent shutting down")
	a.reportExit(a.exitCode)
	<-reaperDone
	return nil
}

// SetExitCode records the code reported once the agent's supervised
// command (the zone's configured Cmd) exits; Run reports it over IDM on
// shutdown.
func (a *Agent) SetExitCode(code int32) {
	a.mu.Lock()
	a.exitCode = code
	a.mu.Unlock()
}

func (a *Agent) reportExit(code int32) {
	payload := encodeExitEvent(code)
	a.idm.Emit(idm.ChannelExit, payload)
}

// encodeExitEvent packs a single int32 exit code as little-endian bytes,
// matching the wire shape ExitEvent{code} carries in the original's IDM
// protocol (a single scalar field, no need for the general Packet
// protobuf encoding on this leaf payload).
func encodeExitEvent(code int32) []byte {
	u := uint32(code)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

func (a *Agent) writeResolvConf() error {
	if len(a.cfg.Nameservers) == 0 {
		return nil
	}
	data := ""
	for _, ns := range a.cfg.Nameservers {
		data += "nameserver " + ns + "\n"
	}
	return os.WriteFile("/etc/resolv.conf", []byte(data), 0o644)
}
