package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/domain"
	"github.com/krata-zone/kratad/internal/model"
	"github.com/krata-zone/kratad/internal/network"
	"github.com/krata-zone/kratad/internal/reconcile"
)

// domainLauncher adapts internal/domain.Manager to reconcile.DomainLauncher:
// it translates the reconciler's host-agnostic DomainCreateSpec into
// domain.CreateSpec (a uuid.UUID becomes a string, NetworkStatus becomes
// NetworkReservation, and arch selection comes from the daemon's own
// config rather than per-zone state, since a single Xen host is never a
// mix of arches), then brings up the zone's tap/NAT backend and IDM link
// once the domain itself is running.
type domainLauncher struct {
	inner        *domain.Manager
	bridge       *network.VirtualBridge
	idmReg       *idmRegistry
	backends     *backendRegistry
	arm64        bool
	kernelArgs   string
	backendDomid uint32
	log          *logrus.Entry
	onExit       func(domid uint32, code int32)

	zlt interface {
		UUIDForDomid(domid uint32) (uuid.UUID, bool)
	}
}

func (l *domainLauncher) Create(spec reconcile.DomainCreateSpec) (*model.DomainHandle, error) {
	mac, err := parseMAC(spec.Network.MAC)
	if err != nil {
		return nil, err
	}
	gwMAC, err := parseMAC(spec.Network.GatewayMAC)
	if err != nil {
		return nil, err
	}

	handle, err := l.inner.Create(domain.CreateSpec{
		UUID:    spec.UUID.String(),
		Name:    spec.Name,
		MemMB:   spec.MemMB,
		Vcpus:   spec.Vcpus,
		Cmdline: l.cmdlineFor(spec),
		Kernel:  spec.Kernel,
		Initrd:  spec.Initrd,
		Arm64:   l.arm64,
		Network: model.NetworkReservation{
			UUID:        spec.UUID.String(),
			IPv4:        spec.Network.IPv4CIDR,
			IPv6:        spec.Network.IPv6CIDR,
			MAC:         spec.Network.MAC,
			GatewayIPv4: spec.Network.GatewayIPv4CIDR,
			GatewayIPv6: spec.Network.GatewayIPv6CIDR,
			GatewayMAC:  spec.Network.GatewayMAC,
		},
		Devices:      spec.Devices,
		BackendDomid: l.backendDomid,
	})
	if err != nil {
		return nil, err
	}

	backend, err := network.Open(network.Metadata{
		Domid:       handle.Domid,
		UUID:        spec.UUID.String(),
		GuestIPv4:   spec.Network.IPv4CIDR,
		GuestIPv6:   spec.Network.IPv6CIDR,
		GuestMAC:    mac,
		GatewayIPv4: spec.Network.GatewayIPv4CIDR,
		GatewayIPv6: spec.Network.GatewayIPv6CIDR,
		GatewayMAC:  gwMAC,
	}, l.bridge, l.log)
	if err != nil {
		l.log.WithError(err).WithField("domid", handle.Domid).Warn("failed to bring up zone network backend")
	} else {
		l.backends.store(spec.UUID.String(), backend)
	}

	if err := l.idmReg.Open(spec.UUID.String(), handle.Domid, l.onExit); err != nil {
		l.log.WithError(err).WithField("domid", handle.Domid).Warn("failed to open zone idm link")
	}

	return handle, nil
}

// Destroy tears the domain down and, if the lookup table still knows
// which zone owned domid (it hasn't been Forgotten yet — runDestroy
// calls zlt.Forget only after Destroy returns), closes that zone's
// network backend and IDM link too.
func (l *domainLauncher) Destroy(domid uint32, deviceCount int) error {
	if id, ok := l.zlt.UUIDForDomid(domid); ok {
		l.backends.close(id.String())
		l.idmReg.Close(id.String())
	}
	return l.inner.Destroy(domid, deviceCount)
}

// cmdlineFor prefixes the daemon's configured kernel cmdline (e.g.
// "console=hvc0") ahead of the zone-specific krata.* tokens the Zone
// Agent reads at boot to configure its network interface, followed by
// the workload command line the reconciler already assembled.
func (l *domainLauncher) cmdlineFor(spec reconcile.DomainCreateSpec) string {
	cmdline := l.kernelArgs
	cmdline = appendToken(cmdline, "krata.iface", "eth0")
	cmdline = appendToken(cmdline, "krata.ipv4", spec.Network.IPv4CIDR)
	cmdline = appendToken(cmdline, "krata.ipv6", spec.Network.IPv6CIDR)
	cmdline = appendToken(cmdline, "krata.gw4", spec.Network.GatewayIPv4CIDR)
	cmdline = appendToken(cmdline, "krata.gw6", spec.Network.GatewayIPv6CIDR)
	cmdline = appendToken(cmdline, "krata.ns", spec.Network.GatewayIPv4CIDR)
	cmdline = appendToken(cmdline, "krata.console", "/dev/hvc0")
	if spec.Cmdline != "" {
		cmdline += " -- " + spec.Cmdline
	}
	return cmdline
}

func appendToken(cmdline, key, value string) string {
	if value == "" {
		return cmdline
	}
	if cmdline != "" {
		cmdline += " "
	}
	return cmdline + fmt.Sprintf("%s=%s", key, value)
}
