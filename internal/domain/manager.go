// Package domain implements DomainManager: it composes HypercallGate,
// XenStoreClient, and BootBuilder into a single create/destroy operation
// per zone, writing every XenStore declaration the booted domain and its
// devices need and tearing all of it down symmetrically.
package domain

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/model"
	"github.com/krata-zone/kratad/internal/xen/boot"
	"github.com/krata-zone/kratad/internal/xen/hypercall"
	"github.com/krata-zone/kratad/internal/xen/xenstore"
)

// DeviceKind enumerates the XenStore device subtree categories a domain
// may carry.
type DeviceKind string

const (
	DeviceVif     DeviceKind = "vif"
	DeviceVbd     DeviceKind = "vbd"
	Device9pfs    DeviceKind = "9pfs"
	DeviceChannel DeviceKind = "channel"
	DevicePci     DeviceKind = "pci"
)

// Device backend states, per XenStore's device protocol.
const (
	stateInitializing = 1
	stateInitWait     = 2
	stateInitialized  = 3
	stateConnected    = 4
	stateClosing      = 5
	stateClosed       = 6
)

const backendStateTimeout = 30 * time.Second

// CreateSpec describes the domain DomainManager.Create should construct.
type CreateSpec struct {
	UUID     string
	Name     string
	MemMB    uint64
	Vcpus    uint32
	Cmdline  string
	Kernel   []byte
	Initrd   []byte
	Arm64    bool
	Dtb      []byte
	Network  model.NetworkReservation
	Devices  []model.DeviceRef
	BackendDomid uint32
}

// Manager is DomainManager.
type Manager struct {
	gate  *hypercall.Gate
	xs    *xenstore.Client
	log   *logrus.Entry
}

// New constructs a Manager over an already-open HypercallGate and
// XenStoreClient connection.
func New(gate *hypercall.Gate, xs *xenstore.Client, log *logrus.Entry) *Manager {
	return &Manager{gate: gate, xs: xs, log: log.WithField("component", "domain-manager")}
}

// Create runs HypercallGate.CreateDomain, BootBuilder.Initialize+Boot, then
// writes every XenStore node the spec requires, introduces the domain,
// waits for each device's frontend to reach Connected, and unpauses.
func (m *Manager) Create(spec CreateSpec) (*model.DomainHandle, error) {
	cfg := hypercall.DomainConfig{MaxVcpus: spec.Vcpus, MaxMemKB: spec.MemMB * 1024, HVM: false, Arm64: spec.Arm64}
	domid, err := m.gate.CreateDomain(cfg)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "create_domain", err)
	}
	log := m.log.WithField("domid", domid).WithField("uuid", spec.UUID)
	log.Info("domain created, running boot builder")

	handle, bootErr := m.boot(domid, spec)
	if bootErr != nil {
		log.WithError(bootErr).Warn("boot failed, destroying partially created domain")
		_ = m.gate.DestroyDomain(domid)
		return nil, bootErr
	}

	if err := m.writeXenStoreTree(domid, spec, *handle); err != nil {
		log.WithError(err).Warn("xenstore declaration failed, destroying domain")
		_ = m.gate.DestroyDomain(domid)
		return nil, err
	}

	if err := m.xs.IntroduceDomain(domid, handle.StoreMfn, handle.StoreEvtchn); err != nil {
		_ = m.gate.DestroyDomain(domid)
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "introduce_domain", err)
	}

	if err := m.waitBackendsConnected(domid, spec.Devices); err != nil {
		_ = m.gate.DestroyDomain(domid)
		return nil, err
	}

	if err := m.gate.Unpause(domid); err != nil {
		_ = m.gate.DestroyDomain(domid)
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "unpause_domain", err)
	}

	log.Info("domain unpaused")
	return handle, nil
}

func (m *Manager) boot(domid uint32, spec CreateSpec) (*model.DomainHandle, error) {
	loader, err := boot.NewElfImageLoader(spec.Kernel)
	if err != nil {
		return nil, err
	}

	var platform boot.Platform
	if spec.Arm64 {
		platform = boot.NewArm64(m.gate, spec.Dtb)
	} else {
		platform = boot.NewX86Pv(m.gate, spec.Vcpus, spec.MemMB*1024)
	}

	setup := boot.New(m.gate, domid, platform, loader, spec.Dtb)
	bd, err := setup.Initialize(spec.Initrd, spec.MemMB, spec.Vcpus, spec.Cmdline)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "boot initialize", err)
	}
	result, err := setup.Boot(bd)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "boot", err)
	}
	if err := m.gate.ClaimPages(domid, 0); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "release over-claim", err)
	}

	return &model.DomainHandle{
		Domid:         result.Domid,
		StoreEvtchn:   result.StoreEvtchn,
		StoreMfn:      result.StoreMfn,
		ConsoleEvtchn: result.ConsoleEvtchn,
		ConsoleMfn:    result.ConsoleMfn,
		Vcpus:         spec.Vcpus,
		MemPages:      spec.MemMB << (20 - boot.XenPageShift),
	}, nil
}

// writeXenStoreTree writes /local/domain/{domid}/{name,vm,domid,uuid,
// image,kernel-image,loops,network/{guest,gateway}/{ipv4,ipv6,mac}} plus
// per-device {frontend,backend,state,online} nodes under the domain's own
// device/pci/{i} path, all inside one transaction. The domain owns its
// root and each device node, and the backend domain gets read access to
// the device nodes; the "backend" node only records a path, and nothing
// is written under the backend domain's own tree.
func (m *Manager) writeXenStoreTree(domid uint32, spec CreateSpec, handle model.DomainHandle) error {
	tx, err := m.xs.Begin()
	if err != nil {
		return krataerr.Wrap(krataerr.IoTransient, "xenstore begin", err)
	}

	root := fmt.Sprintf("/local/domain/%d", domid)
	writes := map[string]string{
		root + "/name":                  spec.Name,
		root + "/vm":                    spec.UUID,
		root + "/domid":                 fmt.Sprintf("%d", domid),
		root + "/uuid":                  spec.UUID,
		root + "/image":                 spec.Name,
		root + "/kernel-image":          "kernel",
		root + "/loops":                 "",
		root + "/network/guest/ipv4":    spec.Network.IPv4,
		root + "/network/guest/ipv6":    spec.Network.IPv6,
		root + "/network/guest/mac":     spec.Network.MAC,
		root + "/network/gateway/ipv4":  spec.Network.GatewayIPv4,
		root + "/network/gateway/ipv6":  spec.Network.GatewayIPv6,
		root + "/network/gateway/mac":   spec.Network.GatewayMAC,
	}
	for path, value := range writes {
		if err := tx.WriteString(path, value); err != nil {
			_ = tx.Abort()
			return krataerr.Wrap(krataerr.IoTransient, "xenstore write "+path, err)
		}
	}

	for i, dev := range spec.Devices {
		base := fmt.Sprintf("%s/device/%s/%d", root, DevicePci, i)
		if err := tx.WriteString(base+"/frontend", base+"/frontend"); err != nil {
			_ = tx.Abort()
			return err
		}
		if err := tx.WriteString(base+"/backend", fmt.Sprintf("/local/domain/%d/backend/pci/%d/%d", spec.BackendDomid, domid, i)); err != nil {
			_ = tx.Abort()
			return err
		}
		if err := tx.WriteString(base+"/state", fmt.Sprintf("%d", stateInitializing)); err != nil {
			_ = tx.Abort()
			return err
		}
		if err := tx.WriteString(base+"/online", "1"); err != nil {
			_ = tx.Abort()
			return err
		}
		if err := tx.SetPerms(base, []xenstore.Permission{
			{Domid: domid, Perm: 'b'},
			{Domid: spec.BackendDomid, Perm: 'r'},
		}); err != nil {
			_ = tx.Abort()
			return err
		}
		_ = dev
	}

	if err := tx.SetPerms(root, []xenstore.Permission{{Domid: domid, Perm: 'b'}}); err != nil {
		_ = tx.Abort()
		return err
	}

	return tx.Commit()
}

// waitBackendsConnected polls each device's state node until it reaches
// Connected (4) or backendStateTimeout elapses.
func (m *Manager) waitBackendsConnected(domid uint32, devices []model.DeviceRef) error {
	root := fmt.Sprintf("/local/domain/%d", domid)
	deadline := time.Now().Add(backendStateTimeout)
	for i := range devices {
		path := fmt.Sprintf("%s/device/%s/%d/state", root, DevicePci, i)
		for {
			val, ok, err := m.xs.ReadString(path)
			if err == nil && ok && val == fmt.Sprintf("%d", stateConnected) {
				break
			}
			if time.Now().After(deadline) {
				return krataerr.New(krataerr.Timeout, "backend did not reach Connected within 30s: "+path)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}

// Destroy tears a domain down symmetrically with Create: for each
// backend, online=0 then state=Closing, poll up to three rounds for
// state=Closed, remove the subtree, then destroy the domain itself.
func (m *Manager) Destroy(domid uint32, deviceCount int) error {
	log := m.log.WithField("domid", domid)
	root := fmt.Sprintf("/local/domain/%d", domid)
	var errs *multierror.Error

	for i := 0; i < deviceCount; i++ {
		base := fmt.Sprintf("%s/device/%s/%d", root, DevicePci, i)
		if err := m.xs.WriteString(base+"/online", "0"); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := m.xs.WriteString(base+"/state", fmt.Sprintf("%d", stateClosing)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		closed := false
		for round := 0; round < 3; round++ {
			val, ok, err := m.xs.ReadString(base + "/state")
			if err == nil && ok && val == fmt.Sprintf("%d", stateClosed) {
				closed = true
				break
			}
			time.Sleep(time.Second)
		}
		if !closed {
			log.WithField("device", i).Warn("device did not reach Closed within 3 rounds; removing anyway")
		}
		if _, err := m.xs.Rm(base); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if _, err := m.xs.Rm(root); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := m.gate.DestroyDomain(domid); err != nil {
		errs = multierror.Append(errs, err)
	}

	if errs != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "destroy domain", errs.ErrorOrNil())
	}
	return nil
}
