// Package devices implements DaemonDeviceManager: claim/release tracking
// for host devices (today, PCI passthrough) assigned into zones.
package devices

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/model"
)

// RdmReservePolicy mirrors DaemonPciDeviceRdmReservePolicy.
type RdmReservePolicy int

const (
	RdmReserveStrict RdmReservePolicy = iota
	RdmReserveRelaxed
)

// PciConfig is the static configuration for one named PCI-passthrough
// device as declared in the daemon's device catalog.
type PciConfig struct {
	Locations       []string
	Permissive      bool
	MsiTranslate    bool
	PowerManagement bool
	RdmReservePolicy RdmReservePolicy
}

// state is the claim state of a single catalog device.
type state struct {
	pci        PciConfig
	claimedBy  string // zone UUID, empty when free
}

// Manager is DaemonDeviceManager: a catalog of named devices, each
// claimable by at most one zone UUID at a time.
type Manager struct {
	mu       sync.Mutex
	catalog  map[string]*state
	log      *logrus.Entry
}

// New constructs a Manager over a static device catalog keyed by name.
func New(catalog map[string]PciConfig, log *logrus.Entry) *Manager {
	m := &Manager{catalog: make(map[string]*state), log: log.WithField("component", "device-manager")}
	for name, cfg := range catalog {
		m.catalog[name] = &state{pci: cfg}
	}
	return m
}

// Claim implements reconcile.DeviceClaimer, claiming every named device
// for zoneUUID via ClaimFor and discarding the resolved PciConfigs the
// reconciler doesn't need (it forwards raw DeviceRefs into
// DomainCreateSpec instead).
func (m *Manager) Claim(refs []model.DeviceRef, zoneUUID string) error {
	_, err := m.ClaimFor(refs, zoneUUID)
	return err
}

// Release implements reconcile.DeviceClaimer, releasing whatever among
// refs zoneUUID actually holds via ReleaseFor.
func (m *Manager) Release(refs []model.DeviceRef, zoneUUID string) error {
	return m.ReleaseFor(refs, zoneUUID)
}

// ClaimFor claims each named device for zoneUUID, rolling back whatever
// it already claimed if a later device in the list is unavailable.
func (m *Manager) ClaimFor(refs []model.DeviceRef, zoneUUID string) ([]PciConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []string
	rollback := func() {
		for _, name := range claimed {
			m.catalog[name].claimedBy = ""
		}
	}

	var configs []PciConfig
	for _, ref := range refs {
		st, ok := m.catalog[ref.Name]
		if !ok {
			rollback()
			return nil, krataerr.New(krataerr.NotFound, "unknown device: "+ref.Name)
		}
		if st.claimedBy != "" && st.claimedBy != zoneUUID {
			rollback()
			return nil, krataerr.New(krataerr.Conflict, "device already claimed: "+ref.Name)
		}
		st.claimedBy = zoneUUID
		claimed = append(claimed, ref.Name)
		configs = append(configs, st.pci)
	}
	return configs, nil
}

// Catalog returns a snapshot of every device name mapped to its claiming
// zone UUID ("" if free), for the control plane's ListDevices.
func (m *Manager) Catalog() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.catalog))
	for name, st := range m.catalog {
		out[name] = st.claimedBy
	}
	return out
}

// ReleaseFor releases every device owned by zoneUUID among refs;
// releasing an unclaimed or already-released device is not an error,
// matching the reconciler's best-effort teardown.
func (m *Manager) ReleaseFor(refs []model.DeviceRef, zoneUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		st, ok := m.catalog[ref.Name]
		if !ok {
			continue
		}
		if st.claimedBy == zoneUUID {
			st.claimedBy = ""
		}
	}
	return nil
}
