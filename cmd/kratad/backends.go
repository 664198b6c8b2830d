package main

import (
	"net"
	"sync"

	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/network"
)

// backendRegistry tracks each running zone's network.Backend so Destroy
// can tear it down alongside the domain itself.
type backendRegistry struct {
	mu       sync.Mutex
	backends map[string]*network.Backend
}

func newBackendRegistry() *backendRegistry {
	return &backendRegistry{backends: make(map[string]*network.Backend)}
}

func (r *backendRegistry) store(zoneUUID string, b *network.Backend) {
	r.mu.Lock()
	r.backends[zoneUUID] = b
	r.mu.Unlock()
}

func (r *backendRegistry) close(zoneUUID string) {
	r.mu.Lock()
	b, ok := r.backends[zoneUUID]
	delete(r.backends, zoneUUID)
	r.mu.Unlock()
	if ok {
		_ = b.Close()
	}
}

func parseMAC(s string) (net.HardwareAddr, error) {
	if s == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.InvalidInput, "parse mac "+s, err)
	}
	return mac, nil
}
