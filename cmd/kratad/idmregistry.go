package main

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/idm"
)

// consolePathFor is the xenconsoled-exposed PV-console tty path for a
// running domain's IDM link, by out-of-band convention with the Zone
// Agent's boot cmdline (krata.console=...).
func consolePathFor(domid uint32) string {
	return fmt.Sprintf("/var/lib/xenconsoled/%d/tty", domid)
}

// idmRegistry tracks the live idm.Client for every running zone, keyed
// by zone UUID, so control.Service can reach a zone's console/exec/
// metrics surface without threading domid lookups through every call.
type idmRegistry struct {
	mu      sync.RWMutex
	clients map[string]*idm.Client
	log     *logrus.Entry
}

func newIdmRegistry(log *logrus.Entry) *idmRegistry {
	return &idmRegistry{clients: make(map[string]*idm.Client), log: log.WithField("component", "idm-registry")}
}

// Open dials the zone's console tty, registers the resulting Client
// under zoneUUID, and wires onExit to fire when a ChannelExit event
// arrives on this zone's link.
func (r *idmRegistry) Open(zoneUUID string, domid uint32, onExit func(domid uint32, code int32)) error {
	backend, err := idm.OpenFileBackend(consolePathFor(domid))
	if err != nil {
		return err
	}
	client := idm.NewClient(backend, r.log.WithField("zone", zoneUUID))
	client.OnEvent(func(channel uint64, data []byte) {
		if channel != idm.ChannelExit {
			return
		}
		onExit(domid, decodeExitEvent(data))
	})

	r.mu.Lock()
	r.clients[zoneUUID] = client
	r.mu.Unlock()
	return nil
}

// Close tears down and forgets zoneUUID's client, if any.
func (r *idmRegistry) Close(zoneUUID string) {
	r.mu.Lock()
	client, ok := r.clients[zoneUUID]
	delete(r.clients, zoneUUID)
	r.mu.Unlock()
	if ok {
		_ = client.Close()
	}
}

// ClientFor implements control.IdmRegistry.
func (r *idmRegistry) ClientFor(zoneUUID string) (*idm.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[zoneUUID]
	return c, ok
}

func decodeExitEvent(data []byte) int32 {
	if len(data) < 4 {
		return -1
	}
	u := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return int32(u)
}
