// Package network implements NetworkAssigner, VirtualBridge, and
// ZoneNetBackend/HostBridge: the per-zone IP/MAC allocation, the
// in-process L2 switch, and the raw-socket tap/NAT data plane.
package network

import (
	"crypto/rand"
	"net"
	"sync"

	cidrutil "github.com/apparentlymart/go-cidr/cidr"

	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/model"
)

// NilUUID is the gateway reservation's key, mirroring Rust's UUID::nil().
const NilUUID = "00000000-0000-0000-0000-000000000000"

// ReservationStore is the persistence boundary NetworkAssigner needs: the
// abstract KvStore, narrowed to network-reservation shape. Satisfied by
// internal/store.KvStore via a thin adapter.
type ReservationStore interface {
	List() (map[string]model.NetworkReservation, error)
	Read(uuid string) (model.NetworkReservation, bool, error)
	Update(uuid string, r model.NetworkReservation) error
	Remove(uuid string) error
}

// Assigner is NetworkAssigner.
type Assigner struct {
	ipv4Network *net.IPNet
	ipv6Network *net.IPNet
	store       ReservationStore

	mu   sync.RWMutex
	ipv4 map[string]model.NetworkReservation
	ipv6 map[string]model.NetworkReservation

	gatewayIPv4 string
	gatewayIPv6 string
	gatewayMAC  string
}

// New constructs an Assigner, ensuring the nil (gateway) and host
// reservations exist, creating them if missing.
func New(hostUUID string, ipv4Network, ipv6Network *net.IPNet, store ReservationStore) (*Assigner, error) {
	a := &Assigner{ipv4Network: ipv4Network, ipv6Network: ipv6Network, store: store}
	if err := a.fetchCurrentState(); err != nil {
		return nil, err
	}

	if _, ok, err := store.Read(NilUUID); err != nil {
		return nil, err
	} else if !ok {
		if _, err := a.allocateLocked(NilUUID, "", "", ""); err != nil {
			return nil, err
		}
	}
	nilRes, _, err := store.Read(NilUUID)
	if err != nil {
		return nil, err
	}
	a.gatewayIPv4, a.gatewayIPv6, a.gatewayMAC = nilRes.IPv4, nilRes.IPv6, nilRes.MAC

	if _, ok, err := store.Read(hostUUID); err != nil {
		return nil, err
	} else if !ok {
		if _, err := a.assignLocked(hostUUID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Assigner) fetchCurrentState() error {
	all, err := a.store.List()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ipv4 = make(map[string]model.NetworkReservation)
	a.ipv6 = make(map[string]model.NetworkReservation)
	for _, r := range all {
		a.ipv4[r.IPv4] = r
		a.ipv6[r.IPv6] = r
	}
	return nil
}

// Assign allocates a fresh {ipv4,ipv6,mac} reservation for uuid.
func (a *Assigner) Assign(zoneUUID string) (model.NetworkReservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.assignLocked(zoneUUID)
}

func (a *Assigner) assignLocked(zoneUUID string) (model.NetworkReservation, error) {
	return a.allocateLocked(zoneUUID, a.gatewayIPv4, a.gatewayIPv6, a.gatewayMAC)
}

// allocateLocked implements the allocation rule from §4.E: ipv4 skips
// loopback/multicast/broadcast and last-octet 0 or >=250; ipv6 skips
// loopback/multicast and last-octet 0; mac is generated
// locally-administered, non-multicast (see SPEC_FULL.md's Open Question
// resolution — this intentionally diverges from the original source's
// apparent bit-clearing in favor of the spec's explicit text). Caller
// must hold a.mu.
func (a *Assigner) allocateLocked(zoneUUID, gwV4, gwV6, gwMAC string) (model.NetworkReservation, error) {
	ipv4, err := a.findFreeIPv4()
	if err != nil {
		return model.NetworkReservation{}, err
	}
	ipv6, err := a.findFreeIPv6()
	if err != nil {
		return model.NetworkReservation{}, err
	}

	mac, err := generateMAC()
	if err != nil {
		return model.NetworkReservation{}, krataerr.Wrap(krataerr.HypervisorFault, "generate mac", err)
	}

	v4Prefix, _ := a.ipv4Network.Mask.Size()
	v6Prefix, _ := a.ipv6Network.Mask.Size()

	r := model.NetworkReservation{
		UUID:        zoneUUID,
		IPv4:        ipv4,
		IPv6:        ipv6,
		MAC:         mac,
		IPv4Prefix:  v4Prefix,
		IPv6Prefix:  v6Prefix,
		GatewayIPv4: orSelf(gwV4, ipv4),
		GatewayIPv6: orSelf(gwV6, ipv6),
		GatewayMAC:  orSelf(gwMAC, mac),
	}
	a.ipv4[ipv4] = r
	a.ipv6[ipv6] = r
	if err := a.store.Update(zoneUUID, r); err != nil {
		return model.NetworkReservation{}, err
	}
	return r, nil
}

func orSelf(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (a *Assigner) findFreeIPv4() (string, error) {
	ip := a.ipv4Network.IP.Mask(a.ipv4Network.Mask)
	for a.ipv4Network.Contains(ip) {
		v4 := ip.To4()
		if v4 != nil {
			last := v4[3]
			ok := !ip.IsLoopback() && !ip.IsMulticast() && !isBroadcast(ip, a.ipv4Network) &&
				isPrivateV4(v4) && last != 0 && last < 250
			if ok {
				if _, taken := a.ipv4[ip.String()]; !taken {
					return ip.String(), nil
				}
			}
		}
		ip = cidrutil.Inc(ip)
	}
	return "", krataerr.New(krataerr.ResourceExhausted, "unable to allocate ipv4 address, assigned network is exhausted")
}

func (a *Assigner) findFreeIPv6() (string, error) {
	ip := a.ipv6Network.IP.Mask(a.ipv6Network.Mask)
	for a.ipv6Network.Contains(ip) {
		if !ip.IsLoopback() && !ip.IsMulticast() {
			last := ip[len(ip)-1]
			if last != 0 {
				if _, taken := a.ipv6[ip.String()]; !taken {
					return ip.String(), nil
				}
			}
		}
		ip = cidrutil.Inc(ip)
	}
	return "", krataerr.New(krataerr.ResourceExhausted, "unable to allocate ipv6 address, assigned network is exhausted")
}

func isBroadcast(ip net.IP, n *net.IPNet) bool {
	bcast, err := cidrutil.Host(n, -1)
	if err != nil {
		return false
	}
	return ip.Equal(bcast)
}

func isPrivateV4(ip net.IP) bool {
	return ip[0] == 10 ||
		(ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31) ||
		(ip[0] == 192 && ip[1] == 168)
}

// generateMAC produces a random MAC with the locally-administered bit
// (bit 1 of the first octet) set and the multicast bit (bit 0) cleared,
// per spec.md's explicit text.
func generateMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	buf[0] &^= 0x01 // clear multicast bit
	buf[0] |= 0x02  // set locally-administered bit
	return net.HardwareAddr(buf).String(), nil
}

// Recall releases uuid's reservation.
func (a *Assigner) Recall(zoneUUID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Remove(zoneUUID); err != nil {
		return err
	}
	for k, v := range a.ipv4 {
		if v.UUID == zoneUUID {
			delete(a.ipv4, k)
		}
	}
	for k, v := range a.ipv6 {
		if v.UUID == zoneUUID {
			delete(a.ipv6, k)
		}
	}
	return nil
}

// Retrieve reads the persisted reservation directly (not the cached
// state), matching the original's "read persisted truth" semantics.
func (a *Assigner) Retrieve(zoneUUID string) (model.NetworkReservation, bool, error) {
	return a.store.Read(zoneUUID)
}

// Reload replaces the cached state wholesale from the store.
func (a *Assigner) Reload() error { return a.fetchCurrentState() }

// GatewayIPv4 returns the fabric's gateway IPv4 address.
func (a *Assigner) GatewayIPv4() string { return a.gatewayIPv4 }

// GatewayIPv6 returns the fabric's gateway IPv6 address.
func (a *Assigner) GatewayIPv6() string { return a.gatewayIPv6 }

// GatewayMAC returns the fabric's gateway MAC address.
func (a *Assigner) GatewayMAC() string { return a.gatewayMAC }

// ReadReservations returns a snapshot of the cached IPv4 reservation map
// keyed by UUID.
func (a *Assigner) ReadReservations() map[string]model.NetworkReservation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]model.NetworkReservation, len(a.ipv4))
	for _, v := range a.ipv4 {
		out[v.UUID] = v
	}
	return out
}
