// Package nat implements NatTable and its TCP/UDP/ICMP proxy handlers:
// user-space NAT from guest address space onto host kernel sockets.
package nat

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func portString(p uint16) string { return strconv.Itoa(int(p)) }

// Idle timeouts from §4.I / §5.
const (
	TCPIdleTimeout  = 60 * time.Second
	UDPIdleTimeout  = 60 * time.Second
	ICMPHandlerTimeout = 30 * time.Second
	ICMPPingTimeout    = 20 * time.Second
)

// Protocol identifies the 5-tuple's transport.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoICMP
)

// Key identifies a NatEntry: protocol plus client and external endpoints.
type Key struct {
	Proto      Protocol
	ClientIP   string
	ClientPort uint16
	ExternalIP string
	ExternalPort uint16
}

// Entry is NatEntry: a proxy handler holding an external socket and an
// internal receive queue; reclaimed when either endpoint closes or its
// idle timeout fires.
type Entry struct {
	key      Key
	clientMAC, gatewayMAC net.HardwareAddr
	inbound  chan []byte
	cancel   func()
}

// Table is ZoneNetBackend's NatTable: keyed by 5-tuple, spawning a proxy
// on miss and reclaiming the entry on proxy exit.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	log     *logrus.Entry
}

// NewTable constructs an empty NAT table.
func NewTable(log *logrus.Entry) *Table {
	return &Table{entries: make(map[Key]*Entry), log: log.WithField("component", "nat-table")}
}

// Receive is called for every frame the ZoneNetBackend reads off the
// tap. It parses the frame itself (parseOutbound), drops anything that
// is not IPv4/IPv6 TCP, UDP or ICMP, and forwards the parsed payload to
// the proxy for that flow, spawning one on first sight. Receive makes no
// check against the zone CIDR: every parsed flow is proxied.
func (t *Table) Receive(pkt []byte, reply chan<- []byte) {
	key, payload, ok := parseOutbound(pkt)
	if !ok {
		return
	}
	t.mu.Lock()
	entry, exists := t.entries[key]
	if !exists {
		entry = t.spawn(key, reply)
		t.entries[key] = entry
	}
	t.mu.Unlock()

	select {
	case entry.inbound <- payload:
	default:
		t.log.WithField("key", fmt.Sprintf("%+v", key)).Trace("nat entry inbound queue full, dropping")
	}
}

func (t *Table) spawn(key Key, reply chan<- []byte) *Entry {
	e := &Entry{key: key, inbound: make(chan []byte, 256)}
	switch key.Proto {
	case ProtoTCP:
		go runTCPProxy(t, e, reply)
	case ProtoUDP:
		go runUDPProxy(t, e, reply)
	case ProtoICMP:
		go runICMPProxy(t, e, reply)
	}
	return e
}

// reclaim removes key from the table; called by a proxy on exit,
// regardless of which side (guest or external) closed first.
func (t *Table) reclaim(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Close removes every entry from the table, calling an entry's cancel
// func where one is set. spawn sets none, so running proxies are not
// stopped by Close; each ends on its own idle timeout or socket error.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.cancel != nil {
			e.cancel()
		}
		delete(t.entries, k)
	}
}

// etherType values selecting the L3 parser.
const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	ethHeaderLen  = 14
)

// parseOutbound extracts a Key and the L4 payload from a raw Ethernet
// frame, or ok=false if it isn't IPv4/IPv6 TCP/UDP/ICMP. Zones hold both a
// v4 and a v6 address (model.NetworkStatus carries IPv4CIDR and
// IPv6CIDR), so both families get NATed the same way; only IPv6 router
// advertisement is out of scope.
func parseOutbound(pkt []byte) (Key, []byte, bool) {
	if len(pkt) < ethHeaderLen+1 {
		return Key{}, nil, false
	}
	etherType := binary.BigEndian.Uint16(pkt[12:14])
	l3 := pkt[ethHeaderLen:]
	switch etherType {
	case etherTypeIPv4:
		return parseOutboundIPv4(l3)
	case etherTypeIPv6:
		return parseOutboundIPv6(l3)
	default:
		return Key{}, nil, false
	}
}

func parseOutboundIPv4(ip []byte) (Key, []byte, bool) {
	if len(ip) < 20 {
		return Key{}, nil, false
	}
	ihl := int(ip[0]&0x0F) * 4
	if len(ip) < ihl {
		return Key{}, nil, false
	}
	proto := ip[9]
	srcIP := net.IP(ip[12:16]).String()
	dstIP := net.IP(ip[16:20]).String()
	return parseL4(proto, srcIP, dstIP, ip[ihl:])
}

// ipv6HeaderLen is the fixed IPv6 base header size; extension headers
// (hop-by-hop, routing, fragment) are not walked, matching the IPv4 path's
// lack of IP-options handling.
const ipv6HeaderLen = 40

func parseOutboundIPv6(ip []byte) (Key, []byte, bool) {
	if len(ip) < ipv6HeaderLen {
		return Key{}, nil, false
	}
	nextHeader := ip[6]
	srcIP := net.IP(ip[8:24]).String()
	dstIP := net.IP(ip[24:40]).String()
	return parseL4(nextHeader, srcIP, dstIP, ip[ipv6HeaderLen:])
}

// parseL4 reads the transport header common to both IPv4 and IPv6,
// returning the 5-tuple Key and the payload past the transport header.
func parseL4(proto byte, srcIP, dstIP string, l4 []byte) (Key, []byte, bool) {
	switch proto {
	case 6: // TCP
		if len(l4) < 20 {
			return Key{}, nil, false
		}
		sport := binary.BigEndian.Uint16(l4[0:2])
		dport := binary.BigEndian.Uint16(l4[2:4])
		return Key{Proto: ProtoTCP, ClientIP: srcIP, ClientPort: sport, ExternalIP: dstIP, ExternalPort: dport}, l4, true
	case 17: // UDP
		if len(l4) < 8 {
			return Key{}, nil, false
		}
		sport := binary.BigEndian.Uint16(l4[0:2])
		dport := binary.BigEndian.Uint16(l4[2:4])
		return Key{Proto: ProtoUDP, ClientIP: srcIP, ClientPort: sport, ExternalIP: dstIP, ExternalPort: dport}, l4[8:], true
	case 1, 58: // ICMP, ICMPv6
		return Key{Proto: ProtoICMP, ClientIP: srcIP, ExternalIP: dstIP}, l4, true
	default:
		return Key{}, nil, false
	}
}
