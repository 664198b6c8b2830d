package network

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// Queue sizes match the original implementation's VirtualBridge exactly:
// bridge-inbound, per-member, and broadcast are all 3000; the member-leave
// channel is small since it only ever carries MAC departures.
const (
	ToBridgeQueueLen    = 3000
	FromBridgeQueueLen  = 3000
	BroadcastQueueLen   = 3000
	MemberLeaveQueueLen = 30
)

// Packet is a raw Ethernet frame moving through the bridge.
type Packet []byte

// BridgeMember is the runtime-only record VirtualBridge keeps per joined
// MAC: just the channel packets addressed to that MAC are delivered on.
type BridgeMember struct {
	fromBridge chan Packet
}

// BridgeHandle is what Join returns: the four endpoints documented in
// §4.H — send to the bridge, receive unicast, receive broadcast, and an
// implicit leave-on-close.
type BridgeHandle struct {
	MAC          net.HardwareAddr
	ToBridge     chan<- Packet
	FromBridge   <-chan Packet
	FromBroadcast <-chan Packet

	bridge *VirtualBridge
	closed bool
	mu     sync.Mutex
}

// Close leaves the bridge, racing safely against any in-flight unicast
// lookup (the members map is only ever mutated while holding its mutex).
func (h *BridgeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.bridge.leave(h.MAC)
}

// VirtualBridge is the in-process L2 switch: members register by MAC and
// receive a per-member queue; unicast routes by destination MAC,
// multicast/broadcast fans out via a broadcast channel.
type VirtualBridge struct {
	toBridge  chan Packet
	broadcast *broadcaster

	mu      sync.Mutex
	members map[string]*BridgeMember

	log *logrus.Entry
	done chan struct{}
}

// NewVirtualBridge constructs a bridge and starts its forwarding loop.
func NewVirtualBridge(log *logrus.Entry) *VirtualBridge {
	b := &VirtualBridge{
		toBridge:  make(chan Packet, ToBridgeQueueLen),
		broadcast: newBroadcaster(BroadcastQueueLen),
		members:   make(map[string]*BridgeMember),
		log:       log.WithField("component", "virtual-bridge"),
		done:      make(chan struct{}),
	}
	go b.process()
	return b
}

// Stop shuts down the forwarding loop.
func (b *VirtualBridge) Stop() { close(b.done) }

// Join registers mac as a bridge member. A duplicate MAC fails.
func (b *VirtualBridge) Join(mac net.HardwareAddr) (*BridgeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := mac.String()
	if _, exists := b.members[key]; exists {
		return nil, krataerr.New(krataerr.Conflict, "bridge member already exists: "+key)
	}
	member := &BridgeMember{fromBridge: make(chan Packet, FromBridgeQueueLen)}
	b.members[key] = member
	return &BridgeHandle{
		MAC:           mac,
		ToBridge:      b.toBridge,
		FromBridge:    member.fromBridge,
		FromBroadcast: b.broadcast.subscribe(),
		bridge:        b,
	}, nil
}

func (b *VirtualBridge) leave(mac net.HardwareAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, mac.String())
}

// process is the bridge's single forwarding loop: parse the Ethernet
// header, recompute TCP checksums for IPv4/IPv6 in-transit, then fan out
// to broadcast or a single member's queue, all non-blocking.
func (b *VirtualBridge) process() {
	for {
		select {
		case <-b.done:
			return
		case pkt := <-b.toBridge:
			b.forward(pkt)
		}
	}
}

func (b *VirtualBridge) forward(pkt Packet) {
	eth, ok := parseEthernetHeader(pkt)
	if !ok {
		b.log.Trace("dropping truncated ethernet frame")
		return
	}

	recomputeTCPChecksum(pkt, eth)

	if eth.Dst[0]&0x01 != 0 {
		b.broadcast.publish(pkt)
		return
	}

	b.mu.Lock()
	member, ok := b.members[eth.Dst.String()]
	b.mu.Unlock()
	if !ok {
		b.log.WithField("dst", eth.Dst.String()).Trace("no member for destination mac, dropping")
		return
	}
	select {
	case member.fromBridge <- pkt:
	default:
		b.log.WithField("dst", eth.Dst.String()).Trace("member queue full, dropping")
	}
}

type ethernetHeader struct {
	Dst       net.HardwareAddr
	Src       net.HardwareAddr
	EtherType uint16
}

const ethHeaderLen = 14

func parseEthernetHeader(pkt Packet) (ethernetHeader, bool) {
	if len(pkt) < ethHeaderLen {
		return ethernetHeader{}, false
	}
	return ethernetHeader{
		Dst:       net.HardwareAddr(pkt[0:6]),
		Src:       net.HardwareAddr(pkt[6:12]),
		EtherType: binary.BigEndian.Uint16(pkt[12:14]),
	}, true
}

// broadcaster is a minimal fan-out primitive: every subscriber gets its
// own bounded channel; publish is non-blocking per subscriber.
type broadcaster struct {
	mu    sync.Mutex
	subs  []chan Packet
	qsize int
}

func newBroadcaster(qsize int) *broadcaster {
	return &broadcaster{qsize: qsize}
}

func (b *broadcaster) subscribe() chan Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Packet, b.qsize)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *broadcaster) publish(pkt Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- pkt:
		default:
		}
	}
}
