package network

import (
	"fmt"
	"net"

	"github.com/mdlayher/socket"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/network/nat"
)

// Metadata identifies the zone and addressing a ZoneNetBackend serves.
type Metadata struct {
	Domid   uint32
	UUID    string
	GuestIPv4, GuestIPv6 string
	GuestMAC             net.HardwareAddr
	GatewayIPv4, GatewayIPv6 string
	GatewayMAC               net.HardwareAddr
}

// tapLinkName is vifN.20, the host-visible endpoint paired with domid's
// virtual NIC.
func tapLinkName(domid uint32) string { return fmt.Sprintf("vif%d.20", domid) }

// Backend is ZoneNetBackend: per zone, a raw AF_PACKET socket on the tap
// device, a NAT table, and a VirtualBridge membership, forwarding packets
// in both directions.
type Backend struct {
	meta   Metadata
	conn   *socket.Conn
	bridge *BridgeHandle
	nat    *nat.Table
	log    *logrus.Entry

	txChannel chan Packet
	done      chan struct{}
}

// Open binds the raw socket to the tap interface, brings the link up via
// netlink, joins the bridge, and starts the forwarding loop.
func Open(meta Metadata, bridge *VirtualBridge, log *logrus.Entry) (*Backend, error) {
	name := tapLinkName(meta.Domid)
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.NotFound, "lookup tap link "+name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "bring up tap link "+name, err)
	}

	conn, err := openRawSocket(name)
	if err != nil {
		return nil, err
	}

	handle, err := bridge.Join(meta.GuestMAC)
	if err != nil {
		conn.Close()
		return nil, err
	}

	b := &Backend{
		meta:      meta,
		conn:      conn,
		bridge:    handle,
		nat:       nat.NewTable(log),
		log:       log.WithField("component", "zone-net-backend").WithField("domid", meta.Domid),
		txChannel: make(chan Packet, 1000),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// Close leaves the bridge and releases the raw socket.
func (b *Backend) Close() error {
	close(b.done)
	b.bridge.Close()
	b.nat.Close()
	return b.conn.Close()
}

// loop implements the four-way select documented in §4.I: tap reads feed
// both the bridge and the NAT table; the bridge's unicast/broadcast
// channels and the NAT reply channel all drain back out the tap.
func (b *Backend) loop() {
	rx := make(chan Packet, 1000)
	go b.readLoop(rx)

	for {
		select {
		case <-b.done:
			return
		case pkt := <-rx:
			select {
			case b.bridge.ToBridge <- pkt:
			default:
				b.log.Trace("bridge inbound queue full, dropping")
			}
			b.nat.Receive(pkt, b.txChannel)
		case pkt := <-b.txChannel:
			b.tapSend(pkt)
		case pkt := <-b.bridge.FromBridge:
			b.tapSend(pkt)
		case pkt := <-b.bridge.FromBroadcast:
			b.tapSend(pkt)
		}
	}
}

func (b *Backend) readLoop(out chan<- Packet) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-b.done:
			return
		default:
		}
		n, err := b.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := make(Packet, n)
		copy(pkt, buf[:n])
		select {
		case out <- pkt:
		default:
			b.log.Trace("tap rx queue full, dropping")
		}
	}
}

func (b *Backend) tapSend(pkt Packet) {
	if _, err := b.conn.Write(pkt); err != nil {
		b.log.WithError(err).Trace("tap send failed")
	}
}
