package network

import (
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// HostBridgeTap is the fixed host-side tap device name HostBridge attaches.
const HostBridgeTap = "krata0"

// HostBridge is the singleton sibling of Backend: it attaches a host tap
// device carrying the gateway MAC/IPv4/IPv6 to the VirtualBridge so host
// traffic participates in the same L2 fabric as the zones.
type HostBridge struct {
	conn   ReadWriteCloser
	bridge *BridgeHandle
	log    *logrus.Entry
	done   chan struct{}
}

// ReadWriteCloser is the minimal socket surface HostBridge needs.
type ReadWriteCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// NewHostBridge brings up the krata0 tap, assigns it the gateway
// addresses, and joins it to bridge.
func NewHostBridge(gatewayMAC net.HardwareAddr, gatewayIPv4, gatewayIPv6 string, bridge *VirtualBridge, log *logrus.Entry) (*HostBridge, error) {
	link, err := netlink.LinkByName(HostBridgeTap)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.NotFound, "lookup host bridge tap", err)
	}
	if err := netlink.LinkSetHardwareAddr(link, gatewayMAC); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "set host bridge mac", err)
	}
	if gatewayIPv4 != "" {
		addr, err := netlink.ParseAddr(gatewayIPv4 + "/32")
		if err == nil {
			_ = netlink.AddrAdd(link, addr)
		}
	}
	if gatewayIPv6 != "" {
		addr, err := netlink.ParseAddr(gatewayIPv6 + "/128")
		if err == nil {
			_ = netlink.AddrAdd(link, addr)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "bring up host bridge tap", err)
	}

	conn, err := openRawSocket(HostBridgeTap)
	if err != nil {
		return nil, err
	}
	handle, err := bridge.Join(gatewayMAC)
	if err != nil {
		conn.Close()
		return nil, err
	}

	hb := &HostBridge{conn: conn, bridge: handle, log: log.WithField("component", "host-bridge"), done: make(chan struct{})}
	go hb.loop()
	return hb, nil
}

func (hb *HostBridge) loop() {
	for {
		select {
		case <-hb.done:
			return
		case pkt := <-hb.bridge.FromBridge:
			hb.send(pkt)
		case pkt := <-hb.bridge.FromBroadcast:
			hb.send(pkt)
		}
	}
}

func (hb *HostBridge) send(pkt Packet) {
	if _, err := hb.conn.Write(pkt); err != nil {
		hb.log.WithError(err).Trace("host bridge send failed")
	}
}

// Close leaves the bridge and closes the tap socket.
func (hb *HostBridge) Close() error {
	close(hb.done)
	hb.bridge.Close()
	return hb.conn.Close()
}
