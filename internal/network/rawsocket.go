package network

import (
	"net"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// etherTypeAll is ETH_P_ALL in network byte order, the protocol value
// passed to socket(2) so an AF_PACKET socket observes every frame on the
// bound interface, not just one EtherType.
const etherTypeAll = 0x0300 // htons(ETH_P_ALL)

// openRawSocket opens an AF_PACKET/SOCK_RAW socket bound to the named tap
// interface and sets it non-blocking, per §4.I step 1.
func openRawSocket(ifaceName string) (*socket.Conn, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.NotFound, "resolve tap interface "+ifaceName, err)
	}

	conn, err := socket.Socket(unix.AF_PACKET, unix.SOCK_RAW, etherTypeAll, ifaceName, &socket.Config{})
	if err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "open af_packet socket", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: etherTypeAll,
		Ifindex:  iface.Index,
	}
	if err := conn.Bind(addr); err != nil {
		conn.Close()
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "bind af_packet socket", err)
	}
	return conn, nil
}
