package nat

import (
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// runICMPProxy relays a single echo request/reply exchange: it opens a
// raw (unprivileged datagram) ICMP socket to key.ExternalIP, forwards the
// first inbound payload as an echo request, waits up to ICMPPingTimeout
// for the reply, and reclaims the entry afterward regardless of outcome.
// The overall handler is bounded by ICMPHandlerTimeout.
func runICMPProxy(t *Table, e *Entry, reply chan<- []byte) {
	defer t.reclaim(e.key)

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		t.log.WithError(err).Debug("icmp proxy listen failed")
		return
	}
	defer conn.Close()

	deadline := time.NewTimer(ICMPHandlerTimeout)
	defer deadline.Stop()

	select {
	case <-deadline.C:
		return
	case payload, ok := <-e.inbound:
		if !ok {
			return
		}
		dst := &net.UDPAddr{IP: net.ParseIP(e.key.ExternalIP)}
		if _, err := conn.WriteTo(payload, dst); err != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(ICMPPingTimeout))
		buf := make([]byte, 1500)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := icmp.ParseMessage(ipv4ProtocolICMP, buf[:n])
		if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
			return
		}
		body, err := msg.Body.Marshal(ipv4ProtocolICMP)
		if err != nil {
			return
		}
		select {
		case reply <- body:
		default:
		}
	}
}

const ipv4ProtocolICMP = 1
