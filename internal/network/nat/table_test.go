package nat

import (
	"encoding/binary"
	"net"
	"testing"
)

// buildEthIPv4TCP constructs a minimal Ethernet+IPv4+TCP frame; IP options
// and checksums are omitted since parseOutbound never validates them.
func buildEthIPv4TCP(src, dst net.IP, sport, dport uint16) []byte {
	pkt := make([]byte, 14+20+20)
	binary.BigEndian.PutUint16(pkt[12:14], etherTypeIPv4)
	ip := pkt[14:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[9] = 6    // TCP
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)
	return pkt
}

// buildEthIPv6TCP constructs a minimal Ethernet+IPv6+TCP frame.
func buildEthIPv6TCP(src, dst net.IP, sport, dport uint16) []byte {
	pkt := make([]byte, 14+40+20)
	binary.BigEndian.PutUint16(pkt[12:14], etherTypeIPv6)
	ip := pkt[14:]
	ip[0] = 0x60 // version 6
	ip[6] = 6    // next header: TCP
	copy(ip[8:24], src.To16())
	copy(ip[24:40], dst.To16())
	tcp := ip[40:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)
	return pkt
}

func TestParseOutboundIPv4TCP(t *testing.T) {
	pkt := buildEthIPv4TCP(net.IPv4(10, 0, 0, 2), net.IPv4(93, 184, 216, 34), 44000, 80)
	key, _, ok := parseOutbound(pkt)
	if !ok {
		t.Fatal("expected a valid IPv4 TCP key")
	}
	if key.Proto != ProtoTCP || key.ClientIP != "10.0.0.2" || key.ExternalIP != "93.184.216.34" {
		t.Fatalf("got %+v", key)
	}
	if key.ClientPort != 44000 || key.ExternalPort != 80 {
		t.Fatalf("got ports %d/%d", key.ClientPort, key.ExternalPort)
	}
}

func TestParseOutboundIPv6TCPIsNatedLikeIPv4(t *testing.T) {
	src := net.ParseIP("fd00::2")
	dst := net.ParseIP("2606:2800:220:1:248:1893:25c8:1946")
	pkt := buildEthIPv6TCP(src, dst, 51000, 443)

	key, _, ok := parseOutbound(pkt)
	if !ok {
		t.Fatal("expected a valid IPv6 TCP key; IPv6 NAT is in scope, only router advertisement is excluded")
	}
	if key.Proto != ProtoTCP || key.ClientIP != src.String() || key.ExternalIP != dst.String() {
		t.Fatalf("got %+v", key)
	}
	if key.ClientPort != 51000 || key.ExternalPort != 443 {
		t.Fatalf("got ports %d/%d", key.ClientPort, key.ExternalPort)
	}
}

func TestParseOutboundIPv6ICMPUsesNextHeader58(t *testing.T) {
	src := net.ParseIP("fd00::2")
	dst := net.ParseIP("fd00::1")
	pkt := make([]byte, 14+40+8)
	binary.BigEndian.PutUint16(pkt[12:14], etherTypeIPv6)
	ip := pkt[14:]
	ip[0] = 0x60
	ip[6] = 58 // ICMPv6
	copy(ip[8:24], src.To16())
	copy(ip[24:40], dst.To16())

	key, _, ok := parseOutbound(pkt)
	if !ok {
		t.Fatal("expected a valid ICMPv6 key")
	}
	if key.Proto != ProtoICMP || key.ClientIP != src.String() || key.ExternalIP != dst.String() {
		t.Fatalf("got %+v", key)
	}
}

func TestParseOutboundRejectsUnknownEtherType(t *testing.T) {
	pkt := make([]byte, 14+20)
	binary.BigEndian.PutUint16(pkt[12:14], 0x0806) // ARP
	if _, _, ok := parseOutbound(pkt); ok {
		t.Fatal("expected ARP frames to be rejected")
	}
}

func TestParseOutboundRejectsShortFrame(t *testing.T) {
	if _, _, ok := parseOutbound(make([]byte, 5)); ok {
		t.Fatal("expected a too-short frame to be rejected")
	}
}
