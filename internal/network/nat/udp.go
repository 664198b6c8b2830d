package nat

import (
	"net"
	"time"
)

// runUDPProxy opens a kernel UDP socket toward key.ExternalIP:ExternalPort
// and relays datagrams, reclaiming the entry after UDPIdleTimeout of
// silence in either direction.
func runUDPProxy(t *Table, e *Entry, reply chan<- []byte) {
	defer t.reclaim(e.key)

	addr := &net.UDPAddr{IP: net.ParseIP(e.key.ExternalIP), Port: int(e.key.ExternalPort)}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.log.WithError(err).WithField("addr", addr.String()).Debug("udp proxy dial failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(UDPIdleTimeout))
			n, err := conn.Read(buf)
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				select {
				case reply <- out:
				default:
				}
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(UDPIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-done:
			return
		case <-idle.C:
			return
		case payload, ok := <-e.inbound:
			if !ok {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(UDPIdleTimeout)
		}
	}
}
