package nat

import (
	"net"
	"time"
)

// runTCPProxy opens a kernel TCP connection to key.ExternalIP:ExternalPort
// and shuttles bytes between it and the guest, reclaiming the entry on
// either side closing or on TCPIdleTimeout of inactivity.
func runTCPProxy(t *Table, e *Entry, reply chan<- []byte) {
	defer t.reclaim(e.key)

	addr := net.JoinHostPort(e.key.ExternalIP, portString(e.key.ExternalPort))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		t.log.WithError(err).WithField("addr", addr).Debug("tcp proxy dial failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(TCPIdleTimeout))
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

	for {
		select {
		case <-done:
			return
		case payload, ok := <-e.inbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(TCPIdleTimeout))
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}
}
