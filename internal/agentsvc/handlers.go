package agentsvc

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/krata-zone/kratad/internal/idm"
)

// handleRequest dispatches an inbound IDM request by channel: ping on
// ChannelConsole acts as a liveness probe, ChannelMetrics returns a
// resource-usage snapshot, and any other channel gets an empty response,
// since exec and console are driven over streams (StreamRequest*), not
// single request/response round trips.
func (a *Agent) handleRequest(channel uint64, data []byte) ([]byte, error) {
	switch channel {
	case idm.ChannelConsole:
		return []byte("pong"), nil
	case idm.ChannelMetrics:
		return a.collectMetrics(), nil
	default:
		return nil, nil
	}
}

// handleStreamRequest accepts a new host-opened stream. ChannelExec
// carries "cwd\x00arg1 arg2 ..." as the opening frame; every other
// channel (console attach in particular) has nothing for the agent to
// drive proactively, so its updates are left for the caller that owns
// the stream to read directly.
func (a *Agent) handleStreamRequest(channel, id uint64, initial []byte, updates <-chan *idm.Packet) {
	if channel != idm.ChannelExec {
		return
	}
	parts := strings.SplitN(string(initial), "\x00", 2)
	cwd := parts[0]
	var cmd []string
	if len(parts) == 2 && parts[1] != "" {
		cmd = strings.Fields(parts[1])
	}
	go a.runExec(id, cmd, cwd)
}

// runExec runs cmd in cwd to completion with stdout and stderr collected
// together, then sends the collected output as one update on the given
// IDM stream id and closes the stream with "exit:0" or "exit:1"; used by
// the control plane's ExecInsideZone once it has opened a stream against
// ChannelExec.
func (a *Agent) runExec(id uint64, cmd []string, cwd string) {
	if len(cmd) == 0 {
		a.idm.SendStream(idm.ChannelExec, id, idm.FormStreamResponseClosed, []byte("no command given"))
		return
	}
	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = cwd
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	a.mu.Lock()
	a.execs[id] = c
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.execs, id)
		a.mu.Unlock()
	}()

	err := c.Run()
	if out.Len() > 0 {
		a.idm.SendStream(idm.ChannelExec, id, idm.FormStreamResponseUpdate, out.Bytes())
	}
	closing := []byte("exit:0")
	if err != nil {
		closing = []byte("exit:1")
	}
	a.idm.SendStream(idm.ChannelExec, id, idm.FormStreamResponseClosed, closing)
}
