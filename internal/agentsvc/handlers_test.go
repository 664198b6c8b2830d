package agentsvc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/idm"
)

func testLogEntry() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestAgentWithClient(t *testing.T) (*Agent, *idm.Client) {
	t.Helper()
	a := New(Config{}, testLogEntry())
	peer, agentSide := net.Pipe()
	a.idm = idm.NewClient(idm.NewPipeBackend(agentSide), testLogEntry())
	a.idm.SetRequestHandler(a.handleRequest)
	a.idm.SetStreamRequestHandler(a.handleStreamRequest)
	peerClient := idm.NewClient(idm.NewPipeBackend(peer), testLogEntry())
	t.Cleanup(func() {
		a.idm.Close()
		peerClient.Close()
	})
	return a, peerClient
}

func TestHandleRequestConsolePing(t *testing.T) {
	_, client := newTestAgentWithClient(t)
	resp, err := client.Request(testCtx(t), idm.ChannelConsole, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "pong" {
		t.Fatalf("got %q, want pong", resp)
	}
}

func TestHandleRequestMetrics(t *testing.T) {
	_, client := newTestAgentWithClient(t)
	resp, err := client.Request(testCtx(t), idm.ChannelMetrics, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(resp) == 0 {
		t.Fatal("expected a non-empty metrics snapshot")
	}
}

func TestHandleStreamRequestRunsExecAndStreamsOutput(t *testing.T) {
	_, client := newTestAgentWithClient(t)

	id, updates := client.OpenStream(idm.ChannelExec)
	client.SendStream(idm.ChannelExec, id, idm.FormStreamRequest, []byte("\x00echo hello"))

	var gotOutput, gotClosed bool
	timeout := time.After(3 * time.Second)
	for !gotClosed {
		select {
		case pkt := <-updates:
			if pkt == nil {
				t.Fatal("updates channel closed before a closing frame arrived")
			}
			switch pkt.Form {
			case idm.FormStreamResponseUpdate:
				if string(pkt.Data) == "hello\n" {
					gotOutput = true
				}
			case idm.FormStreamResponseClosed:
				gotClosed = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for exec stream to close")
		}
	}
	if !gotOutput {
		t.Fatal("expected an update frame carrying \"hello\\n\"")
	}
}

func TestHandleStreamRequestIgnoresNonExecChannels(t *testing.T) {
	a, client := newTestAgentWithClient(t)
	id, _ := client.OpenStream(idm.ChannelConsole)
	client.SendStream(idm.ChannelConsole, id, idm.FormStreamRequest, nil)

	time.Sleep(50 * time.Millisecond)
	a.mu.Lock()
	n := len(a.execs)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no exec tracked for a console stream request, got %d", n)
	}
}
