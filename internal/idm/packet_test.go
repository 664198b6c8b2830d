package idm

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Packet{Channel: 7, ID: 42, Form: FormRequest, Data: []byte("hello")}
	if err := writeFrame(&buf, in); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	out, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if out.Channel != in.Channel || out.ID != in.ID || out.Form != in.Form || !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestReadFrameKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := writeKeepAlive(&buf); err != nil {
		t.Fatalf("writeKeepAlive: %v", err)
	}
	pkt, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if pkt.Channel != 0 || pkt.ID != 0 || pkt.Form != FormRaw || len(pkt.Data) != 0 {
		t.Fatalf("expected zero packet for keep-alive, got %+v", pkt)
	}
}

func TestWriteFrameRejectsOversizedPacket(t *testing.T) {
	var buf bytes.Buffer
	in := &Packet{Data: make([]byte, 0x10000)}
	if err := writeFrame(&buf, in); err == nil {
		t.Fatal("expected error for oversized packet")
	}
}
