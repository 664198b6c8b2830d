// Package idm implements the in-zone duplex messaging protocol: a
// length-framed, multiplexed request/response/event/stream wire format
// carried over a Xen PV-console tty.
package idm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
)

// Form is the packet's {channel, id, form} multiplexing discriminant.
type Form int32

const (
	FormRaw Form = iota
	FormEvent
	FormRequest
	FormResponse
	FormStreamRequest
	FormStreamRequestUpdate
	FormStreamRequestClosed
	FormStreamResponseUpdate
	FormStreamResponseClosed
)

// Packet is IdmPacket: {channel, id, form, data}. There is no .proto
// source to generate from in this environment, so the struct carries
// plain protobuf field tags and is marshaled/unmarshaled through
// gogo/protobuf's reflection-based Marshal/Unmarshal, the same path
// generated code uses internally.
type Packet struct {
	Channel uint64 `protobuf:"varint,1,opt,name=channel,proto3"`
	ID      uint64 `protobuf:"varint,2,opt,name=id,proto3"`
	Form    Form   `protobuf:"varint,3,opt,name=form,proto3,enum=idm.Form"`
	Data    []byte `protobuf:"bytes,4,opt,name=data,proto3"`
}

func (p *Packet) Reset()         { *p = Packet{} }
func (p *Packet) String() string { return fmt.Sprintf("Packet{channel=%d id=%d form=%d len=%d}", p.Channel, p.ID, p.Form, len(p.Data)) }
func (*Packet) ProtoMessage()    {}

// EncodedLen returns the protobuf-encoded length of p, used to enforce
// the u16::MAX send-size boundary before a frame is written.
func EncodedLen(p *Packet) (int, error) {
	b, err := proto.Marshal(p)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// writeFrame writes the u16-little-endian length prefix followed by the
// protobuf-encoded packet.
func writeFrame(w io.Writer, p *Packet) error {
	data, err := proto.Marshal(p)
	if err != nil {
		return err
	}
	if len(data) > 0xFFFF {
		return fmt.Errorf("idm: encoded packet too large (%d bytes)", len(data))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// writeKeepAlive writes a length==0 frame, the IDM keep-alive.
func writeKeepAlive(w io.Writer) error {
	var lenBuf [2]byte
	_, err := w.Write(lenBuf[:])
	return err
}

// readFrame reads one length-prefixed packet from r. A length==0 frame
// decodes to the zero Packet (a keep-alive) so callers can distinguish
// it from a read error without inspecting Form.
func readFrame(r io.Reader) (*Packet, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(lenBuf[:])
	if size == 0 {
		return &Packet{}, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	p := &Packet{}
	if err := proto.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("idm: invalid packet: %w", err)
	}
	return p, nil
}
