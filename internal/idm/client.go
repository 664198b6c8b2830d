package idm

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// PacketQueueLen is IDM_PACKET_QUEUE_LEN: the bound on both the send and
// receive packet queues.
const PacketQueueLen = 100

// DefaultRequestTimeout is the 30s bound on an IDM Request awaiting its
// Response; SnoopIdm and other streaming subscriptions are unbounded and
// do not use this timeout.
const DefaultRequestTimeout = 30 * time.Second

// RequestHandler answers an inbound FormRequest with response bytes.
type RequestHandler func(channel uint64, data []byte) ([]byte, error)

// EventHandler observes every FormEvent packet received.
type EventHandler func(channel uint64, data []byte)

// Client is IdmClient: a backend driven by a single processing loop that
// demultiplexes inbound packets by {channel, id, form} into pending
// request/response correlation, stream delivery, and event fan-out,
// while serializing outbound packets onto one send queue preserving
// per-channel FIFO order in both directions.
type Client struct {
	backend Backend
	log     *logrus.Entry

	sendQueue chan *Packet
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	nextID        uint64
	pending       map[uint64]chan *Packet
	streams       map[uint64]chan *Packet
	handler       RequestHandler
	streamHandler StreamRequestHandler
	eventSub      []EventHandler
}

// StreamRequestHandler accepts a new inbound stream a peer opened
// against channel/id (a FormStreamRequest this side never called
// OpenStream for itself), e.g. the guest agent accepting the host's
// ExecInsideZone stream. The handler owns the stream id thereafter: it
// reads further updates from updates and replies via SendStream.
type StreamRequestHandler func(channel, id uint64, initial []byte, updates <-chan *Packet)

// NewClient starts the send/receive loops over backend.
func NewClient(backend Backend, log *logrus.Entry) *Client {
	c := &Client{
		backend:   backend,
		log:       log.WithField("component", "idm-client"),
		sendQueue: make(chan *Packet, PacketQueueLen),
		done:      make(chan struct{}),
		pending:   make(map[uint64]chan *Packet),
		streams:   make(map[uint64]chan *Packet),
	}
	go c.sendLoop()
	go c.recvLoop()
	return c
}

// SetRequestHandler installs the function answering inbound FormRequest
// packets; used on the guest side to serve Ping/Metrics. Exec streams
// arrive through SetStreamRequestHandler instead.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetStreamRequestHandler installs the function accepting inbound
// FormStreamRequest packets that open a new stream (as opposed to
// updates on a stream this side itself opened via OpenStream).
func (c *Client) SetStreamRequestHandler(h StreamRequestHandler) {
	c.mu.Lock()
	c.streamHandler = h
	c.mu.Unlock()
}

// OnEvent registers an observer invoked for every inbound FormEvent.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.eventSub = append(c.eventSub, h)
	c.mu.Unlock()
}

// Close aborts both loops and closes the backend.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.backend.Close()
}

func (c *Client) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt := <-c.sendQueue:
			length, err := EncodedLen(pkt)
			if err != nil {
				c.log.WithError(err).Warn("failed to encode idm packet")
				continue
			}
			if length > 0xFFFF {
				c.log.WithField("length", length).Warn("dropping oversized idm packet")
				continue
			}
			if err := c.backend.Send(pkt); err != nil {
				c.log.WithError(err).Debug("idm send failed")
				return
			}
		}
	}
}

func (c *Client) recvLoop() {
	for {
		pkt, err := c.backend.Recv()
		if err != nil {
			c.log.WithError(err).Debug("idm recv failed")
			return
		}
		if pkt.Form == FormRaw && len(pkt.Data) == 0 && pkt.ID == 0 && pkt.Channel == 0 {
			continue // keep-alive
		}
		c.dispatch(pkt)
	}
}

func (c *Client) dispatch(pkt *Packet) {
	switch pkt.Form {
	case FormResponse, FormStreamResponseUpdate, FormStreamResponseClosed:
		c.mu.Lock()
		ch, ok := c.pending[pkt.ID]
		if pkt.Form != FormStreamResponseUpdate {
			delete(c.pending, pkt.ID)
		}
		c.mu.Unlock()
		if ok {
			select {
			case ch <- pkt:
			default:
				c.log.WithField("id", pkt.ID).Trace("dropping response, receiver not listening")
			}
		}
	case FormEvent:
		c.mu.Lock()
		subs := append([]EventHandler(nil), c.eventSub...)
		c.mu.Unlock()
		for _, h := range subs {
			h(pkt.Channel, pkt.Data)
		}
	case FormRequest:
		c.handleRequest(pkt)
	case FormStreamRequest, FormStreamRequestUpdate, FormStreamRequestClosed:
		c.mu.Lock()
		ch, ok := c.streams[pkt.ID]
		duplicate := ok && pkt.Form == FormStreamRequest
		if !ok && pkt.Form == FormStreamRequest {
			ch = make(chan *Packet, PacketQueueLen)
			c.streams[pkt.ID] = ch
			ok = true
		}
		handler := c.streamHandler
		c.mu.Unlock()
		if duplicate {
			// Reject rather than dispatch a second handler onto the
			// already-open channel.
			c.log.WithField("id", pkt.ID).Warn("duplicate stream request, rejecting")
			c.enqueueSend(&Packet{Channel: pkt.Channel, ID: pkt.ID, Form: FormStreamResponseClosed, Data: []byte("duplicate stream")})
			return
		}
		if !ok {
			c.log.WithField("id", pkt.ID).Trace("dropping stream update, unknown stream")
			return
		}
		if pkt.Form == FormStreamRequest && handler != nil {
			go handler(pkt.Channel, pkt.ID, pkt.Data, ch)
			return
		}
		select {
		case ch <- pkt:
		default:
			c.log.WithField("id", pkt.ID).Trace("dropping stream update, receiver not listening")
		}
	}
}

func (c *Client) handleRequest(pkt *Packet) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	data, err := handler(pkt.Channel, pkt.Data)
	if err != nil {
		c.log.WithError(err).WithField("channel", pkt.Channel).Debug("idm request handler failed")
		return
	}
	c.enqueueSend(&Packet{Channel: pkt.Channel, ID: pkt.ID, Form: FormResponse, Data: data})
}

func (c *Client) enqueueSend(pkt *Packet) {
	select {
	case c.sendQueue <- pkt:
	default:
		c.log.Warn("idm send queue full, dropping packet")
	}
}

func (c *Client) allocID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Request sends data as a FormRequest on channel and blocks for the
// correlated FormResponse, up to DefaultRequestTimeout.
func (c *Client) Request(ctx context.Context, channel uint64, data []byte) ([]byte, error) {
	id := c.allocID()
	replyCh := make(chan *Packet, 1)
	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.enqueueSend(&Packet{Channel: channel, ID: id, Form: FormRequest, Data: data})

	timeout := time.NewTimer(DefaultRequestTimeout)
	defer timeout.Stop()
	select {
	case resp := <-replyCh:
		return resp.Data, nil
	case <-timeout.C:
		return nil, krataerr.New(krataerr.Timeout, "idm request timed out")
	case <-ctx.Done():
		return nil, krataerr.Wrap(krataerr.Timeout, "idm request canceled", ctx.Err())
	case <-c.done:
		return nil, krataerr.New(krataerr.IoTransient, "idm client closed")
	}
}

// Emit sends data as a FormEvent on channel without awaiting a response.
func (c *Client) Emit(channel uint64, data []byte) {
	c.enqueueSend(&Packet{Channel: channel, Form: FormEvent, Data: data})
}

// OpenStream allocates a stream id and returns a channel delivering every
// stream-form packet correlated to it, for ExecStream/AttachZoneConsole
// style bidirectional exchanges. The returned id is used by the caller to
// send StreamRequest/StreamRequestUpdate/StreamRequestClosed packets.
func (c *Client) OpenStream(channel uint64) (id uint64, updates <-chan *Packet) {
	id = c.allocID()
	ch := make(chan *Packet, PacketQueueLen)
	c.mu.Lock()
	c.streams[id] = ch
	c.mu.Unlock()
	return id, ch
}

// CloseStream removes the stream's correlation entry.
func (c *Client) CloseStream(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// SendStream enqueues a stream-form packet under an id from OpenStream.
func (c *Client) SendStream(channel, id uint64, form Form, data []byte) {
	c.enqueueSend(&Packet{Channel: channel, ID: id, Form: form, Data: data})
}
