// Package xenstore implements XenStoreClient: a length-framed socket
// client to the hypervisor's hierarchical configuration tree.
package xenstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// msgType enumerates the XenStore wire message types relevant to the
// operations this client exposes.
type msgType uint32

const (
	msgRead          msgType = 2
	msgWrite         msgType = 11
	msgMkdir         msgType = 8
	msgRm             msgType = 9
	msgGetPerms      msgType = 3
	msgSetPerms      msgType = 10
	msgList          msgType = 7
	msgTransactionStart msgType = 6
	msgTransactionEnd  msgType = 5
	msgIntroduce     msgType = 4
	msgGetDomainPath msgType = 1
	msgWatch         msgType = 13
	msgWatchEvent    msgType = 15
	msgError         msgType = 14
)

// header is the fixed 16-byte prefix of every XenStore message:
// {type, req_id, tx_id, len}, each a little-endian u32.
type header struct {
	Type  uint32
	ReqID uint32
	TxID  uint32
	Len   uint32
}

const headerSize = 16

// DefaultSocketPath is where xenstored listens on a typical dom0.
const DefaultSocketPath = "/var/run/xenstored/socket"

// Client is XsdClient: one socket connection, guarded by an internal mutex
// for framing (concurrent callers serialize at the request/response level).
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	reqID   uint32
	watches chan WatchEvent
}

// WatchEvent is delivered on the watch receiver queue when a watched path
// prefix changes.
type WatchEvent struct {
	Path  string
	Token string
}

// Dial connects to xenstored's Unix socket.
func Dial(path string) (*Client, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "dial xenstore", err)
	}
	return &Client{conn: conn, watches: make(chan WatchEvent, 256)}, nil
}

func (c *Client) nextReqID() uint32 {
	c.reqID++
	return c.reqID
}

// request sends a framed message on txID and returns the raw response
// payload. type==ERROR responses are translated into a Go error, except
// ENOENT which callers of read-ish operations special-case themselves.
func (c *Client) request(typ msgType, txID uint32, parts ...string) ([]byte, error) {
	payload := []byte(strings.Join(parts, "\x00"))
	if len(parts) > 0 {
		payload = append(payload, 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reqID := c.nextReqID()
	hdr := header{Type: uint32(typ), ReqID: reqID, TxID: txID, Len: uint32(len(payload))}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(payload)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "xenstore write", err)
	}

	var respHdr header
	hdrBuf := make([]byte, headerSize)
	if _, err := readFull(c.conn, hdrBuf); err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "xenstore read header", err)
	}
	binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &respHdr)

	body := make([]byte, respHdr.Len)
	if respHdr.Len > 0 {
		if _, err := readFull(c.conn, body); err != nil {
			return nil, krataerr.Wrap(krataerr.IoTransient, "xenstore read body", err)
		}
	}

	if msgType(respHdr.Type) == msgError {
		name := strings.TrimRight(string(body), "\x00")
		return nil, errnoToError(name)
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func errnoToError(name string) error {
	switch name {
	case "ENOENT":
		return krataerr.New(krataerr.NotFound, "xenstore: "+name)
	case "EACCES":
		return krataerr.New(krataerr.InvalidInput, "xenstore: "+name)
	case "EEXIST":
		return krataerr.New(krataerr.Conflict, "xenstore: "+name)
	default:
		return krataerr.New(krataerr.HypervisorFault, "xenstore: "+name)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Read returns the value at path, or (nil,false) if ENOENT.
func (c *Client) Read(path string) ([]byte, bool, error) {
	return c.readTx(0, path)
}

func (c *Client) readTx(tx uint32, path string) ([]byte, bool, error) {
	body, err := c.request(msgRead, tx, path)
	if err != nil {
		if krataerr.Is(err, krataerr.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return bytes.TrimRight(body, "\x00"), true, nil
}

// ReadString is Read, decoded as a NUL-terminated string.
func (c *Client) ReadString(path string) (string, bool, error) {
	b, ok, err := c.Read(path)
	return string(b), ok, err
}

// Write sets path to value.
func (c *Client) Write(path string, value []byte) error {
	return c.writeTx(0, path, value)
}

func (c *Client) writeTx(tx uint32, path string, value []byte) error {
	payload := append([]byte(path), 0)
	payload = append(payload, value...)
	_, err := c.requestRaw(msgWrite, tx, payload)
	return err
}

func (c *Client) requestRaw(typ msgType, txID uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqID := c.nextReqID()
	hdr := header{Type: uint32(typ), ReqID: reqID, TxID: txID, Len: uint32(len(payload))}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(payload)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "xenstore write", err)
	}
	hdrBuf := make([]byte, headerSize)
	if _, err := readFull(c.conn, hdrBuf); err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "xenstore read header", err)
	}
	var respHdr header
	binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &respHdr)
	body := make([]byte, respHdr.Len)
	if respHdr.Len > 0 {
		if _, err := readFull(c.conn, body); err != nil {
			return nil, krataerr.Wrap(krataerr.IoTransient, "xenstore read body", err)
		}
	}
	if msgType(respHdr.Type) == msgError {
		return nil, errnoToError(strings.TrimRight(string(body), "\x00"))
	}
	return body, nil
}

// WriteString is Write for a plain string value.
func (c *Client) WriteString(path, value string) error {
	return c.Write(path, []byte(value))
}

// Mkdir creates an empty directory node.
func (c *Client) Mkdir(path string) error {
	_, err := c.request(msgMkdir, 0, path)
	return err
}

// Rm removes path and everything beneath it. A missing path is not an
// error (ENOENT is treated as already-removed, returning true).
func (c *Client) Rm(path string) (bool, error) {
	_, err := c.request(msgRm, 0, path)
	if err != nil {
		if krataerr.Is(err, krataerr.NotFound) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the immediate child names of path.
func (c *Client) List(path string) ([]string, error) {
	body, err := c.request(msgList, 0, path)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimRight(string(body), "\x00"), "\x00")
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// Permission is one entry of a XenStore ACL: n{id}/r{id}/w{id}/b{id} for
// none/read/write/both. The first entry in a SetPerms call is the owner.
type Permission struct {
	Domid uint32
	Perm  byte // 'n', 'r', 'w', or 'b'
}

// Encode renders a Permission as its wire form, e.g. "b42".
func (p Permission) Encode() string {
	return fmt.Sprintf("%c%d", p.Perm, p.Domid)
}

// SetPerms replaces the ACL on path. perms[0] sets the owning domain.
func (c *Client) SetPerms(path string, perms []Permission) error {
	args := []string{path}
	for _, p := range perms {
		args = append(args, p.Encode())
	}
	_, err := c.request(msgSetPerms, 0, args...)
	return err
}

// Transaction is XsdTransaction: all reads/writes issued against it are
// part of the same commit-or-abort unit until End is called.
type Transaction struct {
	client *Client
	tx     uint32
}

// Begin starts a new transaction.
func (c *Client) Begin() (*Transaction, error) {
	body, err := c.request(msgTransactionStart, 0)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseUint(strings.TrimRight(string(body), "\x00"), 10, 32)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.Corrupted, "parse tx id", err)
	}
	return &Transaction{client: c, tx: uint32(id)}, nil
}

func (t *Transaction) Read(path string) ([]byte, bool, error) { return t.client.readTx(t.tx, path) }
func (t *Transaction) Write(path string, value []byte) error  { return t.client.writeTx(t.tx, path, value) }
func (t *Transaction) WriteString(path, value string) error   { return t.Write(path, []byte(value)) }
func (t *Transaction) Mkdir(path string) error {
	_, err := t.client.request(msgMkdir, t.tx, path)
	return err
}
func (t *Transaction) Rm(path string) (bool, error) {
	_, err := t.client.request(msgRm, t.tx, path)
	if err != nil {
		if krataerr.Is(err, krataerr.NotFound) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}
func (t *Transaction) SetPerms(path string, perms []Permission) error {
	args := []string{path}
	for _, p := range perms {
		args = append(args, p.Encode())
	}
	_, err := t.client.request(msgSetPerms, t.tx, args...)
	return err
}

// Commit ends the transaction successfully.
func (t *Transaction) Commit() error { return t.end(true) }

// Abort ends the transaction, discarding all writes.
func (t *Transaction) Abort() error { return t.end(false) }

func (t *Transaction) end(commit bool) error {
	val := "F"
	if commit {
		val = "T"
	}
	_, err := t.client.request(msgTransactionEnd, t.tx, val)
	return err
}

// IntroduceDomain publishes a newly created domain's xenstore ring
// location so xenstored starts servicing it.
func (c *Client) IntroduceDomain(domid uint32, storeMfn uint64, storeEvtchn uint32) error {
	_, err := c.request(msgIntroduce, 0,
		strconv.FormatUint(uint64(domid), 10),
		strconv.FormatUint(storeMfn, 10),
		strconv.FormatUint(uint64(storeEvtchn), 10),
	)
	return err
}

// GetDomainPath returns the XenStore path root for a domid, normally
// /local/domain/{domid}.
func (c *Client) GetDomainPath(domid uint32) (string, error) {
	body, err := c.request(msgGetDomainPath, 0, strconv.FormatUint(uint64(domid), 10))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(body), "\x00"), nil
}

// Watch registers a path prefix; change notifications are delivered on
// Watches().
func (c *Client) Watch(path, token string) error {
	_, err := c.request(msgWatch, 0, path, token)
	return err
}

// Watches returns the channel change tokens are delivered on.
func (c *Client) Watches() <-chan WatchEvent { return c.watches }
