package idm

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// Backend is the per-packet transport a Client drives; FileBackend wraps
// the PV-console tty, and tests substitute an in-memory pipe.
type Backend interface {
	Recv() (*Packet, error)
	Send(p *Packet) error
	Close() error
}

// FileBackend is IdmFileBackend: a tty file placed in raw mode via
// cfmakeraw so no line discipline interferes with the length-framed
// binary protocol.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens path (a PV-console tty device) read-write and
// switches it to raw mode.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "open idm tty "+path, err)
	}
	if err := setRawMode(f); err != nil {
		f.Close()
		return nil, err
	}
	return &FileBackend{f: f}, nil
}

// NewFileBackend wraps an already-open tty file, applying raw mode.
func NewFileBackend(f *os.File) (*FileBackend, error) {
	if err := setRawMode(f); err != nil {
		return nil, err
	}
	return &FileBackend{f: f}, nil
}

func setRawMode(f *os.File) error {
	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return krataerr.Wrap(krataerr.IoTransient, "tcgetattr idm tty", err)
	}
	cfmakeraw(termios)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return krataerr.Wrap(krataerr.IoTransient, "tcsetattr idm tty", err)
	}
	return nil
}

// cfmakeraw mirrors POSIX cfmakeraw(3): disables input/output processing,
// line editing, signal generation, parity, and sets 1-byte-at-a-time
// reads with no timeout.
func cfmakeraw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}

func (b *FileBackend) Recv() (*Packet, error) { return readFrame(b.f) }

func (b *FileBackend) Send(p *Packet) error {
	if p == nil {
		return writeKeepAlive(b.f)
	}
	return writeFrame(b.f, p)
}

func (b *FileBackend) Close() error { return b.f.Close() }

// pipeBackend is an in-memory Backend over an io.ReadWriteCloser, used by
// tests and by any transport not backed by a real tty (e.g. a loopback
// control-channel-0 pair).
type pipeBackend struct {
	rw io.ReadWriteCloser
}

// NewPipeBackend wraps rw as a Backend without any termios handling.
func NewPipeBackend(rw io.ReadWriteCloser) Backend { return &pipeBackend{rw: rw} }

func (b *pipeBackend) Recv() (*Packet, error) { return readFrame(b.rw) }
func (b *pipeBackend) Send(p *Packet) error {
	if p == nil {
		return writeKeepAlive(b.rw)
	}
	return writeFrame(b.rw, p)
}
func (b *pipeBackend) Close() error { return b.rw.Close() }
