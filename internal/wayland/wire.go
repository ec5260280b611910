package wayland

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Wayland wire format: every message is an 8-byte header (object id,
// then size<<16|opcode, both native-endian 32-bit words) followed by
// the arguments. File descriptors travel out of band as SCM_RIGHTS
// ancillary data, never in the message body.

// wireConn frames messages over the compositor's unix socket. Writes
// are serialized; reads happen from a single goroutine.
type wireConn struct {
	uc *net.UnixConn
	r  *bufio.Reader

	wmu sync.Mutex
}

// dial connects to the compositor socket named by WAYLAND_DISPLAY
// under XDG_RUNTIME_DIR (absolute display names are used as-is).
func dial() (*wireConn, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	path := display
	if !filepath.IsAbs(path) {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return nil, fmt.Errorf("XDG_RUNTIME_DIR is not set")
		}
		path = filepath.Join(runtimeDir, display)
	}

	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connect wayland display %s: %w", path, err)
	}
	return &wireConn{uc: uc, r: bufio.NewReader(uc)}, nil
}

// message is an outgoing request under construction.
type message struct {
	object uint32
	opcode uint32
	body   []byte
	fds    []int
}

func newMessage(object, opcode uint32) *message {
	return &message{object: object, opcode: opcode}
}

func (m *message) putUint(v uint32) *message {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], v)
	m.body = append(m.body, w[:]...)
	return m
}

// putString appends a string argument: 32-bit length including the
// terminating NUL, the bytes, then padding to a 32-bit boundary.
func (m *message) putString(s string) *message {
	m.putUint(uint32(len(s) + 1))
	m.body = append(m.body, s...)
	m.body = append(m.body, 0)
	for len(m.body)%4 != 0 {
		m.body = append(m.body, 0)
	}
	return m
}

func (m *message) putFd(fd int) *message {
	m.fds = append(m.fds, fd)
	return m
}

func (c *wireConn) send(m *message) error {
	size := 8 + len(m.body)
	buf := make([]byte, 8, size)
	binary.LittleEndian.PutUint32(buf[0:4], m.object)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size)<<16|(m.opcode&0xffff))
	buf = append(buf, m.body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if len(m.fds) > 0 {
		oob := unix.UnixRights(m.fds...)
		if _, _, err := c.uc.WriteMsgUnix(buf, oob, nil); err != nil {
			return fmt.Errorf("write message with fds: %w", err)
		}
		return nil
	}
	if _, err := c.uc.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// event is one incoming message. The body is parsed lazily by the
// dispatcher; unknown events are skipped wholesale since the header
// carries the full size.
type event struct {
	object uint32
	opcode uint32
	body   []byte
}

func (c *wireConn) read() (event, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return event{}, err
	}
	object := binary.LittleEndian.Uint32(hdr[0:4])
	sizeOp := binary.LittleEndian.Uint32(hdr[4:8])
	size := sizeOp >> 16
	opcode := sizeOp & 0xffff
	if size < 8 {
		return event{}, fmt.Errorf("invalid message size %d", size)
	}
	body := make([]byte, size-8)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return event{}, err
	}
	return event{object: object, opcode: opcode, body: body}, nil
}

func (c *wireConn) close() error {
	return c.uc.Close()
}

// argReader decodes event arguments in order. A short body poisons the
// reader instead of panicking; callers check err once at the end.
type argReader struct {
	body []byte
	off  int
	err  error
}

func (r *argReader) uint() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.body) {
		r.err = fmt.Errorf("truncated uint argument")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.body[r.off:])
	r.off += 4
	return v
}

func (r *argReader) string() string {
	length := r.uint()
	if r.err != nil {
		return ""
	}
	if length == 0 {
		return ""
	}
	padded := (int(length) + 3) &^ 3
	if r.off+padded > len(r.body) {
		r.err = fmt.Errorf("truncated string argument")
		return ""
	}
	s := string(r.body[r.off : r.off+int(length)-1])
	r.off += padded
	return s
}
