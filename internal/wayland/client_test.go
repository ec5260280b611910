package wayland

import (
	"bufio"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeCompositor drives the server end of a socketpair, answering the
// handful of requests the client issues and capturing descriptors
// passed with set_gamma.
type fakeCompositor struct {
	t  *testing.T
	uc *net.UnixConn

	buf []byte
	fds []int

	registryID uint32
	outputID   uint32
	managerID  uint32
	gammaID    uint32

	rampSize   uint32
	outputName string
	gammaCtl   bool // advertise the gamma manager
}

func newPair(t *testing.T) (*wireConn, *fakeCompositor) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	clientFile := os.NewFile(uintptr(pair[0]), "wayland-client")
	serverFile := os.NewFile(uintptr(pair[1]), "wayland-server")

	clientConn, err := net.FileConn(clientFile)
	require.NoError(t, err)
	clientFile.Close()
	serverConn, err := net.FileConn(serverFile)
	require.NoError(t, err)
	serverFile.Close()

	wire := &wireConn{uc: clientConn.(*net.UnixConn), r: bufio.NewReader(clientConn.(*net.UnixConn))}
	fake := &fakeCompositor{
		t:          t,
		uc:         serverConn.(*net.UnixConn),
		rampSize:   1024,
		outputName: "DP-1",
		gammaCtl:   true,
	}
	t.Cleanup(func() { fake.uc.Close() })
	return wire, fake
}

func (f *fakeCompositor) fill() {
	data := make([]byte, 4096)
	oob := make([]byte, 512)
	f.uc.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, oobn, _, _, err := f.uc.ReadMsgUnix(data, oob)
	require.NoError(f.t, err, "fake compositor read")
	f.buf = append(f.buf, data[:n]...)
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		require.NoError(f.t, err)
		for _, m := range msgs {
			fds, err := unix.ParseUnixRights(&m)
			require.NoError(f.t, err)
			f.fds = append(f.fds, fds...)
		}
	}
}

func (f *fakeCompositor) readMessage() (object, opcode uint32, body []byte) {
	for len(f.buf) < 8 {
		f.fill()
	}
	object = binary.LittleEndian.Uint32(f.buf[0:4])
	sizeOp := binary.LittleEndian.Uint32(f.buf[4:8])
	size := int(sizeOp >> 16)
	opcode = sizeOp & 0xffff
	for len(f.buf) < size {
		f.fill()
	}
	body = append([]byte(nil), f.buf[8:size]...)
	f.buf = f.buf[size:]
	return object, opcode, body
}

func (f *fakeCompositor) sendEvent(m *message) {
	size := 8 + len(m.body)
	buf := make([]byte, 8, size)
	binary.LittleEndian.PutUint32(buf[0:4], m.object)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size)<<16|m.opcode)
	buf = append(buf, m.body...)
	_, err := f.uc.Write(buf)
	require.NoError(f.t, err)
}

// serveOne handles a single client request. Returns the opcode seen.
func (f *fakeCompositor) serveOne() (object, opcode uint32) {
	object, opcode, body := f.readMessage()
	r := &argReader{body: body}

	switch {
	case object == 1 && opcode == displayRequestGetRegistry:
		f.registryID = r.uint()
		// Advertise one output, then the gamma manager.
		f.sendEvent(newMessage(f.registryID, registryEventGlobal).
			putUint(1).putString(ifcOutput).putUint(4))
		if f.gammaCtl {
			f.sendEvent(newMessage(f.registryID, registryEventGlobal).
				putUint(2).putString(ifcGammaManager).putUint(1))
		}

	case object == 1 && opcode == displayRequestSync:
		id := r.uint()
		f.sendEvent(newMessage(id, callbackEventDone).putUint(0))

	case object == f.registryID && opcode == registryRequestBind:
		name := r.uint()
		interfaceName := r.string()
		r.uint() // version
		id := r.uint()
		switch interfaceName {
		case ifcOutput:
			f.outputID = id
			_ = name
			f.sendEvent(newMessage(id, outputEventName).putString(f.outputName))
		case ifcGammaManager:
			f.managerID = id
		}

	case object == f.managerID && opcode == gammaManagerRequestGetControl:
		f.gammaID = r.uint()
		r.uint() // wl_output id
		f.sendEvent(newMessage(f.gammaID, gammaControlEventGammaSize).putUint(f.rampSize))
	}
	return object, opcode
}

// serve answers requests until the client is done handshaking plus
// any extra requests the test expects.
func (f *fakeCompositor) serveUntilSyncs(syncs int) {
	seen := 0
	for seen < syncs {
		object, opcode := f.serveOne()
		if object == 1 && opcode == displayRequestSync {
			seen++
		}
	}
}

func TestClient_HandshakeAllocatesRampBuffer(t *testing.T) {
	wire, fake := newPair(t)
	c := newClient(wire, Options{})
	defer c.Close()

	served := make(chan struct{})
	go func() {
		fake.serveUntilSyncs(2)
		close(served)
	}()
	require.NoError(t, c.handshake())
	<-served

	outs := c.Outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, "DP-1", outs[0].Name())
	assert.Equal(t, uint32(1024), outs[0].RampSize())
	assert.True(t, outs[0].Writable())
}

func TestClient_HandshakeFailsWithoutGammaManager(t *testing.T) {
	wire, fake := newPair(t)
	fake.gammaCtl = false

	fatal := make(chan error, 1)
	c := newClient(wire, Options{OnFatal: func(err error) { fatal <- err }})
	defer c.Close()

	go fake.serveUntilSyncs(1)
	err := c.handshake()
	assert.ErrorIs(t, err, ErrNoGammaControl)
}

func TestClient_SetTemperatureWritesSharedMemory(t *testing.T) {
	wire, fake := newPair(t)
	c := newClient(wire, Options{})
	defer c.Close()

	served := make(chan struct{})
	go func() {
		fake.serveUntilSyncs(2)
		close(served)
	}()
	require.NoError(t, c.handshake())
	<-served

	require.NoError(t, c.SetTemperature(4000))

	// The fake receives set_gamma carrying a descriptor for a region
	// sized 1024 entries × 3 channels × 2 bytes, already filled.
	object, opcode, _ := fake.readMessage()
	assert.Equal(t, fake.gammaID, object)
	assert.Equal(t, uint32(gammaControlRequestSetGamma), opcode)
	require.Len(t, fake.fds, 1)

	fd := fake.fds[0]
	defer unix.Close(fd)

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	assert.Equal(t, int64(1024*3*2), st.Size)

	table := make([]byte, 1024*3*2)
	n, err := unix.Pread(fd, table, 0)
	require.NoError(t, err)
	require.Equal(t, len(table), n)

	// Red channel tops out at full scale at 4000K; blue stays below.
	redTop := binary.LittleEndian.Uint16(table[(1024-1)*2:])
	blueTop := binary.LittleEndian.Uint16(table[(3*1024-1)*2:])
	assert.Equal(t, uint16(0xffff), redTop)
	assert.Less(t, blueTop, redTop)
	// Ramps start dark.
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(table[0:2]))
}

func TestClient_OutputFilterSkipsUnmatched(t *testing.T) {
	wire, fake := newPair(t)
	c := newClient(wire, Options{OutputFilter: []string{"HDMI-A-1"}})
	defer c.Close()

	served := make(chan struct{})
	go func() {
		fake.serveUntilSyncs(2)
		close(served)
	}()
	require.NoError(t, c.handshake())
	<-served

	outs := c.Outputs()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Writable(), "DP-1 does not match the HDMI-A-1 filter")

	require.NoError(t, c.SetTemperature(4000))

	// No set_gamma may arrive; the next message the fake sees must be
	// the sync of a fresh roundtrip.
	done := make(chan struct{})
	go func() {
		object, opcode := fake.serveOne()
		assert.Equal(t, uint32(1), object)
		assert.Equal(t, uint32(displayRequestSync), opcode)
		close(done)
	}()
	require.NoError(t, c.Roundtrip())
	<-done
}

func TestClient_GlobalRemoveReleasesOutput(t *testing.T) {
	wire, fake := newPair(t)
	c := newClient(wire, Options{})
	defer c.Close()

	served := make(chan struct{})
	go func() {
		fake.serveUntilSyncs(2)
		close(served)
	}()
	require.NoError(t, c.handshake())
	<-served
	require.Len(t, c.Outputs(), 1)

	// Drain the coalesced change notification from the handshake.
	select {
	case <-c.Changed():
	default:
	}

	fake.sendEvent(newMessage(fake.registryID, registryEventGlobalRemove).putUint(1))

	select {
	case <-c.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("output removal never surfaced")
	}
	assert.Empty(t, c.Outputs())

	// Applying a temperature with no outputs is a no-op, not an error.
	require.NoError(t, c.SetTemperature(5000))
}

func TestClient_GammaFailedDropsOutput(t *testing.T) {
	wire, fake := newPair(t)
	c := newClient(wire, Options{})
	defer c.Close()

	served := make(chan struct{})
	go func() {
		fake.serveUntilSyncs(2)
		close(served)
	}()
	require.NoError(t, c.handshake())
	<-served

	select {
	case <-c.Changed():
	default:
	}

	fake.sendEvent(newMessage(fake.gammaID, gammaControlEventFailed))

	select {
	case <-c.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("gamma failure never surfaced")
	}

	outs := c.Outputs()
	require.Len(t, outs, 1, "the output stays registered")
	assert.Equal(t, uint32(0), outs[0].RampSize(), "but its table is gone")
	require.NoError(t, c.SetTemperature(5000), "and it is skipped, not an error")
}
