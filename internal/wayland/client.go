// Package wayland implements the daemon's protocol manager: it speaks
// the Wayland wire protocol directly over the compositor socket,
// tracks every advertised output, and drives zwlr_gamma_control_v1 to
// install gamma ramps through per-output shared-memory tables.
package wayland

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dusklight/duskd/internal/color"
)

// Interface names and the opcodes this client uses. Only the small
// slice of the protocol needed for gamma control is implemented;
// everything else is skipped by message size.
const (
	ifcDisplay      = "wl_display"
	ifcRegistry     = "wl_registry"
	ifcCallback     = "wl_callback"
	ifcOutput       = "wl_output"
	ifcGammaManager = "zwlr_gamma_control_manager_v1"
	ifcGammaControl = "zwlr_gamma_control_v1"
)

const (
	displayRequestSync        = 0
	displayRequestGetRegistry = 1
	displayEventError         = 0
	displayEventDeleteID      = 1

	registryRequestBind       = 0
	registryEventGlobal       = 0
	registryEventGlobalRemove = 1

	callbackEventDone = 0

	outputRequestRelease   = 0
	outputEventName        = 4
	outputEventDescription = 5

	gammaManagerRequestGetControl = 0

	gammaControlRequestSetGamma = 0
	gammaControlRequestDestroy  = 1
	gammaControlEventGammaSize  = 0
	gammaControlEventFailed     = 1
)

// maxOutputVersion caps the wl_output bind version; v4 carries the
// name and description events used for output filtering.
const maxOutputVersion = 4

const roundtripTimeout = 5 * time.Second

// ErrNoGammaControl is returned when the compositor does not advertise
// the gamma control manager.
var ErrNoGammaControl = errors.New("compositor lacks zwlr_gamma_control_manager_v1")

// Output is one display the compositor exposes for gamma control. It
// owns a shared-memory table sized to the advertised ramp resolution.
type Output struct {
	globalName  uint32 // registry name
	outputID    uint32 // wl_output object id
	version     uint32 // bound wl_output version
	gammaID     uint32 // zwlr_gamma_control_v1 object id, 0 when dropped
	name        string
	description string
	rampSize    uint32
	table       *shmBuffer
	writable    bool // passes the configured output filter
}

// Name returns the compositor-assigned output name, if announced.
func (o *Output) Name() string { return o.name }

// RampSize returns the advertised entries per channel.
func (o *Output) RampSize() uint32 { return o.rampSize }

// Writable reports whether the output passes the configured filter
// and therefore receives gamma writes.
func (o *Output) Writable() bool { return o.writable }

// Options configures the client.
type Options struct {
	// OutputFilter restricts gamma writes to outputs whose name or
	// description matches one of the entries. Empty means all outputs.
	OutputFilter []string

	// OnFatal is invoked once if the compositor connection breaks or
	// the display reports a protocol error. Gamma control is
	// impossible without the connection, so callers should shut down.
	OnFatal func(error)
}

// Client is the protocol manager. The read loop goroutine dispatches
// compositor events; all shared structures are guarded by mu. Wire
// writes carry their own lock, so requests may be issued both from the
// dispatcher and from SetTemperature.
type Client struct {
	wire *wireConn
	opts Options

	mu        sync.Mutex
	nextID    uint32
	objects   map[uint32]string        // object id -> interface
	callbacks map[uint32]chan struct{} // wl_callback id -> done signal
	outputs   map[uint32]*Output       // registry name -> output
	byOutput  map[uint32]*Output       // wl_output id -> output
	byGamma   map[uint32]*Output       // gamma control id -> output

	registryID   uint32
	gammaMgrID   uint32
	gammaMgrName uint32

	changed   chan struct{}
	fatalOnce sync.Once
	closing   bool
}

// Connect dials the compositor, discovers globals and sets up gamma
// controls for every current output. It fails when the compositor
// does not offer zwlr_gamma_control_manager_v1.
func Connect(opts Options) (*Client, error) {
	wire, err := dial()
	if err != nil {
		return nil, err
	}
	c := newClient(wire, opts)
	if err := c.handshake(); err != nil {
		wire.close()
		return nil, err
	}
	return c, nil
}

func newClient(wire *wireConn, opts Options) *Client {
	c := &Client{
		wire:      wire,
		opts:      opts,
		nextID:    2, // id 1 is wl_display
		objects:   map[uint32]string{1: ifcDisplay},
		callbacks: make(map[uint32]chan struct{}),
		outputs:   make(map[uint32]*Output),
		byOutput:  make(map[uint32]*Output),
		byGamma:   make(map[uint32]*Output),
		changed:   make(chan struct{}, 1),
	}
	go c.readLoop()
	return c
}

func (c *Client) handshake() error {
	c.mu.Lock()
	c.registryID = c.allocLocked(ifcRegistry)
	c.mu.Unlock()
	if err := c.wire.send(newMessage(1, displayRequestGetRegistry).putUint(c.registryID)); err != nil {
		return err
	}

	// The first roundtrip surfaces the globals and sends the binds;
	// the second collects gamma_size events for the initial outputs.
	if err := c.Roundtrip(); err != nil {
		return err
	}
	c.mu.Lock()
	haveMgr := c.gammaMgrID != 0
	c.mu.Unlock()
	if !haveMgr {
		return ErrNoGammaControl
	}
	return c.Roundtrip()
}

// Changed is signalled (coalesced) whenever the output set or a ramp
// buffer changes, so the orchestrator can re-apply the current
// temperature to fresh outputs.
func (c *Client) Changed() <-chan struct{} {
	return c.changed
}

// Roundtrip issues wl_display.sync and waits for the compositor to
// acknowledge, guaranteeing all prior events were dispatched.
func (c *Client) Roundtrip() error {
	done := make(chan struct{})
	c.mu.Lock()
	id := c.allocLocked(ifcCallback)
	c.callbacks[id] = done
	c.mu.Unlock()

	if err := c.wire.send(newMessage(1, displayRequestSync).putUint(id)); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(roundtripTimeout):
		return fmt.Errorf("wayland roundtrip timed out")
	}
}

// SetTemperature fills every writable output's gamma table for the
// given color temperature and asks the compositor to adopt it. The
// tables are shared mappings, so the data is visible to the
// compositor before the set_gamma request arrives.
func (c *Client) SetTemperature(kelvin int) error {
	wp := color.BlackbodyWhitepoint(kelvin)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, out := range c.outputs {
		if out.gammaID == 0 || out.table == nil || out.rampSize == 0 || !out.writable {
			continue
		}
		color.FillRamp(out.table.Uint16s(), int(out.rampSize), wp, 1.0)
		if err := out.table.Rewind(); err != nil {
			log.Warn().Err(err).Str("output", out.name).Msg("Failed to rewind gamma table fd")
		}
		req := newMessage(out.gammaID, gammaControlRequestSetGamma).putFd(out.table.fd)
		if err := c.wire.send(req); err != nil {
			return fmt.Errorf("set_gamma for output %q: %w", out.name, err)
		}
		log.Debug().
			Str("output", out.name).
			Uint32("ramp_size", out.rampSize).
			Int("kelvin", kelvin).
			Msg("Gamma ramp committed")
	}
	return nil
}

// Outputs returns a point-in-time snapshot of registered outputs.
func (c *Client) Outputs() []*Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	outs := make([]*Output, 0, len(c.outputs))
	for _, out := range c.outputs {
		outs = append(outs, out)
	}
	return outs
}

// Close destroys every gamma control, releases the shared-memory
// tables and closes the compositor connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	for _, out := range c.outputs {
		c.dropGammaLocked(out)
	}
	c.mu.Unlock()
	c.wire.close()
}

func (c *Client) allocLocked(interfaceName string) uint32 {
	id := c.nextID
	c.nextID++
	c.objects[id] = interfaceName
	return id
}

func (c *Client) fatal(err error) {
	c.fatalOnce.Do(func() {
		log.Error().Err(err).Msg("Wayland connection failure")
		if c.opts.OnFatal != nil {
			c.opts.OnFatal(err)
		}
	})
}

func (c *Client) notifyChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Client) readLoop() {
	for {
		ev, err := c.wire.read()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.fatal(fmt.Errorf("read wayland events: %w", err))
			}
			return
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.objects[ev.object] {
	case ifcDisplay:
		c.onDisplayEvent(ev)
	case ifcRegistry:
		c.onRegistryEvent(ev)
	case ifcCallback:
		if ev.opcode == callbackEventDone {
			if done, ok := c.callbacks[ev.object]; ok {
				close(done)
				delete(c.callbacks, ev.object)
			}
		}
	case ifcOutput:
		c.onOutputEvent(ev)
	case ifcGammaControl:
		c.onGammaEvent(ev)
	}
}

func (c *Client) onDisplayEvent(ev event) {
	r := &argReader{body: ev.body}
	switch ev.opcode {
	case displayEventError:
		object := r.uint()
		code := r.uint()
		message := r.string()
		c.fatal(fmt.Errorf("wl_display error on object %d (code %d): %s", object, code, message))
	case displayEventDeleteID:
		id := r.uint()
		delete(c.objects, id)
	}
}

func (c *Client) onRegistryEvent(ev event) {
	r := &argReader{body: ev.body}
	switch ev.opcode {
	case registryEventGlobal:
		name := r.uint()
		interfaceName := r.string()
		version := r.uint()
		if r.err != nil {
			return
		}
		switch interfaceName {
		case ifcOutput:
			c.bindOutput(name, version)
		case ifcGammaManager:
			c.bindGammaManager(name)
		}
	case registryEventGlobalRemove:
		name := r.uint()
		if name == c.gammaMgrName && c.gammaMgrID != 0 {
			log.Warn().Msg("Gamma control manager withdrawn by compositor")
			delete(c.objects, c.gammaMgrID)
			c.gammaMgrID = 0
			c.gammaMgrName = 0
		}
		if out, ok := c.outputs[name]; ok {
			c.removeOutput(out)
			c.notifyChanged()
		}
	}
}

func (c *Client) bindOutput(name, version uint32) {
	if version > maxOutputVersion {
		version = maxOutputVersion
	}
	id := c.allocLocked(ifcOutput)
	out := &Output{
		globalName: name,
		outputID:   id,
		version:    version,
		writable:   len(c.opts.OutputFilter) == 0,
	}
	c.outputs[name] = out
	c.byOutput[id] = out

	req := newMessage(c.registryID, registryRequestBind).
		putUint(name).
		putString(ifcOutput).
		putUint(version).
		putUint(id)
	if err := c.wire.send(req); err != nil {
		c.fatal(fmt.Errorf("bind wl_output: %w", err))
		return
	}
	log.Info().Uint32("global", name).Msg("Output advertised")
	c.ensureGammaLocked(out)
}

func (c *Client) bindGammaManager(name uint32) {
	id := c.allocLocked(ifcGammaManager)
	req := newMessage(c.registryID, registryRequestBind).
		putUint(name).
		putString(ifcGammaManager).
		putUint(1).
		putUint(id)
	if err := c.wire.send(req); err != nil {
		c.fatal(fmt.Errorf("bind gamma control manager: %w", err))
		return
	}
	c.gammaMgrID = id
	c.gammaMgrName = name
	log.Info().Msg("Gamma control manager bound")
	for _, out := range c.outputs {
		c.ensureGammaLocked(out)
	}
}

// ensureGammaLocked requests a gamma control for the output if the
// manager is available and none exists yet.
func (c *Client) ensureGammaLocked(out *Output) {
	if out.gammaID != 0 || c.gammaMgrID == 0 {
		return
	}
	id := c.allocLocked(ifcGammaControl)
	req := newMessage(c.gammaMgrID, gammaManagerRequestGetControl).
		putUint(id).
		putUint(out.outputID)
	if err := c.wire.send(req); err != nil {
		c.fatal(fmt.Errorf("get_gamma_control: %w", err))
		return
	}
	out.gammaID = id
	c.byGamma[id] = out
}

func (c *Client) onOutputEvent(ev event) {
	out, ok := c.byOutput[ev.object]
	if !ok {
		return
	}
	r := &argReader{body: ev.body}
	switch ev.opcode {
	case outputEventName:
		out.name = r.string()
		c.updateWritable(out)
		log.Info().Str("output", out.name).Msg("Output named")
	case outputEventDescription:
		out.description = r.string()
		c.updateWritable(out)
	}
}

func (c *Client) updateWritable(out *Output) {
	if len(c.opts.OutputFilter) == 0 {
		out.writable = true
		return
	}
	out.writable = false
	for _, want := range c.opts.OutputFilter {
		if want == out.name || want == out.description {
			out.writable = true
			return
		}
	}
}

func (c *Client) onGammaEvent(ev event) {
	out, ok := c.byGamma[ev.object]
	if !ok {
		return
	}
	r := &argReader{body: ev.body}
	switch ev.opcode {
	case gammaControlEventGammaSize:
		size := r.uint()
		if r.err != nil || size == 0 {
			return
		}
		// The buffer always matches the latest advertised resolution;
		// a stale one is released before the replacement is mapped.
		if out.table != nil {
			out.table.Close()
			out.table = nil
		}
		table, err := newShmBuffer(int(size) * 3 * 2)
		if err != nil {
			log.Error().Err(err).Str("output", out.name).Msg("Failed to allocate gamma table")
			out.rampSize = 0
			return
		}
		out.rampSize = size
		out.table = table
		log.Info().
			Str("output", out.name).
			Uint32("ramp_size", size).
			Int("bytes", table.Size()).
			Msg("Gamma table allocated")
		c.notifyChanged()
	case gammaControlEventFailed:
		log.Error().Str("output", out.name).Msg("Compositor rejected gamma control, dropping output")
		c.dropGammaLocked(out)
		c.notifyChanged()
	}
}

// dropGammaLocked destroys the output's gamma control and releases its
// shared-memory table. The output stays registered; it is simply never
// written again unless the compositor re-advertises it.
func (c *Client) dropGammaLocked(out *Output) {
	if out.gammaID != 0 {
		if err := c.wire.send(newMessage(out.gammaID, gammaControlRequestDestroy)); err != nil {
			log.Warn().Err(err).Str("output", out.name).Msg("Failed to destroy gamma control")
		}
		delete(c.byGamma, out.gammaID)
		delete(c.objects, out.gammaID)
		out.gammaID = 0
	}
	if out.table != nil {
		out.table.Close()
		out.table = nil
	}
	out.rampSize = 0
}

func (c *Client) removeOutput(out *Output) {
	c.dropGammaLocked(out)
	// release was added in wl_output v3.
	if out.version >= 3 {
		if err := c.wire.send(newMessage(out.outputID, outputRequestRelease)); err != nil {
			log.Warn().Err(err).Str("output", out.name).Msg("Failed to release output")
		}
	}
	delete(c.byOutput, out.outputID)
	delete(c.objects, out.outputID)
	delete(c.outputs, out.globalName)
	log.Info().Str("output", out.name).Msg("Output removed")
}
