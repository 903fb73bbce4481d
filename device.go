/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * Device Façade (component E): lifecycle, identity, and the single
 * send_request entry point that every public convenience method calls.
 */

package usb

import (
	"errors"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/particle-iot/usb/dfu"
	"github.com/particle-iot/usb/usbio"
)

// State is the Device Handle's lifecycle state, per §3.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	}
	return "Unknown"
}

// firmwareVersionRequestType is the request type used to query the
// device's firmware version during open, per the teacher's pattern of
// a best-effort informational query whose failure doesn't block open.
const firmwareVersionRequestType = 1

// OpenOptions configures Open.
type OpenOptions struct {
	Quirks   *QuirkTable
	Logger   *Logger
	DFUEntry bool // true if this handle was enumerated via the DFU vid/pid pair
}

// Device is the stateful façade over the Request Engine and DFU
// Client: it owns the lifecycle state machine, identity fields, and
// event emission described in §3/§4.E.
type Device struct {
	mu sync.Mutex

	state      State
	transport  usbio.Transport
	engine     *Engine
	deviceType DeviceType

	id      string
	version string
	dfuMode bool

	onOpen   []func()
	onClosed []func()

	logger *Logger
}

// NewDevice wraps an enumerated, not-yet-opened transport.
func NewDevice(transport usbio.Transport, dt DeviceType, dfuMode bool) *Device {
	return &Device{
		transport:  transport,
		deviceType: dt,
		dfuMode:    dfuMode,
		state:      StateClosed,
	}
}

// OnOpen registers a callback invoked once, after a successful Open.
func (d *Device) OnOpen(f func()) { d.onOpen = append(d.onOpen, f) }

// OnClosed registers a callback invoked once, after Close completes.
func (d *Device) OnClosed(f func()) { d.onClosed = append(d.onClosed, f) }

// Open transitions Closed -> Opening -> Open, per §4.C's state machine.
// It opens the USB transport, reads the serial number (the device ID),
// best-effort queries the firmware version, and starts the Request
// Engine.
func (d *Device) Open(opts OpenOptions) error {
	d.mu.Lock()
	if d.state != StateClosed {
		d.mu.Unlock()
		return StateError("Device is already open")
	}
	d.state = StateOpening
	d.logger = opts.Logger
	if d.logger == nil {
		d.logger = NewLogger().SetLevels(0)
	}
	d.mu.Unlock()

	if err := d.transport.Open(); err != nil {
		d.mu.Lock()
		d.state = StateClosed
		d.mu.Unlock()
		return UsbError(err, "open device")
	}

	serial, err := d.transport.SerialNumber()
	if err != nil {
		d.transport.Close()
		d.mu.Lock()
		d.state = StateClosed
		d.mu.Unlock()
		return UsbError(err, "read serial number")
	}

	dq := opts.Quirks.Resolve(d.deviceType.Name)
	if dq.LogLevel != nil {
		d.logger.SetLevels(*dq.LogLevel)
	}
	engineOpts := EngineOptions{
		MaxActive:            dq.MaxActive,
		DefaultPollingPolicy: dq.PollingPolicy,
		Logger:               d.logger,
	}

	d.mu.Lock()
	d.id = toLower(serial)
	d.engine = NewEngine(d.transport, engineOpts, d.handleEngineClosed)
	d.state = StateOpen
	d.mu.Unlock()

	d.engine.Start()

	if !d.dfuMode {
		if reply, err := d.engine.SubmitRequest(firmwareVersionRequestType, nil, true,
			SendOptions{Timeout: 5 * time.Second, DontThrow: true}); err == nil &&
			reply.Result == uint32(ResultOK) {
			d.mu.Lock()
			d.version = string(reply.Data)
			d.mu.Unlock()
		}
	}

	for _, f := range d.onOpen {
		f()
	}

	return nil
}

// Close transitions Open -> Closing -> Closed, per §4.C.
func (d *Device) Close(processPendingRequests bool, timeout time.Duration) error {
	d.mu.Lock()
	if d.state != StateOpen {
		d.mu.Unlock()
		return nil
	}
	d.state = StateClosing
	engine := d.engine
	d.mu.Unlock()

	engine.Close(processPendingRequests, timeout)
	return nil
}

func (d *Device) handleEngineClosed() {
	d.mu.Lock()
	d.state = StateClosed
	d.id = ""
	d.version = ""
	d.mu.Unlock()

	for _, f := range d.onClosed {
		f()
	}
}

// SendRequest is the single entry point every public convenience
// method (reset, updateFirmware, getFirmwareModule, ...) calls
// through, per §4.E.
func (d *Device) SendRequest(reqType uint16, payload []byte, isText bool, opts SendOptions) (Reply, error) {
	d.mu.Lock()
	state := d.state
	engine := d.engine
	d.mu.Unlock()

	if state != StateOpen {
		return Reply{}, StateError("device is not open")
	}

	return engine.SubmitRequest(reqType, payload, isText, opts)
}

// LeaveDFUMode drives the device out of bootloader mode, per §4.D.
// Only valid while the handle was opened against a device enumerated
// under its DFU vid/pid pair.
func (d *Device) LeaveDFUMode() error {
	d.mu.Lock()
	if d.state != StateOpen {
		d.mu.Unlock()
		return StateError("device is not open")
	}
	if !d.dfuMode {
		d.mu.Unlock()
		return DfuError("device is not in DFU mode")
	}
	transport := d.transport
	d.mu.Unlock()

	client := dfu.NewClient(transport)
	if err := client.Open(); err != nil {
		return wrapDFUError(err)
	}
	defer client.Close()

	return wrapDFUError(client.Leave())
}

// wrapDFUError maps a dfu-package error onto this package's taxonomy,
// per §7: a Transport-level failure surfaces as UsbError, anything
// else (a DFU state-machine violation) surfaces as DfuError.
func wrapDFUError(err error) error {
	if err == nil {
		return nil
	}
	var terr *dfu.TransportError
	if errors.As(err, &terr) {
		return UsbError(terr.Cause, "dfu: %s", terr.Op)
	}
	return DfuError("%s", err)
}

// ID returns the lowercase device ID (USB serial number), or "" if not
// Open.
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// FirmwareVersion returns the best-effort firmware version string read
// at Open, or "" if unavailable or not Open.
func (d *Device) FirmwareVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Type returns the device's classification from the static device
// table.
func (d *Device) Type() DeviceType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

// DFUMode reports whether this handle was opened against the device's
// DFU vid/pid pair.
func (d *Device) DFUMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dfuMode
}

// State returns the handle's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// OpenDeviceByID enumerates, opens the device whose lowercase serial
// matches id, and returns a ready-to-Open Device, per §6.
func OpenDeviceByID(ctx *gousb.Context, id string) (*Device, error) {
	transport, dt, dfuMode, err := OpenByID(ctx, id)
	if err != nil {
		return nil, err
	}
	transport.Close()
	return NewDevice(transport, dt, dfuMode), nil
}
