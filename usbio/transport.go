/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * Default Transport implementation, backed by google/gousb
 */

package usbio

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

// DefaultControlTimeout is the per-transfer USB control-transfer
// timeout. It is distinct from, and much smaller than, any logical
// request's deadline: a single control transfer that doesn't complete
// within this window is a transport fault, not a slow device response.
const DefaultControlTimeout = 5000 * time.Millisecond

// Transport is the abstract capability the rest of this module is built
// on: open/close a device and issue IN/OUT control transfers against
// it. At most one transfer is outstanding at a time per device; callers
// above this package (the request engine, the DFU client) enforce that
// invariant, this package does not need to.
type Transport interface {
	// Open claims the device for exclusive access.
	Open() error
	// Close releases the device.
	Close() error
	// TransferIn issues an IN control transfer and returns whatever
	// bytes the device actually returned (which, per ordinary USB
	// short-transfer semantics, may be fewer than setup.WLength).
	TransferIn(setup Setup) ([]byte, error)
	// TransferOut issues an OUT control transfer carrying payload as
	// the data stage.
	TransferOut(setup Setup, payload []byte) error
	// SerialNumber returns the device's string serial-number
	// descriptor.
	SerialNumber() (string, error)
	// VendorID and ProductID return the device's USB identification.
	VendorID() uint16
	ProductID() uint16
	// ClaimInterface claims the given interface/alternate-setting pair
	// for exclusive access (needed by the DFU client, which operates
	// on interface 0 alternate setting 0).
	ClaimInterface(num, alt int) error
	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(num int) error
}

// GousbTransport is the default Transport, backed by gousb (itself a
// thin Go wrapper around libusb).
type GousbTransport struct {
	ctx    *gousb.Context
	desc   *gousb.DeviceDesc
	dev    *gousb.Device
	cfg    *gousb.Config
	ifaces map[int]*gousb.Interface
}

// NewGousbTransport creates a Transport for the device matching desc.
// The context is owned by the caller (typically one process-wide
// gousb.Context shared across all devices, mirroring the teacher's
// package-level usbCtx); ctx is not closed by this Transport.
func NewGousbTransport(ctx *gousb.Context, desc *gousb.DeviceDesc) *GousbTransport {
	return &GousbTransport{
		ctx:    ctx,
		desc:   desc,
		ifaces: make(map[int]*gousb.Interface),
	}
}

// Open opens the underlying gousb.Device.
func (t *GousbTransport) Open() error {
	found := false
	devs, err := t.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if found || d.Bus != t.desc.Bus || d.Address != t.desc.Address {
			return false
		}
		found = true
		return true
	})

	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return fmt.Errorf("usb: open %s: %w", t.desc, err)
	}

	if len(devs) == 0 {
		return fmt.Errorf("usb: open %s: device not found", t.desc)
	}

	t.dev = devs[0]
	t.dev.ControlTimeout = DefaultControlTimeout

	return nil
}

// Close releases any claimed interfaces and closes the device.
func (t *GousbTransport) Close() error {
	for num, iface := range t.ifaces {
		iface.Close()
		delete(t.ifaces, num)
	}

	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}

	if t.dev != nil {
		err := t.dev.Close()
		t.dev = nil
		return err
	}

	return nil
}

// TransferIn issues an IN control transfer.
func (t *GousbTransport) TransferIn(setup Setup) ([]byte, error) {
	bufSize := int(setup.WLength)
	if bufSize == 0 {
		bufSize = 64
	}

	buf := make([]byte, bufSize)
	n, err := t.dev.Control(setup.BmRequestType, setup.BRequest,
		setup.WValue, setup.WIndex, buf)
	if err != nil {
		return nil, fmt.Errorf("usb: control in: %w", err)
	}

	return buf[:n], nil
}

// TransferOut issues an OUT control transfer.
func (t *GousbTransport) TransferOut(setup Setup, payload []byte) error {
	_, err := t.dev.Control(setup.BmRequestType, setup.BRequest,
		setup.WValue, setup.WIndex, payload)
	if err != nil {
		return fmt.Errorf("usb: control out: %w", err)
	}
	return nil
}

// SerialNumber returns the device's serial-number string descriptor.
func (t *GousbTransport) SerialNumber() (string, error) {
	return t.dev.SerialNumber()
}

// VendorID returns the device's USB vendor ID.
func (t *GousbTransport) VendorID() uint16 {
	return uint16(t.desc.Vendor)
}

// ProductID returns the device's USB product ID.
func (t *GousbTransport) ProductID() uint16 {
	return uint16(t.desc.Product)
}

// ClaimInterface claims interface num, alternate setting alt.
func (t *GousbTransport) ClaimInterface(num, alt int) error {
	if t.cfg == nil {
		cfg, err := t.dev.Config(1)
		if err != nil {
			return fmt.Errorf("usb: set config: %w", err)
		}
		t.cfg = cfg
	}

	iface, err := t.cfg.Interface(num, alt)
	if err != nil {
		return fmt.Errorf("usb: claim interface %d/%d: %w", num, alt, err)
	}

	t.ifaces[num] = iface
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (t *GousbTransport) ReleaseInterface(num int) error {
	iface, ok := t.ifaces[num]
	if !ok {
		return nil
	}

	iface.Close()
	delete(t.ifaces, num)
	return nil
}
