/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * Static device table and enumeration, grounded on the teacher's
 * gousb-based address handling (usbaddr.go) generalized from one
 * address list to a typed vendor/product lookup.
 */

package usb

import (
	"fmt"
	"strings"

	"github.com/google/gousb"

	"github.com/particle-iot/usb/usbio"
)

// VidPid is a (vendor ID, product ID) pair.
type VidPid struct {
	Vendor  uint16
	Product uint16
}

// DeviceType describes one supported device family: its symbolic
// name, numeric platform ID, and the two (vid,pid) pairs it may
// enumerate under (regular application firmware, and DFU bootloader).
type DeviceType struct {
	Name       string
	PlatformID uint32
	Normal     VidPid
	DFU        VidPid
}

// deviceTable is the static (name, platform-id, vid/pid) table, per
// §6. Platform IDs and USB IDs below are representative of Particle's
// public device roster; unknown devices are simply not enumerated.
var deviceTable = []DeviceType{
	{Name: "Photon", PlatformID: 6, Normal: VidPid{0x2B04, 0xC006}, DFU: VidPid{0x2B04, 0xD006}},
	{Name: "P1", PlatformID: 8, Normal: VidPid{0x2B04, 0xC008}, DFU: VidPid{0x2B04, 0xD008}},
	{Name: "Electron", PlatformID: 10, Normal: VidPid{0x2B04, 0xC00A}, DFU: VidPid{0x2B04, 0xD00A}},
	{Name: "Argon", PlatformID: 12, Normal: VidPid{0x2B04, 0xC00C}, DFU: VidPid{0x2B04, 0xD00C}},
	{Name: "Boron", PlatformID: 13, Normal: VidPid{0x2B04, 0xC00D}, DFU: VidPid{0x2B04, 0xD00D}},
	{Name: "Xenon", PlatformID: 14, Normal: VidPid{0x2B04, 0xC00E}, DFU: VidPid{0x2B04, 0xD00E}},
	{Name: "B-Series SoM", PlatformID: 23, Normal: VidPid{0x2B04, 0xC017}, DFU: VidPid{0x2B04, 0xD017}},
	{Name: "Tracker", PlatformID: 26, Normal: VidPid{0x2B04, 0xC01A}, DFU: VidPid{0x2B04, 0xD01A}},
}

// lookupVidPid finds the DeviceType matching vid/pid and reports
// whether the match was on the DFU pair.
func lookupVidPid(vid, pid uint16) (dt DeviceType, dfu bool, ok bool) {
	for _, dt := range deviceTable {
		if dt.Normal.Vendor == vid && dt.Normal.Product == pid {
			return dt, false, true
		}
		if dt.DFU.Vendor == vid && dt.DFU.Product == pid {
			return dt, true, true
		}
	}
	return DeviceType{}, false, false
}

// EnumeratedDevice is one plugged-in, table-matched USB device: enough
// to open it, plus the classification the table assigned it.
type EnumeratedDevice struct {
	Type DeviceType
	DFU  bool

	ctx  *gousb.Context
	desc *gousb.DeviceDesc
}

// Transport builds a Transport for this enumerated device. The caller
// owns its lifecycle (Open/Close).
func (e EnumeratedDevice) Transport() usbio.Transport {
	return usbio.NewGousbTransport(e.ctx, e.desc)
}

// Enumerate returns one EnumeratedDevice per currently plugged-in USB
// device whose (vid,pid) appears in the device table, per §6.
func Enumerate(ctx *gousb.Context) ([]EnumeratedDevice, error) {
	var found []EnumeratedDevice

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, _, ok := lookupVidPid(uint16(desc.Vendor), uint16(desc.Product))
		return ok
	})

	for _, d := range devs {
		desc := d.Desc
		d.Close()

		dt, dfu, ok := lookupVidPid(uint16(desc.Vendor), uint16(desc.Product))
		if !ok {
			continue
		}

		found = append(found, EnumeratedDevice{
			Type: dt,
			DFU:  dfu,
			ctx:  ctx,
			desc: desc,
		})
	}

	if err != nil {
		return found, fmt.Errorf("usb: enumerate: %w", err)
	}

	return found, nil
}

// OpenByID enumerates every matching device, opens each long enough to
// read its serial number, and returns the Transport for the one whose
// lowercase serial equals id, closing the rest, per §6.
func OpenByID(ctx *gousb.Context, id string) (usbio.Transport, DeviceType, bool, error) {
	id = strings.ToLower(id)

	candidates, err := Enumerate(ctx)
	if err != nil {
		return nil, DeviceType{}, false, err
	}

	var match usbio.Transport
	var matchType DeviceType
	var matchDFU bool

	for _, c := range candidates {
		t := c.Transport()
		if err := t.Open(); err != nil {
			continue
		}

		serial, err := t.SerialNumber()
		if err == nil && match == nil && strings.ToLower(serial) == id {
			match = t
			matchType = c.Type
			matchDFU = c.DFU
			continue
		}

		t.Close()
	}

	if match == nil {
		return nil, DeviceType{}, false, NotFoundError("device %q not found", id)
	}

	return match, matchType, matchDFU, nil
}
