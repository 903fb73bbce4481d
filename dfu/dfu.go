/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * DFU 1.1 client: drives the device-side state machine to leave
 * bootloader mode cleanly, including the dfuDNLOAD_IDLE quirk some
 * device generations exhibit in place of the strict dfuMANIFEST
 * transition.
 */

package dfu

import (
	"fmt"

	"github.com/particle-iot/usb/usbio"
)

// dfuInterface, dfuAlt identify the USB interface this client operates
// on; claimed in Open, released in Close, per spec §4.D.
const (
	dfuInterface = 0
	dfuAlt       = 0
)

// Transport is the subset of usbio.Transport the DFU client needs. Any
// usbio.Transport satisfies it; declaring it locally (rather than
// importing usbio.Transport by name) keeps this package's public
// surface minimal and decoupled from the root package's wiring.
type Transport interface {
	TransferIn(setup usbio.Setup) ([]byte, error)
	TransferOut(setup usbio.Setup, payload []byte) error
	ClaimInterface(num, alt int) error
	ReleaseInterface(num int) error
}

// Client drives the DFU 1.1 state machine over a Transport.
type Client struct {
	t       Transport
	claimed bool
}

// NewClient creates a DFU client bound to t. The caller's Transport
// must already be open (device opened, not yet claiming any interface).
func NewClient(t Transport) *Client {
	return &Client{t: t}
}

// Open claims interface 0, alternate setting 0, per spec §4.D.
func (c *Client) Open() error {
	if err := c.t.ClaimInterface(dfuInterface, dfuAlt); err != nil {
		return transportErr("claim interface", err)
	}
	c.claimed = true
	return nil
}

// Close releases the claimed interface. After a successful Leave, the
// device resets on its own; the host must still Close to release its
// side of the USB handle.
func (c *Client) Close() error {
	if !c.claimed {
		return nil
	}
	c.claimed = false
	if err := c.t.ReleaseInterface(dfuInterface); err != nil {
		return transportErr("release interface", err)
	}
	return nil
}

func (c *Client) setup(bmRequestType byte, req Request, wValue uint16, length int) usbio.Setup {
	return usbio.Setup{
		BmRequestType: bmRequestType,
		BRequest:      byte(req),
		WValue:        wValue,
		WIndex:        dfuInterface,
		WLength:       uint16(length),
	}
}

// getStatus issues GETSTATUS and parses the 6-byte reply.
func (c *Client) getStatus() (GetStatusReply, error) {
	setup := c.setup(usbio.DfuDeviceToHost, GetStatus, 0, getStatusReplySize)
	data, err := c.t.TransferIn(setup)
	if err != nil {
		return GetStatusReply{}, transportErr("GETSTATUS", err)
	}
	if len(data) < getStatusReplySize {
		return GetStatusReply{}, fmt.Errorf(
			"dfu: GETSTATUS: short reply (%d bytes)", len(data))
	}

	return GetStatusReply{
		Status: Status(data[0]),
		PollTimeout: uint32(data[1]) |
			uint32(data[2])<<8 |
			uint32(data[3])<<16,
		State:       State(data[4]),
		StringIndex: data[5],
	}, nil
}

// clrStatus issues CLRSTATUS.
func (c *Client) clrStatus() error {
	setup := c.setup(usbio.DfuHostToDevice, ClrStatus, 0, 0)
	if err := c.t.TransferOut(setup, nil); err != nil {
		return transportErr("CLRSTATUS", err)
	}
	return nil
}

// dnload issues a DNLOAD with the given block number and payload.
func (c *Client) dnload(blockNum uint16, payload []byte) error {
	setup := c.setup(usbio.DfuHostToDevice, Dnload, blockNum, len(payload))
	if err := c.t.TransferOut(setup, payload); err != nil {
		return transportErr("DNLOAD", err)
	}
	return nil
}

// isIdle reports whether a state is one of the two states Leave may
// start a manifest transition from.
func isIdle(s State) bool {
	return s == DfuIdle || s == DfuDnloadIdle
}

// Leave drives the device out of bootloader mode, per spec §4.D:
//  1. normalize to dfuIDLE/dfuDNLOAD_IDLE, clearing dfuERROR if needed;
//  2. trigger manifestation with a zero-length DNLOAD;
//  3. verify the transition, tolerating the documented quirk where a
//     device reports dfuDNLOAD_IDLE with bStatus==OK instead of the
//     strict dfuMANIFEST state.
//
// After a successful Leave the device will reset on its own; the
// caller must treat the USB handle as lost and only Close it.
func (c *Client) Leave() error {
	if err := c.normalize(); err != nil {
		return err
	}

	// Zero-length DNLOAD with a non-zero dummy block number triggers
	// dfuMANIFEST_SYNC -> dfuMANIFEST in a device sitting in
	// dfuIDLE/dfuDNLOAD_IDLE, per the DFU 1.1 spec.
	if err := c.dnload(1, nil); err != nil {
		return err
	}

	status, err := c.getStatus()
	if err != nil {
		return err
	}

	switch {
	case status.State == DfuManifest:
		return nil
	case status.Status == StatusOK && status.State == DfuDnloadIdle:
		// The documented quirk: some device generations report
		// dfuDNLOAD_IDLE instead of transitioning visibly through
		// dfuMANIFEST before resetting.
		return nil
	default:
		return fmt.Errorf("dfu: invalid DFU state: status=%s state=%s",
			status.Status, status.State)
	}
}

// normalize brings the device to dfuIDLE or dfuDNLOAD_IDLE, clearing
// any error state first.
func (c *Client) normalize() error {
	status, err := c.getStatus()
	if err != nil {
		// GETSTATUS itself failed: try to clear and retry once.
		if cerr := c.clrStatus(); cerr != nil {
			return fmt.Errorf("dfu: invalid state: %w", err)
		}
		status, err = c.getStatus()
		if err != nil {
			return fmt.Errorf("dfu: invalid state: %w", err)
		}
	}

	if status.State == DfuError {
		if err := c.clrStatus(); err != nil {
			return err
		}
	} else if !isIdle(status.State) {
		// CLRSTATUS may itself fail here; if so the device lands in
		// dfuERROR and a second CLRSTATUS reaches dfuIDLE.
		if err := c.clrStatus(); err != nil {
			if cerr := c.clrStatus(); cerr != nil {
				return fmt.Errorf("dfu: invalid state: %w", cerr)
			}
		}
	} else {
		return nil
	}

	status, err = c.getStatus()
	if err != nil {
		return fmt.Errorf("dfu: invalid state: %w", err)
	}

	if !isIdle(status.State) {
		return fmt.Errorf("dfu: invalid state: stuck in %s", status.State)
	}

	return nil
}
