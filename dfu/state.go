/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * DFU 1.1 state and status enumerations (reproduced verbatim from the
 * USB Device Firmware Upgrade specification, revision 1.1)
 */

package dfu

// Request is one of the seven standard DFU class-specific requests.
type Request byte

// Standard DFU 1.1 requests.
const (
	Detach    Request = 0
	Dnload    Request = 1
	Upload    Request = 2
	GetStatus Request = 3
	ClrStatus Request = 4
	GetState  Request = 5
	Abort     Request = 6
)

// State is the device-side DFU state, as reported in GETSTATUS/GETSTATE.
type State byte

// DFU 1.1 states, in their specification declaration order.
const (
	AppIdle              State = 0
	AppDetach            State = 1
	DfuIdle              State = 2
	DfuDnloadSync        State = 3
	DfuDnbusy            State = 4
	DfuDnloadIdle        State = 5
	DfuManifestSync      State = 6
	DfuManifest          State = 7
	DfuManifestWaitReset State = 8
	DfuUploadIdle        State = 9
	DfuError             State = 10
)

func (s State) String() string {
	switch s {
	case AppIdle:
		return "appIDLE"
	case AppDetach:
		return "appDETACH"
	case DfuIdle:
		return "dfuIDLE"
	case DfuDnloadSync:
		return "dfuDNLOAD_SYNC"
	case DfuDnbusy:
		return "dfuDNBUSY"
	case DfuDnloadIdle:
		return "dfuDNLOAD_IDLE"
	case DfuManifestSync:
		return "dfuMANIFEST_SYNC"
	case DfuManifest:
		return "dfuMANIFEST"
	case DfuManifestWaitReset:
		return "dfuMANIFEST_WAIT_RESET"
	case DfuUploadIdle:
		return "dfuUPLOAD_IDLE"
	case DfuError:
		return "dfuERROR"
	}
	return "unknown"
}

// Status is the device-side DFU status code, as reported in bStatus of
// GETSTATUS.
type Status byte

// DFU 1.1 status codes.
const (
	StatusOK             Status = 0x00
	StatusErrTarget      Status = 0x01
	StatusErrFile        Status = 0x02
	StatusErrWrite       Status = 0x03
	StatusErrErase       Status = 0x04
	StatusErrCheckErased Status = 0x05
	StatusErrProg        Status = 0x06
	StatusErrVerify      Status = 0x07
	StatusErrAddress     Status = 0x08
	StatusErrNotdone     Status = 0x09
	StatusErrFirmware    Status = 0x0A
	StatusErrVendor      Status = 0x0B
	StatusErrUsbr        Status = 0x0C
	StatusErrPor         Status = 0x0D
	StatusErrUnknown     Status = 0x0E
	StatusErrStalledPkt  Status = 0x0F
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrTarget:
		return "errTARGET"
	case StatusErrFile:
		return "errFILE"
	case StatusErrWrite:
		return "errWRITE"
	case StatusErrErase:
		return "errERASE"
	case StatusErrCheckErased:
		return "errCHECK_ERASED"
	case StatusErrProg:
		return "errPROG"
	case StatusErrVerify:
		return "errVERIFY"
	case StatusErrAddress:
		return "errADDRESS"
	case StatusErrNotdone:
		return "errNOTDONE"
	case StatusErrFirmware:
		return "errFIRMWARE"
	case StatusErrVendor:
		return "errVENDOR"
	case StatusErrUsbr:
		return "errUSBR"
	case StatusErrPor:
		return "errPOR"
	case StatusErrUnknown:
		return "errUNKNOWN"
	case StatusErrStalledPkt:
		return "errSTALLEDPKT"
	}
	return "unknown"
}

// GetStatusReply is the 6-byte GETSTATUS reply.
type GetStatusReply struct {
	Status      Status
	PollTimeout uint32 // bwPollTimeout, a little-endian 24-bit field
	State       State
	StringIndex byte
}

const getStatusReplySize = 6
