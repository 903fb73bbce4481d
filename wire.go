/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * Wire codec for the service-request protocol (INIT/SEND/CHECK/RECV/RESET)
 */

package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/particle-iot/usb/usbio"
)

// Protocol-wide limits.
const (
	// MaxPayloadSize is the largest payload a logical request may carry.
	MaxPayloadSize = 65535
	// MaxRequestType is the largest valid request type code.
	MaxRequestType = 65535
)

// particleBRequest is the vendor-specific bRequest value carrying every
// service-request frame. All five frame kinds share it; wIndex picks the
// kind.
const particleBRequest byte = 0x50

// frameKind distinguishes the five service-request frames via wIndex, per
// spec §4.B.
type frameKind uint16

const (
	kindInit frameKind = iota
	kindSend
	kindCheck
	kindRecv
	kindReset
)

// setupInit builds the INIT setup packet: wValue carries the logical
// request type, wIndex selects the INIT frame, wLength advertises the
// payload length the caller intends to upload (0 if none). The data
// stage of the resulting IN transfer carries the service reply; wLength
// here is only the firmware's advance notice of payload size; the actual
// bytes read back are bounded by serviceReplyBufSize below, per ordinary
// USB short-transfer semantics.
func setupInit(reqType uint16, payloadLen int) usbio.Setup {
	return usbio.Setup{
		BmRequestType: usbio.DeviceToHost,
		BRequest:      particleBRequest,
		WValue:        reqType,
		WIndex:        uint16(kindInit),
		WLength:       uint16(payloadLen),
	}
}

// setupSend builds the SEND setup packet: wValue carries the proto_id,
// the OUT data stage carries the payload itself.
func setupSend(protoID uint16, payloadLen int) usbio.Setup {
	return usbio.Setup{
		BmRequestType: usbio.HostToDevice,
		BRequest:      particleBRequest,
		WValue:        protoID,
		WIndex:        uint16(kindSend),
		WLength:       uint16(payloadLen),
	}
}

// setupCheck builds the CHECK setup packet: an IN transfer whose reply
// is always a single service-reply frame.
func setupCheck(protoID uint16) usbio.Setup {
	return usbio.Setup{
		BmRequestType: usbio.DeviceToHost,
		BRequest:      particleBRequest,
		WValue:        protoID,
		WIndex:        uint16(kindCheck),
		WLength:       serviceReplyBufSize,
	}
}

// setupRecv builds the RECV setup packet: an IN transfer whose data
// stage directly carries size bytes of reply payload (no service-reply
// header wrapping).
func setupRecv(protoID uint16, size int) usbio.Setup {
	return usbio.Setup{
		BmRequestType: usbio.DeviceToHost,
		BRequest:      particleBRequest,
		WValue:        protoID,
		WIndex:        uint16(kindRecv),
		WLength:       uint16(size),
	}
}

// setupReset builds the RESET setup packet. protoID == 0 releases every
// slot on the device.
func setupReset(protoID uint16) usbio.Setup {
	return usbio.Setup{
		BmRequestType: usbio.HostToDevice,
		BRequest:      particleBRequest,
		WValue:        protoID,
		WIndex:        uint16(kindReset),
		WLength:       0,
	}
}

// WireStatus is the protocol-level status carried by a service reply; it
// governs the engine's INIT/CHECK sub-protocols and is distinct from the
// caller-visible ResultCode carried inside a reply's Result field.
type WireStatus uint16

// Service reply statuses, per spec §3/§4.C.
const (
	WireOK WireStatus = iota
	WirePending
	WireBusy
	WireNoMemory
	WireNotFound
	WireError
)

func (s WireStatus) String() string {
	switch s {
	case WireOK:
		return "OK"
	case WirePending:
		return "PENDING"
	case WireBusy:
		return "BUSY"
	case WireNoMemory:
		return "NO_MEMORY"
	case WireNotFound:
		return "NOT_FOUND"
	case WireError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// serviceReplyMinSize is the size of the four required fields; a shorter
// IN transfer is a malformed reply. serviceReplyBufSize is the buffer
// size the transport allocates for INIT/CHECK IN transfers; firmware
// revisions that pad the frame are tolerated by ignoring trailing bytes.
const (
	serviceReplyMinSize = 12
	serviceReplyBufSize = 16
)

// ServiceReply is a parsed service-reply frame: status, optional
// proto_id, caller-visible result code, and reply-payload size.
type ServiceReply struct {
	Status  WireStatus
	ProtoID uint16
	Size    uint32
	Result  int32
}

// parseServiceReply decodes a service-reply frame. Frames larger than
// serviceReplyMinSize are accepted and their trailing bytes ignored;
// frames shorter are rejected with ProtocolError.
func parseServiceReply(data []byte) (ServiceReply, error) {
	if len(data) < serviceReplyMinSize {
		return ServiceReply{}, ProtocolError(
			"short service reply: got %d bytes, need at least %d",
			len(data), serviceReplyMinSize)
	}

	return ServiceReply{
		Status:  WireStatus(binary.LittleEndian.Uint16(data[0:2])),
		ProtoID: binary.LittleEndian.Uint16(data[2:4]),
		Size:    binary.LittleEndian.Uint32(data[4:8]),
		Result:  int32(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// encodeServiceReply encodes a ServiceReply back into its minimal
// on-wire form. Used by tests (synthesizing loopback-device replies) and
// by anything constructing frames for a fake Transport.
func encodeServiceReply(r ServiceReply) []byte {
	buf := make([]byte, serviceReplyMinSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Status))
	binary.LittleEndian.PutUint16(buf[2:4], r.ProtoID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Result))
	return buf
}

// ResultCode is the caller-visible, device-reported result of a
// processed request, carried in ServiceReply.Result on the terminal
// CHECK. It is independent of WireStatus, which only drives INIT/CHECK
// polling.
type ResultCode uint32

// Known result codes, per spec §6.
const (
	ResultOK ResultCode = iota
	ResultError
	ResultBusy
	ResultNotFound
	ResultInvalidState
	ResultNoMemory
	ResultNotAllowed
	ResultCancelled
)

var resultMessages = map[ResultCode]string{
	ResultOK:           "OK",
	ResultError:        "Unknown error",
	ResultBusy:         "Busy",
	ResultNotFound:     "Not found",
	ResultInvalidState: "Invalid state",
	ResultNoMemory:     "No memory",
	ResultNotAllowed:   "Not allowed",
	ResultCancelled:    "Request was cancelled",
}

// Message returns a human-readable description of the result code. For
// codes outside the known table, it returns a generic description
// including the numeric value.
func (r ResultCode) Message() string {
	if m, ok := resultMessages[r]; ok {
		return m
	}
	return fmt.Sprintf("Unknown result code %d", uint32(r))
}
