package usb

import (
	"bytes"
	"testing"
)

func TestServiceReplyRoundTrip(t *testing.T) {
	statuses := []WireStatus{WireOK, WirePending, WireBusy, WireNoMemory, WireNotFound, WireError}

	for _, status := range statuses {
		for _, result := range []int32{0, 1, -1, 2147483647, -2147483648} {
			in := ServiceReply{
				Status:  status,
				ProtoID: 0xBEEF,
				Size:    0x01020304,
				Result:  result,
			}

			encoded := encodeServiceReply(in)
			if len(encoded) != serviceReplyMinSize {
				t.Fatalf("encode: got %d bytes, want %d", len(encoded), serviceReplyMinSize)
			}

			out, err := parseServiceReply(encoded)
			if err != nil {
				t.Fatalf("parse: %s", err)
			}

			if out != in {
				t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
			}
		}
	}
}

func TestParseServiceReplyTolerance(t *testing.T) {
	in := ServiceReply{Status: WireOK, ProtoID: 7, Size: 4, Result: 0}
	encoded := encodeServiceReply(in)

	padded := append(encoded, 0xAA, 0xBB, 0xCC, 0xDD)
	out, err := parseServiceReply(padded)
	if err != nil {
		t.Fatalf("parse with trailing bytes: %s", err)
	}
	if out != in {
		t.Fatalf("parse with trailing bytes mismatch: got %+v, want %+v", out, in)
	}
}

func TestParseServiceReplyShort(t *testing.T) {
	_, err := parseServiceReply(make([]byte, serviceReplyMinSize-1))
	if err == nil {
		t.Fatal("expected an error for a short reply")
	}
	if !Is(err, KindProtocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestSetupBuilders(t *testing.T) {
	init := setupInit(40, 16)
	if init.BRequest != particleBRequest || init.WIndex != uint16(kindInit) ||
		init.WValue != 40 || init.WLength != 16 {
		t.Fatalf("setupInit: unexpected fields: %+v", init)
	}

	send := setupSend(11, 16)
	if send.WIndex != uint16(kindSend) || send.WValue != 11 || send.WLength != 16 {
		t.Fatalf("setupSend: unexpected fields: %+v", send)
	}

	check := setupCheck(11)
	if check.WIndex != uint16(kindCheck) || check.WLength != serviceReplyBufSize {
		t.Fatalf("setupCheck: unexpected fields: %+v", check)
	}

	recv := setupRecv(11, 4)
	if recv.WIndex != uint16(kindRecv) || recv.WLength != 4 {
		t.Fatalf("setupRecv: unexpected fields: %+v", recv)
	}

	reset := setupReset(0)
	if reset.WIndex != uint16(kindReset) || reset.WValue != 0 {
		t.Fatalf("setupReset: unexpected fields: %+v", reset)
	}
}

func TestResultCodeMessage(t *testing.T) {
	if ResultOK.Message() != "OK" {
		t.Fatalf("unexpected message for ResultOK: %q", ResultOK.Message())
	}
	if ResultCode(9999).Message() == "" {
		t.Fatal("expected a non-empty fallback message for an unknown result code")
	}
}

func TestWireStatusString(t *testing.T) {
	cases := map[WireStatus]string{
		WireOK:       "OK",
		WireBusy:     "BUSY",
		WireNotFound: "NOT_FOUND",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("status %d: got %q, want %q", status, got, want)
		}
	}
}

func TestEncodeServiceReplyLittleEndian(t *testing.T) {
	r := ServiceReply{Status: WireOK, ProtoID: 1, Size: 0, Result: 0}
	encoded := encodeServiceReply(r)
	if !bytes.Equal(encoded[0:2], []byte{0x00, 0x00}) {
		t.Fatalf("status bytes: got %x", encoded[0:2])
	}
	if !bytes.Equal(encoded[2:4], []byte{0x01, 0x00}) {
		t.Fatalf("proto_id bytes: got %x", encoded[2:4])
	}
}
