package wire

import (
	"bytes"
	"testing"

	"github.com/efficientgo/core/errors"
)

func TestEncodeOpImportReqTooLongBusID(t *testing.T) {
	long := make([]byte, 32)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := EncodeOpImportReq(string(long)); err == nil {
		t.Fatal("expected error for busid of length 32")
	}
}

func TestEncodeDecodeOpImportRoundTrip(t *testing.T) {
	reqBytes, err := EncodeOpImportReq("1-1")
	if err != nil {
		t.Fatalf("EncodeOpImportReq: %v", err)
	}
	if len(reqBytes) != 8+32 {
		t.Fatalf("unexpected OP_REQ_IMPORT length: %d", len(reqBytes))
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(USBIPVersion >> 8))
	buf.WriteByte(byte(USBIPVersion & 0xFF))
	buf.WriteByte(byte(OpRepImport >> 8))
	buf.WriteByte(byte(OpRepImport))
	buf.Write([]byte{0, 0, 0, 0}) // status: OK

	body := make([]byte, 256+32+4+4+4+2+2+2+1+1+1+1+1+1)
	buf.Write(body)

	rep, err := DecodeOpImportRep(&buf)
	if err != nil {
		t.Fatalf("DecodeOpImportRep: %v", err)
	}
	if rep.Version != USBIPVersion || rep.Code != OpRepImport {
		t.Fatalf("unexpected decoded header: %+v", rep.OpCommon)
	}
}

func TestDecodeOpImportRepVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x02, 0x00, byte(OpRepImport >> 8), byte(OpRepImport), 0, 0, 0, 0})
	body := make([]byte, 256+32+4+4+4+2+2+2+1+1+1+1+1+1)
	buf.Write(body)
	_, err := DecodeOpImportRep(&buf)
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected err to wrap ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeOpImportRepCodeMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{byte(USBIPVersion >> 8), byte(USBIPVersion & 0xFF), 0xFF, 0xFF, 0, 0, 0, 0})
	body := make([]byte, 256+32+4+4+4+2+2+2+1+1+1+1+1+1)
	buf.Write(body)
	_, err := DecodeOpImportRep(&buf)
	if err == nil {
		t.Fatal("expected code mismatch error")
	}
	if !errors.Is(err, ErrUnexpectedCode) {
		t.Fatalf("expected err to wrap ErrUnexpectedCode, got %v", err)
	}
}

func TestCmdSubmitRetSubmitHeaderRoundTrip(t *testing.T) {
	hdr := Header{
		Base: Base{
			Command:   CmdSubmit,
			Seqnum:    3,
			Devid:     0x00010002,
			Direction: DirOut,
			Ep:        1,
		},
		CmdSubmit: CmdSubmitUnion{
			TransferFlags:        0,
			TransferBufferLength: 64,
			StartFrame:           0,
			NumberOfPackets:      -1,
			Interval:             0,
		},
	}
	encoded, err := EncodeCmdSubmit(hdr)
	if err != nil {
		t.Fatalf("EncodeCmdSubmit: %v", err)
	}
	if len(encoded) != HeaderSize {
		t.Fatalf("encoded cmd_submit header is %d bytes, want %d", len(encoded), HeaderSize)
	}

	// Build a matching RET_SUBMIT reply buffer by hand and decode it.
	var buf bytes.Buffer
	buf.Write(encoded[:20]) // reuse the base
	buf.Bytes()[0] = byte(RetSubmit >> 24)
	buf.Bytes()[1] = byte(RetSubmit >> 16)
	buf.Bytes()[2] = byte(RetSubmit >> 8)
	buf.Bytes()[3] = byte(RetSubmit)
	retUnion := make([]byte, 28)
	// ActualLength = 64 at offset 4 within the union (Status is offset 0..3)
	retUnion[7] = 64
	buf.Write(retUnion)

	decoded, err := DecodeRetHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeRetHeader: %v", err)
	}
	if decoded.Base.Command != RetSubmit {
		t.Fatalf("expected command RetSubmit, got %#x", decoded.Base.Command)
	}
	if decoded.RetSubmit.ActualLength != 64 {
		t.Fatalf("expected actual_length 64, got %d", decoded.RetSubmit.ActualLength)
	}
}

func TestDecodeRetHeaderWrongSize(t *testing.T) {
	if _, err := DecodeRetHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected size validation error")
	}
}

func TestDecodeRetHeaderUnexpectedCommand(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[3] = byte(CmdSubmit) // Base.Command = CMD_SUBMIT, not a valid reply command
	if _, err := DecodeRetHeader(buf); err == nil {
		t.Fatal("expected unexpected-command error")
	}
}

func TestEncodeCmdUnlink(t *testing.T) {
	body, err := EncodeCmdUnlink(0x00010002, 5, 1, 3)
	if err != nil {
		t.Fatalf("EncodeCmdUnlink: %v", err)
	}
	if len(body) != HeaderSize {
		t.Fatalf("cmd_unlink is %d bytes, want %d", len(body), HeaderSize)
	}
}

func TestISODescriptorRoundTrip(t *testing.T) {
	descs := []IsoPacketDescriptor{
		{Offset: 0, Length: 188, ActualLength: 188, Status: 0},
		{Offset: 188, Length: 188, ActualLength: 100, Status: 0},
	}
	encoded, err := EncodeISODescriptors(descs)
	if err != nil {
		t.Fatalf("EncodeISODescriptors: %v", err)
	}
	if len(encoded) != len(descs)*IsoDescSize {
		t.Fatalf("encoded length %d, want %d", len(encoded), len(descs)*IsoDescSize)
	}
	decoded, err := DecodeISODescriptors(encoded, len(descs))
	if err != nil {
		t.Fatalf("DecodeISODescriptors: %v", err)
	}
	for i := range descs {
		if decoded[i] != descs[i] {
			t.Fatalf("descriptor %d round-trip mismatch: got %+v want %+v", i, decoded[i], descs[i])
		}
	}
}

func TestDecodeISODescriptorsWrongLength(t *testing.T) {
	if _, err := DecodeISODescriptors(make([]byte, IsoDescSize-1), 1); err == nil {
		t.Fatal("expected length validation error")
	}
}

func TestDevlistRoundTrip(t *testing.T) {
	reqBytes, err := EncodeOpDevlistReq()
	if err != nil {
		t.Fatalf("EncodeOpDevlistReq: %v", err)
	}
	if len(reqBytes) != 8 {
		t.Fatalf("OP_REQ_DEVLIST is %d bytes, want 8", len(reqBytes))
	}

	var buf bytes.Buffer
	buf.Write([]byte{byte(USBIPVersion >> 8), byte(USBIPVersion & 0xFF), byte(OpRepDevlist >> 8), byte(OpRepDevlist), 0, 0, 0, 0})
	buf.Write([]byte{0, 0, 0, 1}) // NumDevices = 1
	entry := make([]byte, 256+32+4+4+4+2+2+2+1+1+1+1+1+1)
	// NumInterfaces is the last byte of the entry; set to 2.
	entry[len(entry)-1] = 2
	buf.Write(entry)
	buf.Write(make([]byte, 4*2)) // two 4-byte interface descriptors

	entries, err := DecodeOpDevlistRep(&buf)
	if err != nil {
		t.Fatalf("DecodeOpDevlistRep: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 devlist entry, got %d", len(entries))
	}
	if len(entries[0].Interfaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %d", len(entries[0].Interfaces))
	}
}

func TestDecodeOpDevlistRepBadStatus(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{byte(USBIPVersion >> 8), byte(USBIPVersion & 0xFF), byte(OpRepDevlist >> 8), byte(OpRepDevlist), 0, 0, 0, 1})
	if _, err := DecodeOpDevlistRep(&buf); err == nil {
		t.Fatal("expected non-zero status error")
	}
}
