// Package urb models the host USB Request Block as a tagged variant and
// implements the dispatch table keyed by URB function code (C3 of the
// virtual host controller core).
package urb

import "github.com/usbip-go/vhci-core/status"

// Function is the host URB's function code discriminant. The values are
// this package's own enumeration, not the Windows URB_FUNCTION_*
// numbers; only the codes this core needs to treat specially are named,
// everything else is FunctionUnexpected.
type Function uint16

const (
	FunctionSelectConfiguration Function = iota
	FunctionSelectInterface
	FunctionGetDescriptorFromDevice
	FunctionGetDescriptorFromInterface
	FunctionBulkOrInterruptTransfer
	FunctionControlTransfer
	FunctionIsochTransfer
	FunctionResetPort
	FunctionClassInterface
	FunctionClassDevice
	FunctionClassEndpoint
	FunctionSyncResetPipeAndClearStall
	FunctionAbortPipe
	FunctionGetStatusFromDevice
	FunctionVendorDevice
	FunctionGetCurrentFrameNumber
	FunctionUnexpected
)

// DescriptorType mirrors the USB descriptor type byte used to interpret
// a control-descriptor completion.
type DescriptorType uint8

const (
	DescriptorTypeDevice   DescriptorType = 1
	DescriptorTypeString   DescriptorType = 3
	OSStringDescriptorIndex uint8         = 0xEE
)

// IsoPacket is one entry of the host-side isochronous packet table
// supplied with an isochronous URB, expressed in the destination
// buffer's (sparse) layout.
type IsoPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       status.USB
}

// URB is the structured, already-adapted record C3 dispatches on. It is
// what "extraction from a generic URB" (spec.md §4.3) produces: the
// host USB stack's real record is out of scope (§1); callers construct
// a URB value from whatever the host stack hands them before calling
// Dispatch.
type URB struct {
	Function Function

	// Status is the URB's own completion status, in host USB terms.
	// Dispatch handlers set it from the reply's wire status.
	Status status.USB

	DirectionIn bool
	Endpoint    uint32

	TransferFlags        uint32
	TransferBuffer       []byte // destination for IN, source for OUT
	TransferBufferLength int32

	SetupPacket [8]byte

	IsochStartFrame  int32
	IsochASAP        bool
	IsoPackets       []IsoPacket

	// Populated by handlers for select-configuration/-interface.
	ConfigurationValue int
	InterfaceNumber    int
	AlternateSetting   int

	// Populated for GetDescriptor completions so callers can inspect
	// what was requested without re-parsing SetupPacket.
	RequestedDescriptorType  DescriptorType
	RequestedDescriptorIndex uint8

	// ErrorCount is filled in from the RET_SUBMIT header for
	// isochronous completions.
	ErrorCount int32
}

// Complete marks the URB done with the given host USB status, encoded
// as int32 to satisfy device.URBHandle without device needing to import
// package status. Concrete host-URB adapters wrap this to also notify
// the real host stack; package-internal callers (tests) use it
// directly.
func (u *URB) Complete(hostStatus int32) {
	u.Status = status.USB(hostStatus)
}

// ExtractDirectionIn returns the transfer direction to use for the
// wire header: for CMD it is the URB's own direction; RET direction is
// never derived from the URB (see device.ExtractDir).
func ExtractDirectionIn(u *URB) bool { return u.DirectionIn }

// ExtractTransferBuffer returns the OUT payload to send for u, or nil
// if none (IN transfers and zero-length OUT never produce a body).
func ExtractTransferBuffer(u *URB) []byte {
	if u.DirectionIn {
		return nil
	}
	return u.TransferBuffer
}

// ExtractIsoTable returns u's host-side (sparse, destination-relative)
// packet table as is; it does not convert it to wire
// iso_packet_descriptor values (Submit builds those itself).
func ExtractIsoTable(u *URB) []IsoPacket { return u.IsoPackets }
