// Package status implements the closed bidirectional translation table
// between host USB status codes and USB/IP wire errno values (C2 of
// the virtual host controller core), plus the isochronous per-packet
// variant.
package status

// USB status values a URB's UrbHeader.Status field can carry. These
// mirror the small subset of USBD_STATUS-flavored codes the core
// itself produces or consumes; the host USB stack understands a much
// larger table, but everything outside this set is out of scope.
type USB int32

const (
	Success               USB = 0
	Stall                 USB = -1
	CRC                   USB = -2
	Timeout               USB = -3
	DeviceNotResponding   USB = -4
	Cancelled             USB = -5
	Overrun               USB = -6
	BufferOverrun         USB = -7
	NotAccessed           USB = -8
	InvalidParameter      USB = -9
	InsufficientResources USB = -10
	IsochRequestFailed    USB = -11
	InternalError         USB = -12
)

// wireToUSB maps a USB/IP negative-errno wire status to a host USB
// status. This table is closed: any wire value not present maps to
// InternalError via the fallback in FromWire.
var wireToUSB = map[int32]USB{
	0:     Success,
	-32:   Stall,            // -EPIPE, endpoint stall
	-71:   DeviceNotResponding, // -EPROTO
	-110:  Timeout,          // -ETIMEDOUT
	-104:  Cancelled,        // -ECONNRESET
	-108:  Cancelled,        // -ESHUTDOWN
	-22:   InvalidParameter, // -EINVAL
	-12:   InsufficientResources, // -ENOMEM
	-19:   DeviceNotResponding, // -ENODEV
}

// usbToWire is the reverse mapping behind ToWire.
var usbToWire = map[USB]int32{
	Success:               0,
	Stall:                 -32,
	DeviceNotResponding:   -19,
	Timeout:               -110,
	Cancelled:             -104,
	InvalidParameter:      -22,
	InsufficientResources: -12,
}

// FromWire translates a USB/IP wire status (ret_submit.Status, always
// <= 0) into a host USB status. Unknown codes map to InternalError.
func FromWire(wire int32) USB {
	if wire == 0 {
		return Success
	}
	if v, ok := wireToUSB[wire]; ok {
		return v
	}
	return InternalError
}

// ToWire is the inverse of FromWire, used only for local diagnostics;
// the core never fabricates a RET_SUBMIT so this is not on the hot
// path.
func ToWire(u USB) int32 {
	if v, ok := usbToWire[u]; ok {
		return v
	}
	return -1
}

// FromWireISO translates the per-packet status field of an
// iso_packet_descriptor. The isochronous encoding differs from the
// normal one in how short/stalled packets are represented: a short
// packet (ActualLength < Length) with wire status 0 is success, not a
// short-packet error, because the transfer as a whole tolerates partial
// packets.
func FromWireISO(wire int32, actualLength, length uint32) USB {
	if wire == 0 {
		return Success
	}
	if wire == -32 && actualLength < length {
		// Short isochronous packet: not treated as a hard failure.
		return Success
	}
	return FromWire(wire)
}

// EP0Function identifies the three EP0 control operations for which a
// stall from the server is not an error, per spec.md §4.2.
type EP0Function int

const (
	FnOther EP0Function = iota
	FnSelectConfiguration
	FnSelectInterface
	FnResetPort
)

// IsBenignStall reports whether wire status Stall (-EPIPE, wire value
// -32) on fn should be converted to success with a warning rather than
// propagated as a failure.
func IsBenignStall(wire int32, fn EP0Function) bool {
	if wire != -32 {
		return false
	}
	switch fn {
	case FnSelectConfiguration, FnSelectInterface, FnResetPort:
		return true
	default:
		return false
	}
}
