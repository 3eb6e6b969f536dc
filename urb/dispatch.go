package urb

import (
	"bytes"
	"encoding/binary"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/status"
	"github.com/usbip-go/vhci-core/wire"
)

// RetInfo carries the fields of a RET_SUBMIT header that dispatch
// handlers need, decoupling this package from the wire package's exact
// struct layout.
type RetInfo struct {
	WireStatus      int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
}

// Result reports side effects a dispatch handler could not perform
// itself because they cross into the attachment manager's authority.
type Result struct {
	// AutoDetach is set when a device-descriptor refetch mismatched the
	// attach-time snapshot (spec.md §4.3's control-descriptor handler).
	AutoDetach bool
}

// Handler is one entry of the dispatch table.
type Handler func(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error)

var table = map[Function]Handler{
	FunctionSelectConfiguration:        handleSelectConfiguration,
	FunctionSelectInterface:            handleSelectInterface,
	FunctionGetDescriptorFromDevice:    handleControlDescriptor,
	FunctionGetDescriptorFromInterface: handleControlDescriptor,
	FunctionBulkOrInterruptTransfer:    handleGenericTransfer,
	FunctionControlTransfer:            handleGenericTransfer,
	FunctionIsochTransfer:              handleIsochTransfer,
	FunctionResetPort:                  handleResetPort,
	FunctionClassInterface:             handleGenericTransfer,
	FunctionClassDevice:                handleGenericTransfer,
	FunctionClassEndpoint:              handleGenericTransfer,
	FunctionSyncResetPipeAndClearStall: handleSuccess,
	FunctionAbortPipe:                  handleSuccess,
	FunctionGetStatusFromDevice:        handleGenericTransfer,
	FunctionVendorDevice:               handleGenericTransfer,
	FunctionGetCurrentFrameNumber:      handleGetCurrentFrameNumber,
}

// Dispatch runs the handler for u.Function, applying the completion
// policy from spec.md §4.3: if the handler fails and the URB's own
// status is still Success, it is overwritten with InvalidParameter so
// the host observes a consistent failure code.
func Dispatch(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	h, ok := table[u.Function]
	if !ok {
		h = handleUnexpected
	}
	res, err := h(dev, u, ret, payload)
	if err != nil && u.Status == status.Success {
		u.Status = status.InvalidParameter
	}
	return res, err
}

func handleGenericTransfer(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	_ = dev
	n := ret.ActualLength
	if n > u.TransferBufferLength {
		n = u.TransferBufferLength
	}
	u.TransferBufferLength = n
	if u.DirectionIn && n > 0 {
		copy(u.TransferBuffer, payload[:n])
	}
	u.Status = status.FromWire(ret.WireStatus)
	return Result{}, nil
}

func handleSelectConfiguration(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	if status.IsBenignStall(ret.WireStatus, status.FnSelectConfiguration) {
		u.Status = status.Success
		dev.ActiveConfig = u.ConfigurationValue
		return Result{}, nil
	}
	u.Status = status.FromWire(ret.WireStatus)
	if u.Status == status.Success {
		dev.ActiveConfig = u.ConfigurationValue
	}
	_ = payload
	return Result{}, nil
}

func handleSelectInterface(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	if status.IsBenignStall(ret.WireStatus, status.FnSelectInterface) {
		u.Status = status.Success
		dev.ActiveAltSetting[u.InterfaceNumber] = u.AlternateSetting
		return Result{}, nil
	}
	u.Status = status.FromWire(ret.WireStatus)
	if u.Status == status.Success {
		dev.ActiveAltSetting[u.InterfaceNumber] = u.AlternateSetting
	}
	_ = payload
	return Result{}, nil
}

func handleResetPort(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	_ = dev
	_ = payload
	if status.IsBenignStall(ret.WireStatus, status.FnResetPort) {
		u.Status = status.Success
		return Result{}, nil
	}
	u.Status = status.FromWire(ret.WireStatus)
	return Result{}, nil
}

func handleSuccess(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	_ = dev
	_ = ret
	_ = payload
	u.Status = status.Success
	return Result{}, nil
}

func handleUnexpected(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	_ = dev
	_ = ret
	_ = payload
	// Status is left untouched so Dispatch's completion policy turns the
	// failure into InvalidParameter.
	return Result{}, errNotDispatchable
}

func handleGetCurrentFrameNumber(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	_ = payload
	dev.CurrentFrameNumber.Store(uint32(ret.StartFrame))
	u.Status = status.FromWire(ret.WireStatus)
	return Result{}, nil
}

// handleControlDescriptor implements spec.md §4.3's control-descriptor
// case: run the generic-transfer copy first, then inspect the result.
func handleControlDescriptor(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	if _, err := handleGenericTransfer(dev, u, ret, payload); err != nil {
		return Result{}, err
	}
	if u.Status != status.Success {
		return Result{}, nil
	}
	actual := int(u.TransferBufferLength)
	if actual <= 0 {
		return Result{}, nil
	}
	buf := u.TransferBuffer[:actual]

	switch u.RequestedDescriptorType {
	case DescriptorTypeString:
		bLength := int(buf[0])
		if bLength != actual {
			return Result{}, nil
		}
		if u.RequestedDescriptorIndex == OSStringDescriptorIndex {
			if code, ok := parseMSOSStringDescriptor(buf); ok {
				dev.SetMSVendorCode(code)
			}
			return Result{}, nil
		}
		dev.CacheString(u.RequestedDescriptorIndex, buf)
	case DescriptorTypeDevice:
		if dev.DeviceDescriptorSnapshot != nil && !bytes.Equal(dev.DeviceDescriptorSnapshot, buf) {
			return Result{AutoDetach: true}, nil
		}
	}
	return Result{}, nil
}

// parseMSOSStringDescriptor looks for the "MSFT100" signature at offset
// 2 of a USB OS string descriptor and extracts MS_VendorCode from the
// byte that follows it, per the Microsoft OS Descriptors 1.0
// specification (bLength=18, bDescriptorType=3, qwSignature="MSFT100",
// bMS_VendorCode, bPad).
func parseMSOSStringDescriptor(buf []byte) (uint8, bool) {
	const signature = "MSFT100"
	if len(buf) < 2+len(signature)+1 {
		return 0, false
	}
	// The signature is UTF-16LE encoded on the wire.
	decoded := make([]byte, 0, len(signature))
	for i := 0; i < len(signature); i++ {
		off := 2 + i*2
		if off+1 >= len(buf) {
			return 0, false
		}
		decoded = append(decoded, buf[off])
	}
	if string(decoded) != signature {
		return 0, false
	}
	vendorCodeOffset := 2 + len(signature)*2
	if vendorCodeOffset >= len(buf) {
		return 0, false
	}
	return buf[vendorCodeOffset], true
}

func handleIsochTransfer(dev *device.Device, u *URB, ret RetInfo, payload []byte) (Result, error) {
	_ = payload // the caller has already reassembled iso payload via ReassembleISO
	if ret.NumberOfPackets > 0 && ret.ErrorCount == ret.NumberOfPackets {
		u.Status = status.IsochRequestFailed
	} else {
		u.Status = status.FromWire(ret.WireStatus)
	}
	u.ErrorCount = ret.ErrorCount
	if u.IsochASAP {
		dev.CurrentFrameNumber.Store(uint32(ret.StartFrame))
	}
	return Result{}, nil
}

var errNotDispatchable = decodeErr("unexpected URB function code")

type decodeErr string

func (e decodeErr) Error() string { return string(e) }

// EncodeSetupGetDescriptor fills setup for a standard GET_DESCRIPTOR
// control request addressed to the device (bmRequestType 0x80), used by callers
// building a control-descriptor URB; kept here since it is the mirror
// image of what handleControlDescriptor decodes.
func EncodeSetupGetDescriptor(descType DescriptorType, index uint8, length uint16) [8]byte {
	var setup [8]byte
	setup[0] = 0x80 // device-to-host, standard, device recipient
	setup[1] = 0x06 // GET_DESCRIPTOR
	setup[2] = index
	setup[3] = byte(descType)
	binary.LittleEndian.PutUint16(setup[6:8], length)
	return setup
}

// ReassembleISO copies the server's compacted isochronous IN payload
// into u's sparse destination layout, per spec.md §4.7. wireDescs are
// the iso_packet_descriptor entries the server returned, in the same
// order as u.IsoPackets.
func ReassembleISO(u *URB, srcPayload []byte, wireDescs []wire.IsoPacketDescriptor) error {
	if len(wireDescs) != len(u.IsoPackets) {
		return decodeErr("iso descriptor count mismatch")
	}
	var srcOffsetRunning uint32
	srcLen := uint32(len(srcPayload))
	dstLen := uint32(u.TransferBufferLength)

	for i, wd := range wireDescs {
		dst := &u.IsoPackets[i]
		if wd.ActualLength > wd.Length {
			return decodeErr("iso packet actual_length exceeds length")
		}
		if wd.Offset != dst.Offset {
			return decodeErr("iso packet offset mismatch between server and client layout")
		}
		if srcOffsetRunning > dst.Offset {
			return decodeErr("iso packet source offset ran past destination offset")
		}
		if srcOffsetRunning+wd.ActualLength > srcLen {
			return decodeErr("iso packet source read exceeds compacted payload")
		}
		if dst.Offset+wd.ActualLength > dstLen {
			return decodeErr("iso packet destination write exceeds transfer buffer")
		}
		if wd.ActualLength > 0 {
			copy(u.TransferBuffer[dst.Offset:dst.Offset+wd.ActualLength], srcPayload[srcOffsetRunning:srcOffsetRunning+wd.ActualLength])
		}
		dst.ActualLength = wd.ActualLength
		dst.Status = status.FromWireISO(int32(wd.Status), wd.ActualLength, wd.Length)
		srcOffsetRunning += wd.ActualLength
	}

	if srcOffsetRunning != srcLen {
		return decodeErr("iso reassembly did not consume the entire compacted payload")
	}
	return nil
}
