package transport

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/efficientgo/core/errors"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/metrics"
	"github.com/usbip-go/vhci-core/status"
	"github.com/usbip-go/vhci-core/urb"
	"github.com/usbip-go/vhci-core/wire"
)

// Disconnected is returned by RunReceiveLoop when the socket closed,
// so the caller (the attachment manager) can trigger detach.
var Disconnected = errors.New("usbip: peer disconnected")

// RunReceiveLoop is the single cooperative receive task per device,
// spec.md §4.7. It runs until the socket errors (including a clean
// close, which surfaces as an error from RecvAll) or ctx is canceled.
// The caller is expected to run this in its own goroutine and react to
// its return value by tearing the device down.
func RunReceiveLoop(ctx context.Context, dev *device.Device, logger log.Logger, resolve URBResolver, m *metrics.Metrics) error {
	var hdrBuf [wire.HeaderSize]byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := dev.Socket.RecvAll(hdrBuf[:]); err != nil {
			return errors.Wrap(Disconnected, err.Error())
		}
		if m != nil {
			m.PDUsReceived.Inc()
		}

		hdr, err := wire.DecodeRetHeader(hdrBuf[:])
		if err != nil {
			level.Warn(logger).Log("msg", "malformed usbip header, dropping connection", "err", err)
			return errors.Wrap(err, "malformed header")
		}

		if !device.IsValidSeqnum(hdr.Base.Seqnum) {
			level.Warn(logger).Log("msg", "invalid seqnum in reply, dropping connection", "seqnum", hdr.Base.Seqnum)
			return errors.New("invalid seqnum")
		}
		dirIn := device.ExtractDir(hdr.Base.Seqnum) == 1

		switch hdr.Base.Command {
		case wire.RetUnlink:
			// The original URB was already completed at CMD_UNLINK time;
			// discard and loop.
			continue
		case wire.RetSubmit:
			if err := handleRetSubmit(dev, hdr, dirIn, resolve, logger); err != nil {
				return err
			}
		default:
			level.Warn(logger).Log("msg", "unexpected command in reply header", "command", hdr.Base.Command)
			return errors.Newf("unexpected command %#x", hdr.Base.Command)
		}
	}
}

// URBResolver looks up the concrete *urb.URB behind a pending request's
// opaque device.URBHandle so the receive loop can dispatch into it.
// device.Request.URB is a narrow interface; the receive loop needs the
// full urb.URB to run Dispatch, so callers that build requests with a
// urb.URB underneath supply the trivial identity resolver.
type URBResolver func(device.URBHandle) (*urb.URB, bool)

func handleRetSubmit(dev *device.Device, hdr wire.Header, dirIn bool, resolve URBResolver, logger log.Logger) error {
	seqnum := hdr.Base.Seqnum
	req, ok := dev.LookupPending(seqnum)
	if !ok {
		// Late reply for a canceled request: log and loop.
		level.Debug(logger).Log("msg", "no pending request for seqnum, dropping reply", "seqnum", seqnum)
		return nil
	}

	u, ok := resolve(req.URB)
	if !ok {
		level.Warn(logger).Log("msg", "pending request URB handle could not be resolved", "seqnum", seqnum)
		return nil
	}

	ret := urb.RetInfo{
		WireStatus:      hdr.RetSubmit.Status,
		ActualLength:    hdr.RetSubmit.ActualLength,
		StartFrame:      hdr.RetSubmit.StartFrame,
		NumberOfPackets: hdr.RetSubmit.NumberOfPackets,
		ErrorCount:      hdr.RetSubmit.ErrorCount,
	}

	payload, isoDescs, err := readPayload(dev, u, ret, dirIn)
	if err != nil {
		return errors.Wrap(err, "failed to read reply payload")
	}

	if u.Function == urb.FunctionIsochTransfer {
		if err := urb.ReassembleISO(u, payload, isoDescs); err != nil {
			level.Warn(logger).Log("msg", "iso reassembly failed", "seqnum", seqnum, "err", err)
			u.Status = status.InvalidParameter
			finishRequest(dev, req, u, seqnum)
			return nil
		}
	}

	result, dispErr := urb.Dispatch(dev, u, ret, payload)
	if dispErr != nil {
		level.Debug(logger).Log("msg", "dispatch reported failure, URB status downgraded", "seqnum", seqnum, "err", dispErr)
	}
	if ret.WireStatus == -32 && u.Status == status.Success {
		switch u.Function {
		case urb.FunctionSelectConfiguration, urb.FunctionSelectInterface, urb.FunctionResetPort:
			level.Warn(logger).Log("msg", "EP0 stall treated as success", "seqnum", seqnum, "function", u.Function)
		}
	}

	finishRequest(dev, req, u, seqnum)

	if result.AutoDetach && dev.MarkUnplugged() {
		// The caller wires OnDetach to the attachment manager's teardown.
		if dev.OnDetach != nil {
			dev.OnDetach(dev)
		}
		return Disconnected
	}
	return nil
}

func finishRequest(dev *device.Device, req *device.Request, u *urb.URB, seqnum uint32) {
	if _, won := req.CAS(device.StatusRecvComplete); !won {
		// A cancel already claimed StatusCanceled; drop this reply
		// silently, per spec.md §4.5.
		return
	}
	dev.RemovePending(seqnum)
	u.Complete(int32(u.Status))
}

// readPayload computes the payload length per spec.md §4.7 step 5 and
// reads it with a wait-all receive, returning the raw IN/iso bytes and,
// for isochronous transfers, the decoded iso descriptor table.
func readPayload(dev *device.Device, u *urb.URB, ret urb.RetInfo, dirIn bool) ([]byte, []wire.IsoPacketDescriptor, error) {
	if u.Function != urb.FunctionIsochTransfer {
		if !dirIn || ret.ActualLength <= 0 {
			return nil, nil, nil
		}
		buf := make([]byte, ret.ActualLength)
		if err := dev.Socket.RecvAll(buf); err != nil {
			return nil, nil, err
		}
		return buf, nil, nil
	}

	// Isochronous: RET IN carries compacted payload then the iso table;
	// RET OUT carries only the iso table (spec.md §6 payload rules).
	var payload []byte
	if dirIn && ret.ActualLength > 0 {
		payload = make([]byte, ret.ActualLength)
		if err := dev.Socket.RecvAll(payload); err != nil {
			return nil, nil, err
		}
	}

	descBytes := make([]byte, int(ret.NumberOfPackets)*wire.IsoDescSize)
	if len(descBytes) > 0 {
		if err := dev.Socket.RecvAll(descBytes); err != nil {
			return nil, nil, err
		}
	}
	descs, err := wire.DecodeISODescriptors(descBytes, int(ret.NumberOfPackets))
	if err != nil {
		return nil, nil, err
	}
	return payload, descs, nil
}
