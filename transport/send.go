// Package transport implements the send pipeline (C6) and receive
// pipeline (C7) of the virtual host controller core: serializing URBs
// onto the wire under a per-device send mutex, and the per-device
// receive loop that demultiplexes replies by sequence number.
package transport

import (
	"github.com/efficientgo/core/errors"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/metrics"
	"github.com/usbip-go/vhci-core/status"
	"github.com/usbip-go/vhci-core/urb"
	"github.com/usbip-go/vhci-core/wire"
)

// Submit sends u on dev, following spec.md §4.6:
//  1. allocate a seqnum
//  2. build the cmd_submit header
//  3. optionally build an OUT payload / iso descriptor table
//  4. insert into pending before the first byte is written
//  5. issue one gathered send
//  6. mark SEND_COMPLETE, a no-op if RECV_COMPLETE or CANCELED already
//     won the race
//
// Submit builds the request itself and performs the InsertPending call
// under the send mutex, so that "insert before first byte" holds even
// under concurrent submitters.
func Submit(dev *device.Device, u *urb.URB, m *metrics.Metrics) (*device.Request, error) {
	seqnum := dev.NextSeqNum(u.DirectionIn)

	req := &device.Request{
		URB:      u,
		Seqnum:   seqnum,
		Endpoint: u.Endpoint,
	}

	var numPackets int32
	var isoDescBytes []byte
	if u.Function == urb.FunctionIsochTransfer {
		numPackets = int32(len(u.IsoPackets))
		wireDescs := make([]wire.IsoPacketDescriptor, numPackets)
		for i, p := range u.IsoPackets {
			wireDescs[i] = wire.IsoPacketDescriptor{
				Offset: p.Offset,
				Length: p.Length,
			}
		}
		var err error
		isoDescBytes, err = wire.EncodeISODescriptors(wireDescs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode iso descriptor table")
		}
	}

	startFrame := u.IsochStartFrame
	hdr := dev.SubmitHeader(seqnum, u.Endpoint, u.DirectionIn, u.TransferFlags, u.TransferBufferLength, startFrame, numPackets, 0, u.SetupPacket)

	headerBytes, err := wire.EncodeCmdSubmit(hdr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cmd_submit header")
	}

	outPayload := urb.ExtractTransferBuffer(u)

	dev.SendMutex.Lock()
	defer dev.SendMutex.Unlock()

	// Insert into pending before the first byte leaves the process, per
	// spec.md §4.5.
	dev.InsertPending(req)

	bufs := [][]byte{headerBytes}
	if len(outPayload) > 0 {
		bufs = append(bufs, outPayload)
	}
	if len(isoDescBytes) > 0 {
		bufs = append(bufs, isoDescBytes)
	}

	if err := dev.Socket.Send(bufs); err != nil {
		// A failed send means the socket itself is no longer trustworthy:
		// cancel this request, complete its URB, and force the whole
		// device through the same detach path a receive-side disconnect
		// takes, so no other pending request on it is left hanging
		// either (spec.md §4.6, §7).
		dev.RemovePending(seqnum)
		if _, won := req.CAS(device.StatusCanceled); won {
			u.Complete(int32(status.Cancelled))
		}
		_ = dev.Socket.Close()
		if dev.MarkUnplugged() && dev.OnDetach != nil {
			dev.OnDetach(dev)
		}
		return nil, errors.Wrap(err, "failed to send cmd_submit")
	}
	if m != nil {
		m.PDUsSent.Inc()
	}

	// Best-effort marker: if a concurrent receive or cancel has already
	// claimed a terminal state, this simply fails and does nothing —
	// whichever call reached RecvComplete/Canceled first already owns
	// completing the URB.
	req.CAS(device.StatusSendComplete)

	return req, nil
}

// Unlink sends a CMD_UNLINK for req's seqnum, per spec.md §4.5/§5. It
// does not itself complete the URB: the caller must already have CAS'd
// req to StatusCanceled and completed the URB before or after issuing
// the unlink.
func Unlink(dev *device.Device, req *device.Request, m *metrics.Metrics) error {
	body, err := wire.EncodeCmdUnlink(dev.Devid, dev.NextSeqNum(false), req.Endpoint, req.Seqnum)
	if err != nil {
		return errors.Wrap(err, "failed to encode cmd_unlink")
	}
	dev.SendMutex.Lock()
	defer dev.SendMutex.Unlock()
	if err := dev.Socket.Send([][]byte{body}); err != nil {
		return errors.Wrap(err, "failed to send cmd_unlink")
	}
	if m != nil {
		m.PDUsSent.Inc()
	}
	return nil
}

// Cancel implements the "cancel wins races" law of spec.md §8: it CASes
// req to StatusCanceled, and if this call wins, completes the URB with
// CANCELED and, if the request was already sent, issues a CMD_UNLINK
// for it. The CAS still succeeds after CMD_SUBMIT has already gone out
// (StatusSendComplete), since a RET_SUBMIT racing in has not yet
// landed; it only fails once RunReceiveLoop's own CAS has already
// claimed StatusRecvComplete, at which point the URB is already
// complete and this call is a no-op. Submit returns the request only
// after its send has finished, so a Cancel on a request from Submit
// always follows the CMD_SUBMIT; wasSent=false skips the CMD_UNLINK
// for a request that never went out. The matching RET_UNLINK is
// drained silently by the receive loop.
func Cancel(dev *device.Device, req *device.Request, wasSent bool, m *metrics.Metrics) {
	if _, won := req.CAS(device.StatusCanceled); !won {
		return
	}
	dev.RemovePending(req.Seqnum)
	req.URB.Complete(int32(status.Cancelled))
	if wasSent {
		_ = Unlink(dev, req, m)
	}
}
