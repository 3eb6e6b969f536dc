// Package device holds the per-attached-device state: the sequence
// allocator (C4), the pending-request table and its CAS status machine
// (C5), and the Device/Request records from spec.md §3.
package device

import (
	"sync"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/google/uuid"

	"github.com/usbip-go/vhci-core/wire"
)

// Speed mirrors the USB/IP wire speed encoding for an attached device.
type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

// IsSuperOrAbove reports whether the device belongs on the USB3+
// sub-range of the port table (spec.md invariant 4).
func (s Speed) IsSuperOrAbove() bool { return s >= SpeedSuper }

// Location identifies where a remote device lives, per spec.md §3.
type Location struct {
	Host    string
	Service string
	BusID   string
}

// Status is the CAS state machine of a single in-flight Request,
// spec.md §4.5.
type Status int32

const (
	StatusZero Status = iota
	StatusSendComplete
	StatusRecvComplete
	StatusCanceled
	StatusNoHandle
)

// URBHandle is the narrow view the device/transport packages need of a
// host URB: enough to complete it and to look up its function code and
// buffers. The concrete URB type lives in package urb; this interface
// avoids a dependency cycle (urb depends on device for Device/Request).
type URBHandle interface {
	// Complete finalizes the URB with the given host USB status. It is
	// invoked exactly once per URB across the send, receive, cancel,
	// and disconnect paths.
	Complete(status int32)
}

// Request is one in-flight URB, spec.md §3 "Request".
type Request struct {
	URB      URBHandle
	Seqnum   uint32
	Endpoint uint32
	status   atomic.Int32

	// OwnedTransferMDL records whether this request constructed and
	// therefore owns the transfer-buffer descriptor built for a
	// virtual-address-only host buffer (spec.md §4.6 step 2, §9's
	// F_FREE_MDL note). Teardown must release it exactly when true.
	OwnedTransferMDL bool
}

// CAS attempts to move the request to want, returning the status
// observed immediately before the attempt as "prior" and whether this
// call performed the transition.
//
// StatusZero and StatusSendComplete are both non-terminal: a request
// sitting at either one can still be claimed by whichever of
// StatusRecvComplete or StatusCanceled gets there first, so a cancel
// issued after CMD_SUBMIT has already gone out still wins against a
// RET_SUBMIT that has not yet arrived (spec.md §8's "cancel wins
// races" law). StatusRecvComplete and StatusCanceled are terminal —
// once either lands, every later CAS call fails, so a URB is completed
// exactly once no matter which of send/receive/cancel/disconnect gets
// there first.
func (r *Request) CAS(want Status) (prior Status, won bool) {
	for {
		cur := Status(r.status.Load())
		if !requestTransitionAllowed(cur, want) {
			return cur, false
		}
		if r.status.CompareAndSwap(int32(cur), int32(want)) {
			return cur, true
		}
	}
}

func requestTransitionAllowed(cur, want Status) bool {
	switch cur {
	case StatusZero:
		return true
	case StatusSendComplete:
		return want == StatusRecvComplete || want == StatusCanceled
	default:
		// StatusRecvComplete and StatusCanceled are terminal.
		return false
	}
}

// Load reads the current status without mutating it.
func (r *Request) Load() Status { return Status(r.status.Load()) }

// Device is one attached remote device, spec.md §3 "Device".
type Device struct {
	AttachmentID uuid.UUID

	Port     int
	Speed    Speed
	Devid    uint32
	Location Location

	Socket Socket

	seqnum atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*Request

	SendMutex sync.Mutex

	unplugged atomic.Bool

	SkipSelectConfig bool

	stringMu       sync.Mutex
	StringDescCache [256][]byte

	CurrentFrameNumber atomic.Uint32
	MSVendorCode       atomic.Uint32 // holds a byte value plus a "discovered" flag in bit 8

	DeviceDescriptorSnapshot []byte
	ActiveConfig             int
	ActiveAltSetting         map[int]int

	// OnDetach is invoked at the end of teardown, once, so the owner
	// (vhci.VHCI) can reclaim the port and drop its own reference.
	OnDetach func(*Device)
}

// Socket is the narrow transport interface a Device depends on (§6
// consumed interface): connect is performed by the caller before
// building a Device; only send/receive/close are needed afterward.
type Socket interface {
	// Send performs a single gathered write of all of bufs, in order,
	// as one logical PDU. Implementations must not interleave other
	// writers' bytes inside this call.
	Send(bufs [][]byte) error
	// RecvAll reads exactly len(buf) bytes into buf, or returns an
	// error (including io.EOF) if the peer closes first.
	RecvAll(buf []byte) error
	// Close closes the underlying connection; concurrent RecvAll calls
	// must observe an error and return.
	Close() error
}

// NewDevice constructs an unattached Device shell; the caller fills in
// Port via the port table once a slot is claimed.
func NewDevice(id uuid.UUID, loc Location, speed Speed, devid uint32, sock Socket) *Device {
	return &Device{
		AttachmentID:     id,
		Location:         loc,
		Speed:            speed,
		Devid:            devid,
		Socket:           sock,
		pending:          make(map[uint32]*Request),
		ActiveAltSetting: make(map[int]int),
	}
}

// NextSeqNum allocates the next non-zero, direction-tagged sequence
// number for this device, spec.md §4.4.
func (d *Device) NextSeqNum(dirIn bool) uint32 {
	for {
		n := d.seqnum.Add(1) << 1
		if n == 0 {
			// Wrapped exactly onto zero; skip and try again.
			continue
		}
		if dirIn {
			return n | 1
		}
		return n
	}
}

// ExtractNum returns the counter value embedded in seqnum.
func ExtractNum(s uint32) uint32 { return s >> 1 }

// ExtractDir returns the direction bit embedded in seqnum: 1 for IN, 0
// for OUT.
func ExtractDir(s uint32) uint32 { return s & 1 }

// IsValidSeqnum reports whether s encodes a non-zero counter value.
func IsValidSeqnum(s uint32) bool { return ExtractNum(s) != 0 }

// InsertPending registers req under its own Seqnum, before the first
// byte of its PDU is written to the socket (spec.md §4.5).
func (d *Device) InsertPending(req *Request) {
	d.pendingMu.Lock()
	d.pending[req.Seqnum] = req
	d.pendingMu.Unlock()
}

// LookupPending returns the request for seqnum without removing it.
func (d *Device) LookupPending(seqnum uint32) (*Request, bool) {
	d.pendingMu.Lock()
	req, ok := d.pending[seqnum]
	d.pendingMu.Unlock()
	return req, ok
}

// RemovePending drops seqnum from the pending table. It is called by
// whichever of {receive, cancel, disconnect} completes the request.
func (d *Device) RemovePending(seqnum uint32) {
	d.pendingMu.Lock()
	delete(d.pending, seqnum)
	d.pendingMu.Unlock()
}

// DrainPending returns and clears every currently pending request, used
// by cancel-all-on-disconnect (spec.md §4.9 detach sequence).
func (d *Device) DrainPending() []*Request {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	reqs := make([]*Request, 0, len(d.pending))
	for _, r := range d.pending {
		reqs = append(reqs, r)
	}
	d.pending = make(map[uint32]*Request)
	return reqs
}

// PendingCount reports the number of in-flight requests, used by the
// metrics package.
func (d *Device) PendingCount() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// MarkUnplugged transitions the device to unplugged, returning true iff
// this call performed the transition (spec.md §4.9's idempotency
// requirement: multiple callers observing unplugged race, only one
// tears down).
func (d *Device) MarkUnplugged() bool {
	return d.unplugged.CompareAndSwap(false, true)
}

// Unplugged reports the current value of the unplugged flag.
func (d *Device) Unplugged() bool { return d.unplugged.Load() }

// CacheString stores a string descriptor at index unless already
// cached or empty, per spec.md §4.3's control-descriptor handler. Only
// the receive task calls this.
func (d *Device) CacheString(index uint8, data []byte) {
	if len(data) == 0 {
		return
	}
	d.stringMu.Lock()
	defer d.stringMu.Unlock()
	if d.StringDescCache[index] != nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.StringDescCache[index] = cp
}

// CachedString returns a reference to the cached string descriptor at
// index, or nil. Readers rely on cache entries never being freed until
// device teardown, so no copy is made here.
func (d *Device) CachedString(index uint8) []byte {
	d.stringMu.Lock()
	defer d.stringMu.Unlock()
	return d.StringDescCache[index]
}

// SetMSVendorCode records the vendor code discovered from the USB OS
// string descriptor at index 0xEE.
func (d *Device) SetMSVendorCode(code uint8) {
	d.MSVendorCode.Store(uint32(code) | 0x100)
}

// MSVendorCodeDiscovered reports whether SetMSVendorCode has run.
func (d *Device) MSVendorCodeDiscovered() (code uint8, ok bool) {
	v := d.MSVendorCode.Load()
	if v&0x100 == 0 {
		return 0, false
	}
	return uint8(v), true
}

// ErrNoHandle names a miss in the pending table (spec.md §4.5's
// NO_HANDLE terminal state). No function in this package returns it;
// LookupPending reports a miss through its bool result.
var ErrNoHandle = errors.New("no pending request for seqnum")

// SubmitHeader builds the base+cmd_submit portion of a usbip_header for
// a fresh submission on this device.
func (d *Device) SubmitHeader(seqnum, ep uint32, dirIn bool, flags uint32, bufLen int32, startFrame, numPackets, interval int32, setup [8]byte) wire.Header {
	dir := wire.DirOut
	if dirIn {
		dir = wire.DirIn
	}
	return wire.Header{
		Base: wire.Base{
			Command:   wire.CmdSubmit,
			Seqnum:    seqnum,
			Devid:     d.Devid,
			Direction: dir,
			Ep:        ep,
		},
		CmdSubmit: wire.CmdSubmitUnion{
			TransferFlags:        flags,
			TransferBufferLength: bufLen,
			StartFrame:           startFrame,
			NumberOfPackets:      numPackets,
			Interval:             interval,
			Setup:                setup,
		},
	}
}
