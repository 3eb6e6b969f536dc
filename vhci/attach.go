package vhci

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/efficientgo/core/errors"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/metrics"
	"github.com/usbip-go/vhci-core/persistence"
	"github.com/usbip-go/vhci-core/transport"
	"github.com/usbip-go/vhci-core/urb"
	"github.com/usbip-go/vhci-core/usbiperr"
	"github.com/usbip-go/vhci-core/wire"
)

// Dialer is the narrow view of the TCP socket library the attachment
// manager needs (spec.md §6's consumed Socket interface, restricted to
// what dialing requires). A real dialer just calls net.Dial; tests
// substitute an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context, host, service string) (net.Conn, error)
}

// NetDialer is the production Dialer, dialing plain TCP.
type NetDialer struct{}

func (NetDialer) Dial(ctx context.Context, host, service string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, service))
}

// AttachedInfo is the record ImportedDevices returns per spec.md §6.
type AttachedInfo struct {
	Port     int
	Speed    device.Speed
	Vendor   uint16
	Product  uint16
	Devid    uint32
	Location device.Location
}

// Manager wires the port table together with a Dialer and a URB
// resolver so the receive loop can dispatch into live URBs. It is
// the C9 attachment manager.
type Manager struct {
	VHCI     *VHCI
	Dialer   Dialer
	Logger   log.Logger
	Metrics  *metrics.Metrics
	Registry persistence.Registry

	Resolve transport.URBResolver

	runningMu sync.Mutex
	running   map[int]context.CancelFunc
}

// NewManager constructs a Manager. resolve maps a device.URBHandle back
// to the concrete *urb.URB behind it; see transport.URBResolver. reg may
// be nil, in which case SetPersistent only tracks the flag in memory.
func NewManager(v *VHCI, dialer Dialer, logger log.Logger, resolve transport.URBResolver, m *metrics.Metrics, reg persistence.Registry) *Manager {
	return &Manager{
		VHCI:     v,
		Dialer:   dialer,
		Logger:   logger,
		Metrics:  m,
		Registry: reg,
		Resolve:  resolve,
		running:  make(map[int]context.CancelFunc),
	}
}

// PluginHardware runs the attach sequence of spec.md §4.9: connect,
// OP_REQ_IMPORT/OP_REP_IMPORT handshake, device context allocation,
// port claim, receive loop spawn.
func (m *Manager) PluginHardware(ctx context.Context, loc device.Location) (int, error) {
	conn, err := m.Dialer.Dial(ctx, loc.Host, loc.Service)
	if err != nil {
		return 0, usbiperr.New(usbiperr.KindNetwork, errors.Wrapf(err, "failed to connect to %s:%s", loc.Host, loc.Service))
	}

	reqBytes, err := wire.EncodeOpImportReq(loc.BusID)
	if err != nil {
		_ = conn.Close()
		return 0, usbiperr.New(usbiperr.KindProtocol, err)
	}
	if _, err := conn.Write(reqBytes); err != nil {
		_ = conn.Close()
		return 0, usbiperr.New(usbiperr.KindNetwork, errors.Wrap(err, "failed to write OP_REQ_IMPORT"))
	}

	rep, err := wire.DecodeOpImportRep(conn)
	if err != nil {
		_ = conn.Close()
		return 0, classifyImportDecodeErr(err)
	}
	if kind, bad := classifyImportStatus(rep.OpCommon.Status); bad {
		_ = conn.Close()
		return 0, usbiperr.Newf(kind, "server refused OP_REQ_IMPORT for %s with status %d", loc.BusID, rep.OpCommon.Status)
	}

	sock := transport.NewNetSocket(conn)
	dev := device.NewDevice(
		uuid.New(),
		loc,
		device.Speed(rep.USBDeviceDescription.Speed),
		rep.USBDeviceDescription.BusNum<<16|rep.USBDeviceDescription.DevNum,
		sock,
	)
	dev.DeviceDescriptorSnapshot = snapshotDeviceDescriptor(rep.USBDeviceDescription)

	port, err := m.VHCI.ClaimPort(dev)
	if err != nil {
		_ = sock.Close()
		return 0, usbiperr.New(usbiperr.KindInsufficientResources, err)
	}

	dev.OnDetach = func(d *device.Device) { m.teardown(d) }

	runCtx, cancel := context.WithCancel(context.Background())
	m.runningMu.Lock()
	m.running[port] = cancel
	m.runningMu.Unlock()

	go m.runReceiveLoop(runCtx, dev)

	if m.Metrics != nil {
		m.Metrics.AttachedDevices.Inc()
	}
	level.Info(m.Logger).Log("msg", "attached device", "port", port, "host", loc.Host, "busid", loc.BusID, "devid", dev.Devid)
	return port, nil
}

func (m *Manager) runReceiveLoop(ctx context.Context, dev *device.Device) {
	err := transport.RunReceiveLoop(ctx, dev, log.With(m.Logger, "port", dev.Port), m.Resolve, m.Metrics)
	if err != nil {
		level.Warn(m.Logger).Log("msg", "receive loop exited", "port", dev.Port, "err", err)
	}
	if err == transport.Disconnected && m.Metrics != nil {
		// A bare (unwrapped) Disconnected is the auto-detach signal from
		// handleRetSubmit; a socket-level failure always wraps it with
		// the underlying read error text.
		m.Metrics.AutoDetachTotal.Inc()
	}
	// Any exit from the receive loop (error or context cancellation from
	// an explicit PlugoutHardware) means the socket is no longer being
	// serviced; converge on the same teardown either way, idempotently.
	if dev.MarkUnplugged() {
		m.teardown(dev)
	}
}

// PlugoutHardware runs the detach sequence of spec.md §4.9. port == -1
// detaches every attached device, aggregating errors with multierr so
// one failure does not stop the rest from being torn down.
func (m *Manager) PlugoutHardware(port int) error {
	if port == -1 {
		var err error
		for _, dev := range m.VHCI.AllDevices() {
			if e := m.plugoutOne(dev.Port); e != nil {
				err = multierr.Append(err, e)
			}
		}
		return err
	}
	return m.plugoutOne(port)
}

func (m *Manager) plugoutOne(port int) error {
	dev, ok := m.VHCI.LookupPort(port)
	if !ok {
		return usbiperr.Newf(usbiperr.KindNoDevice, "no device attached to port %d", port)
	}
	if !dev.MarkUnplugged() {
		// Another caller (disconnect detection) is already tearing this
		// device down; nothing more to do.
		return nil
	}
	m.teardown(dev)
	return nil
}

// teardown implements spec.md §4.9's detach sequence body. It must only
// ever run once per device: callers gate entry on
// device.MarkUnplugged() winning the CAS.
func (m *Manager) teardown(dev *device.Device) {
	// Every request still in the pending table is necessarily in
	// StatusZero or StatusSendComplete — anything that already reached
	// StatusRecvComplete or StatusCanceled was already removed by
	// finishRequest/Cancel — so this CAS lands for all of them,
	// completing every in-flight URB with FILE_FORCED_CLOSED.
	for _, req := range dev.DrainPending() {
		if _, won := req.CAS(device.StatusCanceled); won {
			req.URB.Complete(int32(canceledHostStatus))
		}
	}
	_ = dev.Socket.Close()

	m.runningMu.Lock()
	if cancel, ok := m.running[dev.Port]; ok {
		cancel()
		delete(m.running, dev.Port)
	}
	m.runningMu.Unlock()

	m.VHCI.ReclaimPort(dev.Port)
	if m.Metrics != nil {
		m.Metrics.AttachedDevices.Dec()
	}
	level.Info(m.Logger).Log("msg", "detached device", "port", dev.Port, "host", dev.Location.Host, "busid", dev.Location.BusID)
}

// canceledHostStatus mirrors status.Cancelled without importing package
// status here (this file only needs the numeric value for teardown's
// blanket cancellation, matching FILE_FORCED_CLOSED semantics of
// spec.md §4.5).
const canceledHostStatus = -5

// ImportedDevices implements GET_IMPORTED_DEVICES (spec.md §6).
func (m *Manager) ImportedDevices() []AttachedInfo {
	devs := m.VHCI.AllDevices()
	out := make([]AttachedInfo, 0, len(devs))
	for _, d := range devs {
		vendor, product := parseVendorProduct(d.DeviceDescriptorSnapshot)
		out = append(out, AttachedInfo{
			Port:     d.Port,
			Speed:    d.Speed,
			Vendor:   vendor,
			Product:  product,
			Devid:    d.Devid,
			Location: d.Location,
		})
	}
	return out
}

// RemoteDevice is one entry of ListRemoteDevices' result.
type RemoteDevice struct {
	BusID   string
	Vendor  uint16
	Product uint16
	Class   uint8
}

// ListRemoteDevices runs OP_REQ_DEVLIST/OP_REP_DEVLIST against a USB/IP
// server to discover exportable devices before attaching one, a feature
// of the original client this spec's distillation dropped but the
// teacher's usbip.Connection.ListRequest implemented.
func (m *Manager) ListRemoteDevices(ctx context.Context, host, service string) ([]RemoteDevice, error) {
	conn, err := m.Dialer.Dial(ctx, host, service)
	if err != nil {
		return nil, usbiperr.New(usbiperr.KindNetwork, errors.Wrapf(err, "failed to connect to %s:%s", host, service))
	}
	defer func() { _ = conn.Close() }()

	reqBytes, err := wire.EncodeOpDevlistReq()
	if err != nil {
		return nil, usbiperr.New(usbiperr.KindProtocol, err)
	}
	if _, err := conn.Write(reqBytes); err != nil {
		return nil, usbiperr.New(usbiperr.KindNetwork, errors.Wrap(err, "failed to write OP_REQ_DEVLIST"))
	}

	entries, err := wire.DecodeOpDevlistRep(conn)
	if err != nil {
		return nil, usbiperr.New(usbiperr.KindProtocol, err)
	}

	out := make([]RemoteDevice, len(entries))
	for i, e := range entries {
		busid := e.BusID[:]
		if idx := bytes.IndexByte(busid, 0); idx >= 0 {
			busid = busid[:idx]
		}
		out[i] = RemoteDevice{
			BusID:   string(busid),
			Vendor:  e.Vendor,
			Product: e.Product,
			Class:   e.DeviceClass,
		}
	}
	return out, nil
}

// SetPersistent implements SET_PERSISTENT (spec.md §6): it marks port's
// device to be replayed by the persistence worker across restarts, and
// writes the resulting set through to Registry if one is configured.
func (m *Manager) SetPersistent(port int, persistent bool) error {
	dev, ok := m.VHCI.LookupPort(port)
	if !ok {
		return usbiperr.Newf(usbiperr.KindNoDevice, "no device attached to port %d", port)
	}
	m.VHCI.SetPersistent(dev.Location, persistent)
	return m.savePersistent()
}

// GetPersistent implements GET_PERSISTENT (spec.md §6).
func (m *Manager) GetPersistent(port int) (bool, error) {
	dev, ok := m.VHCI.LookupPort(port)
	if !ok {
		return false, usbiperr.Newf(usbiperr.KindNoDevice, "no device attached to port %d", port)
	}
	return m.VHCI.GetPersistent(dev.Location), nil
}

// persistedDevicesKey is the Registry key the teacher's mapstructure
// device-list decoding pattern is reused for; see
// persistence.ViperStore.
const persistedDevicesKey = "usbip.persisted_devices"

func (m *Manager) savePersistent() error {
	if m.Registry == nil {
		return nil
	}
	locs := m.VHCI.PersistentLocations()
	lines := make([]string, 0, len(locs))
	for _, loc := range locs {
		lines = append(lines, persistence.FormatLine(loc))
	}
	return m.Registry.WriteMultiString(persistedDevicesKey, lines)
}

// ReplayPersisted runs the C10 replay worker over every location the
// Registry currently lists under persistedDevicesKey, per spec.md §4.10.
func (m *Manager) ReplayPersisted(ctx context.Context, logger log.Logger) error {
	if m.Registry == nil {
		return nil
	}
	return persistence.Replay(ctx, m.Registry, persistedDevicesKey, func(ctx context.Context, loc device.Location) (int, error) {
		port, err := m.PluginHardware(ctx, loc)
		if err == nil {
			m.VHCI.SetPersistent(loc, true)
		}
		return port, err
	}, logger, m.Metrics)
}

// SubmitURB sends u to the device on port, the entry point the host USB
// stack consumer of spec.md §6 uses to issue a transfer.
func (m *Manager) SubmitURB(port int, u *urb.URB) (*device.Request, error) {
	dev, ok := m.VHCI.LookupPort(port)
	if !ok {
		return nil, usbiperr.Newf(usbiperr.KindNoDevice, "no device attached to port %d", port)
	}
	return transport.Submit(dev, u, m.Metrics)
}

// CancelURB implements the cancel path of spec.md §4.5/§8 for a URB
// previously returned by SubmitURB. wasSent should be true unless the
// caller knows the CMD_SUBMIT never reached the socket step.
func (m *Manager) CancelURB(port int, req *device.Request, wasSent bool) error {
	dev, ok := m.VHCI.LookupPort(port)
	if !ok {
		return usbiperr.Newf(usbiperr.KindNoDevice, "no device attached to port %d", port)
	}
	transport.Cancel(dev, req, wasSent, m.Metrics)
	return nil
}

func classifyImportStatus(wireStatus uint32) (usbiperr.Kind, bool) {
	switch wireStatus {
	case wire.ImportStatusOK:
		return usbiperr.KindUnknown, false
	case wire.ImportStatusNA:
		return usbiperr.KindNotAvailable, true
	case wire.ImportStatusDevBusy:
		return usbiperr.KindDevBusy, true
	case wire.ImportStatusDevErr:
		return usbiperr.KindDevErr, true
	case wire.ImportStatusNoDev:
		return usbiperr.KindNoDevice, true
	default:
		return usbiperr.KindServerError, true
	}
}

func classifyImportDecodeErr(err error) *usbiperr.Error {
	switch {
	case errors.Is(err, wire.ErrVersionMismatch):
		return usbiperr.New(usbiperr.KindVersion, err)
	case errors.Is(err, wire.ErrUnexpectedCode):
		return usbiperr.New(usbiperr.KindProtocol, err)
	default:
		// Any other failure is a read/network-level problem: the header
		// never arrived intact, so there is no wire content to classify.
		return usbiperr.New(usbiperr.KindNetwork, err)
	}
}

func snapshotDeviceDescriptor(d wire.USBDeviceDescription) []byte {
	// The standard 18-byte USB device descriptor, rebuilt from the
	// usbip_usb_device fields the server sent, so later GET_DESCRIPTOR
	// refetches can be compared byte-for-byte (spec.md §4.3).
	b := make([]byte, 18)
	b[0] = 18
	b[1] = 1 // DEVICE descriptor type
	b[4] = d.DeviceClass
	b[5] = d.DeviceSubClass
	b[6] = d.DeviceProtocol
	b[8] = byte(d.Vendor)
	b[9] = byte(d.Vendor >> 8)
	b[10] = byte(d.Product)
	b[11] = byte(d.Product >> 8)
	b[12] = byte(d.BCDDevice)
	b[13] = byte(d.BCDDevice >> 8)
	b[17] = d.NumConfigurations
	return b
}

func parseVendorProduct(snapshot []byte) (vendor, product uint16) {
	if len(snapshot) < 12 {
		return 0, 0
	}
	vendor = uint16(snapshot[8]) | uint16(snapshot[9])<<8
	product = uint16(snapshot[10]) | uint16(snapshot[11])<<8
	return vendor, product
}
