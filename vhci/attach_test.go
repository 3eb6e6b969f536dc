package vhci

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/urb"
	"github.com/usbip-go/vhci-core/usbiperr"
	"github.com/usbip-go/vhci-core/wire"
)

func TestClassifyImportStatus(t *testing.T) {
	cases := []struct {
		status  uint32
		wantBad bool
	}{
		{wire.ImportStatusOK, false},
		{wire.ImportStatusNA, true},
		{wire.ImportStatusDevBusy, true},
		{wire.ImportStatusNoDev, true},
		{99, true},
	}
	for _, c := range cases {
		_, bad := classifyImportStatus(c.status)
		if bad != c.wantBad {
			t.Errorf("classifyImportStatus(%d) bad = %v, want %v", c.status, bad, c.wantBad)
		}
	}
}

func TestClassifyImportDecodeErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want usbiperr.Kind
	}{
		{"version mismatch", wire.ErrVersionMismatch, usbiperr.KindVersion},
		{"code mismatch", wire.ErrUnexpectedCode, usbiperr.KindProtocol},
		{"network failure", errNetworkStub, usbiperr.KindNetwork},
	}
	for _, c := range cases {
		got := classifyImportDecodeErr(c.err)
		if got.Kind != c.want {
			t.Errorf("%s: classifyImportDecodeErr kind = %v, want %v", c.name, got.Kind, c.want)
		}
	}
}

var errNetworkStub = errors.New("connection reset")

// pipeDialer hands out one end of a net.Pipe per Dial call and lets the
// test drive the other end as a fake USB/IP server.
type pipeDialer struct {
	serverConns chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{serverConns: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, host, service string) (net.Conn, error) {
	client, server := net.Pipe()
	d.serverConns <- server
	return client, nil
}

func writeImportReply(t *testing.T, conn net.Conn, status uint32) {
	t.Helper()
	rep := wire.OpImportReply{
		OpCommon: wire.OpCommon{Version: wire.USBIPVersion, Code: wire.OpRepImport, Status: status},
	}
	rep.USBDeviceDescription.Speed = uint32(device.SpeedHigh)
	rep.USBDeviceDescription.BusNum = 1
	rep.USBDeviceDescription.DevNum = 2
	if err := binary.Write(conn, binary.BigEndian, rep); err != nil {
		t.Fatalf("write OP_REP_IMPORT: %v", err)
	}
}

func TestPluginHardwareAttachAndTeardown(t *testing.T) {
	dialer := newPipeDialer()
	v := New()
	resolve := func(h device.URBHandle) (*urb.URB, bool) { u, ok := h.(*urb.URB); return u, ok }
	m := NewManager(v, dialer, log.NewNopLogger(), resolve, nil, nil)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		server := <-dialer.serverConns
		defer server.Close()
		// Drain the OP_REQ_IMPORT request (8-byte header + 32-byte busid).
		req := make([]byte, 8+32)
		if _, err := net.Conn(server).Read(req); err != nil {
			return
		}
		writeImportReply(t, server, wire.ImportStatusOK)
		// Keep the connection open until the test tears it down.
		_, _ = io.Copy(io.Discard, server)
	}()

	port, err := m.PluginHardware(context.Background(), device.Location{Host: "h", Service: "3240", BusID: "1-1"})
	if err != nil {
		t.Fatalf("PluginHardware: %v", err)
	}
	if port == 0 {
		t.Fatal("expected a claimed port")
	}
	if _, ok := v.LookupPort(port); !ok {
		t.Fatal("expected device to be registered at the claimed port")
	}

	if err := m.PlugoutHardware(port); err != nil {
		t.Fatalf("PlugoutHardware: %v", err)
	}
	if _, ok := v.LookupPort(port); ok {
		t.Fatal("expected port to be released after PlugoutHardware")
	}
}

func TestPluginHardwareRejectsBadImportStatus(t *testing.T) {
	dialer := newPipeDialer()
	v := New()
	resolve := func(h device.URBHandle) (*urb.URB, bool) { u, ok := h.(*urb.URB); return u, ok }
	m := NewManager(v, dialer, log.NewNopLogger(), resolve, nil, nil)

	go func() {
		server := <-dialer.serverConns
		defer server.Close()
		req := make([]byte, 8+32)
		if _, err := server.Read(req); err != nil {
			return
		}
		writeImportReply(t, server, wire.ImportStatusNoDev)
	}()

	if _, err := m.PluginHardware(context.Background(), device.Location{Host: "h", Service: "3240", BusID: "1-1"}); err == nil {
		t.Fatal("expected PluginHardware to fail on ST_NODEV")
	}
}

func TestSetGetPersistentThroughManager(t *testing.T) {
	dialer := newPipeDialer()
	v := New()
	resolve := func(h device.URBHandle) (*urb.URB, bool) { u, ok := h.(*urb.URB); return u, ok }
	m := NewManager(v, dialer, log.NewNopLogger(), resolve, nil, nil)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		server := <-dialer.serverConns
		defer server.Close()
		req := make([]byte, 8+32)
		if _, err := server.Read(req); err != nil {
			return
		}
		writeImportReply(t, server, wire.ImportStatusOK)
		<-serverDone
	}()

	port, err := m.PluginHardware(context.Background(), device.Location{Host: "h", Service: "3240", BusID: "1-1"})
	if err != nil {
		t.Fatalf("PluginHardware: %v", err)
	}
	defer m.PlugoutHardware(port)

	if persistent, err := m.GetPersistent(port); err != nil || persistent {
		t.Fatalf("expected not persistent by default, got %v %v", persistent, err)
	}
	if err := m.SetPersistent(port, true); err != nil {
		t.Fatalf("SetPersistent: %v", err)
	}
	if persistent, err := m.GetPersistent(port); err != nil || !persistent {
		t.Fatalf("expected persistent after SetPersistent, got %v %v", persistent, err)
	}
}

func TestGetPersistentUnknownPort(t *testing.T) {
	m := NewManager(New(), NetDialer{}, log.NewNopLogger(), nil, nil, nil)
	if _, err := m.GetPersistent(1); err == nil {
		t.Fatal("expected an error for an unclaimed port")
	}
}

func init() {
	// Keep test wall-clock bounded even if a server goroutine above
	// misbehaves and never closes its pipe end.
	time.AfterFunc(30*time.Second, func() { panic("vhci tests exceeded 30s") })
}
