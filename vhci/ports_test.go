package vhci

import (
	"testing"

	"github.com/google/uuid"

	"github.com/usbip-go/vhci-core/device"
)

type nopSocket struct{}

func (nopSocket) Send(bufs [][]byte) error { return nil }
func (nopSocket) RecvAll(buf []byte) error { return nil }
func (nopSocket) Close() error             { return nil }

func newTestDevice(speed device.Speed) *device.Device {
	return device.NewDevice(uuid.New(), device.Location{Host: "h", Service: "3240", BusID: "1-1"}, speed, 1, nopSocket{})
}

func TestClaimPortAssignsSubRangeBySpeed(t *testing.T) {
	v := New()
	usb2Dev := newTestDevice(device.SpeedHigh)
	port, err := v.ClaimPort(usb2Dev)
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	if port < 1 || port > USB2Ports {
		t.Fatalf("expected a USB2 sub-range port, got %d", port)
	}

	usb3Dev := newTestDevice(device.SpeedSuper)
	port3, err := v.ClaimPort(usb3Dev)
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	if port3 <= USB2Ports || port3 > TotalPorts {
		t.Fatalf("expected a USB3 sub-range port, got %d", port3)
	}
}

func TestClaimPortExhaustion(t *testing.T) {
	v := New()
	for i := 0; i < USB2Ports; i++ {
		if _, err := v.ClaimPort(newTestDevice(device.SpeedHigh)); err != nil {
			t.Fatalf("unexpected error claiming port %d: %v", i, err)
		}
	}
	if _, err := v.ClaimPort(newTestDevice(device.SpeedHigh)); err == nil {
		t.Fatal("expected an error once the USB2 sub-range is exhausted")
	}
}

func TestReclaimPortAndLookup(t *testing.T) {
	v := New()
	dev := newTestDevice(device.SpeedHigh)
	port, err := v.ClaimPort(dev)
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	if got, ok := v.LookupPort(port); !ok || got != dev {
		t.Fatalf("LookupPort(%d) = %v, %v", port, got, ok)
	}

	v.ReclaimPort(port)
	if _, ok := v.LookupPort(port); ok {
		t.Fatal("expected port to be empty after reclaim")
	}
}

func TestPortsStatusBitmap(t *testing.T) {
	v := New()
	dev := newTestDevice(device.SpeedHigh)
	port, err := v.ClaimPort(dev)
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	bitmap := v.PortsStatus()
	if bitmap&(1<<uint(port-1)) == 0 {
		t.Fatalf("expected bit %d set in ports status bitmap %#x", port-1, bitmap)
	}
}

func TestSetPersistentRoundTrip(t *testing.T) {
	v := New()
	loc := device.Location{Host: "h", Service: "3240", BusID: "1-1"}
	if v.GetPersistent(loc) {
		t.Fatal("location should not be persistent by default")
	}
	v.SetPersistent(loc, true)
	if !v.GetPersistent(loc) {
		t.Fatal("expected location to be marked persistent")
	}
	locs := v.PersistentLocations()
	if len(locs) != 1 || locs[0] != loc {
		t.Fatalf("unexpected persistent locations: %+v", locs)
	}
	v.SetPersistent(loc, false)
	if v.GetPersistent(loc) {
		t.Fatal("expected location to no longer be persistent")
	}
}
