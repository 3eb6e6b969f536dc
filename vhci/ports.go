// Package vhci implements the port table (C8) and attachment manager
// (C9) of the virtual host controller core: the single VHCI aggregate
// root, plus the exposed operations of spec.md §6
// (PluginHardware/PlugoutHardware/GetImportedDevices/
// SetPersistent/GetPersistent/GetPortsStatus).
package vhci

import (
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/usbip-go/vhci-core/device"
)

// Port sub-range sizes. USB2 devices occupy the first USB2Ports slots;
// USB3-and-above devices occupy the remainder, up to TotalPorts.
const (
	USB2Ports  = 8
	USB3Ports  = 8
	TotalPorts = USB2Ports + USB3Ports
)

// VHCI owns the port table. Exactly one is expected to exist per
// process, but nothing here enforces that: the singleton lifted into an
// explicit value per spec.md §9's first design note.
type VHCI struct {
	mu    sync.RWMutex
	ports [TotalPorts]*device.Device

	// persistent tracks locations that should survive into the next
	// replay cycle when persistence is enabled for them (§5 "features
	// supplemented").
	persistMu sync.Mutex
	persist   map[device.Location]bool
}

// New constructs an empty VHCI.
func New() *VHCI {
	return &VHCI{persist: make(map[device.Location]bool)}
}

func subRange(speed device.Speed) (start, end int) {
	if speed.IsSuperOrAbove() {
		return USB2Ports, TotalPorts
	}
	return 0, USB2Ports
}

// ClaimPort scans the sub-range matching dev.Speed for the first empty
// slot, assigns the 1-based port number to dev, and registers it.
func (v *VHCI) ClaimPort(dev *device.Device) (int, error) {
	start, end := subRange(dev.Speed)

	v.mu.Lock()
	defer v.mu.Unlock()
	for i := start; i < end; i++ {
		if v.ports[i] == nil {
			dev.Port = i + 1
			v.ports[i] = dev
			return dev.Port, nil
		}
	}
	return 0, errors.Newf("no free port for speed %d", dev.Speed)
}

// ReclaimPort clears port's slot; it does not check which device
// occupies it.
func (v *VHCI) ReclaimPort(port int) {
	if port <= 0 || port > TotalPorts {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ports[port-1] = nil
}

// LookupPort returns the device occupying port, if any.
func (v *VHCI) LookupPort(port int) (*device.Device, bool) {
	if port <= 0 || port > TotalPorts {
		return nil, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	dev := v.ports[port-1]
	return dev, dev != nil
}

// AllDevices returns a snapshot of every currently-occupied port.
func (v *VHCI) AllDevices() []*device.Device {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*device.Device, 0, TotalPorts)
	for _, d := range v.ports {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// SetPersistent records whether loc should be replayed by the
// persistence worker on the next restart (spec.md §6's
// SET_PERSISTENT). The VHCI only tracks the in-memory flag; durable
// storage is the caller's job via package persistence.
func (v *VHCI) SetPersistent(loc device.Location, on bool) {
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	if on {
		v.persist[loc] = true
	} else {
		delete(v.persist, loc)
	}
}

// GetPersistent reports whether loc is currently marked persistent.
func (v *VHCI) GetPersistent(loc device.Location) bool {
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	return v.persist[loc]
}

// PersistentLocations returns a snapshot of every location currently
// marked persistent, in no particular order, for writing back to a
// Registry.
func (v *VHCI) PersistentLocations() []device.Location {
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	out := make([]device.Location, 0, len(v.persist))
	for loc := range v.persist {
		out = append(out, loc)
	}
	return out
}

// PortsStatus returns a bitmap with one bit per occupied port (bit 0 =
// port 1), per spec.md §6's GET_PORTS_STATUS and the analogous ioctl in
// original_source/drivers/ude/vhci_ioctl.cpp.
func (v *VHCI) PortsStatus() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var bitmap uint32
	for i, d := range v.ports {
		if d != nil {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap
}
