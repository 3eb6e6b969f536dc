package status

import "testing"

func TestFromWireKnownCodes(t *testing.T) {
	cases := []struct {
		wire int32
		want USB
	}{
		{0, Success},
		{-32, Stall},
		{-71, DeviceNotResponding},
		{-110, Timeout},
		{-104, Cancelled},
		{-108, Cancelled},
		{-22, InvalidParameter},
		{-12, InsufficientResources},
		{-19, DeviceNotResponding},
	}
	for _, c := range cases {
		if got := FromWire(c.wire); got != c.want {
			t.Errorf("FromWire(%d) = %v, want %v", c.wire, got, c.want)
		}
	}
}

func TestFromWireUnknownCodeIsInternalError(t *testing.T) {
	if got := FromWire(-999); got != InternalError {
		t.Errorf("FromWire(-999) = %v, want InternalError", got)
	}
}

func TestFromWireISOShortPacketIsSuccess(t *testing.T) {
	if got := FromWireISO(-32, 50, 188); got != Success {
		t.Errorf("short iso packet should be Success, got %v", got)
	}
}

func TestFromWireISOFullLengthStallIsFailure(t *testing.T) {
	if got := FromWireISO(-32, 188, 188); got != Stall {
		t.Errorf("full-length stalled iso packet should map like a normal stall, got %v", got)
	}
}

func TestIsBenignStall(t *testing.T) {
	cases := []struct {
		wire int32
		fn   EP0Function
		want bool
	}{
		{-32, FnSelectConfiguration, true},
		{-32, FnSelectInterface, true},
		{-32, FnResetPort, true},
		{-32, FnOther, false},
		{-22, FnSelectConfiguration, false},
	}
	for _, c := range cases {
		if got := IsBenignStall(c.wire, c.fn); got != c.want {
			t.Errorf("IsBenignStall(%d, %v) = %v, want %v", c.wire, c.fn, got, c.want)
		}
	}
}

func TestToWireRoundTripsKnownValues(t *testing.T) {
	for _, u := range []USB{Success, Stall, DeviceNotResponding, Timeout, Cancelled, InvalidParameter, InsufficientResources} {
		wire := ToWire(u)
		if wire == -1 {
			t.Errorf("ToWire(%v) unexpectedly unmapped", u)
		}
		if got := FromWire(wire); got != u {
			t.Errorf("FromWire(ToWire(%v)) = %v, want %v", u, got, u)
		}
	}
}
