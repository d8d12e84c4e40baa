package engine

import "testing"

func TestHostResourceGateAllowsWhenCeilingsDisabled(t *testing.T) {
	gate := &HostResourceGate{}
	ok, reason := gate.Allow()
	if !ok {
		t.Fatalf("expected gate to allow with no ceilings configured, got reason %q", reason)
	}
}
