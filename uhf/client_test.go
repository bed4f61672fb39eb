package uhf

import (
	"sort"
	"testing"
	"time"
)

func newSim(t *testing.T, serial string) *Simulator {
	t.Helper()
	sim := NewSimulator(serial)
	if err := sim.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %s", err)
	}
	t.Cleanup(func() { sim.Close() })
	return sim
}

func TestClientAgainstSimulator(t *testing.T) {
	sim := newSim(t, "00A1B2C3D4E5F601")
	sim.SetTags(map[string]int{
		"E2001122": 1,
		"E2003344": 2,
	})
	r, err := Open(sim.Descriptor())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer r.Close()

	sn, err := r.DeviceSerial()
	if err != nil {
		t.Fatalf("DeviceSerial: %s", err)
	}
	if sn != "00A1B2C3D4E5F601" {
		t.Errorf("DeviceSerial got %s", sn)
	}

	t.Log("An inventory round yields every tag then end-of-inventory.")
	if err := r.InventoryContinue(); err != nil {
		t.Fatalf("InventoryContinue: %s", err)
	}
	var codes []string
	for {
		tag, err := r.ReadTag(20 * time.Millisecond)
		if IsEndOfInventory(err) {
			break
		}
		if err != nil {
			t.Fatalf("ReadTag: %s", err)
		}
		codes = append(codes, tag.Code())
	}
	sort.Strings(codes)
	if len(codes) != 2 || codes[0] != "E2001122" || codes[1] != "E2003344" {
		t.Errorf("got codes %v", codes)
	}
	if err := r.InventoryStop(50 * time.Millisecond); err != nil {
		t.Errorf("InventoryStop: %s", err)
	}

	t.Log("Reading with no inventory running is a no-tag error.")
	if _, err := r.ReadTag(20 * time.Millisecond); !IsNoTag(err) {
		t.Errorf("ReadTag outside inventory: got %v want no tag", err)
	}
}

func TestClientParamsRoundTrip(t *testing.T) {
	sim := newSim(t, "0102030405060708")
	r, err := Open(sim.Descriptor())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer r.Close()
	p, err := r.Params()
	if err != nil {
		t.Fatalf("Params: %s", err)
	}
	if err := r.SetParams(p.Apply(KeyRfPower, 30)); err != nil {
		t.Fatalf("SetParams: %s", err)
	}
	if got := sim.CurrentParams().RFPower; got != 30 {
		t.Errorf("simulator RFPower got %d want 30", got)
	}
	sim.FailNext(CmdGetParams, CodeInvalidHandle)
	if _, err := r.Params(); !IsFatal(err) {
		t.Errorf("injected invalid handle: got %v want fatal", err)
	}
}

func TestOpenUnreachable(t *testing.T) {
	sim := newSim(t, "01")
	addr := sim.Addr()
	sim.Close()
	_, err := Open(Descriptor{Transport: TransportNetwork, Address: addr})
	if err == nil {
		t.Fatalf("Open on closed listener succeeded")
	}
	if !IsFatal(err) {
		t.Errorf("Open failure should be fatal, got %v", err)
	}
}
