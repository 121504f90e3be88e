package remote

import (
	"testing"

	"github.com/finroc/netcore/pkg/proto"
)

func portsWithHandles(handles ...proto.Handle) []proto.Port {
	ports := make([]proto.Port, len(handles))
	for i, h := range handles {
		ports[i] = proto.Port{Handle: h}
	}
	return ports
}

func TestAdvanceInitialScanNoopBeforeLevelRequested(t *testing.T) {
	rt, _, _ := newTestRuntime()

	var sent []proto.Port
	rt.AdvanceInitialScan(portsWithHandles(1, 2), func(p proto.Port) bool {
		sent = append(sent, p)
		return true
	})
	if len(sent) != 0 {
		t.Errorf("expected no catch-up encoding before a level is requested, got %v", sent)
	}
	if rt.ServingStructure() {
		t.Error("ServingStructure should be false before any level is requested")
	}
}

func TestAdvanceInitialScanCompletesInOneCall(t *testing.T) {
	rt, _, _ := newTestRuntime()
	rt.RequestStructureExchange(proto.StructureExchangeSharedPorts)

	var sent []proto.Handle
	rt.AdvanceInitialScan(portsWithHandles(1, 2, 3), func(p proto.Port) bool {
		sent = append(sent, p.Handle)
		return true
	})

	want := []proto.Handle{1, 2, 3}
	if len(sent) != len(want) {
		t.Fatalf("sent = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %v, want %v", i, sent[i], want[i])
		}
	}
	if !rt.ServingStructure() {
		t.Error("ServingStructure should be true once the catch-up scan finishes")
	}
	if !rt.EligibleForIncremental(999) {
		t.Error("every handle should be eligible for incremental delivery once the scan is done")
	}
}

func TestAdvanceInitialScanPausesOnFullBatch(t *testing.T) {
	rt, _, _ := newTestRuntime()
	rt.RequestStructureExchange(proto.StructureExchangeSharedPorts)

	shared := portsWithHandles(1, 2, 3, 4)

	var sent []proto.Handle
	accepted := 0
	rt.AdvanceInitialScan(shared, func(p proto.Port) bool {
		if accepted >= 2 { // batch holds 2 entries
			return false
		}
		accepted++
		sent = append(sent, p.Handle)
		return true
	})

	if len(sent) != 2 {
		t.Fatalf("first call sent %v, want exactly 2 entries", sent)
	}
	if rt.ServingStructure() {
		t.Error("ServingStructure should still be false mid-scan")
	}
	if rt.EligibleForIncremental(4) {
		t.Error("a handle beyond the watermark must not be eligible for incremental delivery yet")
	}
	if !rt.EligibleForIncremental(2) {
		t.Error("a handle already covered by the watermark should be eligible")
	}

	// Resume from the watermark left by the first call.
	rt.AdvanceInitialScan(shared, func(p proto.Port) bool {
		sent = append(sent, p.Handle)
		return true
	})

	want := []proto.Handle{1, 2, 3, 4}
	if len(sent) != len(want) {
		t.Fatalf("sent across both calls = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %v, want %v", i, sent[i], want[i])
		}
	}
	if !rt.ServingStructure() {
		t.Error("ServingStructure should be true after the scan resumes and completes")
	}
}

func TestAdvanceInitialScanSkipsAlreadyCoveredHandles(t *testing.T) {
	rt, _, _ := newTestRuntime()
	rt.RequestStructureExchange(proto.StructureExchangeSharedPorts)

	accepted := 0
	rt.AdvanceInitialScan(portsWithHandles(1, 2, 3), func(p proto.Port) bool {
		if accepted >= 1 { // accept only the first port this round
			return false
		}
		accepted++
		return true
	})
	if rt.EligibleForIncremental(2) {
		t.Error("handle 2 has not been sent yet and should not be eligible")
	}

	var second []proto.Handle
	rt.AdvanceInitialScan(portsWithHandles(1, 2, 3), func(p proto.Port) bool {
		second = append(second, p.Handle)
		return true
	})
	if len(second) != 2 || second[0] != 2 || second[1] != 3 {
		t.Errorf("resumed scan re-sent already-covered handles: %v", second)
	}
}

func TestRequestStructureExchangeNoneResetsServing(t *testing.T) {
	rt, _, _ := newTestRuntime()
	rt.RequestStructureExchange(proto.StructureExchangeSharedPorts)
	rt.AdvanceInitialScan(portsWithHandles(1), func(proto.Port) bool { return true })
	if !rt.ServingStructure() {
		t.Fatal("setup: expected ServingStructure true before revoking the level")
	}

	rt.RequestStructureExchange(proto.StructureExchangeNone)
	if rt.ServingStructure() {
		t.Error("ServingStructure should reset once the peer's level drops to None")
	}
	if rt.StructureLevel() != proto.StructureExchangeNone {
		t.Errorf("StructureLevel() = %v, want None", rt.StructureLevel())
	}
}

func TestEligibleForIncrementalFalseWithoutLevel(t *testing.T) {
	rt, _, _ := newTestRuntime()
	if rt.EligibleForIncremental(1) {
		t.Error("no handle should be eligible for incremental delivery before a level is requested")
	}
}
