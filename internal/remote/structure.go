package remote

import (
	"github.com/finroc/netcore/pkg/proto"
)

// RequestStructureExchange records the level a peer has declared it wants
// (§4.7 "negotiated once per connection, via a level byte carried on
// PEER_INFO or its own opcode depending on stream revision"). Called
// before the first structure-exchange scan is attempted.
func (rt *Runtime) RequestStructureExchange(level proto.StructureExchangeLevel) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.structureLevelRequestedByPeer = level
	if level == proto.StructureExchangeNone {
		rt.servingStructure = false
	}
}

// StructureLevel reports the level currently negotiated for this peer.
func (rt *Runtime) StructureLevel() proto.StructureExchangeLevel {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.structureLevelRequestedByPeer
}

// AdvanceInitialScan implements §4.7's catch-up scan: on the first call
// after a peer requests SharedPorts or above, every currently shared port
// is sent as a synthetic STRUCTURE_CREATED before any incremental event
// for a handle beyond the watermark is allowed through. shared is assumed
// sorted by ascending handle (the host's natural creation order) so the
// watermark is monotonic.
//
// encode is called once per port still owed from the catch-up scan; it
// returns false when the caller's batch is full, in which case the scan
// pauses and resumes on the next call from the same watermark.
func (rt *Runtime) AdvanceInitialScan(shared []proto.Port, encode func(proto.Port) bool) {
	rt.mu.Lock()
	if rt.structureLevelRequestedByPeer == proto.StructureExchangeNone {
		rt.mu.Unlock()
		return
	}
	if rt.initialScanDone {
		rt.mu.Unlock()
		return
	}
	watermark := rt.initialScanWatermark
	rt.mu.Unlock()

	last := watermark
	done := true
	for _, p := range shared {
		if p.Handle <= watermark {
			continue
		}
		if !encode(p) {
			done = false
			break
		}
		last = p.Handle
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.initialScanWatermark = last
	if done {
		rt.initialScanDone = true
		rt.servingStructure = true
	}
}

// EligibleForIncremental reports whether an incremental STRUCTURE_CREATED
// for handle may be sent now, or must instead wait for the catch-up scan
// to reach it first (§4.7 "framework_elements_in_full_structure_exchange_
// sent_until_handle gates whether incremental events ride along with
// catch-up or wait").
func (rt *Runtime) EligibleForIncremental(handle proto.Handle) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.structureLevelRequestedByPeer == proto.StructureExchangeNone {
		return false
	}
	return rt.initialScanDone || handle <= rt.initialScanWatermark
}

// ServingStructure reports whether the catch-up scan has completed and
// ordinary incremental structure events may now be forwarded unconstrained.
func (rt *Runtime) ServingStructure() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.servingStructure
}
