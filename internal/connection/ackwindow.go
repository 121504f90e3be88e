package connection

import "time"

// wrapSize is 2^15 — sequence arithmetic is mod this value (spec.md §3,
// §6 "sequence arithmetic mod 2^15").
const wrapSize = 1 << 15

// maxNotAcknowledged is the ack window's capacity: at most 63 packets may
// be outstanding at once (spec.md §3, §6: "63 in flight").
const maxNotAcknowledged = 0x3F

// ringSize is the ack-window ring's fixed capacity (spec.md §3 "ring of at
// most 63 entries... index i mod 64").
const ringSize = 64

// incWrap implements spec.md §9's verbatim-preserved oddity: sequence
// counters are signed 16-bit and wrap to 0 instead of going negative when
// incremented past their natural range, which for a field only ever used
// in [0, 2^15) happens at 32767 -> 0 rather than 32767 -> -32768. This
// deviates from true modulo arithmetic and must be kept exactly as-is for
// on-wire compatibility (DESIGN.md Open Question 3).
func incWrap(v int16) int16 {
	if v == 32767 {
		return 0
	}
	return v + 1
}

// diffMod computes (a - b) mod 2^15, always returning a value in [0, 2^15).
func diffMod(a, b int16) int {
	d := int(a) - int(b)
	d %= wrapSize
	if d < 0 {
		d += wrapSize
	}
	return d
}

// ackEntry is one slot of the ack-window ring: the time a data packet with
// this sequence number was sent, and the cumulative low-priority (bulk)
// packet count at that instant (spec.md §3 Ack window).
type ackEntry struct {
	sendTime     time.Time
	bulkBaseline int16
	valid        bool
}

type ackRing struct {
	slots [ringSize]ackEntry
}

func (r *ackRing) set(seq int16, t time.Time, bulkBaseline int16) {
	r.slots[int(seq)%ringSize] = ackEntry{sendTime: t, bulkBaseline: bulkBaseline, valid: true}
}

func (r *ackRing) get(seq int16) ackEntry {
	return r.slots[int(seq)%ringSize]
}
