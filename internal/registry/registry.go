// Package registry mirrors the five published register kinds spec.md §4.8
// describes: per-stream indexed catalogs of type, static-cast,
// conversion-operation, URI-scheme-handler and create-action entries.
//
// Grounded on original_source/runtime_info/tRemoteType.cpp's "write new
// entries opportunistically before any message that references them"
// semantics; the Go idiom (small table-driven structs, no reflection)
// follows pkg/wire.
package registry

import "sync"

// Kind identifies one of the five register UIDs spec.md §4.8 fixes.
type Kind uint8

const (
	KindType Kind = iota
	KindStaticCast
	KindConversionOperation
	KindURIScheme
	KindCreateAction
)

func (k Kind) UID() uint8 { return uint8(k) }

// TypeEntry is one published type register entry (§4.8: "types carry
// traits, underlying type, element type, name, and for enums the constant
// names and optional values").
type TypeEntry struct {
	Name          string
	Traits        uint32
	UnderlyingType string
	ElementType    string
	EnumConstants  []string
	EnumValues     []int64 // empty unless the enum uses explicit values
}

// ConversionOperationEntry is one published conversion-operation entry
// (§4.8: "conversion operations carry name and supported source/
// destination type filters").
type ConversionOperationEntry struct {
	Name               string
	SourceTypeFilter   string
	DestinationTypeFilter string
}

// entry is the generic slot held for any register kind; exactly one of the
// typed fields is meaningful, selected by the owning Register's Kind.
type entry struct {
	typeEntry       *TypeEntry
	conversionEntry *ConversionOperationEntry
	raw             interface{} // static-cast / URI-scheme / create-action entries: caller-defined
}

// Register is one per-stream, per-kind mirror: entries are appended by
// index (the wire index equals the slice position) and never removed —
// a register only grows for the lifetime of a connection.
type Register struct {
	kind Kind

	mu      sync.Mutex
	entries []entry
	sent    map[int]bool // indices already written to this stream (write-once bookkeeping, §A.3)
}

func NewRegister(kind Kind) *Register {
	return &Register{kind: kind, sent: make(map[int]bool)}
}

// internRaw appends raw as a new entry and returns its index. Every call
// allocates a new slot: this package does no deduplication, so a caller
// that wants one index per distinct value compares entries itself first
// (keeping this package agnostic to entry shape).
func (r *Register) internRaw(raw interface{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{raw: raw})
	return len(r.entries) - 1
}

func (r *Register) InternType(t TypeEntry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{typeEntry: &t})
	return len(r.entries) - 1
}

func (r *Register) InternConversionOperation(c ConversionOperationEntry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{conversionEntry: &c})
	return len(r.entries) - 1
}

func (r *Register) InternStaticCast(raw interface{}) int       { return r.internRaw(raw) }
func (r *Register) InternURIScheme(raw interface{}) int        { return r.internRaw(raw) }
func (r *Register) InternCreateAction(raw interface{}) int     { return r.internRaw(raw) }

func (r *Register) Type(idx int) (TypeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.entries) || r.entries[idx].typeEntry == nil {
		return TypeEntry{}, false
	}
	return *r.entries[idx].typeEntry, true
}

func (r *Register) ConversionOperation(idx int) (ConversionOperationEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.entries) || r.entries[idx].conversionEntry == nil {
		return ConversionOperationEntry{}, false
	}
	return *r.entries[idx].conversionEntry, true
}

// Raw returns the caller-provided value for static-cast/URI-scheme/
// create-action registers.
func (r *Register) Raw(idx int) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.entries) {
		return nil, false
	}
	return r.entries[idx].raw, true
}

// PendingIndices returns, in ascending order, every index not yet marked
// Sent — the set SendPendingMessages must still write as a TYPE_UPDATE (or
// the equivalent opcode for other register kinds) before referencing it
// (§4.2 step 6, §4.8).
func (r *Register) PendingIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []int
	for i := range r.entries {
		if !r.sent[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

// MarkSent records that idx has now been written to the stream.
func (r *Register) MarkSent(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[idx] = true
}

// Mirror bundles all five per-stream registers for one connection.
type Mirror struct {
	Type               *Register
	StaticCast         *Register
	ConversionOperation *Register
	URIScheme          *Register
	CreateAction       *Register
}

func NewMirror() *Mirror {
	return &Mirror{
		Type:                NewRegister(KindType),
		StaticCast:          NewRegister(KindStaticCast),
		ConversionOperation: NewRegister(KindConversionOperation),
		URIScheme:           NewRegister(KindURIScheme),
		CreateAction:        NewRegister(KindCreateAction),
	}
}
