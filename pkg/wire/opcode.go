// Package wire implements the framed message protocol described in
// spec.md §4.1/§4.2/§6: the closed opcode enum, its per-opcode size
// discipline, and the packet frame shell that carries ack bookkeeping.
//
// The format is a fixed binary layout, not a self-describing encoding —
// see DESIGN.md for why this module hand-rolls the codec with
// encoding/binary instead of reusing a library like the teacher's own
// encoding/gob choice in its other wire protocols.
package wire

import "fmt"

// OpCode is the closed 8-bit opcode enum (spec.md §4.1). Legacy names are
// retained verbatim for wire compatibility.
type OpCode uint8

const (
	SUBSCRIBE_LEGACY OpCode = iota
	UNSUBSCRIBE_LEGACY
	PULLCALL
	PULLCALL_RETURN
	RPC_CALL
	TYPE_UPDATE
	STRUCTURE_CREATED
	STRUCTURE_CHANGED
	STRUCTURE_DELETED
	PEER_INFO
	PORT_VALUE_CHANGE
	SMALL_PORT_VALUE_CHANGE
	SMALL_PORT_VALUE_CHANGE_WITHOUT_TIMESTAMP
	CONNECT_PORTS
	CONNECT_PORTS_ERROR
	UPDATE_CONNECTION
	DISCONNECT_PORTS
	CONNECTOR_CREATED
	CONNECTOR_DELETED
	URI_CONNECTOR_CREATED
	URI_CONNECTOR_UPDATED
	URI_CONNECTOR_DELETED
	OTHER // sentinel: any opcode >= OTHER terminates the batch as corrupt
)

func (o OpCode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("OpCode(%d)", o)
}

var opcodeNames = [...]string{
	"SUBSCRIBE_LEGACY", "UNSUBSCRIBE_LEGACY", "PULLCALL", "PULLCALL_RETURN",
	"RPC_CALL", "TYPE_UPDATE", "STRUCTURE_CREATED", "STRUCTURE_CHANGED",
	"STRUCTURE_DELETED", "PEER_INFO", "PORT_VALUE_CHANGE",
	"SMALL_PORT_VALUE_CHANGE", "SMALL_PORT_VALUE_CHANGE_WITHOUT_TIMESTAMP",
	"CONNECT_PORTS", "CONNECT_PORTS_ERROR", "UPDATE_CONNECTION",
	"DISCONNECT_PORTS", "CONNECTOR_CREATED", "CONNECTOR_DELETED",
	"URI_CONNECTOR_CREATED", "URI_CONNECTOR_UPDATED", "URI_CONNECTOR_DELETED",
	"OTHER",
}

// SizeClass selects how ReadMessageSize interprets the bytes following an
// opcode (spec.md §4.1).
type SizeClass uint8

const (
	FIXED SizeClass = iota
	VAR_U8
	VAR_U32
)

// opcodeInfo is the static per-opcode table spec.md §4.1 calls for: size
// class plus, for FIXED opcodes, the sum of argument sizes, plus whether
// the message carries a leading flags byte (§4.1: "immediately after its
// size, a flags byte when applicable"). hasFlags opcodes count that byte
// in fixedBytes/the wire size; the connection engine peels it off the
// front of the body before handing the rest to the dispatch handler, so
// the flags byte never appears twice.
type opcodeInfo struct {
	class      SizeClass
	fixedBytes int // meaningful only when class == FIXED
	hasFlags   bool
}

// FixedArgumentBytes and the size class per opcode. Enums serialize as one
// byte; primitives use their natural size. Handles are 4 bytes (uint32).
// Mirrors original_source/generic_protocol/definitions.h's message type
// table.
var opcodeTable = map[OpCode]opcodeInfo{
	SUBSCRIBE_LEGACY:   {FIXED, 4 + 2 + 1 + 2 + 4 + 1, false}, // handle, strategy, reverse, interval, client handle, encoding
	UNSUBSCRIBE_LEGACY: {FIXED, 4, false},                     // handle
	PULLCALL:           {FIXED, 1 + 4 + 8, true},              // flags, handle, call id
	PULLCALL_RETURN:    {VAR_U32, 0, false},
	RPC_CALL:           {VAR_U32, 0, false},
	TYPE_UPDATE:        {VAR_U32, 0, false},
	STRUCTURE_CREATED:  {VAR_U32, 0, false},
	STRUCTURE_CHANGED:  {VAR_U32, 0, false},
	STRUCTURE_DELETED:  {FIXED, 4, false}, // handle
	PEER_INFO:          {VAR_U32, 0, false},

	PORT_VALUE_CHANGE:                         {VAR_U32, 0, true},
	SMALL_PORT_VALUE_CHANGE:                   {VAR_U8, 0, true},
	SMALL_PORT_VALUE_CHANGE_WITHOUT_TIMESTAMP: {VAR_U8, 0, true},

	CONNECT_PORTS:          {VAR_U32, 0, true},
	CONNECT_PORTS_ERROR:    {VAR_U32, 0, false},
	UPDATE_CONNECTION:      {FIXED, 4 + 2 + 1 + 2, false}, // handle, interval millis (int16), high priority, strategy
	DISCONNECT_PORTS:       {FIXED, 4, false},             // handle
	CONNECTOR_CREATED:      {VAR_U32, 0, false},
	CONNECTOR_DELETED:      {FIXED, 4 + 4, false}, // source handle, dest handle
	URI_CONNECTOR_CREATED:  {VAR_U32, 0, false},
	URI_CONNECTOR_UPDATED:  {FIXED, 4 + 1 + 1, false}, // owner handle, index, status
	URI_CONNECTOR_DELETED:  {FIXED, 4 + 1, false},     // owner handle, index
}

// FixedArgumentBytes returns the declared payload size for a FIXED opcode,
// or ok=false for VAR_U8/VAR_U32 opcodes (those sizes come off the wire).
func FixedArgumentBytes(op OpCode) (n int, ok bool) {
	info, known := opcodeTable[op]
	if !known || info.class != FIXED {
		return 0, false
	}
	return info.fixedBytes, true
}

// ClassOf returns the size class for op, or false if op is unknown/>=OTHER.
func ClassOf(op OpCode) (SizeClass, bool) {
	info, known := opcodeTable[op]
	if !known {
		return 0, false
	}
	return info.class, true
}

// HasFlags reports whether op carries a leading flags byte (§4.1). The
// connection engine consults this to peel the byte off the front of the
// carved message body before dispatch. WriteMessage does not consult it:
// on the way out, callers write the byte themselves with Encoder.Flags.
func HasFlags(op OpCode) bool {
	return opcodeTable[op].hasFlags
}

// Flag bits carried in the flags byte that follows many opcodes (§4.1).
type Flags uint8

const (
	// low two bits: DataEncoding, see pkg/proto.DataEncoding
	FlagToServer     Flags = 1 << 2
	FlagHighPriority Flags = 1 << 3
)

func (f Flags) ToServer() bool     { return f&FlagToServer != 0 }
func (f Flags) HighPriority() bool { return f&FlagHighPriority != 0 }

func MakeFlags(encoding uint8, toServer, highPriority bool) Flags {
	f := Flags(encoding & 0x3)
	if toServer {
		f |= FlagToServer
	}
	if highPriority {
		f |= FlagHighPriority
	}
	return f
}

// DebugTerminator is appended after a FIXED-size message's declared
// payload when the stream negotiated the debug protocol (§4.1, §A.3).
const DebugTerminator byte = 0xCD

// ProtocolVersionMajor / Minor per spec.md §6. Minor encodes the release
// the feature set was introduced in, YYMM.
const (
	ProtocolVersionMajor = 1
	ProtocolVersionMinor = 1703
)
