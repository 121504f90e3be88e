package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/finroc/netcore/pkg/proto"
)

// Encoder builds one message's argument bytes. It never touches the
// packet header or the opcode byte — callers write those (§4.1).
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }
func (e *Encoder) Len() int      { return e.buf.Len() }

func (e *Encoder) Uint8(v uint8)   { e.buf.WriteByte(v) }
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) Int16(v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	e.buf.Write(b[:])
}

func (e *Encoder) Uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf.Write(b[:])
}

func (e *Encoder) Uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Handle(h proto.Handle) { e.Uint32(uint32(h)) }

func (e *Encoder) Strategy(s proto.Strategy) { e.Int16(int16(s)) }

// String writes a length-prefixed UTF-8 string (u32 length + bytes).
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf.WriteString(s)
}

// Opaque writes a u32-length-prefixed opaque byte block — the inverse of
// Decoder.Bytes. Used for port values so a trailing continuation bool
// (§4.3 PORT_VALUE_CHANGE's another_value loop) stays readable regardless
// of how many bytes the value itself takes.
func (e *Encoder) Opaque(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf.Write(b)
}

// Flags writes the leading flags byte for opcodes where HasFlags(op) is
// true (§4.1). Kept distinct from Uint8 so call sites read as framing,
// not an argument.
func (e *Encoder) Flags(f Flags) { e.buf.WriteByte(byte(f)) }

// Timestamp writes a time as nanoseconds-since-epoch (int64), the
// resolution rrlib::time::tTimestamp is serialized at in the original.
func (e *Encoder) Timestamp(t time.Time) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	e.buf.Write(b[:])
}

// Duration writes a duration in milliseconds as an int64. UPDATE_CONNECTION
// does not use it: its interval travels as the int16 in
// DynamicConnectionData.
func (e *Encoder) Duration(d time.Duration) { e.Uint64(uint64(d.Milliseconds())) }

// Path writes an authority-qualified path: authority string, segment
// count, then each segment string.
func (e *Encoder) Path(p proto.Path) {
	e.String(p.Authority)
	e.Uint16(uint16(len(p.Segments)))
	for _, s := range p.Segments {
		e.String(s)
	}
}

// ServerSideConversion writes the optional conversion spec (§6 config
// parameter names, §A.3).
func (e *Encoder) ServerSideConversion(c proto.ServerSideConversion) {
	e.Bool(c.Present)
	if !c.Present {
		return
	}
	e.String(c.Operation1)
	e.String(c.Operation1Param)
	e.String(c.Operation2)
	e.String(c.Operation2Param)
	e.String(c.IntermediateType)
	e.String(c.DestinationType)
}

func (e *Encoder) StaticConnectorParameters(s proto.StaticConnectorParameters) {
	e.Path(s.ServerPortPath)
	e.ServerSideConversion(s.Conversion)
	e.Bool(s.ReversePush)
}

func (e *Encoder) DynamicConnectionData(d proto.DynamicConnectionData) {
	e.Int16(d.MinimalUpdateIntervalMillis)
	e.Bool(d.HighPriority)
	e.Strategy(d.Strategy)
}

// Decoder reads argument bytes for one already-framed message.
type Decoder struct {
	r   *bytes.Reader
	err error
}

func NewDecoder(b []byte) *Decoder { return &Decoder{r: bytes.NewReader(b)} }

// Err returns the first error encountered by any Decoder method. Once set,
// subsequent reads are no-ops returning zero values (spec.md §7 category 2:
// callers check Err once after decoding a message and skip it on failure).
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) readN(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(fmt.Errorf("wire: short read: %w", err))
	}
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.readN(1)
	return b[0]
}

func (d *Decoder) Bool() bool { return d.Uint8() != 0 }

func (d *Decoder) Int16() int16 { return int16(binary.BigEndian.Uint16(d.readN(2))) }

func (d *Decoder) Uint16() uint16 { return binary.BigEndian.Uint16(d.readN(2)) }

func (d *Decoder) Int32() int32 { return int32(binary.BigEndian.Uint32(d.readN(4))) }

func (d *Decoder) Uint32() uint32 { return binary.BigEndian.Uint32(d.readN(4)) }

func (d *Decoder) Uint64() uint64 { return binary.BigEndian.Uint64(d.readN(8)) }

func (d *Decoder) Handle() proto.Handle { return proto.Handle(d.Uint32()) }

func (d *Decoder) Strategy() proto.Strategy { return proto.Strategy(d.Int16()) }

func (d *Decoder) String() string {
	n := d.Uint32()
	if d.err != nil || n > uint32(d.r.Len()) {
		d.fail(fmt.Errorf("wire: string length %d exceeds remaining bytes", n))
		return ""
	}
	return string(d.readN(int(n)))
}

func (d *Decoder) Timestamp() time.Time {
	ns := int64(d.Uint64())
	return time.Unix(0, ns)
}

func (d *Decoder) Duration() time.Duration {
	return time.Duration(d.Uint64()) * time.Millisecond
}

func (d *Decoder) Path() proto.Path {
	authority := d.String()
	n := d.Uint16()
	segs := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		segs = append(segs, d.String())
	}
	return proto.Path{Authority: authority, Segments: segs}
}

func (d *Decoder) ServerSideConversion() proto.ServerSideConversion {
	var c proto.ServerSideConversion
	c.Present = d.Bool()
	if !c.Present {
		return c
	}
	c.Operation1 = d.String()
	c.Operation1Param = d.String()
	c.Operation2 = d.String()
	c.Operation2Param = d.String()
	c.IntermediateType = d.String()
	c.DestinationType = d.String()
	return c
}

func (d *Decoder) StaticConnectorParameters() proto.StaticConnectorParameters {
	var s proto.StaticConnectorParameters
	s.ServerPortPath = d.Path()
	s.Conversion = d.ServerSideConversion()
	s.ReversePush = d.Bool()
	return s
}

func (d *Decoder) DynamicConnectionData() proto.DynamicConnectionData {
	var dd proto.DynamicConnectionData
	dd.MinimalUpdateIntervalMillis = d.Int16()
	dd.HighPriority = d.Bool()
	dd.Strategy = d.Strategy()
	return dd
}

// Remaining reports how many undecoded bytes are left, used by callers
// skipping a compressed-block framing they don't support (§4.3
// PORT_VALUE_CHANGE, §6 encoding 3).
func (d *Decoder) Remaining() int { return d.r.Len() }

// Bytes reads a u32-length-prefixed opaque byte block — the inverse of
// Encoder.Opaque. Unlike a bare "read the rest of the message" decode,
// this leaves trailing fields (e.g. PORT_VALUE_CHANGE's another_value
// continuation bool, §4.3) readable afterward.
func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil || n > uint32(d.r.Len()) {
		d.fail(fmt.Errorf("wire: byte block length %d exceeds remaining bytes", n))
		return nil
	}
	return d.readN(int(n))
}

// SkipLengthPrefixedBlock advances past a u32-length-prefixed block
// without interpreting its contents — used for the compressed-encoding
// framing this module does not decompress (§4.3, §6).
func (d *Decoder) SkipLengthPrefixedBlock() {
	n := d.Uint32()
	d.readN(int(n))
}
