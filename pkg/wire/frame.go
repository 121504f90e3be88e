package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorruptBatch is returned by ReadMessageSize when the
// stream cannot be trusted to contain further well-formed messages. The
// caller must drop the remainder of the current batch but keep the
// connection open (spec.md §7 category 1).
var ErrCorruptBatch = errors.New("wire: corrupt message batch")

// ReadMessageSize implements spec.md §4.1: for FIXED opcodes it returns the
// declared fixed argument size (+1 if debugProtocol is set); for VAR_U8 it
// reads the next byte; for VAR_U32 it reads a signed 32-bit length. A
// length of 0, or one exceeding the bytes remaining in the batch, makes the
// batch corrupt.
func ReadMessageSize(r *bufio.Reader, op OpCode, debugProtocol bool, remaining int) (int, error) {
	class, ok := ClassOf(op)
	if !ok {
		return 0, ErrCorruptBatch
	}

	var size int
	switch class {
	case FIXED:
		n, _ := FixedArgumentBytes(op)
		size = n
		if debugProtocol {
			size++
		}
	case VAR_U8:
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("wire: read size byte: %w", err)
		}
		size = int(b)
	case VAR_U32:
		var buf [4]byte
		if _, err := readFull(r, buf[:]); err != nil {
			return 0, fmt.Errorf("wire: read size u32: %w", err)
		}
		size = int(int32(binary.BigEndian.Uint32(buf[:])))
	}

	if size == 0 || size > remaining {
		return 0, ErrCorruptBatch
	}
	return size, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// PacketHeader is the 8-byte shell prefixing every outgoing batch
// (spec.md §4.2 step 5, §6):
//
//	i32 size (bytes after this field) | i16 ack_request | i16 ack_response
const PacketHeaderSize = 4 + 2 + 2

// NoAck is the sentinel for "no ack request/response present" in the
// packet header (spec.md §4.1/§4.2).
const NoAck int16 = -1

// WritePacketHeader writes the 8-byte shell into buf[0:8]. size is the
// number of bytes in the batch after the size field itself (batch length
// minus 4).
func WritePacketHeader(buf []byte, size int32, ackRequest, ackResponse int16) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint16(buf[4:6], uint16(ackRequest))
	binary.BigEndian.PutUint16(buf[6:8], uint16(ackResponse))
}

// ReadPacketHeader parses the 8-byte shell. size is bytes after the size
// field.
func ReadPacketHeader(buf []byte) (size int32, ackRequest, ackResponse int16) {
	size = int32(binary.BigEndian.Uint32(buf[0:4]))
	ackRequest = int16(binary.BigEndian.Uint16(buf[4:6]))
	ackResponse = int16(binary.BigEndian.Uint16(buf[6:8]))
	return
}

// FreshFrontBuffer returns a new front buffer containing the 8-byte shell
// with a zero size and both ack fields set to NoAck (spec.md §4.2 step 6).
func FreshFrontBuffer() []byte {
	buf := make([]byte, PacketHeaderSize)
	WritePacketHeader(buf, 0, NoAck, NoAck)
	return buf
}

// WriteMessage appends one complete framed message to buf: the opcode
// byte, its size field (omitted for FIXED, since the opcode table alone
// determines the size on read-back), then args. args must already
// include the leading flags byte when HasFlags(op) is true — build it
// with Encoder.Flags first, matching how ProcessIncomingMessageBatch
// peels that same byte back off on the way in (§4.1). debugProtocol
// appends the 0xCD terminator after a FIXED opcode's args.
func WriteMessage(buf []byte, op OpCode, args []byte, debugProtocol bool) []byte {
	buf = append(buf, byte(op))

	class, _ := ClassOf(op)
	switch class {
	case VAR_U8:
		buf = append(buf, byte(len(args)))
	case VAR_U32:
		var sz [4]byte
		binary.BigEndian.PutUint32(sz[:], uint32(len(args)))
		buf = append(buf, sz[:]...)
	}

	buf = append(buf, args...)
	if class == FIXED && debugProtocol {
		buf = append(buf, DebugTerminator)
	}
	return buf
}
