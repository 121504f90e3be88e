// Package connection implements spec.md §4.2: the per-connection send/ack
// engine with dual front/back write buffers, the ack window, and the
// critical-ping watchdog, plus the receive-side batch demuxer.
//
// Grounded on internal/ron/server.go's per-client goroutine and watchdog
// timestamp pattern, and internal/minitunnel/minitunnel.go's mux loop and
// buffer-handoff idiom, both from the teacher repo.
package connection

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/finroc/netcore/internal/metrics"
	"github.com/finroc/netcore/pkg/proto"
	"github.com/finroc/netcore/pkg/wire"
	log "github.com/finroc/netcore/pkg/minilog"
)

// Index selects which of a peer's up to two connections this is (spec.md
// §3: "Two connections per peer are kept: primary ... and optional
// express").
type Index int

const (
	Primary Index = 0
	Express Index = 1
)

func (i Index) String() string {
	if i == Express {
		return "express"
	}
	return "primary"
}

// Config bounds the tunable parameters spec.md §6 names.
type Config struct {
	// CriticalPingThreshold bounds [50ms, 20s], default 1.5s.
	CriticalPingThreshold time.Duration
	// BulkWindowMax bounds [1, 40], default 3.
	BulkWindowMax int16
	// DoubleBuffering enables the front/back buffer swap (§4.2); when
	// false, no back buffer is kept and nothing is locked: each flushed
	// batch goes to the transport and a fresh front buffer is started.
	DoubleBuffering bool
	// DebugProtocol records whether the stream uses the 0xCD terminator
	// after FIXED-size messages (§4.1, §A.3). Connection does not read it:
	// wire.WriteMessage and ProcessIncomingMessageBatch take the setting
	// as an argument from their callers.
	DebugProtocol bool
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		CriticalPingThreshold: 1500 * time.Millisecond,
		BulkWindowMax:         3,
		DoubleBuffering:       true,
	}
}

func (c Config) clamp() Config {
	if c.CriticalPingThreshold < 50*time.Millisecond {
		c.CriticalPingThreshold = 50 * time.Millisecond
	}
	if c.CriticalPingThreshold > 20*time.Second {
		c.CriticalPingThreshold = 20 * time.Second
	}
	if c.BulkWindowMax < 1 {
		c.BulkWindowMax = 1
	}
	if c.BulkWindowMax > 40 {
		c.BulkWindowMax = 40
	}
	return c
}

// Transport is the byte-oriented collaborator this core delegates to
// (spec.md §1 OUT OF SCOPE). Write hands a framed batch to the transport;
// release is called by the transport exactly once, when it is safe to
// reuse the buffer (spec.md §9 "Back-buffer loan").
type Transport interface {
	Write(frame []byte, release func()) error
}

// PendingSender is one port with queued outbound values (spec.md §4.2
// step 4's "ports-with-data-to-send list").
type PendingSender struct {
	Handle             proto.Handle
	HighPriority       bool
	MinIntervalMillis  int16
	LastUpdate         time.Time
	// WriteValue serializes this port's queued value(s) into enc,
	// returning false if there was nothing left to write.
	WriteValue func(enc *wire.Encoder) (bool, error)
}

// DestinationNotifier is invoked once per terminal destination routed
// over a connection when the critical-ping watchdog fires (spec.md §4.2
// step "Critical-ping check").
type DestinationNotifier func()

// Connection is one of a peer's (at most two) byte streams.
type Connection struct {
	cfg   Config
	index Index
	peer  string
	m     *metrics.Set

	mu sync.Mutex

	front []byte
	back  []byte

	backLocked bool
	closed     bool

	lastAckRequestIndex   int16 // last inbound ack-request to echo (§4.2)
	lastAcknowledgedPacket int16
	nextPacketIndex       int16
	sentBulkPackets       int16
	anySent               bool // false until the first packet is ever assigned a sequence number
	ring                  ackRing

	receivedDataAfterLastConnect bool
	lossNotifiedThisWindow       bool
}

func New(peer string, index Index, cfg Config, m *metrics.Set) *Connection {
	cfg = cfg.clamp()
	return &Connection{
		cfg:                 cfg,
		index:               index,
		peer:                peer,
		m:                   m,
		front:               wire.FreshFrontBuffer(),
		lastAckRequestIndex: wire.NoAck,
	}
}

// non-exported helpers operate under c.mu held.

// nonAckedExpress counts packets sent but not yet acknowledged. Before any
// packet has ever been assigned a sequence number, nextPacketIndex-1 would
// underflow into a bogus large diffMod result, so report 0 instead.
func (c *Connection) nonAckedExpress() int {
	if !c.anySent {
		return 0
	}
	return diffMod(c.nextPacketIndex-1, c.lastAcknowledgedPacket)
}

func (c *Connection) nonAckedBulk() int {
	baseline := c.ring.get(c.lastAcknowledgedPacket)
	if !baseline.valid {
		return 0
	}
	return diffMod(c.sentBulkPackets, baseline.bulkBaseline)
}

// SendPendingMessages implements spec.md §4.2's send cycle. pending is
// drained in order; senders that could not write this round (priority
// gated or min-interval not yet elapsed) are returned for the next call.
// writeRegisterUpdates, if non-nil, is invoked once per flushed batch to append any
// pending published-register entries as a TYPE_UPDATE into the fresh front
// buffer (§4.2 step 6, §4.8).
func (c *Connection) SendPendingMessages(
	now time.Time,
	pending []PendingSender,
	transport Transport,
	writeRegisterUpdates func(enc *wire.Encoder),
	notifyLoss func(),
) ([]PendingSender, error) {
	c.mu.Lock()

	if c.cfg.DoubleBuffering && c.backLocked {
		c.mu.Unlock()
		return pending, nil
	}
	if c.nonAckedExpress() >= maxNotAcknowledged {
		c.mu.Unlock()
		return pending, nil
	}

	lowPriorityAllowed := c.nonAckedBulk() < int(c.cfg.BulkWindowMax)

	var retained []PendingSender
	var wroteLowPriority bool
	var errs *multierror.Error

	for _, p := range pending {
		if !(p.HighPriority || lowPriorityAllowed) {
			if c.m != nil {
				c.m.BulkSuppressed.WithLabelValues(c.peer).Inc()
			}
			retained = append(retained, p)
			continue
		}
		minInterval := time.Duration(p.MinIntervalMillis) * time.Millisecond
		if p.LastUpdate.Add(minInterval).After(now) {
			retained = append(retained, p)
			continue
		}

		enc := wire.NewEncoder()
		wrote, err := p.WriteValue(enc)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("port %v: %w", p.Handle, err))
			continue
		}
		if !wrote {
			continue
		}
		c.front = append(c.front, enc.Bytes()...)
		if !p.HighPriority {
			wroteLowPriority = true
		}
	}
	if wroteLowPriority {
		c.sentBulkPackets = incWrap(c.sentBulkPackets)
	}

	hasMessages := len(c.front) > wire.PacketHeaderSize
	if hasMessages || c.lastAckRequestIndex >= 0 {
		assignedSeq := wire.NoAck
		if hasMessages && c.nonAckedExpress() < maxNotAcknowledged {
			assignedSeq = int16(c.nextPacketIndex)
			c.ring.set(c.nextPacketIndex, now, c.sentBulkPackets)
			c.nextPacketIndex = incWrap(c.nextPacketIndex)
			c.anySent = true
		}
		wire.WritePacketHeader(c.front, int32(len(c.front)-4), assignedSeq, c.lastAckRequestIndex)
		c.lastAckRequestIndex = -1

		outgoing := c.front
		c.front = wire.FreshFrontBuffer()
		if writeRegisterUpdates != nil {
			enc := wire.NewEncoder()
			writeRegisterUpdates(enc)
			c.front = append(c.front, enc.Bytes()...)
		}

		if c.cfg.DoubleBuffering {
			c.back = outgoing
			c.backLocked = true
			release := func() {
				c.mu.Lock()
				c.backLocked = false
				c.mu.Unlock()
			}
			c.mu.Unlock()
			if err := transport.Write(outgoing, release); err != nil {
				errs = multierror.Append(errs, err)
			}
		} else {
			c.mu.Unlock()
			if err := transport.Write(outgoing, func() {}); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	} else {
		c.mu.Unlock()
	}

	c.checkCriticalPing(now, notifyLoss)

	if c.m != nil {
		c.m.AckWindowDepth.WithLabelValues(c.peer, c.index.String()).Set(float64(c.nonAckedExpress()))
	}

	return retained, errs.ErrorOrNil()
}

// QueueMessage appends an already-framed message (opcode, size field when
// applicable, and args — see wire.WriteMessage) directly onto the front
// buffer. It exists alongside the PendingSender polling model in
// SendPendingMessages for one-shot structural messages that don't belong
// to any one port's per-tick value slot: CONNECT_PORTS, UPDATE_CONNECTION,
// DISCONNECT_PORTS, and the legacy subscribe opcodes (§4.4 steps 5-6).
func (c *Connection) QueueMessage(framed []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.front = append(c.front, framed...)
}

// checkCriticalPing implements spec.md §4.2's critical-ping check. It is
// safe to call with c.mu unlocked (it takes its own lock) — callers above
// release c.mu before handing the batch to transport.Write, which may
// block.
func (c *Connection) checkCriticalPing(now time.Time, notifyLoss func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.receivedDataAfterLastConnect {
		return
	}
	nonAcked := c.nonAckedExpress()
	if nonAcked <= 0 {
		return
	}

	oldest := c.ring.get(c.lastAcknowledgedPacket + 1)
	if !oldest.valid || now.Sub(oldest.sendTime) <= c.cfg.CriticalPingThreshold {
		return
	}

	c.receivedDataAfterLastConnect = false
	if notifyLoss != nil {
		notifyLoss()
	}
	if c.m != nil {
		c.m.CriticalPingNotified.WithLabelValues(c.peer).Inc()
	}
}

// Ack applies an inbound ack-request/ack-response pair read at the start
// of a received batch (spec.md §4.1 packet shell, §4.2 receive path).
func (c *Connection) Ack(ackRequest, ackResponse int16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ackRequest >= 0 {
		c.lastAckRequestIndex = ackRequest
	}
	if ackResponse >= 0 {
		c.lastAcknowledgedPacket = ackResponse
	}
}

// MarkDataReceived records that the connection has seen live traffic
// since its last CONNECT, clearing the critical-ping suppression window.
func (c *Connection) MarkDataReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivedDataAfterLastConnect = true
}

func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ProcessIncomingMessageBatch implements spec.md §4.2's receive path. It
// reads the ack fields when startAt==0, then loops decoding opcodes and
// dispatching them to handle. handle may return ErrDefer to request that
// the batch be retried later starting at the returned absolute offset
// (spec.md §4.3 "structure lock" deferral); any other decode/dispatch
// error is logged and only that one message is skipped (spec.md §7
// categories 1-2).
func ProcessIncomingMessageBatch(
	c *Connection,
	buf []byte,
	startAt int,
	debugProtocol bool,
	handle func(op wire.OpCode, flags wire.Flags, body []byte) error,
) (deferAt int) {
	offset := startAt

	if startAt == 0 && len(buf) >= 4 {
		ackRequest := int16(uint16(buf[0])<<8 | uint16(buf[1]))
		ackResponse := int16(uint16(buf[2])<<8 | uint16(buf[3]))
		c.Ack(ackRequest, ackResponse)
		offset = 4
	}

	r := bufio.NewReader(bytes.NewReader(buf[offset:]))
	absolute := offset

	for {
		opByte, err := r.ReadByte()
		if err != nil {
			return 0 // batch fully consumed
		}
		op := wire.OpCode(opByte)
		if op >= wire.OTHER {
			log.Warn("connection %v: invalid opcode %v, dropping remainder of batch", c.peer, op)
			return 0
		}

		remaining := len(buf) - absolute - 1
		size, err := wire.ReadMessageSize(r, op, debugProtocol, remaining)
		if err != nil {
			log.Warn("connection %v: %v, dropping remainder of batch", c.peer, err)
			return 0
		}

		bodyStart := absolute + 1 + headerBytesConsumed(op, size, debugProtocol)
		if bodyStart+size > len(buf) {
			log.Warn("connection %v: message body exceeds batch, dropping remainder", c.peer)
			return 0
		}
		body := buf[bodyStart : bodyStart+size]
		messageEnd := bodyStart + size

		if debugProtocol {
			if class, _ := wire.ClassOf(op); class == wire.FIXED {
				if body[len(body)-1] != wire.DebugTerminator {
					log.Warn("connection %v: %v missing debug terminator, dropping remainder of batch", c.peer, op)
					return 0
				}
				body = body[:len(body)-1]
			}
		}

		var flags wire.Flags
		if wire.HasFlags(op) && len(body) > 0 {
			flags = wire.Flags(body[0])
			body = body[1:]
		}

		if err := handle(op, flags, body); err != nil {
			if err == ErrDefer {
				return absolute
			}
			log.Warn("connection %v: dispatch %v: %v", c.peer, op, err)
		}

		if messageEnd >= len(buf) {
			return 0
		}
		absolute = messageEnd
		r = bufio.NewReader(bytes.NewReader(buf[absolute:]))
	}
	return 0
}

// headerBytesConsumed reports how many bytes ReadMessageSize itself
// consumed from the stream (0 for FIXED, 1 for VAR_U8, 4 for VAR_U32) so
// callers can compute where the message body begins.
func headerBytesConsumed(op wire.OpCode, _ int, _ bool) int {
	class, _ := wire.ClassOf(op)
	switch class {
	case wire.VAR_U8:
		return 1
	case wire.VAR_U32:
		return 4
	default:
		return 0
	}
}

// ErrDefer is returned by an opcode handler to request that the batch be
// retried from this message at the next worker tick, because the
// structure mutex's TryLock failed (spec.md §4.3, §5).
var ErrDefer = fmt.Errorf("connection: deferred, retry at next tick")
