package connection

import (
	"testing"
	"time"

	"github.com/finroc/netcore/pkg/wire"
)

type fakeTransport struct {
	writes [][]byte
}

func (f *fakeTransport) Write(frame []byte, release func()) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.writes = append(f.writes, cp)
	if release != nil {
		release()
	}
	return nil
}

func TestSendPendingMessagesNothingQueued(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)
	tr := &fakeTransport{}

	retained, err := c.SendPendingMessages(time.Now(), nil, tr, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(retained) != 0 {
		t.Errorf("retained = %v, want none", retained)
	}
	if len(tr.writes) != 0 {
		t.Errorf("expected no writes with nothing queued, got %d", len(tr.writes))
	}
}

func TestSendPendingMessagesWritesQueuedValue(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)
	tr := &fakeTransport{}

	wrote := false
	pending := []PendingSender{{
		Handle: 7,
		WriteValue: func(enc *wire.Encoder) (bool, error) {
			wrote = true
			enc.Uint8(uint8(wire.PORT_VALUE_CHANGE))
			return true, nil
		},
	}}

	retained, err := c.SendPendingMessages(time.Now(), pending, tr, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wrote {
		t.Fatal("WriteValue was never called")
	}
	if len(retained) != 0 {
		t.Errorf("retained = %v, want none (message written)", retained)
	}
	if len(tr.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tr.writes))
	}

	size, ackReq, ackResp := wire.ReadPacketHeader(tr.writes[0])
	if int(size) != len(tr.writes[0])-4 {
		t.Errorf("header size %v does not match bytes after the size field %v", size, len(tr.writes[0])-4)
	}
	if ackReq != 0 {
		t.Errorf("ackReq = %v, want 0 (first packet assigned sequence 0)", ackReq)
	}
	if ackResp != wire.NoAck {
		t.Errorf("ackResp = %v, want NoAck (nothing to echo yet)", ackResp)
	}
}

func TestSendPendingMessagesRetriesUnwritable(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)
	tr := &fakeTransport{}

	future := time.Now().Add(time.Hour)
	pending := []PendingSender{{
		Handle:            7,
		MinIntervalMillis: 1000,
		LastUpdate:        future, // not due yet
		WriteValue: func(enc *wire.Encoder) (bool, error) {
			t.Fatal("WriteValue should not be called before the min interval elapses")
			return false, nil
		},
	}}

	retained, err := c.SendPendingMessages(time.Now(), pending, tr, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(retained) != 1 {
		t.Fatalf("retained = %d, want 1 (min interval not yet elapsed)", len(retained))
	}
	if len(tr.writes) != 0 {
		t.Errorf("expected no writes, got %d", len(tr.writes))
	}
}

func TestSendPendingMessagesRespectsBackBufferLock(t *testing.T) {
	cfg := DefaultConfig()
	c := New("peer-a", Primary, cfg, nil)
	tr := &fakeTransport{}

	var release func()
	blockingTr := &capturingTransport{capture: &release}
	pending := []PendingSender{{
		Handle: 1,
		WriteValue: func(enc *wire.Encoder) (bool, error) {
			enc.Uint8(1)
			return true, nil
		},
	}}

	if _, err := c.SendPendingMessages(time.Now(), pending, blockingTr, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Back buffer is now locked; a second call must not attempt to write
	// again until release() is called (spec.md §4.2 double buffering).
	retained, err := c.SendPendingMessages(time.Now(), pending, tr, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.writes) != 0 {
		t.Errorf("expected no writes while back buffer is locked, got %d", len(tr.writes))
	}
	if len(retained) != 1 {
		t.Errorf("retained = %d, want 1 while locked", len(retained))
	}

	release()
	if _, err := c.SendPendingMessages(time.Now(), pending, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.writes) != 1 {
		t.Errorf("expected a write once the back buffer was released, got %d", len(tr.writes))
	}
}

type capturingTransport struct {
	capture *func()
}

func (c *capturingTransport) Write(frame []byte, release func()) error {
	*c.capture = release
	return nil
}

func TestAckUpdatesWindow(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)
	c.Ack(5, 3)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAckRequestIndex != 5 {
		t.Errorf("lastAckRequestIndex = %v, want 5", c.lastAckRequestIndex)
	}
	if c.lastAcknowledgedPacket != 3 {
		t.Errorf("lastAcknowledgedPacket = %v, want 3", c.lastAcknowledgedPacket)
	}
}

func TestAckIgnoresNoAckSentinel(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)
	c.Ack(5, 3)
	c.Ack(wire.NoAck, wire.NoAck)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAckRequestIndex != 5 || c.lastAcknowledgedPacket != 3 {
		t.Errorf("Ack with NoAck sentinels should not overwrite prior values, got (%v, %v)", c.lastAckRequestIndex, c.lastAcknowledgedPacket)
	}
}

func TestProcessIncomingMessageBatchDispatchesAndAcks(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)

	enc := wire.NewEncoder()
	enc.Uint8(uint8(wire.DISCONNECT_PORTS))
	enc.Handle(42)

	header := make([]byte, 4)
	header[0], header[1] = 0, 9 // ack request = 9
	header[2], header[3] = 0, 0 // ack response = 0

	buf := append(header, enc.Bytes()...)

	var gotHandle uint32
	deferAt := ProcessIncomingMessageBatch(c, buf, 0, false, func(op wire.OpCode, flags wire.Flags, body []byte) error {
		if op != wire.DISCONNECT_PORTS {
			t.Errorf("op = %v, want DISCONNECT_PORTS", op)
		}
		d := wire.NewDecoder(body)
		gotHandle = uint32(d.Handle())
		return nil
	})

	if deferAt != 0 {
		t.Errorf("deferAt = %v, want 0 (fully consumed)", deferAt)
	}
	if gotHandle != 42 {
		t.Errorf("gotHandle = %v, want 42", gotHandle)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAckRequestIndex != 9 {
		t.Errorf("lastAckRequestIndex = %v, want 9", c.lastAckRequestIndex)
	}
}

func TestProcessIncomingMessageBatchDefers(t *testing.T) {
	c := New("peer-a", Primary, DefaultConfig(), nil)

	enc := wire.NewEncoder()
	enc.Uint8(uint8(wire.DISCONNECT_PORTS))
	enc.Handle(1)

	header := []byte{0, 0, 0, 0}
	buf := append(header, enc.Bytes()...)

	calls := 0
	deferAt := ProcessIncomingMessageBatch(c, buf, 0, false, func(op wire.OpCode, flags wire.Flags, body []byte) error {
		calls++
		return ErrDefer
	})

	if deferAt != 4 {
		t.Errorf("deferAt = %v, want 4 (offset of the deferred message)", deferAt)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}
