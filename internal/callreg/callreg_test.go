package callreg

import (
	"testing"
	"time"

	"github.com/finroc/netcore/pkg/proto"
)

func TestSendCallAssignsIDOnlyWhenResponseExpected(t *testing.T) {
	r := NewRegistry(nil, nil)

	var sentWith uint64
	c := &Call{ExpectsResponse: false, Send: func(callID uint64) error {
		sentWith = callID
		return nil
	}}
	if err := r.SendCall(c, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sentWith != 0 {
		t.Errorf("callID = %v, want 0 for a call with no response expected", sentWith)
	}
	if r.AwaitingCount() != 0 {
		t.Errorf("AwaitingCount = %v, want 0", r.AwaitingCount())
	}
}

func TestSendCallRegistersAwaitingResponse(t *testing.T) {
	r := NewRegistry(nil, nil)

	var sentWith uint64
	c := &Call{RemotePort: 7, ExpectsResponse: true, ResponseTimeout: time.Minute, Send: func(callID uint64) error {
		sentWith = callID
		return nil
	}}
	now := time.Now()
	if err := r.SendCall(c, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sentWith == 0 {
		t.Fatal("expected a non-zero call id for a response-expecting call")
	}
	if r.AwaitingCount() != 1 {
		t.Fatalf("AwaitingCount = %v, want 1", r.AwaitingCount())
	}

	call, ok := r.TakeAwaitingResponse(sentWith)
	if !ok {
		t.Fatal("TakeAwaitingResponse: not found")
	}
	if call.RemotePort != 7 {
		t.Errorf("RemotePort = %v, want 7", call.RemotePort)
	}
	if r.AwaitingCount() != 0 {
		t.Errorf("AwaitingCount after take = %v, want 0", r.AwaitingCount())
	}
}

func TestTakeAwaitingResponseUnknownID(t *testing.T) {
	r := NewRegistry(nil, nil)
	if _, ok := r.TakeAwaitingResponse(999); ok {
		t.Error("expected ok=false for an unknown call id")
	}
}

func TestSendCallParksUntilReady(t *testing.T) {
	r := NewRegistry(nil, nil)

	ready := false
	sent := 0
	c := &Call{
		ExpectsResponse: false,
		Ready:           func() bool { return ready },
		Send:            func(callID uint64) error { sent++; return nil },
	}

	if err := r.SendCall(c, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 0 {
		t.Fatalf("Send called %d times before ready, want 0", sent)
	}

	r.Tick(time.Now())
	if sent != 0 {
		t.Fatalf("Send called %d times while still not ready, want 0", sent)
	}

	ready = true
	r.Tick(time.Now())
	if sent != 1 {
		t.Errorf("Send called %d times after becoming ready, want 1", sent)
	}
}

func TestTickEvictsTimedOutRPCCall(t *testing.T) {
	var timedOut *proto.PendingRPCCall
	r := NewRegistry(func(c *proto.PendingRPCCall) { timedOut = c }, nil)

	c := &Call{ExpectsResponse: true, ResponseTimeout: time.Millisecond, Send: func(uint64) error { return nil }}
	now := time.Now()
	if err := r.SendCall(c, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Tick(now.Add(time.Second))
	if timedOut == nil {
		t.Fatal("expected onRPCTimeout to fire")
	}
	if r.AwaitingCount() != 0 {
		t.Errorf("AwaitingCount after timeout = %v, want 0", r.AwaitingCount())
	}
}

func TestSendPullRequestAndTakePull(t *testing.T) {
	r := NewRegistry(nil, nil)

	now := time.Now()
	call, id := r.SendPullRequest(42, 0, time.Minute, now)
	if call.CallID != id {
		t.Errorf("call.CallID = %v, want %v", call.CallID, id)
	}
	if r.PullCount() != 1 {
		t.Fatalf("PullCount = %v, want 1", r.PullCount())
	}

	got, ok := r.TakePull(id)
	if !ok || got != call {
		t.Fatalf("TakePull = (%v, %v), want the original call", got, ok)
	}
	if r.PullCount() != 0 {
		t.Errorf("PullCount after take = %v, want 0", r.PullCount())
	}
}

func TestTickEvictsTimedOutPullAndSignalsPromise(t *testing.T) {
	var timedOut *proto.PendingPullCall
	r := NewRegistry(nil, func(c *proto.PendingPullCall) { timedOut = c })

	now := time.Now()
	call, _ := r.SendPullRequest(1, 0, time.Millisecond, now)

	r.Tick(now.Add(time.Second))

	select {
	case res := <-call.Promise:
		if res.Err != proto.ErrNoConnection {
			t.Errorf("Promise err = %v, want ErrNoConnection", res.Err)
		}
	default:
		t.Fatal("expected a result pushed onto Promise after timeout")
	}
	if timedOut == nil {
		t.Error("expected onPullTimeout to fire")
	}
	if r.PullCount() != 0 {
		t.Errorf("PullCount after timeout = %v, want 0", r.PullCount())
	}
}

func TestAllocateCallIDMonotonic(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := r.allocateCallID()
	b := r.allocateCallID()
	if b <= a {
		t.Errorf("allocateCallID: %v then %v, want strictly increasing", a, b)
	}
}
