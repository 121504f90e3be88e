// Package callreg implements spec.md §4.5: RPC call-id assignment and
// response matching with timeout eviction, and the pull-call
// request/response matcher.
//
// Grounded on internal/ron/command.go's commandCounter/commandLock id
// assignment and response-channel matching pattern from the teacher repo.
package callreg

import (
	"sync"
	"time"

	"github.com/finroc/netcore/pkg/proto"
)

// Call is an outgoing RPC call handed to SendCall; one that is not yet
// Ready is parked until its parameters finish serializing (§4.5 "if not
// yet ready ... park in not_ready_calls").
type Call struct {
	RemotePort      proto.Handle
	LocalPort       proto.Handle
	ResponseTimeout time.Duration
	ExpectsResponse bool
	Ready           func() bool
	Send            func(callID uint64) error
}

// Registry owns next_call_id and the awaiting-response sets for both RPC
// calls and pull calls (§3 Pending RPC call / Pending pull call).
type Registry struct {
	mu sync.Mutex

	nextCallID uint64

	notReady []*Call
	awaiting map[uint64]*proto.PendingRPCCall

	pulls map[uint64]*proto.PendingPullCall

	onRPCTimeout  func(*proto.PendingRPCCall)
	onPullTimeout func(*proto.PendingPullCall)
}

func NewRegistry(onRPCTimeout func(*proto.PendingRPCCall), onPullTimeout func(*proto.PendingPullCall)) *Registry {
	return &Registry{
		awaiting:      make(map[uint64]*proto.PendingRPCCall),
		pulls:         make(map[uint64]*proto.PendingPullCall),
		onRPCTimeout:  onRPCTimeout,
		onPullTimeout: onPullTimeout,
	}
}

// SetTimeoutHooks wires the RPC/pull timeout callbacks after construction,
// for callers (e.g. remote.New) that need a non-nil Registry before the
// owner able to observe timeouts exists yet.
func (r *Registry) SetTimeoutHooks(onRPCTimeout func(*proto.PendingRPCCall), onPullTimeout func(*proto.PendingPullCall)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRPCTimeout = onRPCTimeout
	r.onPullTimeout = onPullTimeout
}

func (r *Registry) allocateCallID() uint64 {
	r.nextCallID++
	return r.nextCallID
}

// SendCall implements §4.5 SendCall: park not-ready calls, otherwise assign
// a call id (only when a response is expected) and send immediately.
func (r *Registry) SendCall(c *Call, now time.Time) error {
	r.mu.Lock()
	if c.Ready != nil && !c.Ready() {
		r.notReady = append(r.notReady, c)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.sendReadyCall(c, now)
}

func (r *Registry) sendReadyCall(c *Call, now time.Time) error {
	var callID uint64
	if c.ExpectsResponse {
		r.mu.Lock()
		callID = r.allocateCallID()
		r.awaiting[callID] = &proto.PendingRPCCall{
			CallID:     callID,
			RemotePort: c.RemotePort,
			LocalPort:  c.LocalPort,
			Deadline:   now.Add(c.ResponseTimeout),
		}
		r.mu.Unlock()
	}
	return c.Send(callID)
}

// Tick implements the per-SendPendingMessages housekeeping in §4.5: move
// now-ready parked calls onto the send path, and evict timed-out awaiting
// entries (silently — the caller surfaces the timeout, §7 category 5).
func (r *Registry) Tick(now time.Time) {
	r.mu.Lock()
	var ready []*Call
	var stillNotReady []*Call
	for _, c := range r.notReady {
		if c.Ready == nil || c.Ready() {
			ready = append(ready, c)
		} else {
			stillNotReady = append(stillNotReady, c)
		}
	}
	r.notReady = stillNotReady

	var expiredRPC []*proto.PendingRPCCall
	for id, call := range r.awaiting {
		if now.After(call.Deadline) {
			expiredRPC = append(expiredRPC, call)
			delete(r.awaiting, id)
		}
	}

	var expiredPulls []*proto.PendingPullCall
	for id, call := range r.pulls {
		if now.After(call.Deadline) {
			expiredPulls = append(expiredPulls, call)
			delete(r.pulls, id)
		}
	}
	r.mu.Unlock()

	for _, c := range ready {
		_ = r.sendReadyCall(c, now)
	}
	for _, call := range expiredRPC {
		if r.onRPCTimeout != nil {
			r.onRPCTimeout(call)
		}
	}
	for _, call := range expiredPulls {
		call.Promise <- proto.PullResult{Err: proto.ErrNoConnection}
		if r.onPullTimeout != nil {
			r.onPullTimeout(call)
		}
	}
}

// TakeAwaitingResponse removes and returns the pending call matching
// callID, used when an RPC_CALL RESPONSE arrives (§4.3 RPC_CALL).
func (r *Registry) TakeAwaitingResponse(callID uint64) (*proto.PendingRPCCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.awaiting[callID]
	if ok {
		delete(r.awaiting, callID)
	}
	return call, ok
}

// SendPullRequest implements §4.5 SendPullRequest: assign a call id,
// record the pending entry, and let the caller emit PULLCALL on the
// express connection.
func (r *Registry) SendPullRequest(remotePort proto.Handle, connIndex int, timeout time.Duration, now time.Time) (*proto.PendingPullCall, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.allocateCallID()
	call := &proto.PendingPullCall{
		CallID:     id,
		RemotePort: remotePort,
		ConnIndex:  connIndex,
		Deadline:   now.Add(timeout),
		Promise:    make(chan proto.PullResult, 1),
	}
	r.pulls[id] = call
	return call, id
}

// TakePull removes and returns the pending pull call matching callID
// (§4.3 PULLCALL_RETURN).
func (r *Registry) TakePull(callID uint64) (*proto.PendingPullCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pulls[callID]
	if ok {
		delete(r.pulls, callID)
	}
	return call, ok
}

// AwaitingCount and PullCount are test/metrics hooks.
func (r *Registry) AwaitingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaiting)
}

func (r *Registry) PullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pulls)
}
