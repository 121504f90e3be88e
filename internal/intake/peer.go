package intake

import (
	"context"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/finroc/netcore/internal/connection"
	"github.com/finroc/netcore/internal/remote"
	"github.com/finroc/netcore/internal/subscribe"
	"github.com/finroc/netcore/pkg/proto"
	"github.com/finroc/netcore/pkg/wire"
)

// Peer is the top-level protocol-worker assembly spec.md §2 describes: one
// Worker's producer queues and tick loop driving one peer's remote-runtime
// state machine (remote.Runtime, which also owns the call registries),
// subscription controller (subscribe.Controller), and pair of connections.
// Tick implements the five-step control-flow loop from §2: drain intake
// queues, call registry housekeeping, flush pending messages to the
// transport, and (via ProcessBatch, called by the transport's receive
// loop) decode and dispatch inbound batches.
//
// Grounded on internal/ron/server.go's per-client run loop from the
// teacher repo, which drives read/write/dispatch for one peer the same
// way this type drives one remote runtime's two connections.
type Peer struct {
	*Worker

	Runtime *remote.Runtime
	Sub     *subscribe.Controller

	// Transports supplies the byte-oriented collaborator for each
	// connection index (primary/express); a nil entry means that
	// connection isn't established and Tick skips flushing it.
	Transports [2]connection.Transport

	// PendingSenders, when set, supplies the per-tick list of ports with
	// queued outbound values for a connection (§4.2 step 4's
	// "ports-with-data-to-send list"); population from the port-value
	// intake queue is a host-runtime concern (§1 OUT OF SCOPE).
	PendingSenders func(connection.Index) []connection.PendingSender

	// NotifyLoss, when set, is invoked when a connection's critical-ping
	// watchdog fires, so the host can notify the terminal destinations of
	// that connection's ports (§4.2, §5 "network connection loss").
	NotifyLoss func(connection.Index)

	debugProtocol bool
}

// NewPeer wires one peer's Worker, Runtime and subscription Controller
// together (§2, §4.6). debugProtocol must match the DebugProtocol setting
// both of rt.Conns were constructed with (§4.1 trailing 0xCD sentinel).
func NewPeer(w *Worker, rt *remote.Runtime, sub *subscribe.Controller, debugProtocol bool) *Peer {
	rt.SetConnectErrorHook(func(handle proto.Handle, reason string) {
		primary := rt.Conns[connection.Primary]
		if primary == nil {
			return
		}
		enc := wire.NewEncoder()
		enc.Handle(handle)
		enc.String(reason)
		primary.QueueMessage(wire.WriteMessage(nil, wire.CONNECT_PORTS_ERROR, enc.Bytes(), debugProtocol))
	})
	return &Peer{Worker: w, Runtime: rt, Sub: sub, debugProtocol: debugProtocol}
}

// Tick drives one full cycle of spec.md §2's control-flow loop: drain the
// three intake queues in their fixed order (via Worker.Tick, which also
// retries anything ProcessBatch deferred on a prior call), run the call
// registry's response-timeout and parked-call housekeeping, then flush
// each connection's queued messages to its transport.
func (p *Peer) Tick(ctx context.Context, now time.Time) error {
	var errs *multierror.Error

	if err := p.Worker.Tick(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	p.Runtime.Calls.Tick(now)

	for i := range p.Runtime.Conns {
		idx := connection.Index(i)
		conn := p.Runtime.Conns[idx]
		tr := p.Transports[idx]
		if conn == nil || tr == nil {
			continue
		}
		var pending []connection.PendingSender
		if p.PendingSenders != nil {
			pending = p.PendingSenders(idx)
		}
		notifyLoss := func() {
			if p.NotifyLoss != nil {
				p.NotifyLoss(idx)
			}
		}
		if _, err := conn.SendPendingMessages(now, pending, tr, nil, notifyLoss); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%v connection: %w", idx, err))
		}
	}

	return errs.ErrorOrNil()
}

// ProcessBatch implements spec.md §2 steps (iv)-(v) for one already
// transport-received byte batch: decode and dispatch its opcodes,
// mutating the local port graph through the runtime's structure mutex.
// Rather than spin synchronously on a structure-lock defer, the whole
// batch is driven as one structure-intake task — this reuses Worker's
// existing deferred-retry backlog (§5: "the protocol worker only ever
// attempts TryLock") instead of a second, parallel retry mechanism.
func (p *Peer) ProcessBatch(connIdx connection.Index, buf []byte) {
	conn := p.Runtime.Conns[connIdx]
	if conn == nil {
		return
	}

	offset := 0
	p.SubmitStructure(Task{
		Label: connIdx.String(),
		Process: func() error {
			deferAt := connection.ProcessIncomingMessageBatch(conn, buf, offset, p.debugProtocol, func(op wire.OpCode, flags wire.Flags, body []byte) error {
				return p.Runtime.Dispatch(connIdx, op, flags, body)
			})
			if deferAt != 0 {
				offset = deferAt
				return connection.ErrDefer
			}
			return nil
		},
	})
}

// --- Subscription driver (§4.4 steps 5-6, §6/§9 legacy dialect) ---

// RequestConnect implements the send side of §4.4 steps 1-5 for one
// connector: run it through the subscription controller, then queue
// whatever message the result calls for. A revision-0 peer gets
// SUBSCRIBE_LEGACY for both the first subscription and any later
// renegotiation (legacy has no UPDATE_CONNECTION opcode, §9 Scenario 2)
// and never a server-side conversion, which the legacy dialect cannot
// express (§6 "Legacy vs current").
func (p *Peer) RequestConnect(remoteHandle proto.Handle, dataType proto.RemoteTypeIndex, connector *proto.Connector, encoding proto.DataEncoding) error {
	legacy := p.Runtime.StreamRevision == 0
	if legacy && connector.Static.Conversion.Present {
		return fmt.Errorf("subscribe %v: server-side conversions are not supported by legacy peer %v", connector.Static.ServerPortPath, p.Runtime.Name)
	}

	handle, connectPorts, updateConnection, err := p.Sub.Subscribe(p.Runtime.Name, remoteHandle, dataType, connector)
	if err != nil {
		return err
	}
	if !connectPorts && !updateConnection {
		return nil // §8 Idempotence law: nothing on the wire would change
	}

	b, ok := p.Sub.Binding(handle)
	if !ok {
		return fmt.Errorf("subscribe %v: binding vanished immediately after creation", connector.Static.ServerPortPath)
	}
	effective := b.EffectiveDynamic()

	primary := p.Runtime.Conns[connection.Primary]
	if primary == nil {
		return fmt.Errorf("subscribe %v: no primary connection to %v", connector.Static.ServerPortPath, p.Runtime.Name)
	}

	switch {
	case legacy:
		primary.QueueMessage(encodeSubscribeLegacy(remoteHandle, effective, connector.Static.ReversePush, handle, encoding, p.debugProtocol))
	case connectPorts:
		primary.QueueMessage(encodeConnectPorts(handle, connector.Static, effective, connector.Static.ReversePush, encoding, p.debugProtocol))
	case updateConnection:
		primary.QueueMessage(encodeUpdateConnection(handle, effective, p.debugProtocol))
	}
	return nil
}

// RequestDisconnect implements §4.4 step 6: unsubscribe a connector and,
// if it was still connected and that was the binding's last user, queue
// the matching teardown message — DISCONNECT_PORTS, or UNSUBSCRIBE_LEGACY
// for a revision-0 peer.
func (p *Peer) RequestDisconnect(handle proto.Handle, connector *proto.Connector) error {
	wasConnected := connector.Status != proto.ConnectorError && connector.Status != proto.ConnectorDisconnected

	var remoteHandle proto.Handle
	if b, ok := p.Sub.Binding(handle); ok {
		remoteHandle = b.RemoteHandle
	}

	deleted, err := p.Sub.Unsubscribe(handle, connector)
	if err != nil {
		return err
	}
	if !deleted || !wasConnected {
		return nil
	}

	primary := p.Runtime.Conns[connection.Primary]
	if primary == nil {
		return fmt.Errorf("unsubscribe %v: no primary connection to %v", handle, p.Runtime.Name)
	}
	if p.Runtime.StreamRevision == 0 {
		primary.QueueMessage(encodeUnsubscribeLegacy(remoteHandle, p.debugProtocol))
	} else {
		primary.QueueMessage(encodeDisconnectPorts(handle, p.debugProtocol))
	}
	return nil
}

func encodeConnectPorts(connHandle proto.Handle, static proto.StaticConnectorParameters, dynamic proto.DynamicConnectionData, toServer bool, encoding proto.DataEncoding, debugProtocol bool) []byte {
	enc := wire.NewEncoder()
	enc.Flags(wire.MakeFlags(uint8(encoding), toServer, dynamic.HighPriority))
	enc.Handle(connHandle)
	enc.StaticConnectorParameters(static)
	enc.DynamicConnectionData(dynamic)
	return wire.WriteMessage(nil, wire.CONNECT_PORTS, enc.Bytes(), debugProtocol)
}

func encodeUpdateConnection(handle proto.Handle, dynamic proto.DynamicConnectionData, debugProtocol bool) []byte {
	enc := wire.NewEncoder()
	enc.Handle(handle)
	enc.DynamicConnectionData(dynamic)
	return wire.WriteMessage(nil, wire.UPDATE_CONNECTION, enc.Bytes(), debugProtocol)
}

func encodeDisconnectPorts(handle proto.Handle, debugProtocol bool) []byte {
	enc := wire.NewEncoder()
	enc.Handle(handle)
	return wire.WriteMessage(nil, wire.DISCONNECT_PORTS, enc.Bytes(), debugProtocol)
}

// encodeSubscribeLegacy writes SUBSCRIBE_LEGACY's fixed layout: the
// remote port's handle, strategy, reverse-push bit, minimal update
// interval, the local client port's handle, and the desired encoding
// (§9 Scenario 2: "(handle, strategy, reverse=false, min_ms, client_handle,
// encoding=0)").
func encodeSubscribeLegacy(remoteHandle proto.Handle, dynamic proto.DynamicConnectionData, reverse bool, clientHandle proto.Handle, encoding proto.DataEncoding, debugProtocol bool) []byte {
	enc := wire.NewEncoder()
	enc.Handle(remoteHandle)
	enc.Strategy(dynamic.Strategy)
	enc.Bool(reverse)
	enc.Int16(dynamic.MinimalUpdateIntervalMillis)
	enc.Handle(clientHandle)
	enc.Uint8(uint8(encoding))
	return wire.WriteMessage(nil, wire.SUBSCRIBE_LEGACY, enc.Bytes(), debugProtocol)
}

func encodeUnsubscribeLegacy(remoteHandle proto.Handle, debugProtocol bool) []byte {
	enc := wire.NewEncoder()
	enc.Handle(remoteHandle)
	return wire.WriteMessage(nil, wire.UNSUBSCRIBE_LEGACY, enc.Bytes(), debugProtocol)
}
