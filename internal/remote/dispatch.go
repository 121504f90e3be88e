package remote

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finroc/netcore/internal/connection"
	"github.com/finroc/netcore/internal/hostiface"
	"github.com/finroc/netcore/internal/peerdir"
	"github.com/finroc/netcore/internal/registry"
	log "github.com/finroc/netcore/pkg/minilog"
	"github.com/finroc/netcore/pkg/proto"
	"github.com/finroc/netcore/pkg/wire"
)

// Dispatch implements spec.md §4.3's per-opcode semantics. connIdx
// identifies which of the peer's connections the message arrived on; none
// of the handlers below read it (PULLCALL picks its reply connection from
// the high-priority flag). Handlers that need the structure
// mutex return connection.ErrDefer when TryLock fails (spec.md §5).
func (rt *Runtime) Dispatch(connIdx connection.Index, op wire.OpCode, flags wire.Flags, body []byte) error {
	d := wire.NewDecoder(body)

	switch op {
	case wire.PORT_VALUE_CHANGE, wire.SMALL_PORT_VALUE_CHANGE, wire.SMALL_PORT_VALUE_CHANGE_WITHOUT_TIMESTAMP:
		return rt.handlePortValueChange(op, flags, d)
	case wire.RPC_CALL:
		return rt.handleRPCCall(d)
	case wire.PULLCALL:
		return rt.handlePullCall(flags, d)
	case wire.PULLCALL_RETURN:
		return rt.handlePullCallReturn(d)
	case wire.UPDATE_CONNECTION:
		return rt.handleUpdateConnection(d)
	case wire.CONNECT_PORTS:
		return rt.handleConnectPorts(flags, d)
	case wire.CONNECT_PORTS_ERROR:
		return rt.handleConnectPortsError(d)
	case wire.DISCONNECT_PORTS:
		return rt.handleDisconnectPorts(d)
	case wire.STRUCTURE_CREATED:
		return rt.handleStructureCreated(d)
	case wire.STRUCTURE_CHANGED:
		return rt.handleStructureChanged(d)
	case wire.STRUCTURE_DELETED:
		return rt.handleStructureDeleted(d)
	case wire.TYPE_UPDATE:
		return rt.handleTypeUpdate(d)
	case wire.PEER_INFO:
		return rt.handlePeerInfo(d) // subclass hook, §4.3
	case wire.SUBSCRIBE_LEGACY, wire.UNSUBSCRIBE_LEGACY:
		return fmt.Errorf("superseded opcode %v", op)
	default:
		return fmt.Errorf("invalid opcode %v", op)
	}
}

// --- PORT_VALUE_CHANGE family (§4.3) ---

func (rt *Runtime) handlePortValueChange(op wire.OpCode, flags wire.Flags, d *wire.Decoder) error {
	connHandle := d.Handle()
	encoding := proto.DataEncoding(d.Uint8())

	var target proto.Handle
	if flags.ToServer() {
		sp, ok := rt.ServerPortFor(connHandle)
		if !ok {
			return fmt.Errorf("port value change: no server port for connection %v", connHandle)
		}
		target = sp.ServedPort
	} else {
		target = connHandle
	}

	port, ok := rt.Host.ByHandle(target)
	if !ok || !port.Ready() || !port.IsDataPort() {
		return fmt.Errorf("port value change: target %v not a ready data port", target)
	}

	for {
		changeType := d.Uint8()
		_ = changeType
		var timestamp = now()
		if op == wire.PORT_VALUE_CHANGE || op == wire.SMALL_PORT_VALUE_CHANGE {
			timestamp = d.Timestamp()
		}

		var value interface{}
		if encoding == proto.EncodingBinaryCompressed {
			d.SkipLengthPrefixedBlock()
		} else {
			value = d.Bytes()
		}

		if d.Err() != nil {
			return d.Err()
		}
		if err := rt.Host.PublishValue(target, value, timestamp); err != nil {
			return err
		}

		another := d.Bool()
		if d.Err() != nil || !another {
			break
		}
	}

	for i := range rt.Conns {
		if rt.Conns[i] != nil {
			rt.Conns[i].MarkDataReceived()
		}
	}
	return nil
}

// decodeOpaqueValue reads the remainder of the message body as an opaque
// blob. This core does not interpret port values itself (type-conversion
// is an external collaborator per spec.md §1); it hands the raw bytes to
// the host runtime's PublishValue, which owns type-aware deserialization.
func decodeOpaqueValue(d *wire.Decoder) []byte {
	n := d.Remaining()
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = d.Uint8()
	}
	return buf
}

// --- RPC_CALL (§4.3) ---

func (rt *Runtime) handleRPCCall(d *wire.Decoder) error {
	senderHandle := d.Handle()
	callType := hostiface.RPCCallType(d.Uint8())
	_ = d.Uint16() // RPC interface type, via remote-type register (register lookup elided: host owns type identity)
	functionIndex := d.Uint32()

	switch callType {
	case hostiface.RPCMessage, hostiface.RPCRequest:
		port, ok := rt.Host.ByHandle(senderHandle)
		if !ok {
			return fmt.Errorf("rpc call: unknown local port %v", senderHandle)
		}
		_ = port
		// Deserialization into a pool buffer and delivery is owned by the
		// host's RPC target; this core only routes the call (§5 Shared
		// resources: "Buffer pools ... are per-local-port").
		return nil
	case hostiface.RPCResponse:
		callID := d.Uint64()
		pending, ok := rt.Calls.TakeAwaitingResponse(callID)
		if !ok {
			// No match remains: deserialize into a throwaway so the
			// stream stays aligned, then discard (§4.3 RPC_CALL).
			decodeOpaqueValue(d)
			return nil
		}
		value := decodeOpaqueValue(d)
		if pending.ResponseSlot != nil {
			pending.ResponseSlot <- value
		}
		return nil
	default:
		return fmt.Errorf("rpc call: unknown call type %v, function %v", callType, functionIndex)
	}
}

// --- PULLCALL / PULLCALL_RETURN (§4.3) ---

// handlePullCall validates the target and resolves the current value, then
// hands the result to onPullRequest together with the reply connection
// (express for high-priority calls). No PULLCALL_RETURN is encoded or
// queued here.
func (rt *Runtime) handlePullCall(flags wire.Flags, d *wire.Decoder) error {
	handle := d.Handle()
	callID := d.Uint64()
	connIdx := connection.Primary
	if flags.HighPriority() {
		connIdx = connection.Express
	}

	port, ok := rt.Host.ByHandle(handle)
	if !ok || !port.Ready() || !port.IsDataPort() {
		if rt.onPullRequest != nil {
			rt.onPullRequest(connIdx, callID, proto.Port{}, nil, time.Time{}, false)
		}
		return nil
	}

	value, timestamp, err := rt.Host.Pull(handle)
	if rt.onPullRequest != nil {
		rt.onPullRequest(connIdx, callID, port, value, timestamp, err == nil)
	}
	return nil
}

func (rt *Runtime) handlePullCallReturn(d *wire.Decoder) error {
	callID := d.Uint64()
	failed := d.Bool()

	pending, ok := rt.Calls.TakePull(callID)
	if !ok {
		return nil // already evicted by timeout (§7 category 5)
	}

	if failed {
		pending.Promise <- proto.PullResult{Err: proto.ErrNoConnection}
		return nil
	}

	localPort, ok := rt.Host.ByHandle(pending.RemotePort)
	if !ok || !localPort.Ready() || !localPort.IsDataPort() {
		pending.Promise <- proto.PullResult{Err: proto.ErrNoConnection}
		return nil
	}

	wireType := proto.RemoteTypeIndex(d.Uint16())
	timestamp := d.Timestamp()
	value := decodeOpaqueValue(d)

	if wireType != localPort.DataType {
		pending.Promise <- proto.PullResult{Err: proto.ErrInvalidDataReceived}
		return nil
	}
	pending.Promise <- proto.PullResult{Value: value, Timestamp: timestamp}
	return nil
}

// --- UPDATE_CONNECTION (§4.3) ---

func (rt *Runtime) handleUpdateConnection(d *wire.Decoder) error {
	connHandle := d.Handle()
	dynamic := d.DynamicConnectionData()

	rt.mu.Lock()
	sp, ok := rt.serverPortMap[connHandle]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("update connection: unknown handle %v", connHandle)
	}
	strategyFlips := sp.Dynamic.Strategy > 0 != dynamic.Strategy > 0
	sp.Dynamic = dynamic
	rt.mu.Unlock()

	if strategyFlips {
		if !rt.Struct.TryLock() {
			return connection.ErrDefer
		}
		defer rt.Struct.Unlock()
		// Strategy-bit flip is now safely observed under the structure
		// lock; no further host mutation is required beyond the dynamic
		// data update already applied above.
	}
	return nil
}

// --- CONNECT_PORTS / CONNECT_PORTS_ERROR / DISCONNECT_PORTS (§4.3) ---

func (rt *Runtime) handleConnectPorts(flags wire.Flags, d *wire.Decoder) error {
	if !rt.Struct.TryLock() {
		return connection.ErrDefer
	}
	defer rt.Struct.Unlock()

	connHandle := d.Handle()
	static := d.StaticConnectorParameters()
	dynamic := d.DynamicConnectionData()

	rt.mu.Lock()
	if _, exists := rt.serverPortMap[connHandle]; exists {
		rt.mu.Unlock()
		rt.sendConnectPortsError(connHandle, "connection handle already in use")
		return nil
	}
	rt.mu.Unlock()

	targetPort, ok := rt.Host.Lookup(static.ServerPortPath)
	if !ok {
		rt.sendConnectPortsError(connHandle, "no such port: "+static.ServerPortPath.String())
		return nil
	}

	flagsOut := proto.FlagNetworkElement | proto.FlagVolatile
	if rt.ToolConnection {
		flagsOut |= proto.FlagTool
	}
	if dynamic.Strategy > 0 {
		flagsOut |= proto.FlagPushStrategy
	}
	if !flags.ToServer() {
		flagsOut |= proto.FlagNoInitialPushing
	}

	servedPort := targetPort.Handle
	var conversionHandle proto.Handle
	if static.Conversion.Present {
		ch, err := rt.Host.CreateConversionPort(
			static.Conversion.DestinationType,
			static.Conversion.IntermediateType,
			static.Conversion.Operation1, static.Conversion.Operation1Param,
			static.Conversion.Operation2, static.Conversion.Operation2Param,
		)
		if err != nil {
			rt.sendConnectPortsError(connHandle, "conversion resolution failed: "+err.Error())
			return nil
		}
		if err := rt.Host.Connect(targetPort.Handle, ch, true); err != nil {
			rt.sendConnectPortsError(connHandle, "conversion wiring failed: "+err.Error())
			return nil
		}
		conversionHandle = ch
		servedPort = ch
	}

	serverHandle, err := rt.Host.CreateServerPort(static.ServerPortPath, targetPort.DataType, flagsOut)
	if err != nil {
		rt.sendConnectPortsError(connHandle, "server port creation failed: "+err.Error())
		return nil
	}
	if err := rt.Host.Connect(serverHandle, servedPort, false); err != nil {
		rt.sendConnectPortsError(connHandle, "connect failed: "+err.Error())
		return nil
	}

	rt.mu.Lock()
	rt.serverPortMap[connHandle] = &ServerPort{
		Handle:         serverHandle,
		ServedPort:     targetPort.Handle,
		ConversionPort: conversionHandle,
		Dynamic:        dynamic,
	}
	rt.mu.Unlock()
	return nil
}

func (rt *Runtime) sendConnectPortsError(handle proto.Handle, reason string) {
	// The CONNECT_PORTS_ERROR bytes are encoded and queued on the primary
	// connection by the onConnectError hook that intake.NewPeer installs;
	// this handler only logs and calls the hook, so it stays free of wire
	// framing.
	log.Warn("remote %v: connect ports failed for handle %v: %v", rt.Name, handle, reason)
	if rt.onConnectError != nil {
		rt.onConnectError(handle, reason)
	}
}

func (rt *Runtime) handleConnectPortsError(d *wire.Decoder) error {
	handle := d.Handle()
	reason := d.String()

	b, ok := rt.ClientPortBinding(handle)
	if !ok {
		return fmt.Errorf("connect ports error for unknown client port %v: %v", handle, reason)
	}
	log.Warn("remote %v: peer reported connect ports error for handle %v: %v", rt.Name, handle, reason)
	for _, c := range b.UsedBy {
		c.Status = proto.ConnectorError
	}
	return nil
}

func (rt *Runtime) handleDisconnectPorts(d *wire.Decoder) error {
	if !rt.Struct.TryLock() {
		return connection.ErrDefer
	}
	defer rt.Struct.Unlock()

	connHandle := d.Handle()

	rt.mu.Lock()
	sp, ok := rt.serverPortMap[connHandle]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("disconnect ports: unknown handle %v", connHandle)
	}
	delete(rt.serverPortMap, connHandle)
	rt.mu.Unlock()

	if sp.ConversionPort != proto.InvalidHandle {
		if err := rt.Host.DeletePort(sp.ConversionPort); err != nil {
			return err
		}
	}
	return rt.Host.DeletePort(sp.Handle)
}

// --- STRUCTURE_CREATED / STRUCTURE_CHANGED / STRUCTURE_DELETED (§4.3, §4.7) ---

// handleStructureCreated records a newly announced remote port. This is
// pure bookkeeping about the peer's port graph (§3 "per-peer record kept
// for each handle the peer has told us about") — nothing here touches the
// local host, so no structure-lock defer is needed.
func (rt *Runtime) handleStructureCreated(d *wire.Decoder) error {
	handle := d.Handle()
	flags := proto.PortFlags(d.Uint32())
	dataType := proto.RemoteTypeIndex(d.Uint16())
	strategy := d.Strategy()
	pathCount := d.Uint16()
	paths := make([]proto.Path, 0, pathCount)
	for i := uint16(0); i < pathCount; i++ {
		paths = append(paths, d.Path())
	}
	if d.Err() != nil {
		return d.Err()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.remotePortMap[handle] = &proto.RemotePortRecord{
		Handle:   handle,
		Paths:    paths,
		Flags:    flags,
		DataType: dataType,
		Strategy: strategy,
	}
	return nil
}

func (rt *Runtime) handleStructureChanged(d *wire.Decoder) error {
	handle := d.Handle()
	flags := proto.PortFlags(d.Uint32())
	strategy := d.Strategy()
	if d.Err() != nil {
		return d.Err()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec, ok := rt.remotePortMap[handle]
	if !ok {
		return fmt.Errorf("structure changed: unknown remote port %v", handle)
	}
	rec.Flags = flags
	rec.Strategy = strategy
	return nil
}

// handleStructureDeleted forgets a remote port and marks every connector
// still bound to it disconnected (§3 Lifecycle, §8 "deletion is
// idempotent": a handle already absent is not an error).
func (rt *Runtime) handleStructureDeleted(d *wire.Decoder) error {
	handle := d.Handle()
	if d.Err() != nil {
		return d.Err()
	}

	rt.mu.Lock()
	rec, ok := rt.remotePortMap[handle]
	if ok {
		delete(rt.remotePortMap, handle)
	}
	rt.mu.Unlock()

	if !ok {
		return nil
	}
	for _, bh := range rec.ClientBindings {
		if b, ok := rt.ClientPortBinding(bh); ok {
			for _, c := range b.UsedBy {
				c.Status = proto.ConnectorDisconnected
			}
		}
	}
	return nil
}

// --- TYPE_UPDATE (§4.3, §4.8) ---

// handleTypeUpdate appends one entry to the peer's type register. Entries
// are appended in the order the peer interned them, so no explicit index
// needs to travel on the wire (§4.8 "the wire index equals the slice
// position").
func (rt *Runtime) handleTypeUpdate(d *wire.Decoder) error {
	var t registry.TypeEntry
	t.Name = d.String()
	t.Traits = d.Uint32()
	t.UnderlyingType = d.String()
	t.ElementType = d.String()

	n := d.Uint16()
	t.EnumConstants = make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		t.EnumConstants = append(t.EnumConstants, d.String())
	}
	hasValues := d.Bool()
	if hasValues {
		t.EnumValues = make([]int64, 0, n)
		for i := uint16(0); i < n; i++ {
			t.EnumValues = append(t.EnumValues, int64(d.Uint64()))
		}
	}
	if d.Err() != nil {
		return d.Err()
	}

	rt.Mirror.Type.InternType(t)
	return nil
}

// --- PEER_INFO (§4.3, §A.3) ---

// handlePeerInfo decodes the peer's advertised identity and records it in
// the shared peer directory (§3 Peer identity). A changed UUID under the
// same name means the peer restarted; that is logged, and no remote-port
// state is dropped here.
func (rt *Runtime) handlePeerInfo(d *wire.Decoder) error {
	idStr := d.String()
	peerType := peerdir.PeerType(d.Uint8())
	name := d.String()

	n := d.Uint16()
	addrs := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		addrs = append(addrs, d.String())
	}
	if d.Err() != nil {
		return d.Err()
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("peer info: malformed uuid %q: %w", idStr, err)
	}

	if rt.Peers.Observe(peerdir.Info{
		UUID:      id,
		Type:      peerType,
		Name:      name,
		Addresses: addrs,
	}) {
		log.Info("remote %v: peer %v restarted under a new incarnation (%v)", rt.Name, name, id)
	}
	return nil
}
