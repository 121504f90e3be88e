// Package remote implements spec.md §4.3: the per-peer remote-runtime
// state machine that demultiplexes incoming opcodes, maintains the
// mapping from wire-level connection handles to local/remote ports, and
// drives the server- and client-side port lifecycles. It also owns
// structure exchange (§4.7).
//
// Grounded on internal/ron/server.go's clients map + command dispatch and
// original_source/generic_protocol/tRemoteRuntime.cpp for per-opcode
// semantics, both from the teacher repo.
package remote

import (
	"sync"
	"time"

	"github.com/finroc/netcore/internal/callreg"
	"github.com/finroc/netcore/internal/connection"
	"github.com/finroc/netcore/internal/hostiface"
	"github.com/finroc/netcore/internal/peerdir"
	"github.com/finroc/netcore/internal/registry"
	log "github.com/finroc/netcore/pkg/minilog"
	"github.com/finroc/netcore/pkg/proto"
)

// diagRingSize bounds how many recent log lines a runtime keeps around for
// RecentLogLines, independent of whatever file/console loggers the host
// process has configured.
const diagRingSize = 256

// Runtime is the per-peer state the core keeps: connection-handle-to-port
// mappings, the opcode dispatch table, and the structure-exchange
// watermark (spec.md §3, §4.3, §4.7).
type Runtime struct {
	Name string
	Host hostiface.PortGraph
	Struct hostiface.StructureMutex

	Conns [2]*connection.Connection // index 0 primary, 1 express

	Calls *callreg.Registry
	Mirror *registry.Mirror
	Peers  *peerdir.Directory

	// ToolConnection marks that this peer connected over a tool-only
	// connection (§4.3 CONNECT_PORTS "TOOL_PORT if peer is tool-connection").
	ToolConnection bool

	// StreamRevision 0 denotes the legacy dialect (§6, §9 "Legacy vs
	// current"); the dialect is a field on the stream context, not a
	// compile-time branch.
	StreamRevision int

	mu sync.Mutex

	serverPortMap map[proto.Handle]*ServerPort // wire connection handle -> server port
	remotePortMap map[proto.Handle]*proto.RemotePortRecord

	clientPortBindings map[proto.Handle]*proto.ClientPortBinding // local client port handle -> binding

	// structure exchange state (§4.7)
	structureLevelRequestedByPeer proto.StructureExchangeLevel
	servingStructure              bool
	initialScanDone               bool
	initialScanWatermark          proto.Handle

	// onConnectError is invoked when CONNECT_PORTS fails so the intake
	// worker can emit CONNECT_PORTS_ERROR on the primary connection
	// (§4.3 CONNECT_PORTS "on any failure"). Nil is a valid no-op default
	// for tests that don't care about the error path.
	onConnectError func(handle proto.Handle, reason string)

	// onPullRequest is invoked once PULLCALL has resolved (or failed to
	// resolve) a target, with the connection the reply belongs on
	// (§4.3 PULLCALL, §4.6). The Runtime does not encode or queue
	// PULLCALL_RETURN itself, and nothing in this module sets this hook;
	// while it is nil a PULLCALL gets no reply.
	onPullRequest func(connIdx connection.Index, callID uint64, port proto.Port, value interface{}, timestamp time.Time, ok bool)

	diagRingName string
}

// SetConnectErrorHook wires the CONNECT_PORTS failure callback (§4.3).
// intake.NewPeer calls this once during setup.
func (rt *Runtime) SetConnectErrorHook(f func(handle proto.Handle, reason string)) {
	rt.onConnectError = f
}

// SetPullRequestHook wires the PULLCALL resolution callback (§4.3, §4.6).
func (rt *Runtime) SetPullRequestHook(f func(connIdx connection.Index, callID uint64, port proto.Port, value interface{}, timestamp time.Time, ok bool)) {
	rt.onPullRequest = f
}

// ServerPort is the hidden, network-visible port created to serve an
// incoming subscription (§3 Server port).
type ServerPort struct {
	Handle            proto.Handle
	ServedPort        proto.Handle // the port actually delivering data, directly or via ConversionPort
	ConversionPort    proto.Handle // zero if no server-side conversion
	Dynamic           proto.DynamicConnectionData
	DesiredEncoding   proto.DataEncoding
}

func New(name string, host hostiface.PortGraph, structMutex hostiface.StructureMutex) *Runtime {
	ringName := "remote:" + name
	log.AddLogRing(ringName, diagRingSize, log.DEBUG)

	return &Runtime{
		Name:               name,
		Host:               host,
		Struct:             structMutex,
		Calls:              callreg.NewRegistry(nil, nil),
		Mirror:             registry.NewMirror(),
		Peers:              peerdir.NewDirectory(),
		serverPortMap:      make(map[proto.Handle]*ServerPort),
		remotePortMap:      make(map[proto.Handle]*proto.RemotePortRecord),
		clientPortBindings: make(map[proto.Handle]*proto.ClientPortBinding),
		diagRingName:       ringName,
	}
}

// RecentLogLines returns the last lines logged for this peer, oldest
// first. Useful when a peer misbehaves and an operator wants context
// without reaching for the process's own log file (§A.1).
func (rt *Runtime) RecentLogLines() []string {
	lines, err := log.RecentLines(rt.diagRingName)
	if err != nil {
		return nil
	}
	return lines
}

// connFor picks the connection a message should travel on: express for
// high-priority pull calls, primary for everything state-changing (spec.md
// §5 "subscription messages that alter server-port state travel on the
// primary connection exclusively").
func (rt *Runtime) connFor(highPriority bool) *connection.Connection {
	if highPriority && rt.Conns[connection.Express] != nil {
		return rt.Conns[connection.Express]
	}
	return rt.Conns[connection.Primary]
}

// RemotePort looks up a remote port record by handle (§3).
func (rt *Runtime) RemotePort(h proto.Handle) (*proto.RemotePortRecord, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.remotePortMap[h]
	return r, ok
}

// ServerPortFor resolves a wire connection handle to the server port
// created for it (§4.3 server_port_map).
func (rt *Runtime) ServerPortFor(connHandle proto.Handle) (*ServerPort, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sp, ok := rt.serverPortMap[connHandle]
	return sp, ok
}

// ClientPortBinding resolves a local client port handle to its binding
// (§3, §4.4).
func (rt *Runtime) ClientPortBinding(h proto.Handle) (*proto.ClientPortBinding, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, ok := rt.clientPortBindings[h]
	return b, ok
}

// Close cascades deletion of every server/client port this runtime owns
// (spec.md §3 Lifecycle: "destroyed when the primary connection closes,
// which cascades deletion of all client/server ports it owns").
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for h, sp := range rt.serverPortMap {
		_ = rt.Host.DeletePort(sp.Handle)
		if sp.ConversionPort != proto.InvalidHandle {
			_ = rt.Host.DeletePort(sp.ConversionPort)
		}
		delete(rt.serverPortMap, h)
	}
	for h, b := range rt.clientPortBindings {
		for _, c := range b.UsedBy {
			c.Status = proto.ConnectorDisconnected
		}
		_ = rt.Host.DeletePort(b.Handle)
		delete(rt.clientPortBindings, h)
	}
	rt.remotePortMap = make(map[proto.Handle]*proto.RemotePortRecord)
	for i := range rt.Conns {
		if rt.Conns[i] != nil {
			rt.Conns[i].Close()
		}
	}
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
