// Package hostiface declares the interfaces this core requires from the
// embedding host runtime and transport plugin — the §1 OUT OF SCOPE
// boundary made explicit so the protocol core compiles and is testable
// independent of any particular runtime.
//
// Modeled on internal/ron's VM interface in the teacher repo: a minimal
// interface that captures exactly what the external collaborator must
// supply, nothing more.
package hostiface

import (
	"time"

	"github.com/finroc/netcore/pkg/proto"
)

// StructureMutex is the host runtime's structure lock (§5 Suspension and
// blocking). The protocol worker only ever attempts TryLock; it never
// blocks holding this lock across a potentially long operation.
type StructureMutex interface {
	TryLock() bool
	Unlock()
}

// PortGraph is the host runtime's port enumeration and mutation surface
// (§1: "provides port enumeration, add/change/remove notifications ...
// buffer pools, type registry, and RPC interface descriptors").
type PortGraph interface {
	// Lookup resolves a path to a local port, or ok=false if missing
	// (§4.3 CONNECT_PORTS "resolve the target port by path").
	Lookup(path proto.Path) (proto.Port, bool)

	// ByHandle resolves a previously issued handle back to a port.
	ByHandle(h proto.Handle) (proto.Port, bool)

	// CreateServerPort creates the hidden, network-visible port that
	// mirrors an incoming subscription (§4.3 CONNECT_PORTS) and returns
	// its handle.
	CreateServerPort(parentPath proto.Path, dataType proto.RemoteTypeIndex, flags proto.PortFlags) (proto.Handle, error)

	// CreateClientPort creates the hidden port that fans a remote port
	// out to local connectors (§4.4 step 3).
	CreateClientPort(dataType proto.RemoteTypeIndex, flags proto.PortFlags) (proto.Handle, error)

	// CreateConversionPort creates a hidden port that performs a named
	// conversion sequence, returning its handle (§4.3, §A.3).
	CreateConversionPort(destinationType string, intermediateType string, op1, op1Param, op2, op2Param string) (proto.Handle, error)

	// Connect wires src -> dst. nonPrimary marks an internal conversion
	// link that must not cascade deletion to dst's other connections
	// (§9 Cyclic ownership, §A.3).
	Connect(src, dst proto.Handle, nonPrimary bool) error

	// DeletePort removes a hidden port this module created.
	DeletePort(h proto.Handle) error

	// PublishValue delivers a decoded value to a ready data port
	// (§4.3 PORT_VALUE_CHANGE).
	PublishValue(h proto.Handle, value interface{}, timestamp time.Time) error

	// Pull reads a data port's current value, ignoring local pull
	// handlers (§4.3 PULLCALL).
	Pull(h proto.Handle) (value interface{}, timestamp time.Time, err error)

	// SharedPorts snapshots every currently shared port, used for the
	// initial structure-exchange catch-up scan (§4.7).
	SharedPorts() []proto.Port

	// NotifyConnectionLoss informs every terminal destination routed
	// through a lost connection (§4.2 critical-ping check, §7 category 6).
	NotifyConnectionLoss(h proto.Handle)
}

// RPCTarget is a local port able to receive RPC MESSAGE/REQUEST calls
// (§4.3 RPC_CALL).
type RPCTarget interface {
	DataType() proto.RemoteTypeIndex
	Deliver(callType RPCCallType, senderHandle proto.Handle, functionIndex uint32, args interface{}) (response interface{}, err error)
}

// RPCCallType mirrors rpc_ports::tCallType (§4.3).
type RPCCallType uint8

const (
	RPCMessage RPCCallType = iota
	RPCRequest
	RPCResponse
)

// BufferPool supplies per-local-port-type buffers for RPC-call
// deserialization (§3 Pending RPC call, §5 Shared resources).
type BufferPool interface {
	Get() interface{}
	Put(interface{})
}
