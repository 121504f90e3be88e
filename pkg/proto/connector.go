package proto

import "time"

// ConnectorStatus mirrors a URI connector's lifecycle as seen on the wire
// (URI_CONNECTOR_UPDATED carries one of these, §4.3/§4.4).
type ConnectorStatus uint8

const (
	ConnectorConnecting ConnectorStatus = iota
	ConnectorConnected
	ConnectorDisconnected
	ConnectorError
)

// Connector is the wire-visible subscription described in §3. Its Handle
// equals the client-side local port's handle.
type Connector struct {
	Handle  Handle
	Static  StaticConnectorParameters
	Dynamic DynamicConnectionData
	Status  ConnectorStatus

	// LocalConversion is applied entirely on the client side, between the
	// shared client port and this connector's actual destination; it is
	// never put on the wire (§3 "Client port binding": "those with equal
	// static parameters but distinct local conversions share the client
	// port and add distinct conversion ports"). Present==false means the
	// connector reads the client port's value directly.
	LocalConversion ServerSideConversion
	// ConversionHandle is the per-distinct-LocalConversion conversion port
	// this connector feeds through, or InvalidHandle when LocalConversion
	// is absent. Several connectors with an identical LocalConversion on
	// the same binding share one ConversionHandle, mirroring how they
	// already share Handle.
	ConversionHandle Handle

	// NonPrimary marks a connector used internally to wire a server-side
	// conversion port to the port it converts (§A.3, §9 "Cyclic ownership").
	// Deleting the owning binding must not cascade through a NonPrimary
	// connector to the served port's other connections.
	NonPrimary bool
}

// ClientPortBinding is the hidden local port that fans one remote port out
// to one or more logical URI connectors (§3, §4.4). Multiple connectors
// with equal Static parameters share one binding.
type ClientPortBinding struct {
	Handle       Handle
	RemoteHandle Handle
	Static       StaticConnectorParameters
	UsedBy       []*Connector // weak references; last release deletes the binding (§9 Cyclic ownership)

	// ConversionPorts maps a local-conversion share key (see
	// internal/subscribe's localConversionKey) to the conversion port
	// handle serving every connector on this binding with that exact
	// LocalConversion.
	ConversionPorts map[string]Handle
}

// EffectiveDynamic computes the OR/min-reduced dynamic parameters over all
// connectors currently bound to this client port (§4.4 step 2).
func (b *ClientPortBinding) EffectiveDynamic() DynamicConnectionData {
	if len(b.UsedBy) == 0 {
		return DynamicConnectionData{}
	}
	eff := b.UsedBy[0].Dynamic
	for _, c := range b.UsedBy[1:] {
		eff = eff.Min(c.Dynamic)
	}
	return eff
}

// PendingRPCCall is an outstanding request awaiting a RESPONSE (§3, §4.5).
type PendingRPCCall struct {
	CallID         uint64
	RemotePort     Handle
	LocalPort      Handle
	Deadline       time.Time
	ResponseSlot   chan interface{}
}

// PendingPullCall is an outstanding PULLCALL awaiting a PULLCALL_RETURN
// (§3, §4.5).
type PendingPullCall struct {
	CallID       uint64
	RemotePort   Handle
	ConnIndex    int // 0 = primary, 1 = express
	Deadline     time.Time
	Promise      chan PullResult
}

// PullResult is what a PendingPullCall resolves to: either a value of the
// expected type, or one of the documented failure reasons (§4.3 PULLCALL_RETURN).
type PullResult struct {
	Value     interface{}
	Err       error
	Timestamp time.Time
}

var (
	// ErrInvalidDataReceived is set when a PULLCALL_RETURN's type does not
	// match the local port's type.
	ErrInvalidDataReceived = pullError("invalid data received")
	// ErrNoConnection is set when no PULLCALL_RETURN arrives before the
	// pending entry is evicted, or the local port went away (§8 scenario 6).
	ErrNoConnection = pullError("no connection")
)

type pullError string

func (e pullError) Error() string { return string(e) }
