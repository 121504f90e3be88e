package proto

// PortFlags are the attribute bits carried alongside a port's type on the
// wire. Several combinations are meaningful only for network-visible ports
// (NetworkElement, Volatile, PushStrategy, NoInitialPushing).
type PortFlags uint32

const (
	FlagPort PortFlags = 1 << iota
	FlagOutput
	FlagInput
	FlagShared
	FlagNetworkElement
	FlagPushStrategy
	FlagVolatile
	FlagTool
	FlagAcceptsData
	FlagEmitsData
	FlagNoInitialPushing
)

func (f PortFlags) Has(bit PortFlags) bool { return f&bit != 0 }

// Strategy selects a data port's push/pull behavior.
//
//   -1           no strategy assigned
//    0           pull only
//   n >= 1       push with a queue of length n
//
// Kept signed per DESIGN.md's Open Question decision: the original source
// declares the field unsigned but initializes it to -1, which only the
// signed representation can express without a sentinel.
type Strategy int16

const (
	StrategyNone Strategy = -1
	StrategyPull Strategy = 0
)

// Port is a typed endpoint in a runtime's port graph.
type Port struct {
	Handle   Handle
	Path     Path
	DataType RemoteTypeIndex
	Flags    PortFlags
	Strategy Strategy
}

func (p Port) Ready() bool { return p.Handle != InvalidHandle }

func (p Port) IsDataPort() bool { return p.Flags.Has(FlagAcceptsData) || p.Flags.Has(FlagEmitsData) }

// RemoteTypeIndex indexes into a peer's mirrored type register (§4.8).
// It is only meaningful together with the connection it was read from.
type RemoteTypeIndex uint16

// RemotePortRecord is the per-peer record kept for each handle the peer has
// told us about via STRUCTURE_CREATED/_CHANGED/_DELETED (§3).
type RemotePortRecord struct {
	Handle   Handle
	Paths    []Path
	Flags    PortFlags
	DataType RemoteTypeIndex
	Strategy Strategy

	// ClientBindings lists the local client-port bindings subscribed to
	// this remote port (§4.4).
	ClientBindings []Handle
}

// ServerSideConversion describes an optional type conversion the server
// performs on behalf of a subscribing client (§4.3 CONNECT_PORTS, §6
// configuration parameter names).
type ServerSideConversion struct {
	Present         bool
	Operation1      string
	Operation1Param string
	Operation2      string
	Operation2Param string
	IntermediateType string
	DestinationType  string
}

// StaticConnectorParameters identify a connector's immutable wire identity:
// which server port it names and what conversion (if any) it requests.
type StaticConnectorParameters struct {
	ServerPortPath  Path
	Conversion      ServerSideConversion
	ReversePush     bool
}

// Equal reports whether two connectors would share one client port (§4.4
// step 4: "share_if static parameters match").
func (s StaticConnectorParameters) Equal(o StaticConnectorParameters) bool {
	return s.ServerPortPath.Equal(o.ServerPortPath) && s.Conversion == o.Conversion && s.ReversePush == o.ReversePush
}

// DynamicConnectionData is the mutable, renegotiable half of a connector's
// parameters (§6 configuration: "Minimal Update Interval", "High Priority").
type DynamicConnectionData struct {
	MinimalUpdateIntervalMillis int16
	HighPriority                bool
	Strategy                    Strategy
}

// Equal reports whether two DynamicConnectionData are wire-equivalent,
// i.e. whether CheckSubscription would need to emit anything (§4.4 step 5,
// §8 Idempotence law).
func (d DynamicConnectionData) Equal(o DynamicConnectionData) bool {
	return d == o
}

// Min returns the element-wise minimum/OR-reduction used when several
// connectors share one client port (§4.4 step 2).
func (d DynamicConnectionData) Min(o DynamicConnectionData) DynamicConnectionData {
	r := DynamicConnectionData{
		MinimalUpdateIntervalMillis: d.MinimalUpdateIntervalMillis,
		HighPriority:                d.HighPriority || o.HighPriority,
		Strategy:                    d.Strategy,
	}
	if o.MinimalUpdateIntervalMillis < r.MinimalUpdateIntervalMillis {
		r.MinimalUpdateIntervalMillis = o.MinimalUpdateIntervalMillis
	}
	return r
}

// NetworkPortInfo is attached to every server and client port this module
// creates, linking it back to the remote runtime and connection state it
// belongs to (§3 Server port, Client port binding).
type NetworkPortInfo struct {
	RemoteRuntimeName string
	Handle            Handle
	Dynamic           DynamicConnectionData
	DesiredEncoding   DataEncoding
}

// DataEncoding is the low two bits of a message's flags byte (§4.1).
type DataEncoding uint8

const (
	EncodingBinary           DataEncoding = 0
	EncodingString           DataEncoding = 1
	EncodingXML              DataEncoding = 2
	EncodingBinaryCompressed DataEncoding = 3
)

// StructureExchangeLevel is what a peer declared it wants to receive (§4.7).
type StructureExchangeLevel uint8

const (
	StructureExchangeNone StructureExchangeLevel = iota
	StructureExchangeSharedPorts
	StructureExchangeCompleteStructure
	StructureExchangeFinstruct
)
