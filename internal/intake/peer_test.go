package intake

import (
	"context"
	"testing"
	"time"

	"github.com/finroc/netcore/internal/connection"
	"github.com/finroc/netcore/internal/metrics"
	"github.com/finroc/netcore/internal/remote"
	"github.com/finroc/netcore/internal/subscribe"
	"github.com/finroc/netcore/pkg/proto"
	"github.com/finroc/netcore/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeMutex struct{ allowed bool }

func (m *fakeMutex) TryLock() bool { return m.allowed }
func (m *fakeMutex) Unlock()       {}

type fakeHost struct {
	nextHandle proto.Handle
	byPath     map[string]proto.Port
	byHandle   map[proto.Handle]proto.Port
}

func newFakeHost() *fakeHost {
	return &fakeHost{byPath: map[string]proto.Port{}, byHandle: map[proto.Handle]proto.Port{}}
}

func (h *fakeHost) Lookup(p proto.Path) (proto.Port, bool) {
	port, ok := h.byPath[p.String()]
	return port, ok
}
func (h *fakeHost) ByHandle(handle proto.Handle) (proto.Port, bool) {
	port, ok := h.byHandle[handle]
	return port, ok
}
func (h *fakeHost) CreateServerPort(proto.Path, proto.RemoteTypeIndex, proto.PortFlags) (proto.Handle, error) {
	h.nextHandle++
	return h.nextHandle, nil
}
func (h *fakeHost) CreateClientPort(proto.RemoteTypeIndex, proto.PortFlags) (proto.Handle, error) {
	h.nextHandle++
	return h.nextHandle, nil
}
func (h *fakeHost) CreateConversionPort(string, string, string, string, string, string) (proto.Handle, error) {
	h.nextHandle++
	return h.nextHandle, nil
}
func (h *fakeHost) Connect(proto.Handle, proto.Handle, bool) error       { return nil }
func (h *fakeHost) DeletePort(proto.Handle) error                       { return nil }
func (h *fakeHost) PublishValue(proto.Handle, interface{}, time.Time) error { return nil }
func (h *fakeHost) Pull(proto.Handle) (interface{}, time.Time, error)   { return nil, time.Time{}, nil }
func (h *fakeHost) SharedPorts() []proto.Port                           { return nil }
func (h *fakeHost) NotifyConnectionLoss(proto.Handle)                   {}

type fakeTransport struct{ writes [][]byte }

func (t *fakeTransport) Write(frame []byte, release func()) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	t.writes = append(t.writes, cp)
	if release != nil {
		release()
	}
	return nil
}

func newTestPeer() (*Peer, *fakeHost, *connection.Connection) {
	host := newFakeHost()
	rt := remote.New("peer-b", host, &fakeMutex{allowed: true})
	rt.StreamRevision = 1 // current dialect; the legacy test resets it to 0
	conn := connection.New("peer-b", connection.Primary, connection.DefaultConfig(), nil)
	rt.Conns[connection.Primary] = conn
	sub := subscribe.New(host)
	w := NewWorker(16, metrics.NewSet(prometheus.NewRegistry()))
	return NewPeer(w, rt, sub, false), host, conn
}

func firstOpcode(t *testing.T, tr *fakeTransport) wire.OpCode {
	t.Helper()
	if len(tr.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tr.writes))
	}
	return wire.OpCode(tr.writes[0][wire.PacketHeaderSize])
}

func testConnector() *proto.Connector {
	return &proto.Connector{Static: proto.StaticConnectorParameters{
		ServerPortPath: proto.Path{Authority: "peer-b", Segments: []string{"arm", "angle"}},
	}}
}

func TestRequestConnectQueuesConnectPortsOnFirstSubscribe(t *testing.T) {
	p, _, conn := newTestPeer()
	tr := &fakeTransport{}

	if err := p.RequestConnect(5, 1, testConnector(), proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conn.SendPendingMessages(time.Now(), nil, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	if op := firstOpcode(t, tr); op != wire.CONNECT_PORTS {
		t.Errorf("opcode = %v, want CONNECT_PORTS", op)
	}
}

func TestRequestConnectSecondSubscriberEmitsUpdateConnection(t *testing.T) {
	p, _, conn := newTestPeer()

	c1 := testConnector()
	c1.Dynamic = proto.DynamicConnectionData{MinimalUpdateIntervalMillis: 100}
	if err := p.RequestConnect(5, 1, c1, proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// drain the CONNECT_PORTS from the first subscribe before observing the second.
	if _, err := conn.SendPendingMessages(time.Now(), nil, &fakeTransport{}, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	c2 := testConnector()
	c2.Dynamic = proto.DynamicConnectionData{MinimalUpdateIntervalMillis: 10}
	if err := p.RequestConnect(5, 1, c2, proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr := &fakeTransport{}
	if _, err := conn.SendPendingMessages(time.Now(), nil, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	if op := firstOpcode(t, tr); op != wire.UPDATE_CONNECTION {
		t.Errorf("opcode = %v, want UPDATE_CONNECTION", op)
	}
}

func TestRequestConnectLegacyEmitsSubscribeLegacy(t *testing.T) {
	p, _, conn := newTestPeer()
	p.Runtime.StreamRevision = 0
	tr := &fakeTransport{}

	if err := p.RequestConnect(5, 1, testConnector(), proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conn.SendPendingMessages(time.Now(), nil, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	if op := firstOpcode(t, tr); op != wire.SUBSCRIBE_LEGACY {
		t.Errorf("opcode = %v, want SUBSCRIBE_LEGACY", op)
	}
}

func TestRequestConnectLegacyRejectsServerSideConversion(t *testing.T) {
	p, _, _ := newTestPeer()
	p.Runtime.StreamRevision = 0

	c := testConnector()
	c.Static.Conversion = proto.ServerSideConversion{Present: true, Operation1: "ToDegrees"}
	if err := p.RequestConnect(5, 1, c, proto.EncodingBinary); err == nil {
		t.Error("expected an error subscribing a server-side conversion to a legacy peer")
	}
}

func TestRequestDisconnectEmitsDisconnectPortsForLastUser(t *testing.T) {
	p, _, conn := newTestPeer()

	c := testConnector()
	if err := p.RequestConnect(5, 1, c, proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conn.SendPendingMessages(time.Now(), nil, &fakeTransport{}, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	if err := p.RequestDisconnect(c.Handle, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := &fakeTransport{}
	if _, err := conn.SendPendingMessages(time.Now(), nil, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	if op := firstOpcode(t, tr); op != wire.DISCONNECT_PORTS {
		t.Errorf("opcode = %v, want DISCONNECT_PORTS", op)
	}
}

func TestRequestDisconnectSkipsMessageIfAlreadyDisconnected(t *testing.T) {
	p, _, conn := newTestPeer()

	c := testConnector()
	if err := p.RequestConnect(5, 1, c, proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conn.SendPendingMessages(time.Now(), nil, &fakeTransport{}, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	c.Status = proto.ConnectorError // e.g. a prior CONNECT_PORTS_ERROR arrived
	if err := p.RequestDisconnect(c.Handle, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := &fakeTransport{}
	if _, err := conn.SendPendingMessages(time.Now(), nil, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	if len(tr.writes) != 0 {
		t.Errorf("writes = %d, want 0 (connector was already disconnected)", len(tr.writes))
	}
}

func TestRequestDisconnectNotLastUserQueuesNothing(t *testing.T) {
	p, _, conn := newTestPeer()

	c1 := testConnector()
	c2 := testConnector()
	if err := p.RequestConnect(5, 1, c1, proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RequestConnect(5, 1, c2, proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conn.SendPendingMessages(time.Now(), nil, &fakeTransport{}, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	if err := p.RequestDisconnect(c1.Handle, c1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := &fakeTransport{}
	if _, err := conn.SendPendingMessages(time.Now(), nil, tr, nil, nil); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	if len(tr.writes) != 0 {
		t.Errorf("writes = %d, want 0 (another connector still uses the client port)", len(tr.writes))
	}
}

func TestProcessBatchDeferredStructureOpcodeRetriesNextTick(t *testing.T) {
	p, host, conn := newTestPeer()
	mx := &fakeMutex{allowed: false}
	p.Runtime.Struct = mx
	host.byPath[(proto.Path{Authority: "peer-b", Segments: []string{"arm", "angle"}}).String()] = proto.Port{Handle: 1, DataType: 9}

	enc := wire.NewEncoder()
	enc.Flags(wire.MakeFlags(0, false, false))
	enc.Handle(42)
	enc.StaticConnectorParameters(proto.StaticConnectorParameters{ServerPortPath: proto.Path{Authority: "peer-b", Segments: []string{"arm", "angle"}}})
	enc.DynamicConnectionData(proto.DynamicConnectionData{})
	ackHeader := []byte{0, 0, 0, 0}
	buf := wire.WriteMessage(ackHeader, wire.CONNECT_PORTS, enc.Bytes(), false)

	p.ProcessBatch(connection.Primary, buf)
	if err := p.Worker.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, _, deferred := p.QueueDepths(); deferred != 1 {
		t.Fatalf("deferred = %v, want 1 (structure mutex contested)", deferred)
	}

	mx.allowed = true
	if err := p.Worker.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, _, deferred := p.QueueDepths(); deferred != 0 {
		t.Errorf("deferred after mutex freed = %v, want 0", deferred)
	}
	if _, ok := p.Runtime.ServerPortFor(42); !ok {
		t.Error("expected CONNECT_PORTS to have installed a server port once the retry succeeded")
	}
	_ = conn
}

func TestPeerTickFlushesPendingMessagesToTransport(t *testing.T) {
	p, _, conn := newTestPeer()
	tr := &fakeTransport{}
	p.Transports[connection.Primary] = tr

	if err := p.RequestConnect(5, 1, testConnector(), proto.EncodingBinary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tr.writes))
	}
	_ = conn
}
