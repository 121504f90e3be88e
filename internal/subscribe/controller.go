// Package subscribe implements spec.md §4.4: coalescing one or more
// logical connectors bound to the same remote port and static parameters
// onto a single client port, and reconciling that client port's effective
// dynamic parameters (OR-reduced high priority, min-reduced update
// interval) whenever the set of connectors using it changes.
//
// Grounded on internal/meshage/route.go's generateEffectiveNetwork, which
// dedups adjacency entries onto one canonical record the same way
// CheckSubscription dedups connectors onto one client port.
package subscribe

import (
	"fmt"
	"sync"

	log "github.com/finroc/netcore/pkg/minilog"
	"github.com/finroc/netcore/internal/hostiface"
	"github.com/finroc/netcore/pkg/proto"
)

// Controller owns the client-port sharing table for one remote runtime.
type Controller struct {
	Host hostiface.PortGraph

	mu       sync.Mutex
	bindings map[string]*proto.ClientPortBinding         // share key -> binding
	byHandle map[proto.Handle]*proto.ClientPortBinding    // local client port handle -> binding
}

func New(host hostiface.PortGraph) *Controller {
	return &Controller{
		Host:     host,
		bindings: make(map[string]*proto.ClientPortBinding),
		byHandle: make(map[proto.Handle]*proto.ClientPortBinding),
	}
}

// shareKey implements §4.4 step 4: connectors share one client port iff
// their static parameters are equal for the same remote runtime. A
// connector's LocalConversion deliberately plays no part in this key —
// it is handled one level down, by localConversionKey, so that
// connectors disagreeing only on their local conversion still land on
// the same client port and merely fork onto distinct conversion ports.
func shareKey(remoteRuntime string, s proto.StaticConnectorParameters) string {
	return fmt.Sprintf("%s|%s|%+v|%v", remoteRuntime, s.ServerPortPath.String(), s.Conversion, s.ReversePush)
}

// localConversionKey implements the other half of §3's client port
// binding definition: connectors that share a client port but specify
// distinct local conversions still each need their own conversion port.
// Two connectors with byte-identical local conversions reuse one.
func localConversionKey(c proto.ServerSideConversion) string {
	return fmt.Sprintf("%+v", c)
}

// Binding resolves a local client port handle to its binding.
func (c *Controller) Binding(handle proto.Handle) (*proto.ClientPortBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byHandle[handle]
	return b, ok
}

// Subscribe implements §4.4 steps 1-5 for one connector: find or create the
// client port serving its (remote runtime, static parameters) pair, attach
// the connector, and report whether the caller owes the peer a CONNECT_PORTS
// (binding just created) or an UPDATE_CONNECTION (binding already existed
// and the effective dynamic parameters changed, §8 Idempotence law: no
// message is emitted when nothing on the wire would change).
func (c *Controller) Subscribe(remoteRuntime string, remoteHandle proto.Handle, dataType proto.RemoteTypeIndex, connector *proto.Connector) (handle proto.Handle, connectPorts bool, updateConnection bool, err error) {
	key := shareKey(remoteRuntime, connector.Static)

	c.mu.Lock()
	defer c.mu.Unlock()

	b, exists := c.bindings[key]
	if !exists {
		flags := proto.FlagPort | proto.FlagInput | proto.FlagAcceptsData
		h, createErr := c.Host.CreateClientPort(dataType, flags)
		if createErr != nil {
			return proto.InvalidHandle, false, false, createErr
		}
		b = &proto.ClientPortBinding{Handle: h, RemoteHandle: remoteHandle, Static: connector.Static}
		c.bindings[key] = b
		c.byHandle[h] = b
	}

	prevEffective := b.EffectiveDynamic()
	b.UsedBy = append(b.UsedBy, connector)
	connector.Handle = b.Handle
	connector.Status = proto.ConnectorConnecting
	newEffective := b.EffectiveDynamic()

	if connector.LocalConversion.Present {
		if err := c.attachLocalConversion(b, connector); err != nil {
			return proto.InvalidHandle, false, false, err
		}
	}

	if log.WillLog(log.DEBUG) {
		log.Debug("subscribe: client port %v now serves %d connector(s) to %v", b.Handle, len(b.UsedBy), b.Static.ServerPortPath)
	}

	return b.Handle, !exists, exists && !newEffective.Equal(prevEffective), nil
}

// attachLocalConversion implements §3's "distinct conversion ports" half
// of the client port binding definition: connector.ConversionHandle is
// resolved to the binding's conversion port for connector's exact
// LocalConversion, creating and wiring one the first time that exact
// conversion is requested on this binding. Must be called with c.mu held.
func (c *Controller) attachLocalConversion(b *proto.ClientPortBinding, connector *proto.Connector) error {
	key := localConversionKey(connector.LocalConversion)
	if b.ConversionPorts == nil {
		b.ConversionPorts = make(map[string]proto.Handle)
	}
	if h, ok := b.ConversionPorts[key]; ok {
		connector.ConversionHandle = h
		return nil
	}

	conv := connector.LocalConversion
	h, err := c.Host.CreateConversionPort(conv.DestinationType, conv.IntermediateType, conv.Operation1, conv.Operation1Param, conv.Operation2, conv.Operation2Param)
	if err != nil {
		return fmt.Errorf("local conversion for client port %v: %w", b.Handle, err)
	}
	if err := c.Host.Connect(b.Handle, h, true); err != nil {
		return fmt.Errorf("wiring local conversion for client port %v: %w", b.Handle, err)
	}
	b.ConversionPorts[key] = h
	connector.ConversionHandle = h
	return nil
}

// Unsubscribe implements §4.4's managed deletion: detach connector from its
// binding, and report whether that was the binding's last user — in which
// case the caller owes the peer a DISCONNECT_PORTS and this call has
// already deleted the local client port.
func (c *Controller) Unsubscribe(handle proto.Handle, connector *proto.Connector) (deletedClientPort bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.byHandle[handle]
	if !ok {
		return false, fmt.Errorf("unsubscribe: unknown client port %v", handle)
	}

	for i, existing := range b.UsedBy {
		if existing == connector {
			b.UsedBy = append(b.UsedBy[:i], b.UsedBy[i+1:]...)
			break
		}
	}
	connector.Status = proto.ConnectorDisconnected

	if connector.ConversionHandle != proto.InvalidHandle {
		if releaseErr := c.releaseLocalConversion(b, connector); releaseErr != nil {
			return false, releaseErr
		}
	}

	if len(b.UsedBy) > 0 {
		return false, nil
	}

	delete(c.byHandle, handle)
	for k, v := range c.bindings {
		if v == b {
			delete(c.bindings, k)
			break
		}
	}
	if err := c.Host.DeletePort(handle); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile recomputes a binding's effective dynamic parameters and
// reports whether they differ from prev (§4.4 step 5). Callers
// invoke this after a connector's own dynamic parameters are updated
// in-place (e.g. following a local strategy change) to learn whether an
// UPDATE_CONNECTION is now owed.
func (c *Controller) Reconcile(handle proto.Handle, prev proto.DynamicConnectionData) (current proto.DynamicConnectionData, changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.byHandle[handle]
	if !ok {
		return proto.DynamicConnectionData{}, false, fmt.Errorf("reconcile: unknown client port %v", handle)
	}
	current = b.EffectiveDynamic()
	return current, !current.Equal(prev), nil
}

// releaseLocalConversion deletes connector's conversion port once no
// remaining connector on the binding still uses it (mirror image of
// attachLocalConversion). Must be called with c.mu held, after connector
// has already been removed from b.UsedBy.
func (c *Controller) releaseLocalConversion(b *proto.ClientPortBinding, connector *proto.Connector) error {
	key := localConversionKey(connector.LocalConversion)
	h := connector.ConversionHandle
	connector.ConversionHandle = proto.InvalidHandle

	for _, other := range b.UsedBy {
		if other.ConversionHandle == h {
			return nil // still in use by another connector
		}
	}
	delete(b.ConversionPorts, key)
	return c.Host.DeletePort(h)
}

// BindingCount is a test/metrics hook.
func (c *Controller) BindingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}
