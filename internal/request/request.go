// Package request implements the request channel (component C8):
// synchronous RPC dispatch for the kinds in wire.RequestKind, each
// validated and applied against the port/client/graph layers under the
// same lock ordering the rest of the engine uses (graph_lock before
// port_lock before buffer_lock — here, graph.Graph's internal mutex
// already serializes connect/disconnect, and port.Registry/buffer.Pool
// serialize themselves).
package request

import (
	"github.com/go-playground/validator/v10"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/event"
	"github.com/jackgo/jackgo/internal/graph"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/port"
	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/internal/wire"
)

// Dispatcher applies one request at a time to the engine's registries. It
// holds no state of its own beyond the validator instance; all mutable
// state lives in the registries it's handed.
type Dispatcher struct {
	ports    *port.Registry
	clients  *client.Registry
	types    *porttype.Table
	bufs     *buffer.Pool
	graph    *graph.Graph
	events   *event.Bus
	log      logging.Logger
	validate *validator.Validate
}

// New creates a Dispatcher wired to the given engine components.
func New(ports *port.Registry, clients *client.Registry, types *porttype.Table, bufs *buffer.Pool, g *graph.Graph, events *event.Bus, log logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		ports:    ports,
		clients:  clients,
		types:    types,
		bufs:     bufs,
		graph:    g,
		events:   events,
		log:      log,
		validate: validator.New(),
	}
}

// portNameInput validates a port short name: non-empty, within the wire
// record's length budget, and free of the "<client>:<port>" delimiter.
type portNameInput struct {
	Name string `validate:"required,max=63,excludesall=:"`
}

// Handle dispatches one request and returns the reply to write back.
// Unknown kinds and any panic-worthy programmer error instead return
// StatusInternal — Handle never panics.
func (d *Dispatcher) Handle(req *wire.Request) *wire.Reply {
	switch req.Kind {
	case wire.RequestRegisterPort:
		return d.registerPort(req)
	case wire.RequestUnregisterPort:
		return d.unregisterPort(req)
	case wire.RequestConnectPorts:
		return d.connectPorts(req)
	case wire.RequestDisconnectPorts:
		return d.disconnectPorts(req)
	case wire.RequestActivateClient:
		return d.activateClient(req)
	case wire.RequestDeactivateClient:
		return d.deactivateClient(req)
	case wire.RequestPortMonitor:
		return d.portMonitor(req, true)
	case wire.RequestPortUnMonitor:
		return d.portMonitor(req, false)
	case wire.RequestDropClient:
		return d.dropClient(req)
	case wire.RequestSetTimeBaseClient:
		// Timebase designation has no effect on the port/graph/buffer
		// layers this dispatcher owns, and no component records the
		// designated client. Acknowledged here so the client's RPC
		// completes.
		return &wire.Reply{Status: wire.StatusOK}
	default:
		d.log.Errorw("request: unknown kind", "kind", uint32(req.Kind))
		return &wire.Reply{Status: wire.StatusInternal}
	}
}

func (d *Dispatcher) registerPort(req *wire.Request) *wire.Reply {
	name := req.GetName()
	if err := d.validate.Struct(portNameInput{Name: name}); err != nil {
		return &wire.Reply{Status: wire.StatusNameTooLong}
	}

	owner := d.clients.Get(req.ClientID)
	if owner == nil {
		return &wire.Reply{Status: wire.StatusUnknownClient}
	}

	t := d.types.Lookup(porttype.AudioTypeName)
	if req.Flags&wire.PortFlagMIDI != 0 {
		t = d.types.Lookup(porttype.MIDITypeName)
	}

	dir := port.DirectionInput
	if req.Flags&wire.PortFlagOutput != 0 {
		dir = port.DirectionOutput
	}
	flags := port.Flags{
		Direction:  dir,
		Physical:   req.Flags&wire.PortFlagPhysical != 0,
		Terminal:   req.Flags&wire.PortFlagTerminal != 0,
		CanMonitor: req.Flags&wire.PortFlagCanMonitor != 0,
	}

	p, err := d.ports.Register(owner.ID, owner.Name, name, flags, t)
	if err != nil {
		switch err {
		case port.ErrDuplicateName:
			return &wire.Reply{Status: wire.StatusDuplicateName}
		case port.ErrNoFreeSlot:
			return &wire.Reply{Status: wire.StatusNoFreePortSlot}
		default:
			return &wire.Reply{Status: wire.StatusInternal}
		}
	}

	var bufferOffset uint32
	if dir == port.DirectionOutput {
		h, err := d.bufs.Assign()
		if err != nil {
			d.ports.Unregister(p.ID)
			return &wire.Reply{Status: wire.StatusNoFreeBuffer}
		}
		p.AssignBuffer(h)
		bufferOffset = uint32(h.Offset)
	}

	owner.AddPort(p.ID)
	d.graph.RebuildChain()
	d.events.PortRegistered(owner.ID, p.ID)
	return &wire.Reply{Status: wire.StatusOK, PortID: p.ID, BufferOffset: bufferOffset}
}

func (d *Dispatcher) unregisterPort(req *wire.Request) *wire.Reply {
	p := d.ports.Get(req.PortID)
	if p == nil {
		return &wire.Reply{Status: wire.StatusUnknownPort}
	}
	owner := d.clients.Get(p.Owner)

	for _, peerID := range p.Connections() {
		if peer := d.ports.Get(peerID); peer != nil {
			peer.Disconnect(p.ID)
			if peerOwner := d.clients.Get(peer.Owner); peerOwner != nil {
				d.events.PortDisconnected(p.Owner, p.ID, peer.Owner, peerID)
			}
		}
	}

	if p.Flags.Direction == port.DirectionOutput && !p.BufferHandle().IsZero() {
		d.bufs.Release(p.BufferHandle())
	}
	d.ports.Unregister(p.ID)
	if owner != nil {
		owner.RemovePort(p.ID)
	}
	d.graph.RebuildChain()
	if owner != nil {
		d.events.PortUnregistered(owner.ID, p.ID)
	}
	return &wire.Reply{Status: wire.StatusOK}
}

func (d *Dispatcher) connectPorts(req *wire.Request) *wire.Reply {
	src := d.ports.ByFullName(req.GetSrcName())
	dst := d.ports.ByFullName(req.GetDstName())
	if src == nil || dst == nil {
		return &wire.Reply{Status: wire.StatusUnknownPort}
	}
	if err := d.graph.Connect(src.ID, dst.ID); err != nil {
		return &wire.Reply{Status: statusForGraphErr(err)}
	}
	d.events.PortConnected(src.Owner, src.ID, dst.Owner, dst.ID, uint32(src.BufferHandle().Offset))
	return &wire.Reply{Status: wire.StatusOK}
}

func (d *Dispatcher) disconnectPorts(req *wire.Request) *wire.Reply {
	src := d.ports.ByFullName(req.GetSrcName())
	dst := d.ports.ByFullName(req.GetDstName())
	if src == nil || dst == nil {
		return &wire.Reply{Status: wire.StatusUnknownPort}
	}
	if err := d.graph.Disconnect(src.ID, dst.ID); err != nil {
		return &wire.Reply{Status: statusForGraphErr(err)}
	}
	d.events.PortDisconnected(src.Owner, src.ID, dst.Owner, dst.ID)
	return &wire.Reply{Status: wire.StatusOK}
}

func (d *Dispatcher) activateClient(req *wire.Request) *wire.Reply {
	c := d.clients.Get(req.ClientID)
	if c == nil {
		return &wire.Reply{Status: wire.StatusUnknownClient}
	}
	c.Active.Store(true)
	d.graph.RebuildChain()
	return &wire.Reply{Status: wire.StatusOK}
}

// deactivateClient leaves the client's ports intact but severs every
// connection involving them, per the spec's activate/deactivate
// round-trip property.
func (d *Dispatcher) deactivateClient(req *wire.Request) *wire.Reply {
	c := d.clients.Get(req.ClientID)
	if c == nil {
		return &wire.Reply{Status: wire.StatusUnknownClient}
	}
	for _, portID := range c.PortIDs() {
		p := d.ports.Get(portID)
		if p == nil {
			continue
		}
		for _, peerID := range p.Connections() {
			if peer := d.ports.Get(peerID); peer != nil {
				peer.Disconnect(p.ID)
				p.Disconnect(peerID)
				if peerOwner := d.clients.Get(peer.Owner); peerOwner != nil {
					d.events.PortDisconnected(p.Owner, p.ID, peer.Owner, peerID)
				}
			}
		}
	}
	c.Active.Store(false)
	d.graph.RebuildChain()
	return &wire.Reply{Status: wire.StatusOK}
}

func (d *Dispatcher) portMonitor(req *wire.Request, enable bool) *wire.Reply {
	p := d.ports.Get(req.PortID)
	if p == nil {
		return &wire.Reply{Status: wire.StatusUnknownPort}
	}
	if enable {
		p.RequestMonitor()
		d.events.PortMonitor(p.Owner, p.ID)
	} else {
		p.ReleaseMonitor()
		d.events.PortUnMonitor(p.Owner, p.ID)
	}
	return &wire.Reply{Status: wire.StatusOK}
}

// dropClient is the request-channel path for client removal; it performs
// the same teardown internal/engine performs for a dead/timed-out client
// (ports unregistered, connections torn down), but is driven by an
// explicit RPC rather than a cycle-runner failure.
func (d *Dispatcher) dropClient(req *wire.Request) *wire.Reply {
	c := d.clients.Get(req.ClientID)
	if c == nil {
		return &wire.Reply{Status: wire.StatusUnknownClient}
	}
	for _, portID := range c.PortIDs() {
		d.unregisterPort(&wire.Request{Kind: wire.RequestUnregisterPort, PortID: portID})
	}
	c.MarkDead()
	_ = c.CloseEvents()
	d.clients.Unregister(c.ID)
	d.graph.RebuildChain()
	return &wire.Reply{Status: wire.StatusOK}
}

func statusForGraphErr(err error) wire.Status {
	switch err {
	case graph.ErrPortNotFound:
		return wire.StatusUnknownPort
	case graph.ErrDirectionMismatch:
		return wire.StatusWrongDirection
	case graph.ErrTypeMismatch:
		return wire.StatusTypeMismatch
	case graph.ErrMixdownRequired:
		return wire.StatusNoMixdown
	case graph.ErrWouldCycle:
		return wire.StatusWouldCycle
	case graph.ErrNotConnected:
		return wire.StatusNotConnected
	case graph.ErrAlreadyConnected:
		return wire.StatusDuplicateName
	default:
		return wire.StatusInternal
	}
}
