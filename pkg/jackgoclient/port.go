package jackgoclient

import (
	"fmt"
	"sync"

	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/internal/wire"
)

// Port is a client-side handle for one registered port. Its connection
// state (which peer output ports feed it, and at what buffer offset) is
// maintained incrementally from PortConnected/PortDisconnected events
// rather than read from the server's own graph, since an external client
// has no access to internal/graph.Graph.
type Port struct {
	id        uint32
	shortName string
	fullName  string
	dir       Direction
	ptype     *porttype.Type

	c *Client

	mu         sync.Mutex
	ownOffset  uint32            // valid when dir == DirectionOutput
	peerOffset map[uint32]uint32 // peer output port id -> its buffer offset, valid when dir == DirectionInput
	mixBuf     []byte
}

// ID returns the server-assigned port id.
func (p *Port) ID() uint32 { return p.id }

// FullName returns the "<client>:<port>" full name used in connect/disconnect calls.
func (p *Port) FullName() string { return p.fullName }

// Direction returns the port's data-flow direction.
func (p *Port) Direction() Direction { return p.dir }

func (p *Port) typeSize(nframes int) int { return p.ptype.BufferSize(nframes) }

func portTypeOf(t PortType, table *porttype.Table) *porttype.Type {
	if t == PortTypeMIDI {
		return table.Lookup(porttype.MIDITypeName)
	}
	return table.Lookup(porttype.AudioTypeName)
}

func portFlagsFor(dir Direction, t PortType) uint32 {
	var flags uint32
	if dir == DirectionOutput {
		flags |= wire.PortFlagOutput
	}
	if t == PortTypeMIDI {
		flags |= wire.PortFlagMIDI
	}
	return flags
}

// RegisterPort registers a new port named shortName (the client's own
// full name prefix is applied by the server) of the given direction and
// type.
func (c *Client) RegisterPort(shortName string, dir Direction, ptype PortType) (*Port, error) {
	req := &wire.Request{Kind: wire.RequestRegisterPort, Flags: portFlagsFor(dir, ptype)}
	if status := req.SetName(shortName); status != wire.StatusOK {
		return nil, fmt.Errorf("jackgoclient: port name %q: status %d", shortName, status)
	}

	reply, err := c.sendRequest(req)
	if err != nil {
		return nil, err
	}
	if err := statusErr("register port", reply.Status); err != nil {
		return nil, err
	}

	p := &Port{
		id:         reply.PortID,
		shortName:  shortName,
		fullName:   c.name + ":" + shortName,
		dir:        dir,
		ptype:      portTypeOf(ptype, c.types),
		c:          c,
		peerOffset: make(map[uint32]uint32),
	}
	if dir == DirectionOutput {
		p.ownOffset = reply.BufferOffset
	}

	c.mu.Lock()
	c.ports[p.id] = p
	c.mu.Unlock()

	return p, nil
}

// UnregisterPort removes a previously registered port.
func (c *Client) UnregisterPort(p *Port) error {
	reply, err := c.sendRequest(&wire.Request{Kind: wire.RequestUnregisterPort, PortID: p.id})
	if err != nil {
		return err
	}
	if err := statusErr("unregister port", reply.Status); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.ports, p.id)
	c.mu.Unlock()
	return nil
}

// ConnectPorts connects two full-named ports ("<client>:<port>").
func (c *Client) ConnectPorts(srcFullName, dstFullName string) error {
	req := &wire.Request{Kind: wire.RequestConnectPorts}
	if status := req.SetSrcName(srcFullName); status != wire.StatusOK {
		return fmt.Errorf("jackgoclient: src name %q: status %d", srcFullName, status)
	}
	if status := req.SetDstName(dstFullName); status != wire.StatusOK {
		return fmt.Errorf("jackgoclient: dst name %q: status %d", dstFullName, status)
	}
	reply, err := c.sendRequest(req)
	if err != nil {
		return err
	}
	return statusErr("connect ports", reply.Status)
}

// DisconnectPorts severs a connection previously made with ConnectPorts.
func (c *Client) DisconnectPorts(srcFullName, dstFullName string) error {
	req := &wire.Request{Kind: wire.RequestDisconnectPorts}
	if status := req.SetSrcName(srcFullName); status != wire.StatusOK {
		return fmt.Errorf("jackgoclient: src name %q: status %d", srcFullName, status)
	}
	if status := req.SetDstName(dstFullName); status != wire.StatusOK {
		return fmt.Errorf("jackgoclient: dst name %q: status %d", dstFullName, status)
	}
	reply, err := c.sendRequest(req)
	if err != nil {
		return err
	}
	return statusErr("disconnect ports", reply.Status)
}

// PortMonitor requests monitor-mode activation on a port with no other
// connections (spec's "allow a silent input to be observed" affordance).
func (c *Client) PortMonitor(p *Port, enable bool) error {
	kind := wire.RequestPortMonitor
	if !enable {
		kind = wire.RequestPortUnMonitor
	}
	reply, err := c.sendRequest(&wire.Request{Kind: kind, PortID: p.id})
	if err != nil {
		return err
	}
	return statusErr("port monitor", reply.Status)
}

// PortBuffer returns the buffer a process callback should read (for an
// input port) or write (for an output port) this cycle. It replicates
// internal/port.Resolve's three-way rule using this client's own
// connection mirror instead of the server's port.Registry:
//
//   - an output port returns its own assigned slice of the shared segment.
//   - an input port with zero connections returns the shared silence
//     buffer at segment offset 0 (reserved, zeroed every cycle server-side).
//   - an input port with exactly one connection returns that source's
//     buffer directly (zero-copy).
//   - an input port with two or more connections is mixed down into a
//     lazily-allocated private buffer using the port type's Mixdown.
func (c *Client) PortBuffer(p *Port) []byte {
	nframes := c.BufferSize()
	size := p.typeSize(nframes)

	if p.dir == DirectionOutput {
		return c.portSegSlice(p.ownOffset, size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch len(p.peerOffset) {
	case 0:
		return c.portSegSlice(0, size)
	case 1:
		for _, off := range p.peerOffset {
			return c.portSegSlice(off, size)
		}
	}

	if len(p.mixBuf) != size {
		p.mixBuf = make([]byte, size)
	}
	sources := make([][]byte, 0, len(p.peerOffset))
	for _, off := range p.peerOffset {
		sources = append(sources, c.portSegSlice(off, size))
	}
	p.ptype.Mixdown(p.mixBuf, sources, nframes)
	return p.mixBuf
}

func (c *Client) portSegSlice(offset uint32, size int) []byte {
	c.mu.Lock()
	seg := c.portSegData
	c.mu.Unlock()
	end := int(offset) + size
	if end > len(seg) {
		// Segment hasn't grown to match a buffer-size increase this
		// client hasn't yet reattached to; fail safe with silence-length
		// zeros rather than panicking on an out-of-range slice.
		return make([]byte, size)
	}
	return seg[offset:end]
}
