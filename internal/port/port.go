// Package port implements the port registry (spec §4.3, §3, component C4):
// a fixed-capacity array of port descriptors, indexed by dense integer id
// so clients can share ids without pointer translation. The table is held
// in the engine process's own memory; it is not placed in the shared
// control segment, so clients see ports only through ids, names and events.
package port

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/porttype"
)

// Direction is a port's data-flow direction.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// Flags bundles the immutable boolean attributes of spec §3.
type Flags struct {
	Direction  Direction
	Physical   bool
	Terminal   bool
	CanMonitor bool
}

// DefaultCapacity is the port table's default size (spec §4.3: "default
// 256").
const DefaultCapacity = 256

// Port is one registered endpoint (spec §3). Connections and BufferHandle
// are mutable under the registry's lock; everything else is set once at
// Register and never changes.
type Port struct {
	ID        uint32
	Owner     uint32 // owning client id
	Flags     Flags
	Type      *porttype.Type
	ShortName string
	FullName  string // Owner's name + ":" + ShortName

	mu              sync.Mutex
	connections     map[uint32]struct{} // peer port ids
	bufferHandle    buffer.Handle       // assigned only for output ports
	monitorRequests int32
	latencyFrames   uint32
	mixBuffer       []byte // lazily allocated on first ≥2-connection resolve
	aliases         [2]string
}

// Connections returns a stable-sorted snapshot of connected peer port ids.
func (p *Port) Connections() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.connections))
	for id := range p.connections {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ConnectionCount returns the number of connected peers without allocating.
func (p *Port) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// Connect records peer as connected to p. Graph-level validity (direction
// mismatch, type mismatch, cycle introduction) is internal/graph's job;
// Port itself only tracks membership.
func (p *Port) Connect(peer uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connections == nil {
		p.connections = make(map[uint32]struct{}, 1)
	}
	p.connections[peer] = struct{}{}
}

// Disconnect removes peer from p's connection set, if present.
func (p *Port) Disconnect(peer uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connections, peer)
}

// BufferHandle returns the assigned output buffer handle (zero value for
// input ports, which never own a buffer directly — spec §3).
func (p *Port) BufferHandle() buffer.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferHandle
}

// AssignBuffer records the output buffer handle obtained from a
// buffer.Pool. Only meaningful for output ports.
func (p *Port) AssignBuffer(h buffer.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bufferHandle = h
}

// SetLatency records the owner-supplied latency in frames (spec §3).
func (p *Port) SetLatency(frames uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencyFrames = frames
}

// Latency returns the port's latency in frames.
func (p *Port) Latency() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latencyFrames
}

// SetAlias sets one of the port's (at most two) diagnostic aliases (§12
// supplement). Aliases carry no connection/type semantics.
func (p *Port) SetAlias(slot int, alias string) error {
	if slot < 0 || slot > 1 {
		return fmt.Errorf("port: alias slot out of range: %d", slot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aliases[slot] = alias
	return nil
}

// Aliases returns the port's two alias slots (empty string if unset).
func (p *Port) Aliases() [2]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aliases
}

// MixBuffer returns p's lazily allocated mixdown scratch buffer, resizing
// it if the required size changed (e.g. a buffer-size renegotiation).
// Used when a port has two or more live connections and its type's
// Mixdown must be run.
func (p *Port) MixBuffer(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mixBuffer) != size {
		p.mixBuffer = make([]byte, size)
	}
	return p.mixBuffer
}

// RequestMonitor/ReleaseMonitor implement the reference-counted monitor
// flag behind RequestPortMonitor/RequestPortUnMonitor.
func (p *Port) RequestMonitor() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.monitorRequests++
	return p.monitorRequests
}

func (p *Port) ReleaseMonitor() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.monitorRequests > 0 {
		p.monitorRequests--
	}
	return p.monitorRequests
}

// Monitored reports whether any client currently requested monitoring.
func (p *Port) Monitored() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitorRequests > 0
}

// Resolve implements the input-side buffer resolution contract: an output
// port's buffer is its own assigned handle; an input with zero connections
// gets the shared silence buffer; exactly one connection returns the
// source's buffer unchanged (zero-copy, verified by address equality);
// two or more connections resolve through the port type's Mixdown into the
// port's lazily-sized mix buffer. Tied-output aliasing is not implemented:
// no request kind in internal/wire exposes a tie operation, so that branch
// of the contract has no reachable caller.
func Resolve(ports *Registry, bufs *buffer.Pool, p *Port, nframes int) []byte {
	if p.Flags.Direction == DirectionOutput {
		return bufs.Bytes(p.BufferHandle())
	}
	conns := p.Connections()
	switch len(conns) {
	case 0:
		return bufs.SilenceBuffer()
	case 1:
		src := ports.Get(conns[0])
		if src == nil {
			return bufs.SilenceBuffer()
		}
		return bufs.Bytes(src.BufferHandle())
	default:
		size := p.Type.BufferSize(nframes)
		mix := p.MixBuffer(size)
		sources := make([][]byte, 0, len(conns))
		for _, id := range conns {
			if src := ports.Get(id); src != nil {
				sources = append(sources, bufs.Bytes(src.BufferHandle()))
			}
		}
		p.Type.Mixdown(mix, sources, nframes)
		return mix
	}
}

// Registry is the fixed-capacity port table (spec §4.3). All mutating
// methods must be called with the engine's graph_lock held by the caller
// (the registry itself only protects the free-slot bitmap, matching the
// spec's separate "port_lock").
type Registry struct {
	slotMu sync.Mutex // the spec's "port_lock": protects slot allocation only
	ports  []*Port    // nil entries are free slots
	free   []uint32

	byFullName sync.Map // string -> uint32, for O(1) connect-by-name lookup
}

// NewRegistry creates a port table with the given fixed capacity.
func NewRegistry(capacity int) *Registry {
	r := &Registry{
		ports: make([]*Port, capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, uint32(i))
	}
	return r
}

// ErrNoFreeSlot is returned by Register when the table is full.
var ErrNoFreeSlot = fmt.Errorf("port: no free port slot")

// ErrDuplicateName is returned when a port's full name already exists.
var ErrDuplicateName = fmt.Errorf("port: duplicate port name")

// Register allocates a free slot under port_lock, fills in the descriptor
// as "<ownerName>:<shortName>", and indexes it by full name. It does not
// assign a buffer — callers (internal/engine) do that via buffer.Pool for
// output ports, as a separate step after Register succeeds.
func (r *Registry) Register(ownerID uint32, ownerName, shortName string, flags Flags, t *porttype.Type) (*Port, error) {
	if strings.Contains(shortName, ":") {
		return nil, fmt.Errorf("port: short name %q must not contain ':'", shortName)
	}
	fullName := ownerName + ":" + shortName
	if _, exists := r.byFullName.Load(fullName); exists {
		return nil, ErrDuplicateName
	}

	r.slotMu.Lock()
	if len(r.free) == 0 {
		r.slotMu.Unlock()
		return nil, ErrNoFreeSlot
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.slotMu.Unlock()

	p := &Port{
		ID:        id,
		Owner:     ownerID,
		Flags:     flags,
		Type:      t,
		ShortName: shortName,
		FullName:  fullName,
	}
	r.ports[id] = p
	r.byFullName.Store(fullName, id)
	return p, nil
}

// Unregister reverses Register: the slot and name index are freed. The caller is responsible for releasing any assigned buffer and
// tearing down connections first (internal/request's unregisterPort and
// internal/cycle's Runner.removeClient do both before calling Unregister).
func (r *Registry) Unregister(id uint32) {
	p := r.ports[id]
	if p == nil {
		return
	}
	r.byFullName.Delete(p.FullName)
	r.ports[id] = nil
	r.slotMu.Lock()
	r.free = append(r.free, id)
	r.slotMu.Unlock()
}

// Get returns the port for id, or nil if unregistered/out of range.
func (r *Registry) Get(id uint32) *Port {
	if int(id) >= len(r.ports) {
		return nil
	}
	return r.ports[id]
}

// ByFullName resolves "<client>:<port>" to a live Port.
func (r *Registry) ByFullName(name string) *Port {
	v, ok := r.byFullName.Load(name)
	if !ok {
		return nil
	}
	return r.Get(v.(uint32))
}

// All returns every currently registered port, in id order.
func (r *Registry) All() []*Port {
	out := make([]*Port, 0, len(r.ports))
	for _, p := range r.ports {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// OwnedBy returns every port belonging to a given client id.
func (r *Registry) OwnedBy(clientID uint32) []*Port {
	out := []*Port{}
	for _, p := range r.ports {
		if p != nil && p.Owner == clientID {
			out = append(out, p)
		}
	}
	return out
}

// Capacity returns the table's fixed size.
func (r *Registry) Capacity() int { return len(r.ports) }
