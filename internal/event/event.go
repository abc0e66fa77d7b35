// Package event implements the event channel (component C7): unicast,
// acked delivery of engine notifications to clients. External clients are
// reached over their event socket (via client.EventSink); in-process
// clients receive the same notifications through a direct function call
// that bypasses the socket entirely, per the direct-call exemption.
package event

import (
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/wire"
)

// Bus delivers events to clients by looking them up in a client.Registry
// and calling their EventSink. A client that is unresponsive (Deliver
// returns an error) is logged but not removed — only a closed transport
// (checked by internal/ipc's socket layer, not here) triggers removal.
type Bus struct {
	clients *client.Registry
	log     logging.Logger
}

// New creates an event Bus over the given client registry.
func New(clients *client.Registry, log logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{clients: clients, log: log}
}

// deliver encodes e and unicasts it to clientID, logging (not failing) on
// a delivery error.
func (b *Bus) deliver(clientID uint32, e *wire.Event) {
	c := b.clients.Get(clientID)
	if c == nil || c.IsDead() {
		return
	}
	payload, err := wire.EncodeEvent(e)
	if err != nil {
		b.log.Errorw("event: encode failed", "kind", e.Kind.String(), "client", clientID, "err", err)
		return
	}
	if err := c.DeliverEvent(payload); err != nil {
		b.log.Warnw("event: delivery failed, client unresponsive", "kind", e.Kind.String(), "client", clientID, "err", err)
	}
}

// PortRegistered notifies owner that portID was registered.
func (b *Bus) PortRegistered(owner, portID uint32) {
	b.deliver(owner, &wire.Event{Kind: wire.EventPortRegistered, PortID: portID})
}

// PortUnregistered notifies owner that portID was unregistered.
func (b *Bus) PortUnregistered(owner, portID uint32) {
	b.deliver(owner, &wire.Event{Kind: wire.EventPortUnregistered, PortID: portID})
}

// PortConnected notifies both endpoint owners of a new connection. Each
// owner receives its own port first, the peer's port second, matching the
// wire record's (self, other) ordering. srcBufferOffset is the output
// (source) port's buffer offset within the shared port segment, passed
// through to the destination (input) owner so it can resolve the new
// source zero-copy without a further round trip; the source owner has no
// use for its own offset here, so its copy of the event carries 0.
func (b *Bus) PortConnected(srcOwner, srcPortID, dstOwner, dstPortID, srcBufferOffset uint32) {
	b.deliver(srcOwner, &wire.Event{Kind: wire.EventPortConnected, PortID: srcPortID, OtherPortID: dstPortID})
	b.deliver(dstOwner, &wire.Event{Kind: wire.EventPortConnected, PortID: dstPortID, OtherPortID: srcPortID, BufferOffset: srcBufferOffset})
}

// PortDisconnected is PortConnected's inverse.
func (b *Bus) PortDisconnected(srcOwner, srcPortID, dstOwner, dstPortID uint32) {
	b.deliver(srcOwner, &wire.Event{Kind: wire.EventPortDisconnected, PortID: srcPortID, OtherPortID: dstPortID})
	b.deliver(dstOwner, &wire.Event{Kind: wire.EventPortDisconnected, PortID: dstPortID, OtherPortID: srcPortID})
}

// GraphReordered notifies clientID of its new chain rank and, for an
// external client, the wakeup-FIFO pair it must open (fifoIn for read,
// fifoOut for write), closing any previously held pair. fifoIn/fifoOut are
// -1 for a non-external recipient.
func (b *Bus) GraphReordered(clientID uint32, rank, fifoIn, fifoOut int) {
	b.deliver(clientID, &wire.Event{
		Kind: wire.EventGraphReordered, Rank: uint32(rank),
		FIFOIn: int32(fifoIn), FIFOOut: int32(fifoOut),
	})
}

// BufferSizeChange broadcasts a new period size to every registered
// client (not just active ones — a client must learn the new size before
// its next activation uses it).
func (b *Bus) BufferSizeChange(nframes int) {
	for _, c := range b.clients.All() {
		b.deliver(c.ID, &wire.Event{Kind: wire.EventBufferSizeChange, NFrames: uint32(nframes)})
	}
}

// SampleRateChange broadcasts a new sample rate to every registered client.
func (b *Bus) SampleRateChange(rate int) {
	for _, c := range b.clients.All() {
		b.deliver(c.ID, &wire.Event{Kind: wire.EventSampleRateChange, SampleRate: uint32(rate)})
	}
}

// PortMonitor/PortUnMonitor notify a port's owner that a monitor request
// count changed, so it can start or stop feeding that port's data.
func (b *Bus) PortMonitor(owner, portID uint32) {
	b.deliver(owner, &wire.Event{Kind: wire.EventPortMonitor, PortID: portID})
}

func (b *Bus) PortUnMonitor(owner, portID uint32) {
	b.deliver(owner, &wire.Event{Kind: wire.EventPortUnMonitor, PortID: portID})
}

// NewPortBufferSegment notifies clientID that a new port-buffer segment
// was allocated and must be attached before resolving any buffer handle
// that references it.
func (b *Bus) NewPortBufferSegment(clientID uint32, segmentName string, size uint64) {
	e := &wire.Event{Kind: wire.EventNewPortBufferSegment, SegmentSize: size}
	if status := e.SetSegmentName(segmentName); status != wire.StatusOK {
		b.log.Errorw("event: segment name too long", "segment", segmentName)
		return
	}
	b.deliver(clientID, e)
}

// FuncSink adapts a plain callback to client.EventSink, for in-process
// clients whose "transport" is a direct function call rather than a
// socket write (spec §4.5: "events are delivered by direct function
// call, bypassing the socket").
type FuncSink func(payload []byte) error

func (f FuncSink) Deliver(payload []byte) error { return f(payload) }
func (f FuncSink) Close() error                 { return nil }
