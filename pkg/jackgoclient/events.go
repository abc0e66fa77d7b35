package jackgoclient

import (
	"io"
	"path/filepath"

	"github.com/jackgo/jackgo/internal/wire"
)

// eventLoop reads one fixed-size Event record at a time off the ack
// connection for the client's lifetime, dispatches it, and writes back a
// single status byte — the client-side half of internal/ipc's connSink
// protocol, which writes an event and then blocks on exactly this ack.
func (c *Client) eventLoop() {
	buf := make([]byte, wire.EventSize)
	for {
		if _, err := io.ReadFull(c.ackConn, buf); err != nil {
			return
		}
		ev, err := wire.DecodeEvent(buf)
		status := byte(0)
		if err != nil {
			c.log.Warnw("jackgoclient: malformed event", "err", err)
			status = 1
		} else {
			c.handleEvent(ev)
		}
		if _, err := c.ackConn.Write([]byte{status}); err != nil {
			return
		}
	}
}

func (c *Client) handleEvent(ev *wire.Event) {
	switch ev.Kind {
	case wire.EventPortConnected:
		c.onPortConnected(ev)
	case wire.EventPortDisconnected:
		c.onPortDisconnected(ev)
	case wire.EventGraphReordered:
		c.onGraphReordered(ev)
	case wire.EventBufferSizeChange:
		c.mu.Lock()
		c.bufferSize = int(ev.NFrames)
		c.mu.Unlock()
	case wire.EventSampleRateChange:
		c.mu.Lock()
		c.sampleRate = int(ev.SampleRate)
		c.mu.Unlock()
	case wire.EventNewPortBufferSegment:
		c.onNewPortBufferSegment(ev)
	case wire.EventPortRegistered, wire.EventPortUnregistered,
		wire.EventPortMonitor, wire.EventPortUnMonitor:
		// Informational only; no client-local state depends on these.
	}
}

func (c *Client) onPortConnected(ev *wire.Event) {
	c.mu.Lock()
	p := c.ports[ev.PortID]
	c.mu.Unlock()
	if p == nil || p.dir != DirectionInput {
		return
	}
	p.mu.Lock()
	p.peerOffset[ev.OtherPortID] = ev.BufferOffset
	p.mu.Unlock()
}

func (c *Client) onPortDisconnected(ev *wire.Event) {
	c.mu.Lock()
	p := c.ports[ev.PortID]
	c.mu.Unlock()
	if p == nil || p.dir != DirectionInput {
		return
	}
	p.mu.Lock()
	delete(p.peerOffset, ev.OtherPortID)
	p.mu.Unlock()
}

func (c *Client) onGraphReordered(ev *wire.Event) {
	if ev.FIFOIn >= 0 && ev.FIFOOut >= 0 {
		// Opening a FIFO can block (retrying past a not-yet-created pipe,
		// or the blocking open semantics of a FIFO's read end); run it off
		// the event loop's goroutine so a slow open doesn't delay this
		// event's ack or stall delivery of events behind it.
		fifoIn, fifoOut := int(ev.FIFOIn), int(ev.FIFOOut)
		go c.openCycleFifos(fifoIn, fifoOut)
	}
	if c.graphOrder != nil {
		if err := c.graphOrder(); err != nil {
			c.log.Warnw("jackgoclient: graph order callback failed", "err", err)
		}
	}
}

func (c *Client) onNewPortBufferSegment(ev *wire.Event) {
	name := ev.GetSegmentName()
	path := filepath.Join(c.fifoPrefix, name)
	data, err := attachSegment(path)
	if err != nil {
		c.log.Warnw("jackgoclient: reattach port segment failed", "path", path, "err", err)
		return
	}

	c.mu.Lock()
	old := c.portSegData
	c.portSegPath = path
	c.portSegData = data
	c.mu.Unlock()

	if err := detachSegment(old); err != nil {
		c.log.Warnw("jackgoclient: detach old port segment failed", "err", err)
	}
}
