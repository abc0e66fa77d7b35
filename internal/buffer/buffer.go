// Package buffer implements the port/buffer pool (spec §4.3, component C2):
// a pool of fixed-size buffers carved out of a port-segment, handed to
// output ports on registration and returned to a free-list on release. The
// pool's own mutex is the engine's "buffer_lock" (spec §5): callers outside
// this package never need an extra lock around Pool methods.
package buffer

import (
	"fmt"
	"sync"
)

// Handle identifies one buffer within a segment: a segment key plus a byte
// offset. Handles are comparable so they can be used as map keys and in
// equality assertions (spec §8: "No port buffer is assigned to two ports
// simultaneously").
type Handle struct {
	SegmentKey string
	Offset     int
}

// IsZero reports whether h is the unassigned handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// Pool manages equal-sized buffers carved from one mmap'd segment. The
// first buffer (offset 0) is the shared silence buffer: pre-zeroed, handed
// out read-only to every zero-connection input, and never placed back on
// the free-list (spec §3, §4.3).
type Pool struct {
	mu sync.Mutex

	segmentKey string
	data       []byte // the mmap'd (or, in tests, plain heap) segment backing store
	bufSize    int
	count      int

	free []int // free-list of buffer indices, used as a LIFO stack
}

// ErrNoFreeBuffer is returned by Assign when the pool is exhausted.
var ErrNoFreeBuffer = fmt.Errorf("buffer: no free buffer in segment")

// NewPool creates a pool of count buffers of bufSize bytes each, backed by
// data (which must be at least count*bufSize bytes — callers obtain data
// from internal/shm.Registry.Alloc+Attach for a real segment, or a plain
// make([]byte, ...) in unit tests). Buffer 0 is reserved as the silence
// buffer and is never put on the free-list.
func NewPool(segmentKey string, data []byte, bufSize, count int) (*Pool, error) {
	if len(data) < bufSize*count {
		return nil, fmt.Errorf("buffer: segment %q too small for %d buffers of %d bytes", segmentKey, count, bufSize)
	}
	p := &Pool{
		segmentKey: segmentKey,
		data:       data,
		bufSize:    bufSize,
		count:      count,
		free:       make([]int, 0, count-1),
	}
	for i := count - 1; i >= 1; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

// SegmentKey returns the key of the segment this pool is carved from.
func (p *Pool) SegmentKey() string { return p.segmentKey }

// SilenceHandle returns the handle of the shared zero-fill buffer.
func (p *Pool) SilenceHandle() Handle { return Handle{SegmentKey: p.segmentKey, Offset: 0} }

// SilenceBuffer returns the shared zero-fill buffer's bytes, always byte-
// equal to zero (spec §8). Never written to by Assign/Release callers.
func (p *Pool) SilenceBuffer() []byte { return p.at(0) }

// ZeroSilence re-zeros the shared silence buffer. Called once per cycle by
// the cycle runner as a defensive measure against accidental writes (spec
// §8: "byte-equal to zero at the start of every cycle").
func (p *Pool) ZeroSilence() {
	clear(p.SilenceBuffer())
}

// Assign pops a buffer off the free-list under the pool's lock and returns
// its handle, ready for the caller to hand to an output port.
func (p *Pool) Assign() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return Handle{}, ErrNoFreeBuffer
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return Handle{SegmentKey: p.segmentKey, Offset: idx * p.bufSize}, nil
}

// Release returns a previously assigned buffer to the free-list. Releasing
// the silence buffer (offset 0) is a programmer error and is a no-op —
// the silence buffer is never reassigned (spec §4.3).
func (p *Pool) Release(h Handle) {
	if h.SegmentKey != p.segmentKey || h.Offset == 0 {
		return
	}
	idx := h.Offset / p.bufSize
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, idx)
}

// Bytes returns the live buffer slice for a handle previously obtained from
// this pool's Assign, or the silence handle.
func (p *Pool) Bytes(h Handle) []byte {
	if h.SegmentKey != p.segmentKey {
		return nil
	}
	return p.at(h.Offset / p.bufSize)
}

func (p *Pool) at(idx int) []byte {
	start := idx * p.bufSize
	return p.data[start : start+p.bufSize]
}

// Available reports the number of unassigned buffers, for diagnostics.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity reports the total buffer count (including the reserved silence
// buffer).
func (p *Pool) Capacity() int { return p.count }

// BufSize reports the per-buffer byte size.
func (p *Pool) BufSize() int { return p.bufSize }
