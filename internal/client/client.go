// Package client implements the client registry (component C5): the
// per-client control block (state, callbacks, pid, rt-priority) and the
// fixed-capacity table of clients the engine serializes execution over.
package client

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Kind distinguishes how a client's process callback runs.
type Kind uint8

const (
	KindExternalProcess Kind = iota
	KindInProcessPlugin
	KindDriver
)

// State is the per-cycle lifecycle of a client (spec's Client attribute
// list). Transitions to Dead are one-way and never reversed.
type State uint8

const (
	StateNotTriggered State = iota
	StateTriggered
	StateFinished
	StateTimedOut
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNotTriggered:
		return "not-triggered"
	case StateTriggered:
		return "triggered"
	case StateFinished:
		return "finished"
	case StateTimedOut:
		return "timed-out"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ProcessCallback is the user-supplied per-cycle audio callback. Returning
// a non-nil error is treated as a client-cycle failure: the caller (the
// cycle runner) removes the client, it does not retry.
type ProcessCallback func(nframes int) error

// BufferSizeCallback/SampleRateCallback/XRunCallback/GraphOrderCallback
// mirror the optional engine-invoked notification hooks.
type (
	BufferSizeCallback func(nframes int) error
	SampleRateCallback func(rate int) error
	XRunCallback       func() error
	GraphOrderCallback func() error
)

// EventSink abstracts event delivery to a client (direct in-process call
// for an in-process-plugin/driver client, or a socket write for an
// external-process client) without this package needing to know about
// internal/event's transport.
type EventSink interface {
	// Deliver hands a serialized event to the client. Implementations for
	// external clients must not block the caller indefinitely — see
	// internal/event for the non-blocking, log-and-drop discipline.
	Deliver(payload []byte) error
	// Close releases any transport resources (socket fds).
	Close() error
}

// Client is one registered actor (spec: "an actor holding ports and a
// process callback"). External-process fields (PID, fds) are zero for
// in-process/driver clients.
type Client struct {
	ID       uint32
	Name     string
	Kind     Kind
	Active   atomic.Bool
	RTPriority int

	Process     ProcessCallback
	BufferSize  BufferSizeCallback
	SampleRate  SampleRateCallback
	XRun        XRunCallback
	GraphOrder  GraphOrderCallback

	// PID is the OS process id for external-process clients (0 otherwise).
	PID int

	mu     sync.Mutex
	state  State
	events EventSink // nil for clients with no event transport yet attached

	portIDs []uint32 // owned port ids, for fast iteration on teardown
}

// New creates a client in state not-triggered, inactive, with no ports.
func New(id uint32, name string, kind Kind) *Client {
	return &Client{ID: id, Name: name, Kind: kind, state: StateNotTriggered}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsDead reports whether the client has transitioned to Dead. Once true
// it is true forever (one-way transition, spec's Client invariant).
func (c *Client) IsDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDead
}

// SetState moves the client to a new state. Setting Dead from any state
// is allowed; attempting to move out of Dead is a no-op (the one-way
// invariant is enforced here, not trusted to callers).
func (c *Client) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return
	}
	c.state = s
}

// MarkDead transitions to Dead and returns the previous state. Per the
// fd-close-after-dead-mark ordering resolved in DESIGN.md, callers must
// mark dead *before* closing the event transport: this method does not
// close c.events itself, so the engine can do:
//
//	prev := c.MarkDead()
//	c.CloseEvents()
//
// and any goroutine racing to deliver an event in between observes the
// dead state (via IsDead) and skips the write rather than hitting a
// closed-fd error.
func (c *Client) MarkDead() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = StateDead
	return prev
}

// SetEvents attaches the client's event transport. Called once during the
// handshake (external clients) or client construction (in-process).
func (c *Client) SetEvents(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = sink
}

// DeliverEvent sends payload to the client's event transport, unless the
// client is already dead (checked under the same lock as the state, so
// there is no window where a live-looking client's transport is actually
// closed).
func (c *Client) DeliverEvent(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead || c.events == nil {
		return nil
	}
	return c.events.Deliver(payload)
}

// CloseEvents closes the event transport. Must be called only after
// MarkDead, never before (see MarkDead's doc comment).
func (c *Client) CloseEvents() error {
	c.mu.Lock()
	sink := c.events
	c.events = nil
	c.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Close()
}

// AddPort/RemovePort track which ports this client owns, so teardown can
// unregister them all without a registry-wide scan.
func (c *Client) AddPort(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portIDs = append(c.portIDs, id)
}

func (c *Client) RemovePort(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pid := range c.portIDs {
		if pid == id {
			c.portIDs = append(c.portIDs[:i], c.portIDs[i+1:]...)
			return
		}
	}
}

// PortIDs returns a copy of the client's owned port ids.
func (c *Client) PortIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.portIDs))
	copy(out, c.portIDs)
	return out
}

// Registry is the fixed-capacity, name-indexed client table.
type Registry struct {
	mu       sync.Mutex
	clients  []*Client
	free     []uint32
	byName   map[string]uint32
}

// DefaultCapacity matches the port table's default (spec §4.3 context:
// client count is bounded by the same practical limits as port count).
const DefaultCapacity = 256

// ErrNoFreeSlot is returned when the client table is full.
var ErrNoFreeSlot = fmt.Errorf("client: no free client slot")

// ErrDuplicateName is returned when a client name is already registered.
var ErrDuplicateName = fmt.Errorf("client: duplicate client name")

// ErrNameTooLong is returned when a client name exceeds MaxNameLength.
var ErrNameTooLong = fmt.Errorf("client: name too long")

// MaxNameLength bounds client names (spec: "implementation-defined; tens
// of bytes").
const MaxNameLength = 63

// NewRegistry creates a client table with the given fixed capacity.
func NewRegistry(capacity int) *Registry {
	r := &Registry{
		clients: make([]*Client, capacity),
		free:    make([]uint32, 0, capacity),
		byName:  make(map[string]uint32, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, uint32(i))
	}
	return r
}

// Register allocates a client slot and returns the new Client, or an
// error if the name is invalid, already taken, or the table is full.
func (r *Registry) Register(name string, kind Kind) (*Client, error) {
	if len(name) == 0 || len(name) > MaxNameLength {
		return nil, ErrNameTooLong
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, ErrDuplicateName
	}
	if len(r.free) == 0 {
		return nil, ErrNoFreeSlot
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	c := New(id, name, kind)
	r.clients[id] = c
	r.byName[name] = id
	return c, nil
}

// Unregister frees a client's slot and name. The caller must have already
// torn down the client's ports and connections and closed its event
// transport (internal/cycle's Runner.removeClient and internal/request's
// dropClient do all three, marking the client dead before closing its
// event transport).
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.clients[id]
	if c == nil {
		return
	}
	delete(r.byName, c.Name)
	r.clients[id] = nil
	r.free = append(r.free, id)
}

// Get returns the client for id, or nil.
func (r *Registry) Get(id uint32) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.clients) {
		return nil
	}
	return r.clients[id]
}

// ByName resolves a client by its unique name.
func (r *Registry) ByName(name string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.clients[id]
}

// All returns every registered client (live or dead-but-not-yet-
// unregistered), in id order.
func (r *Registry) All() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Capacity returns the table's fixed size.
func (r *Registry) Capacity() int { return len(r.clients) }
