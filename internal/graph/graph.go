// Package graph implements the connection graph and scheduler (component
// C6): per-port connection bookkeeping, the fed_by transitive closure,
// topological chain ordering, wakeup-FIFO assignment, and cycle
// rejection on connect.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/port"
)

// ErrWouldCycle is returned by Connect when the requested edge would make
// the client graph cyclic (depth-first search finds dst's owner already
// feeding src's owner).
var ErrWouldCycle = fmt.Errorf("graph: connect would create a cycle")

// ErrPortNotFound, ErrDirectionMismatch, ErrTypeMismatch, ErrMixdownRequired,
// ErrNotConnected cover the remaining connect/disconnect validation steps
// (spec's connect validation ordering).
var (
	ErrPortNotFound      = fmt.Errorf("graph: port not found")
	ErrDirectionMismatch = fmt.Errorf("graph: src must be output and dst must be input")
	ErrTypeMismatch      = fmt.Errorf("graph: port types differ")
	ErrMixdownRequired   = fmt.Errorf("graph: destination already connected and its type has no mixdown")
	ErrNotConnected      = fmt.Errorf("graph: ports are not connected")
	ErrAlreadyConnected  = fmt.Errorf("graph: ports already connected")
)

// ChainEntry is one scheduled position in the execution chain.
type ChainEntry struct {
	ClientID uint32
	Rank     int
	External bool
	// FIFOIn/FIFOOut are the wakeup-FIFO numbers an external client must
	// open for read/write respectively; -1 when External is false (an
	// in-process client's callback is invoked directly by the cycle
	// runner walking the chain, with no FIFO handoff of its own).
	FIFOIn  int
	FIFOOut int
}

// Chain is a fully rebuilt, self-consistent execution order. Generation
// increases on every rebuild and is never reused, so stale references are
// detectable.
type Chain struct {
	Entries    []ChainEntry
	Generation uint64
}

// ReorderNotifier is called once per client whose (rank, FIFOIn, FIFOOut)
// changed across a rebuild, so the engine can emit GraphReordered. It is
// called synchronously while graph_lock is held by RebuildChain's caller
// conceptually — in this package Graph's own mutex plays that role — so
// implementations must not block.
type ReorderNotifier func(clientID uint32, rank, fifoIn, fifoOut int)

// Graph owns the connection lists, the fed_by relation, and the chain. It
// holds its own mutex, which in the full engine is the same mutex
// internal/engine calls graph_lock; this package does not depend on
// internal/engine so it manages the lock itself.
type Graph struct {
	mu sync.Mutex

	ports   *port.Registry
	clients *client.Registry

	fedBy map[uint32]map[uint32]struct{} // clientID -> set of clientIDs that feed it

	chain    Chain
	lastRank map[uint32]ChainEntry // previous rebuild's entry per client, for reorder diffing

	onReorder ReorderNotifier
	driverID  func() (uint32, bool) // returns the driver-kind client id, if any is active
}

// New creates a Graph over the given port and client registries.
func New(ports *port.Registry, clients *client.Registry, onReorder ReorderNotifier) *Graph {
	return &Graph{
		ports:     ports,
		clients:   clients,
		fedBy:     make(map[uint32]map[uint32]struct{}),
		lastRank:  make(map[uint32]ChainEntry),
		onReorder: onReorder,
	}
}

// Connect validates and establishes a connection from an output port to
// an input port, in the order: both ports exist; src is output and dst is
// input; types match; if dst already has a connection its type must
// support mixdown; the edge must not create a cycle. On success the
// connection is recorded on both ports and the chain is rebuilt.
func (g *Graph) Connect(srcID, dstID uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src := g.ports.Get(srcID)
	dst := g.ports.Get(dstID)
	if src == nil || dst == nil {
		return ErrPortNotFound
	}
	if src.Flags.Direction != port.DirectionOutput || dst.Flags.Direction != port.DirectionInput {
		return ErrDirectionMismatch
	}
	if src.Type != dst.Type && (src.Type == nil || dst.Type == nil || src.Type.Name != dst.Type.Name) {
		return ErrTypeMismatch
	}
	for _, existing := range dst.Connections() {
		if existing == srcID {
			return ErrAlreadyConnected
		}
	}
	if dst.ConnectionCount() > 0 && dst.Type.Mixdown == nil {
		return ErrMixdownRequired
	}
	if g.feeds(dst.Owner, src.Owner) {
		return ErrWouldCycle
	}

	src.Connect(dstID)
	dst.Connect(srcID)
	g.rebuildLocked()
	return nil
}

// Disconnect reverses Connect. Returns ErrNotConnected if the pair was not
// connected.
func (g *Graph) Disconnect(srcID, dstID uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src := g.ports.Get(srcID)
	dst := g.ports.Get(dstID)
	if src == nil || dst == nil {
		return ErrPortNotFound
	}
	found := false
	for _, existing := range dst.Connections() {
		if existing == srcID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotConnected
	}

	src.Disconnect(dstID)
	dst.Disconnect(srcID)
	g.rebuildLocked()
	return nil
}

// feeds reports whether `from` transitively feeds `to` via existing
// connections: a depth-first search over the current "A feeds B" edge
// set (A's output connects to B's input), used for cycle rejection on
// Connect. RebuildChain computes fed_by from directlyFeeds instead.
func (g *Graph) feeds(from, to uint32) bool {
	if from == to {
		return true
	}
	visited := make(map[uint32]struct{})
	var dfs func(cur uint32) bool
	dfs = func(cur uint32) bool {
		if cur == to {
			return true
		}
		if _, seen := visited[cur]; seen {
			return false
		}
		visited[cur] = struct{}{}
		for _, p := range g.ports.OwnedBy(cur) {
			if p.Flags.Direction != port.DirectionOutput {
				continue
			}
			for _, peerID := range p.Connections() {
				peer := g.ports.Get(peerID)
				if peer == nil {
					continue
				}
				if dfs(peer.Owner) {
					return true
				}
			}
		}
		return false
	}
	return dfs(from)
}

// RebuildChain recomputes fed_by and the chain. Exported for callers
// (internal/engine) that need to trigger a rebuild outside of
// Connect/Disconnect — e.g. after client activate/deactivate/death, which
// change the active-client set without touching a connection list.
func (g *Graph) RebuildChain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rebuildLocked()
}

func (g *Graph) rebuildLocked() {
	active := make([]*client.Client, 0)
	for _, c := range g.clients.All() {
		if c.Active.Load() && !c.IsDead() {
			active = append(active, c)
		}
	}

	// Step 1-2: direct fed_by.
	direct := make(map[uint32]map[uint32]struct{}, len(active))
	for _, a := range active {
		direct[a.ID] = make(map[uint32]struct{})
	}
	for _, a := range active {
		for _, b := range active {
			if a.ID == b.ID {
				continue
			}
			if g.directlyFeeds(b.ID, a.ID) {
				direct[a.ID][b.ID] = struct{}{}
			}
		}
	}

	// Step 3: transitive closure via repeated union until fixpoint.
	closure := make(map[uint32]map[uint32]struct{}, len(active))
	for id, set := range direct {
		closure[id] = make(map[uint32]struct{}, len(set))
		for b := range set {
			closure[id][b] = struct{}{}
		}
	}
	changed := true
	for changed {
		changed = false
		for _, a := range active {
			for b := range closure[a.ID] {
				for c := range closure[b] {
					if _, ok := closure[a.ID][c]; !ok {
						closure[a.ID][c] = struct{}{}
						changed = true
					}
				}
			}
		}
	}
	g.fedBy = closure

	// Step 4: topological sort by the fed_by comparator (A < B iff A ∈
	// B.fed_by), stable for ties, driver-kind forced last. A sort
	// comparator can't express a partial order correctly for an
	// arbitrary DAG, so the order is built directly by wave: each wave
	// is every not-yet-placed client whose feeders are all already
	// placed.
	active = topoOrder(active, closure)

	entries := make([]ChainEntry, 0, len(active))
	fifoCounter := 0
	for rank, a := range active {
		e := ChainEntry{ClientID: a.ID, Rank: rank, External: a.Kind == client.KindExternalProcess, FIFOIn: -1, FIFOOut: -1}
		if e.External {
			e.FIFOIn = fifoCounter
			fifoCounter++
			e.FIFOOut = fifoCounter
		}
		entries = append(entries, e)
	}

	g.chain = Chain{Entries: entries, Generation: g.chain.Generation + 1}

	if g.onReorder != nil {
		newByClient := make(map[uint32]ChainEntry, len(entries))
		for _, e := range entries {
			newByClient[e.ClientID] = e
			prev, existed := g.lastRank[e.ClientID]
			if !existed || prev.Rank != e.Rank || prev.FIFOIn != e.FIFOIn || prev.FIFOOut != e.FIFOOut {
				g.onReorder(e.ClientID, e.Rank, e.FIFOIn, e.FIFOOut)
			}
		}
		g.lastRank = newByClient
	}
}

// directlyFeeds reports whether any output port of b is connected to any
// input port of a (the spec's direct fed_by definition, step 2).
func (g *Graph) directlyFeeds(b, a uint32) bool {
	for _, p := range g.ports.OwnedBy(b) {
		if p.Flags.Direction != port.DirectionOutput {
			continue
		}
		for _, peerID := range p.Connections() {
			peer := g.ports.Get(peerID)
			if peer != nil && peer.Owner == a {
				return true
			}
		}
	}
	return false
}

// topoOrder produces a deterministic topological order consistent with
// closure (closure[a] contains every client that feeds a, directly or
// transitively): clients with an empty fed_by set sort first, and within
// each "wave" original relative order (by id) is preserved for stability.
// Driver-kind clients are forced to the final position.
func topoOrder(active []*client.Client, closure map[uint32]map[uint32]struct{}) []*client.Client {
	byID := make(map[uint32]*client.Client, len(active))
	var driver *client.Client
	ordered := make([]*client.Client, 0, len(active))
	remaining := make([]*client.Client, 0, len(active))
	for _, c := range active {
		byID[c.ID] = c
		if c.Kind == client.KindDriver && driver == nil {
			driver = c
			continue
		}
		remaining = append(remaining, c)
	}

	placed := make(map[uint32]struct{}, len(remaining))
	for len(placed) < len(remaining) {
		progressed := false
		for _, c := range remaining {
			if _, done := placed[c.ID]; done {
				continue
			}
			ready := true
			for feeder := range closure[c.ID] {
				if feeder == c.ID {
					continue
				}
				if _, done := placed[feeder]; !done {
					if _, isActive := byID[feeder]; isActive {
						ready = false
						break
					}
				}
			}
			if ready {
				ordered = append(ordered, c)
				placed[c.ID] = struct{}{}
				progressed = true
			}
		}
		if !progressed {
			// Defensive: the graph is constructed acyclic by Connect's
			// rejection, so this should be unreachable. Place whatever
			// is left in id order rather than looping forever.
			leftover := make([]*client.Client, 0)
			for _, c := range remaining {
				if _, done := placed[c.ID]; !done {
					leftover = append(leftover, c)
				}
			}
			sort.Slice(leftover, func(i, j int) bool { return leftover[i].ID < leftover[j].ID })
			ordered = append(ordered, leftover...)
			break
		}
	}

	if driver != nil {
		ordered = append(ordered, driver)
	}
	return ordered
}

// Current returns the most recently built chain.
func (g *Graph) Current() Chain {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chain
}

// FedBy returns the transitive fed_by set for a client, for diagnostics
// and tests.
func (g *Graph) FedBy(clientID uint32) []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.fedBy[clientID]
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
