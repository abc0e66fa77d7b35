// Package engine wires components C1-C11 into the single Engine value
// cmd/jackgod constructs once and passes explicitly into the IPC server,
// the cycle runner, and the request dispatcher — never a package-level
// singleton. It also owns the concerns no single component above it is
// responsible for: realtime scheduling, signal-driven shutdown, and
// aggregated teardown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/cycle"
	"github.com/jackgo/jackgo/internal/driver"
	"github.com/jackgo/jackgo/internal/event"
	"github.com/jackgo/jackgo/internal/graph"
	"github.com/jackgo/jackgo/internal/ipc"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/port"
	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/internal/request"
	"github.com/jackgo/jackgo/internal/shm"
)

// ErrServerNameInUse is returned by New when another live server instance
// already owns this (tmp-root, uid, server-name) directory's main socket.
var ErrServerNameInUse = errors.New("engine: server name already in use")

// ErrRegistryAccess is returned by New when the SHM registry backing this
// server directory cannot be opened (permissions, disk, corrupt header).
var ErrRegistryAccess = errors.New("engine: shm registry access failure")

// Config carries everything Engine needs to construct the shared
// registries and the IPC/server surface around them. BufferSize and
// SampleRate are informational at construction time — they only size the
// initial port-buffer pool — since the attached driver is authoritative
// for both once AttachDriver runs, including across any later Bufsize
// renegotiation.
type Config struct {
	ServerName string
	TmpRoot    string // default "/tmp"
	UID        int    // caller supplies os.Getuid(); 0 is a legitimate uid (root)

	PortMax     int // default port.DefaultCapacity
	ClientMax   int // default client.DefaultCapacity
	BufferCount int // default PortMax+1

	BufferSize int // initial period size hint, frames
	SampleRate int

	Realtime           bool
	RTPriority         int
	ProcessTimeoutMsec int // -t: per-client subgraph-wait timeout; 0 defers to cycle.New's default

	DriverClientName string // default "system"
}

func (c *Config) applyDefaults() {
	if c.TmpRoot == "" {
		c.TmpRoot = "/tmp"
	}
	if c.PortMax <= 0 {
		c.PortMax = port.DefaultCapacity
	}
	if c.ClientMax <= 0 {
		c.ClientMax = client.DefaultCapacity
	}
	if c.BufferCount <= 0 {
		c.BufferCount = c.PortMax + 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.DriverClientName == "" {
		c.DriverClientName = "system"
	}
}

// Engine is the one value that owns every shared registry and the IPC/
// cycle machinery built over them. Every mutating method either delegates
// straight to a component that owns its own lock, or — for the handful of
// cross-component sequences engine.go performs itself (RegisterDriverPort)
// — follows the graph_lock -> port_lock -> buffer_lock ordering: connect/
// disconnect and chain rebuilds happen through *graph.Graph first, which
// serializes itself before touching port.Registry, which in turn
// serializes itself before buffer.Pool is ever consulted.
type Engine struct {
	cfg Config
	log logging.Logger

	dir     *ipc.Dir
	shmReg  *shm.Registry
	fifoMgr *ipc.FifoManager

	types   *porttype.Table
	ports   *port.Registry
	clients *client.Registry
	bufs    *buffer.Pool
	graph   *graph.Graph
	events  *event.Bus
	dispatch *request.Dispatcher
	server  *ipc.Server

	portSeg    shm.SegmentInfo
	controlSeg shm.SegmentInfo

	mu             sync.Mutex
	drv            driver.Driver
	driverClientID uint32
	cycleRunner    *cycle.Runner
}

// New builds every shared registry and the IPC surface around them, but
// does not start accepting connections or attach a driver — call
// AttachDriver then Run.
func New(cfg Config, log logging.Logger) (*Engine, error) {
	cfg.applyDefaults()
	if log == nil {
		log = logging.Nop()
	}

	dir := ipc.NewDir(cfg.TmpRoot, cfg.UID, cfg.ServerName)
	if err := dir.Ensure(); err != nil {
		return nil, fmt.Errorf("engine: create server directory: %w", err)
	}
	if err := checkServerNameFree(dir, 0); err != nil {
		return nil, err
	}
	dir.RemoveStaleSockets(0)

	shmReg, err := shm.Open(dir.Root(), log.Named("shm"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryAccess, err)
	}
	if reclaimed, err := shmReg.Cleanup(); err != nil {
		shmReg.Close()
		return nil, fmt.Errorf("%w: %v", ErrRegistryAccess, err)
	} else if reclaimed > 0 {
		log.Infow("engine: reclaimed segments from a dead previous instance", "count", reclaimed)
	}

	types := porttype.NewTable()
	bufSize := maxPortBufferSize(types, cfg.BufferSize)

	portSeg, err := shmReg.Alloc(bufSize * cfg.BufferCount)
	if err != nil {
		shmReg.Close()
		return nil, fmt.Errorf("%w: %v", ErrRegistryAccess, err)
	}
	portData, err := shmReg.Attach(portSeg)
	if err != nil {
		shmReg.Close()
		return nil, fmt.Errorf("%w: %v", ErrRegistryAccess, err)
	}
	bufs, err := buffer.NewPool(portSeg.Name, portData, bufSize, cfg.BufferCount)
	if err != nil {
		shmReg.Close()
		return nil, fmt.Errorf("engine: create port buffer pool: %w", err)
	}

	controlSeg, err := shmReg.Alloc(4096)
	if err != nil {
		shmReg.Close()
		return nil, fmt.Errorf("%w: %v", ErrRegistryAccess, err)
	}

	ports := port.NewRegistry(cfg.PortMax)
	clients := client.NewRegistry(cfg.ClientMax)
	events := event.New(clients, log.Named("event"))

	e := &Engine{cfg: cfg, log: log, dir: dir, shmReg: shmReg, types: types,
		ports: ports, clients: clients, bufs: bufs, events: events,
		portSeg: portSeg, controlSeg: controlSeg}

	g := graph.New(ports, clients, func(clientID uint32, rank, fifoIn, fifoOut int) {
		events.GraphReordered(clientID, rank, fifoIn, fifoOut)
	})
	e.graph = g
	e.dispatch = request.New(ports, clients, types, bufs, g, events, log.Named("request"))

	e.fifoMgr = ipc.NewFifoManager(dir, log.Named("ipc"))
	e.server = ipc.NewServer(dir, clients, e.dispatch, shmReg, log.Named("ipc"), ipc.Config{
		PortNum:        0,
		ControlKey:     controlSeg.Name,
		PortSegmentKey: bufs.SegmentKey(),
		Realtime:       cfg.Realtime,
		RTPriority:     cfg.RTPriority,
		BufferSize:     cfg.BufferSize,
		SampleRate:     cfg.SampleRate,
	})

	return e, nil
}

// checkServerNameFree reports ErrServerNameInUse if another process is
// already listening on this server directory's main socket. A failed
// dial (the common case: stale or absent socket file) is not an error —
// Server.Serve removes stale socket files before binding.
func checkServerNameFree(dir *ipc.Dir, portNum int) error {
	conn, err := net.DialTimeout("unix", dir.MainSocketPath(portNum), 50*time.Millisecond)
	if err != nil {
		return nil
	}
	conn.Close()
	return ErrServerNameInUse
}

// maxPortBufferSize sizes the shared pool's per-buffer width as the
// largest BufferSize any registered port type reports for nframes, rather
// than their sum — the same "size by max across concurrently-live
// instances, not total" discipline the clock-sync-status buffer needs,
// generalized here to every port type sharing one pool (MIDI's buffer is
// a fixed 4096 bytes regardless of nframes; audio scales with nframes).
func maxPortBufferSize(types *porttype.Table, nframes int) int {
	max := 0
	for _, name := range types.Names() {
		t := types.Lookup(name)
		if t == nil || t.BufferSize == nil {
			continue
		}
		if sz := t.BufferSize(nframes); sz > max {
			max = sz
		}
	}
	if max == 0 {
		max = nframes * porttype.SampleSize
	}
	return max
}

// AttachDriver registers the driver client, lets drv register its
// physical ports against this Engine (which satisfies driver.Engine),
// activates the driver client so it always sorts last in the chain, and
// builds the cycle runner that will drive drv once Run starts.
func (e *Engine) AttachDriver(drv driver.Driver) error {
	c, err := e.clients.Register(e.cfg.DriverClientName, client.KindDriver)
	if err != nil {
		return fmt.Errorf("engine: register driver client: %w", err)
	}

	e.mu.Lock()
	e.driverClientID = c.ID
	e.drv = drv
	e.mu.Unlock()

	if err := drv.Attach(e); err != nil {
		e.clients.Unregister(c.ID)
		return fmt.Errorf("engine: driver attach: %w", err)
	}
	c.Active.Store(true)
	e.graph.RebuildChain()

	e.mu.Lock()
	e.cycleRunner = cycle.New(drv, e.graph, e.clients, e.ports, e.bufs, e.events, e.fifoMgr, e.log.Named("cycle"), cycle.Config{
		PeriodTimeout: time.Duration(e.cfg.ProcessTimeoutMsec) * time.Millisecond,
	})
	e.mu.Unlock()
	return nil
}

// RegisterDriverPort implements driver.Engine. The output parameter names
// a hardware direction, not a graph direction: a dummy/mem backend passes
// output=false for a capture (microphone) channel and output=true for a
// playback (speaker) channel, since from a driver's point of view that is
// the natural reading of "does this channel output to the physical
// world". In the connection graph the mapping inverts: a capture channel
// must be a graph Output port so downstream clients can read the samples
// the driver just wrote, and a playback channel must be a graph Input
// port so it resolves (possibly mixed-down) upstream data the driver then
// writes out to hardware.
func (e *Engine) RegisterDriverPort(name string, output bool) (uint32, error) {
	e.mu.Lock()
	driverClientID := e.driverClientID
	e.mu.Unlock()

	owner := e.clients.Get(driverClientID)
	if owner == nil {
		return 0, fmt.Errorf("engine: driver client not registered")
	}

	dir := port.DirectionOutput
	if output {
		dir = port.DirectionInput
	}
	flags := port.Flags{Direction: dir, Physical: true, Terminal: true, CanMonitor: true}
	t := e.types.Lookup(porttype.AudioTypeName)

	p, err := e.ports.Register(owner.ID, owner.Name, name, flags, t)
	if err != nil {
		return 0, fmt.Errorf("engine: register driver port %q: %w", name, err)
	}
	if dir == port.DirectionOutput {
		h, err := e.bufs.Assign()
		if err != nil {
			e.ports.Unregister(p.ID)
			return 0, fmt.Errorf("engine: assign buffer for driver port %q: %w", name, err)
		}
		p.AssignBuffer(h)
	}
	owner.AddPort(p.ID)
	e.graph.RebuildChain()
	return p.ID, nil
}

// DriverClientID implements driver.Engine.
func (e *Engine) DriverClientID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driverClientID
}

// PortBuffer implements driver.Engine. An output-direction (capture) port
// returns its own directly assigned buffer, the one the driver's Read
// writes hardware samples into. An input-direction (playback) port
// resolves through the same 0/1/2+-connection rule any client-side input
// port uses, since the driver needs whatever the graph actually produced
// for that channel — silence if nothing feeds it, a zero-copy pointer if
// exactly one client does, or a mixdown if several do.
func (e *Engine) PortBuffer(portID uint32) []byte {
	p := e.ports.Get(portID)
	if p == nil {
		return nil
	}
	nframes := e.cfg.BufferSize
	e.mu.Lock()
	drv := e.drv
	e.mu.Unlock()
	if drv != nil {
		nframes = drv.BufferSize()
	}
	return port.Resolve(e.ports, e.bufs, p, nframes)
}

// ClientSnapshot is a read-only view of one registered client, for
// internal/diag's introspection endpoints.
type ClientSnapshot struct {
	ID     uint32
	Name   string
	Kind   client.Kind
	State  client.State
	Active bool
}

// PortSnapshot is a read-only view of one registered port.
type PortSnapshot struct {
	ID          uint32
	Owner       uint32
	FullName    string
	Direction   port.Direction
	Physical    bool
	Connections int
}

// ChainEntrySnapshot is a read-only view of one scheduled chain position.
type ChainEntrySnapshot struct {
	ClientID uint32
	Rank     int
	External bool
}

// Clients returns a snapshot of every currently registered client.
func (e *Engine) Clients() []ClientSnapshot {
	all := e.clients.All()
	out := make([]ClientSnapshot, 0, len(all))
	for _, c := range all {
		out = append(out, ClientSnapshot{ID: c.ID, Name: c.Name, Kind: c.Kind, State: c.State(), Active: c.Active.Load()})
	}
	return out
}

// Ports returns a snapshot of every currently registered port.
func (e *Engine) Ports() []PortSnapshot {
	all := e.ports.All()
	out := make([]PortSnapshot, 0, len(all))
	for _, p := range all {
		out = append(out, PortSnapshot{
			ID: p.ID, Owner: p.Owner, FullName: p.FullName,
			Direction: p.Flags.Direction, Physical: p.Flags.Physical,
			Connections: p.ConnectionCount(),
		})
	}
	return out
}

// Chain returns the current execution chain's entries, in scheduled
// order.
func (e *Engine) Chain() []ChainEntrySnapshot {
	cur := e.graph.Current()
	out := make([]ChainEntrySnapshot, 0, len(cur.Entries))
	for _, entry := range cur.Entries {
		out = append(out, ChainEntrySnapshot{ClientID: entry.ClientID, Rank: entry.Rank, External: entry.External})
	}
	return out
}

// XRunCount returns the cumulative number of xrun-recovery passes since
// the driver was attached, or 0 if no driver is attached yet.
func (e *Engine) XRunCount() int64 {
	e.mu.Lock()
	runner := e.cycleRunner
	e.mu.Unlock()
	if runner == nil {
		return 0
	}
	return runner.XRunCount()
}

// NonDriverClientCount reports how many non-driver clients are currently
// registered, for a -T (temporary server) launcher to poll for "last
// client left".
func (e *Engine) NonDriverClientCount() int {
	n := 0
	for _, c := range e.clients.All() {
		if c.Kind != client.KindDriver {
			n++
		}
	}
	return n
}

// Run starts the IPC server, the cycle runner, and a signal-wait loop,
// and blocks until ctx is canceled, a fatal error occurs in any of the
// three, or SIGINT/SIGTERM arrives. It always tears the engine down
// before returning, aggregating every step's error with go.uber.org/
// multierr rather than stopping at the first failure — mirroring the
// log-and-continue discipline a C engine's delete path uses, since a
// half-completed teardown left as-is would leak every SHM segment after
// the first error.
func (e *Engine) Run(parent context.Context) error {
	if e.cfg.Realtime {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			e.log.Warnw("engine: mlockall failed, continuing with pageable memory", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.server.Serve(gctx) })
	g.Go(func() error { return e.runCycleThread(gctx) })
	g.Go(func() error { return e.waitForSignal(gctx, cancel) })

	runErr := g.Wait()
	closeErr := e.Close()
	return multierr.Append(runErr, closeErr)
}

// runCycleThread locks the calling goroutine to its OS thread and, when
// realtime mode is requested, asks the scheduler for SCHED_FIFO before
// handing off to the cycle runner's blocking loop — matching the
// per-thread mlockall/SCHED_FIFO responsibility a driver thread carries
// in the original design, translated to a goroutine pinned for its
// lifetime with runtime.LockOSThread.
func (e *Engine) runCycleThread(ctx context.Context) error {
	e.mu.Lock()
	runner := e.cycleRunner
	e.mu.Unlock()
	if runner == nil {
		return fmt.Errorf("engine: Run called before AttachDriver")
	}

	if e.cfg.Realtime {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		prio := e.cfg.RTPriority
		if prio <= 0 {
			prio = 10
		}
		if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: int32(prio)}); err != nil {
			e.log.Warnw("engine: SCHED_FIFO unavailable, continuing at normal priority", "err", err)
		}
	}

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("engine: cycle runner stopped: %w", err)
	}
	return nil
}

// waitForSignal cancels cancel (and so the whole run group) on SIGINT or
// SIGTERM, or returns nil once ctx is already done for some other reason.
func (e *Engine) waitForSignal(ctx context.Context, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-ctx.Done():
		return nil
	case s := <-sigCh:
		e.log.Infow("engine: received signal, shutting down", "signal", s.String())
		cancel()
		return nil
	}
}

// Close tears down every owned resource: the IPC server's listeners, the
// FIFO pool's open fds, the driver, and the two SHM segments this Engine
// allocated directly (per-client control segments are destroyed by
// internal/ipc as each client drops). Every step runs even if an earlier
// one failed; their errors are joined with go.uber.org/multierr.
func (e *Engine) Close() error {
	var err error

	if e.server != nil {
		err = multierr.Append(err, e.server.Close())
	}
	if e.fifoMgr != nil {
		err = multierr.Append(err, e.fifoMgr.Close())
	}

	e.mu.Lock()
	drv := e.drv
	e.mu.Unlock()
	if drv != nil {
		if detachErr := drv.Detach(e); detachErr != nil {
			err = multierr.Append(err, fmt.Errorf("engine: driver detach: %w", detachErr))
		}
	}

	if e.shmReg != nil {
		if destroyErr := e.shmReg.Destroy(e.portSeg); destroyErr != nil {
			err = multierr.Append(err, fmt.Errorf("engine: destroy port segment: %w", destroyErr))
		}
		if destroyErr := e.shmReg.Destroy(e.controlSeg); destroyErr != nil {
			err = multierr.Append(err, fmt.Errorf("engine: destroy control segment: %w", destroyErr))
		}
		err = multierr.Append(err, e.shmReg.Close())
	}

	if syncErr := e.log.Sync(); syncErr != nil {
		err = multierr.Append(err, syncErr)
	}
	return err
}
