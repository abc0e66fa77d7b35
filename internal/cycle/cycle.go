// Package cycle implements the cycle runner (component C10): the
// single-threaded per-period loop that waits on the driver, walks the
// execution chain invoking in-process callbacks directly and handing off
// to external clients over their FIFO pair, and recovers from xrun and
// client-cycle failures.
package cycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/driver"
	"github.com/jackgo/jackgo/internal/event"
	"github.com/jackgo/jackgo/internal/graph"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/port"
)

// FifoCoordinator is the subgraph wakeup mechanism for external clients:
// Signal writes the one-byte subgraph-start handoff, AwaitDone polls the
// subgraph-wait fd for the matching one-byte reply within timeout.
// internal/ipc provides the real named-pipe-backed implementation; tests
// use an in-memory fake.
type FifoCoordinator interface {
	Signal(fifoNum int) error
	AwaitDone(fifoNum int, timeout time.Duration) error
}

// ErrDriverFatal is returned by RunCycle when the driver reports a fatal
// wait status; the caller (cmd/jackgod) treats this as a signal to begin
// server teardown.
var ErrDriverFatal = fmt.Errorf("cycle: driver reported fatal status")

// Config tunes the dead-man's-switch and per-client timeout.
type Config struct {
	// PeriodTimeout bounds how long the runner waits for an external
	// client's subgraph-wait fd per cycle. Defaults to the driver's
	// period duration if zero.
	PeriodTimeout time.Duration
	// MaxConsecutiveLateCycles escalates from xrun recovery to
	// driver-fatal teardown once exceeded (spec §4.6a, default 10).
	MaxConsecutiveLateCycles int
}

// Runner owns one driver's cycle loop.
type Runner struct {
	drv     driver.Driver
	graph   *graph.Graph
	clients *client.Registry
	ports   *port.Registry
	bufs    *buffer.Pool
	events  *event.Bus
	fifo    FifoCoordinator
	log     logging.Logger
	cfg     Config

	xrunLimiter *rate.Limiter
	lateStreak  int
	xrunCount   atomic.Int64
}

// XRunCount returns the cumulative number of xrun-recovery passes since
// the runner started, for internal/diag's read-only introspection.
func (r *Runner) XRunCount() int64 { return r.xrunCount.Load() }

// New creates a Runner. fifo may be nil if the chain contains no external
// clients (common in unit tests and the mem-driver integration harness).
func New(drv driver.Driver, g *graph.Graph, clients *client.Registry, ports *port.Registry, bufs *buffer.Pool, events *event.Bus, fifo FifoCoordinator, log logging.Logger, cfg Config) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.MaxConsecutiveLateCycles <= 0 {
		cfg.MaxConsecutiveLateCycles = 10
	}
	if cfg.PeriodTimeout <= 0 {
		cfg.PeriodTimeout = time.Duration(drv.BufferSize()) * time.Second / time.Duration(max1(drv.SampleRate()))
	}
	return &Runner{
		drv:         drv,
		graph:       g,
		clients:     clients,
		ports:       ports,
		bufs:        bufs,
		events:      events,
		fifo:        fifo,
		log:         log,
		cfg:         cfg,
		xrunLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Run drives RunCycle in a loop until ctx is done or a fatal condition is
// reached, returning the error that stopped it (nil only on ctx
// cancellation).
func (r *Runner) Run(ctx context.Context) error {
	if err := r.drv.Start(ctx); err != nil {
		return fmt.Errorf("cycle: driver start: %w", err)
	}
	defer r.drv.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.RunCycle(ctx); err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}
	}
}

// RunCycle executes exactly one period: wait, reset states, read, walk
// the chain, write, and recover from any failure observed along the way.
func (r *Runner) RunCycle(ctx context.Context) error {
	res := r.drv.Wait(ctx)
	switch res.Status {
	case driver.StatusInterrupted:
		return nil
	case driver.StatusFatal:
		return ErrDriverFatal
	case driver.StatusTimeout:
		return r.recoverFromXrun(ctx, res.DelayUsecs)
	}

	r.trackDelay(res.DelayUsecs)
	nframes := res.NFrames

	for _, c := range r.clients.All() {
		if c.Active.Load() && !c.IsDead() {
			c.SetState(client.StateNotTriggered)
		}
	}

	if err := r.drv.Read(nframes); err != nil {
		r.log.Errorw("cycle: driver read failed", "err", err)
	}
	r.bufs.ZeroSilence()

	chain := r.graph.Current()
	var failedClientID uint32
	aborted := false
	for _, entry := range chain.Entries {
		c := r.clients.Get(entry.ClientID)
		if c == nil || c.IsDead() {
			continue
		}
		if !c.Active.Load() {
			continue
		}
		c.SetState(client.StateTriggered)

		if entry.External {
			if r.fifo == nil {
				continue
			}
			if err := r.fifo.Signal(entry.FIFOIn); err != nil {
				c.SetState(client.StateTimedOut)
				failedClientID, aborted = c.ID, true
				break
			}
			if err := r.fifo.AwaitDone(entry.FIFOOut, r.cfg.PeriodTimeout); err != nil {
				c.SetState(client.StateTimedOut)
				failedClientID, aborted = c.ID, true
				break
			}
			c.SetState(client.StateFinished)
			continue
		}

		if c.Process != nil {
			if err := c.Process(nframes); err != nil {
				c.SetState(client.StateTriggered)
				failedClientID, aborted = c.ID, true
				break
			}
		}
		c.SetState(client.StateFinished)
	}

	if err := r.drv.Write(nframes); err != nil {
		r.log.Errorw("cycle: driver write failed", "err", err)
	}

	if aborted {
		r.log.Warnw("cycle: client failed mid-cycle, removing", "client", failedClientID)
		r.removeClient(failedClientID)
	}
	r.reapAbandoned(chain)
	return nil
}

// reapAbandoned implements step 6 of the cycle algorithm: any client still
// in the triggered state after the walk (it was handed the cycle but never
// finished before the chain aborted) is removed too, since it was
// mid-cycle when the abort happened. Clients the walk never reached stay
// not-triggered, and finished clients stay finished; neither is removed.
func (r *Runner) reapAbandoned(chain graph.Chain) {
	for _, entry := range chain.Entries {
		c := r.clients.Get(entry.ClientID)
		if c == nil || c.IsDead() {
			continue
		}
		if c.State() == client.StateTriggered {
			r.log.Warnw("cycle: client abandoned mid-cycle, removing", "client", c.ID)
			r.removeClient(c.ID)
		}
	}
}

// removeClient tears down a failed/abandoned client: its ports are
// unregistered (severing connections and notifying peers), its event
// transport is closed only after it is marked dead, and the chain is
// rebuilt without it. This mirrors internal/request's dropClient path but
// lives here too since the cycle runner must be able to act without a
// round-trip through the request dispatcher.
func (r *Runner) removeClient(clientID uint32) {
	c := r.clients.Get(clientID)
	if c == nil {
		return
	}
	for _, portID := range c.PortIDs() {
		p := r.ports.Get(portID)
		if p == nil {
			continue
		}
		for _, peerID := range p.Connections() {
			if peer := r.ports.Get(peerID); peer != nil {
				peer.Disconnect(p.ID)
				if peerOwner := r.clients.Get(peer.Owner); peerOwner != nil {
					r.events.PortDisconnected(p.Owner, p.ID, peer.Owner, peerID)
				}
			}
		}
		if p.Flags.Direction == port.DirectionOutput && !p.BufferHandle().IsZero() {
			r.bufs.Release(p.BufferHandle())
		}
		r.ports.Unregister(p.ID)
		r.events.PortUnregistered(c.ID, p.ID)
	}
	c.MarkDead()
	_ = c.CloseEvents()
	r.clients.Unregister(c.ID)
	r.graph.RebuildChain()
}

// recoverFromXrun implements §7's driver-xrun policy: stop then restart
// the driver, invoke every client's registered xrun callback, and
// preserve the chain. Consecutive late cycles beyond
// Config.MaxConsecutiveLateCycles escalate to driver-fatal, per §4.6a's
// dead-man's-switch.
func (r *Runner) recoverFromXrun(ctx context.Context, delayUsecs int64) error {
	r.xrunCount.Inc()
	r.lateStreak++
	if r.xrunLimiter.Allow() {
		r.log.Warnw("cycle: xrun, recovering", "delay_usecs", delayUsecs, "consecutive", r.lateStreak)
	}

	if r.lateStreak > r.cfg.MaxConsecutiveLateCycles {
		r.log.Errorw("cycle: dead-man's switch tripped, escalating to driver-fatal", "consecutive", r.lateStreak)
		return ErrDriverFatal
	}

	if err := r.drv.Stop(); err != nil {
		r.log.Errorw("cycle: driver stop during xrun recovery failed", "err", err)
	}
	if err := r.drv.Start(ctx); err != nil {
		r.log.Errorw("cycle: driver restart during xrun recovery failed", "err", err)
		return ErrDriverFatal
	}

	for _, c := range r.clients.All() {
		if c.XRun != nil && !c.IsDead() {
			if err := c.XRun(); err != nil {
				r.log.Warnw("cycle: client xrun callback failed", "client", c.ID, "err", err)
			}
		}
	}
	return nil
}

func (r *Runner) trackDelay(delayUsecs int64) {
	if delayUsecs <= 0 {
		r.lateStreak = 0
		return
	}
	// A nonzero-but-small delay is normal jitter, not a late cycle; only
	// a delay exceeding the configured timeout counts toward the streak
	// the dead-man's-switch watches (driver.StatusTimeout already covers
	// the "very late" case via recoverFromXrun — this handles a driver
	// that reports Ok but with growing delay).
	if time.Duration(delayUsecs)*time.Microsecond > r.cfg.PeriodTimeout {
		r.lateStreak++
	} else {
		r.lateStreak = 0
	}
}
