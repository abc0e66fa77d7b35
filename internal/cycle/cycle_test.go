package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/driver"
	"github.com/jackgo/jackgo/internal/event"
	"github.com/jackgo/jackgo/internal/graph"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/port"
	"github.com/jackgo/jackgo/internal/porttype"
)

// fakeDriver lets tests script a sequence of Wait results without a real
// clock, and counts Read/Write/Start/Stop calls.
type fakeDriver struct {
	results    []driver.WaitResult
	idx        int
	startCalls int
	stopCalls  int
}

func (d *fakeDriver) Attach(eng driver.Engine) error { return nil }
func (d *fakeDriver) Detach(eng driver.Engine) error { return nil }
func (d *fakeDriver) Start(ctx context.Context) error {
	d.startCalls++
	return nil
}
func (d *fakeDriver) Stop() error {
	d.stopCalls++
	return nil
}
func (d *fakeDriver) Wait(ctx context.Context) driver.WaitResult {
	if d.idx >= len(d.results) {
		return driver.WaitResult{Status: driver.StatusFatal}
	}
	r := d.results[d.idx]
	d.idx++
	return r
}
func (d *fakeDriver) Read(nframes int) error      { return nil }
func (d *fakeDriver) Write(nframes int) error     { return nil }
func (d *fakeDriver) NullCycle(nframes int) error { return nil }
func (d *fakeDriver) Bufsize(nframes int) error   { return nil }
func (d *fakeDriver) SampleRate() int             { return 48000 }
func (d *fakeDriver) BufferSize() int             { return 256 }

type fixture struct {
	ports   *port.Registry
	clients *client.Registry
	bufs    *buffer.Pool
	graph   *graph.Graph
	events  *event.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ports := port.NewRegistry(16)
	clients := client.NewRegistry(16)
	bufs, err := buffer.NewPool("seg-0", make([]byte, 4096*8), 4096, 8)
	require.NoError(t, err)
	g := graph.New(ports, clients, nil)
	return &fixture{
		ports:   ports,
		clients: clients,
		bufs:    bufs,
		graph:   g,
		events:  event.New(clients, logging.Nop()),
	}
}

func TestRunCycleInvokesInProcessCallbackInChainOrder(t *testing.T) {
	f := newFixture(t)

	var order []string
	upstream, err := f.clients.Register("upstream", client.KindInProcessPlugin)
	require.NoError(t, err)
	upstream.Active.Store(true)
	upstream.Process = func(nframes int) error {
		order = append(order, "upstream")
		return nil
	}

	downstream, err := f.clients.Register("downstream", client.KindInProcessPlugin)
	require.NoError(t, err)
	downstream.Active.Store(true)
	downstream.Process = func(nframes int) error {
		order = append(order, "downstream")
		return nil
	}

	_, err = f.ports.Register(upstream.ID, "upstream", "out", port.Flags{Direction: port.DirectionOutput}, porttype.AudioType())
	require.NoError(t, err)
	_, err = f.ports.Register(downstream.ID, "downstream", "in", port.Flags{Direction: port.DirectionInput}, porttype.AudioType())
	require.NoError(t, err)
	require.NoError(t, f.graph.Connect(
		f.ports.ByFullName("upstream:out").ID,
		f.ports.ByFullName("downstream:in").ID,
	))

	drv := &fakeDriver{results: []driver.WaitResult{{NFrames: 256, Status: driver.StatusOk}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, nil, logging.Nop(), Config{})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, []string{"upstream", "downstream"}, order)
}

func TestRunCycleRemovesClientOnProcessError(t *testing.T) {
	f := newFixture(t)

	bad, err := f.clients.Register("bad", client.KindInProcessPlugin)
	require.NoError(t, err)
	bad.Active.Store(true)
	bad.Process = func(nframes int) error { return assert.AnError }
	f.graph.RebuildChain()

	drv := &fakeDriver{results: []driver.WaitResult{{NFrames: 256, Status: driver.StatusOk}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, nil, logging.Nop(), Config{})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Nil(t, f.clients.Get(bad.ID))
}

func TestRunCycleInterruptedStatusIsNotAnError(t *testing.T) {
	f := newFixture(t)
	drv := &fakeDriver{results: []driver.WaitResult{{Status: driver.StatusInterrupted}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, nil, logging.Nop(), Config{})
	assert.NoError(t, r.RunCycle(context.Background()))
}

func TestRunCycleFatalStatusReturnsErrDriverFatal(t *testing.T) {
	f := newFixture(t)
	drv := &fakeDriver{results: []driver.WaitResult{{Status: driver.StatusFatal}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, nil, logging.Nop(), Config{})
	assert.Equal(t, ErrDriverFatal, r.RunCycle(context.Background()))
}

func TestXrunRecoveryRestartsDriverAndInvokesXRunCallback(t *testing.T) {
	f := newFixture(t)
	c, err := f.clients.Register("a", client.KindInProcessPlugin)
	require.NoError(t, err)
	c.Active.Store(true)
	xrunCalled := false
	c.XRun = func() error {
		xrunCalled = true
		return nil
	}

	drv := &fakeDriver{results: []driver.WaitResult{{Status: driver.StatusTimeout}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, nil, logging.Nop(), Config{PeriodTimeout: time.Millisecond})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.True(t, xrunCalled)
	assert.Equal(t, 1, drv.stopCalls)
	assert.Equal(t, 1, drv.startCalls)
}

func TestDeadMansSwitchEscalatesAfterMaxConsecutiveLateCycles(t *testing.T) {
	f := newFixture(t)
	results := make([]driver.WaitResult, 5)
	for i := range results {
		results[i] = driver.WaitResult{Status: driver.StatusTimeout}
	}
	drv := &fakeDriver{results: results}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, nil, logging.Nop(), Config{
		PeriodTimeout:            time.Millisecond,
		MaxConsecutiveLateCycles: 3,
	})

	var lastErr error
	for i := 0; i < len(results); i++ {
		lastErr = r.RunCycle(context.Background())
		if lastErr != nil {
			break
		}
	}
	assert.Equal(t, ErrDriverFatal, lastErr)
}

// fakeFifo implements FifoCoordinator for testing external-client handoff.
type fakeFifo struct {
	signaled []int
	awaited  []int
	failOn   int // AwaitDone fails for this fifo number, 0 means never
}

func (f *fakeFifo) Signal(fifoNum int) error {
	f.signaled = append(f.signaled, fifoNum)
	return nil
}

func (f *fakeFifo) AwaitDone(fifoNum int, timeout time.Duration) error {
	f.awaited = append(f.awaited, fifoNum)
	if f.failOn != 0 && fifoNum == f.failOn {
		return context.DeadlineExceeded
	}
	return nil
}

func TestExternalClientHandoffSignalsThenAwaits(t *testing.T) {
	f := newFixture(t)
	ext, err := f.clients.Register("ext", client.KindExternalProcess)
	require.NoError(t, err)
	ext.Active.Store(true)
	f.graph.RebuildChain()

	fifo := &fakeFifo{}
	drv := &fakeDriver{results: []driver.WaitResult{{NFrames: 256, Status: driver.StatusOk}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, fifo, logging.Nop(), Config{})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.NotEmpty(t, fifo.signaled)
	assert.NotEmpty(t, fifo.awaited)
	assert.Equal(t, client.StateFinished, ext.State())
}

func TestExternalClientTimeoutRemovesClient(t *testing.T) {
	f := newFixture(t)
	ext, err := f.clients.Register("ext", client.KindExternalProcess)
	require.NoError(t, err)
	ext.Active.Store(true)
	f.graph.RebuildChain()

	entry := f.graph.Current().Entries[0]
	fifo := &fakeFifo{failOn: entry.FIFOOut}
	drv := &fakeDriver{results: []driver.WaitResult{{NFrames: 256, Status: driver.StatusOk}}}
	r := New(drv, f.graph, f.clients, f.ports, f.bufs, f.events, fifo, logging.Nop(), Config{})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Nil(t, f.clients.Get(ext.ID))
}
