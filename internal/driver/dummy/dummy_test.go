package dummy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	nextPortID uint32
	buffers    map[uint32][]byte
}

func newFakeEngine() *fakeEngine { return &fakeEngine{buffers: map[uint32][]byte{}} }

func (f *fakeEngine) RegisterDriverPort(name string, output bool) (uint32, error) {
	f.nextPortID++
	f.buffers[f.nextPortID] = make([]byte, 4096)
	return f.nextPortID, nil
}
func (f *fakeEngine) DriverClientID() uint32        { return 0 }
func (f *fakeEngine) PortBuffer(id uint32) []byte   { return f.buffers[id] }

func TestAttachRegistersConfiguredChannels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CaptureChans, cfg.PlaybackChans = 2, 3
	d := New(cfg)
	eng := newFakeEngine()
	require.NoError(t, d.Attach(eng))
	assert.Len(t, d.capturePorts, 2)
	assert.Len(t, d.playPorts, 3)
}

func TestWaitReportsLowDelayUnderNormalLoad(t *testing.T) {
	cfg := Config{SampleRate: 48000, BufferSize: 64, CaptureChans: 0, PlaybackChans: 0}
	d := New(cfg)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	res := d.Wait(ctx)
	assert.Equal(t, 64, res.NFrames)
	assert.NotEqual(t, 3, int(res.Status)) // not StatusFatal
}

func TestWaitInterruptedByContextCancel(t *testing.T) {
	cfg := Config{SampleRate: 100, BufferSize: 100000, CaptureChans: 0, PlaybackChans: 0}
	d := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// This period would take ~1000s; cancellation must cut it short well
	// before the test timeout.
	done := make(chan struct{})
	var status int
	go func() {
		res := d.Wait(ctx)
		status = int(res.Status)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return promptly after context cancellation")
	}
	assert.Equal(t, 1, status) // StatusInterrupted
}

func TestDecodeArgsOverridesDefaults(t *testing.T) {
	cfg, err := DecodeArgs(map[string]string{"rate": "96000", "capture": "4"})
	require.NoError(t, err)
	assert.Equal(t, 96000, cfg.SampleRate)
	assert.Equal(t, 4, cfg.CaptureChans)
	assert.Equal(t, DefaultConfig().PlaybackChans, cfg.PlaybackChans)
}

func TestBufsizeRecomputesPeriod(t *testing.T) {
	d := New(DefaultConfig())
	before := d.period
	require.NoError(t, d.Bufsize(2048))
	assert.NotEqual(t, before, d.period)
	assert.Equal(t, 2048, d.BufferSize())
}
