// Package mem implements a self-contained, hardware-free driver backend:
// capture and playback are just two in-memory ring buffers the test
// harness can push data into and read back out of. It
// exercises the same Read/Write/Wait contract a real mmap'd hardware
// driver would, without cgo or a real device (spec's Out-of-scope list
// names every real backend; this one is explicitly in-scope scaffolding).
package mem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/jackgo/jackgo/internal/driver"
	"github.com/jackgo/jackgo/internal/porttype"
)

// Config configures channel counts, rate, and period size.
type Config struct {
	SampleRate    int `mapstructure:"rate"`
	BufferSize    int `mapstructure:"period"`
	CaptureChans  int `mapstructure:"capture"`
	PlaybackChans int `mapstructure:"playback"`
}

// DefaultConfig returns 48 kHz, 256-frame periods and one capture and one
// playback channel. These differ from the dummy backend's defaults.
func DefaultConfig() Config {
	return Config{SampleRate: 48000, BufferSize: 256, CaptureChans: 1, PlaybackChans: 1}
}

// DecodeArgs maps the launcher's opaque key=value arg blob onto Config,
// the same shape internal/driver/dummy.DecodeArgs uses, starting from
// DefaultConfig so unset keys keep their defaults.
func DecodeArgs(raw map[string]string) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("mem: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("mem: decode args: %w", err)
	}
	return cfg, nil
}

// Driver is the mmap-shaped test backend.
type Driver struct {
	cfg Config

	mu            sync.Mutex
	eng           driver.Engine
	capturePorts  []uint32
	playbackPorts []uint32

	// captureQueue holds one []float32 period per channel per pending
	// Read call, injected by PushCapture. playbackLog accumulates every
	// period Write copies out, for test assertions.
	captureQueue [][]float32 // indexed by channel; each entry is consumed FIFO per Read
	playbackLog  [][]float32 // indexed by channel

	period time.Duration
}

// New constructs a mem Driver from cfg.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:          cfg,
		period:       time.Duration(cfg.BufferSize) * time.Second / time.Duration(cfg.SampleRate),
		captureQueue: make([][]float32, cfg.CaptureChans),
		playbackLog:  make([][]float32, cfg.PlaybackChans),
	}
}

// PushCapture enqueues one period of samples for channel ch to be
// returned by the next Read call on that channel. If fewer samples than
// BufferSize are supplied, the remainder is zero.
func (d *Driver) PushCapture(ch int, samples []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	period := make([]float32, d.cfg.BufferSize)
	copy(period, samples)
	d.captureQueue[ch] = append(d.captureQueue[ch], period...)
}

// PlaybackLog returns everything Write has copied out for channel ch so
// far, for test assertions.
func (d *Driver) PlaybackLog(ch int) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float32, len(d.playbackLog[ch]))
	copy(out, d.playbackLog[ch])
	return out
}

func (d *Driver) Attach(eng driver.Engine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturePorts = d.capturePorts[:0]
	d.playbackPorts = d.playbackPorts[:0]
	for i := 0; i < d.cfg.CaptureChans; i++ {
		id, err := eng.RegisterDriverPort(fmt.Sprintf("capture_%d", i+1), false)
		if err != nil {
			return fmt.Errorf("mem: register capture port: %w", err)
		}
		d.capturePorts = append(d.capturePorts, id)
	}
	for i := 0; i < d.cfg.PlaybackChans; i++ {
		id, err := eng.RegisterDriverPort(fmt.Sprintf("playback_%d", i+1), true)
		if err != nil {
			return fmt.Errorf("mem: register playback port: %w", err)
		}
		d.playbackPorts = append(d.playbackPorts, id)
	}
	d.eng = eng
	return nil
}

func (d *Driver) Detach(eng driver.Engine) error { return nil }

func (d *Driver) Start(ctx context.Context) error { return nil }
func (d *Driver) Stop() error                     { return nil }

func (d *Driver) Wait(ctx context.Context) driver.WaitResult {
	timer := time.NewTimer(d.period)
	defer timer.Stop()
	select {
	case <-timer.C:
		return driver.WaitResult{NFrames: d.cfg.BufferSize, Status: driver.StatusOk}
	case <-ctx.Done():
		return driver.WaitResult{Status: driver.StatusInterrupted}
	}
}

// Read copies the next queued capture period into each capture port's
// buffer, in host-native float32 layout (porttype.Float32Buffer handles
// the []byte<->[]float32 reinterpretation).
func (d *Driver) Read(nframes int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, portID := range d.capturePorts {
		buf := d.eng.PortBuffer(portID)
		if buf == nil {
			continue
		}
		out := porttype.Float32Buffer(buf, nframes)
		queue := d.captureQueue[i]
		n := nframes
		if len(queue) < n {
			n = len(queue)
		}
		for f := 0; f < len(out) && f < nframes; f++ {
			if f < n {
				out[f] = queue[f]
			} else {
				out[f] = 0
			}
		}
		if n > 0 {
			d.captureQueue[i] = queue[n:]
		}
	}
	return nil
}

// Write copies each playback port's buffer into the inspectable log.
func (d *Driver) Write(nframes int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, portID := range d.playbackPorts {
		buf := d.eng.PortBuffer(portID)
		if buf == nil {
			continue
		}
		in := porttype.Float32Buffer(buf, nframes)
		period := make([]float32, nframes)
		copy(period, in)
		d.playbackLog[i] = append(d.playbackLog[i], period...)
	}
	return nil
}

func (d *Driver) NullCycle(nframes int) error { return nil }

func (d *Driver) Bufsize(nframes int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.BufferSize = nframes
	d.period = time.Duration(nframes) * time.Second / time.Duration(d.cfg.SampleRate)
	return nil
}

func (d *Driver) SampleRate() int { return d.cfg.SampleRate }
func (d *Driver) BufferSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.BufferSize
}

