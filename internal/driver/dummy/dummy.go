// Package dummy implements a software-clock driver: no real hardware,
// just a sleep-to-the-next-period timer, grounded directly on
// drivers/dummy/dummy_driver.c's wait loop (original_source/_INDEX.md).
// It is the backend jackgo's launcher uses by default and the one
// integration tests run the full chain against.
package dummy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/jackgo/jackgo/internal/driver"
)

// Config holds the backend-specific arguments decoded from the launcher's
// `-d dummy <key>=<value>...` blob.
type Config struct {
	SampleRate    int `mapstructure:"rate"`
	BufferSize    int `mapstructure:"period"`
	CaptureChans  int `mapstructure:"capture"`
	PlaybackChans int `mapstructure:"playback"`
}

// DefaultConfig mirrors dummy_driver.c's defaults (44100/1024, 2 in, 2 out).
func DefaultConfig() Config {
	return Config{SampleRate: 44100, BufferSize: 1024, CaptureChans: 2, PlaybackChans: 2}
}

// DecodeArgs maps the launcher's opaque key=value arg blob onto Config,
// starting from DefaultConfig so unset keys keep their defaults.
func DecodeArgs(raw map[string]string) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("dummy: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("dummy: decode args: %w", err)
	}
	return cfg, nil
}

// Driver is the software-clock backend.
type Driver struct {
	cfg Config

	mu           sync.Mutex
	period       time.Duration
	lastWake     time.Time
	capturePorts []uint32
	playPorts    []uint32
}

// New constructs a dummy Driver from cfg.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, period: periodFor(cfg.SampleRate, cfg.BufferSize)}
}

func periodFor(sampleRate, bufferSize int) time.Duration {
	return time.Duration(bufferSize) * time.Second / time.Duration(sampleRate)
}

// Attach registers one physical capture port and one physical playback
// port per configured channel, all marked physical+terminal (spec §4.2:
// "one per hardware channel").
func (d *Driver) Attach(eng driver.Engine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturePorts = d.capturePorts[:0]
	d.playPorts = d.playPorts[:0]
	for i := 0; i < d.cfg.CaptureChans; i++ {
		id, err := eng.RegisterDriverPort(fmt.Sprintf("capture_%d", i+1), false)
		if err != nil {
			return fmt.Errorf("dummy: register capture port: %w", err)
		}
		d.capturePorts = append(d.capturePorts, id)
	}
	for i := 0; i < d.cfg.PlaybackChans; i++ {
		id, err := eng.RegisterDriverPort(fmt.Sprintf("playback_%d", i+1), true)
		if err != nil {
			return fmt.Errorf("dummy: register playback port: %w", err)
		}
		d.playPorts = append(d.playPorts, id)
	}
	return nil
}

// Detach is a no-op: the physical ports Attach registered are not
// unregistered and stay in the port registry under the driver client.
func (d *Driver) Detach(eng driver.Engine) error { return nil }

// Start arms the wakeup clock.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastWake = time.Now()
	return nil
}

// Stop is a no-op; there is no real hardware stream to tear down.
func (d *Driver) Stop() error { return nil }

// Wait sleeps until one period has elapsed since the previous wakeup,
// then reports how late it actually woke (delay-usecs), matching
// dummy_driver_wait's busy-sleep-to-deadline shape.
func (d *Driver) Wait(ctx context.Context) driver.WaitResult {
	d.mu.Lock()
	period := d.period
	target := d.lastWake.Add(period)
	d.mu.Unlock()

	now := time.Now()
	if remaining := target.Sub(now); remaining > 0 {
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return driver.WaitResult{Status: driver.StatusInterrupted}
		}
	}

	actual := time.Now()
	delay := actual.Sub(target)

	d.mu.Lock()
	d.lastWake = actual
	nframes := d.cfg.BufferSize
	d.mu.Unlock()

	status := driver.StatusOk
	if delay > period {
		// Woke more than a full period late: treat as a timeout so the
		// cycle runner runs xrun recovery rather than silently
		// processing with a stale deadline.
		status = driver.StatusTimeout
	}
	if delay < 0 {
		delay = 0
	}
	return driver.WaitResult{NFrames: nframes, Status: status, DelayUsecs: delay.Microseconds()}
}

// Read/Write are no-ops: the dummy driver has no hardware DMA region, so
// physical ports simply keep whatever the engine last wrote/zeroed.
func (d *Driver) Read(nframes int) error  { return nil }
func (d *Driver) Write(nframes int) error { return nil }

// NullCycle is also a no-op for the same reason.
func (d *Driver) NullCycle(nframes int) error { return nil }

// Bufsize reconfigures the period size and recomputes the wakeup interval.
func (d *Driver) Bufsize(nframes int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.BufferSize = nframes
	d.period = periodFor(d.cfg.SampleRate, nframes)
	return nil
}

func (d *Driver) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.SampleRate
}

func (d *Driver) BufferSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.BufferSize
}
