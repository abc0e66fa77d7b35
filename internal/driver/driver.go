// Package driver defines the driver contract (component C9): the
// abstraction the cycle runner drives once per period. Concrete backends
// live in internal/driver/dummy (a software clock) and internal/driver/mem
// (an in-memory test harness that copies each period in Read/Write).
package driver

import "context"

// Status is wait's result code. It maps directly onto the cycle runner's
// recovery policy: Ok runs the cycle, Interrupted retries, Timeout begins
// xrun recovery, Fatal initiates server teardown.
type Status int

const (
	StatusOk Status = iota
	StatusInterrupted
	StatusTimeout
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusInterrupted:
		return "interrupted"
	case StatusTimeout:
		return "timeout"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WaitResult is driver.wait()'s return value.
type WaitResult struct {
	NFrames    int
	Status     Status
	DelayUsecs int64
}

// Engine is the minimal surface a driver needs from the engine during
// attach: register its own physical ports and learn its assigned client
// id. internal/engine.Engine satisfies this.
type Engine interface {
	RegisterDriverPort(name string, output bool) (portID uint32, err error)
	DriverClientID() uint32
	// PortBuffer returns the live byte slice backing a port's assigned
	// buffer, so a driver's Read/Write step can copy device data in and
	// out without going through the request channel.
	PortBuffer(portID uint32) []byte
}

// Driver is the contract every backend implements (spec §4.2).
type Driver interface {
	// Attach learns the engine and registers physical ports through eng.
	// Sample rate and buffer size are read through SampleRate and
	// BufferSize, not returned by Attach.
	Attach(eng Engine) error
	// Detach is called at engine teardown. The dummy and mem backends
	// implement it as a no-op; the ports Attach registered are not
	// unregistered (Engine has no method for that).
	Detach(eng Engine) error

	Start(ctx context.Context) error
	Stop() error

	// Wait blocks until the next period is ready.
	Wait(ctx context.Context) WaitResult

	// Read/Write move data between the driver's scratch and physical
	// port buffers for non-mmap drivers; mmap drivers implement both as
	// no-ops and instead repoint buffers during Wait.
	Read(nframes int) error
	Write(nframes int) error

	// NullCycle writes silence to playback ports and discards capture
	// without invoking the graph.
	NullCycle(nframes int) error

	// Bufsize reconfigures the driver for a new period size.
	Bufsize(nframes int) error

	SampleRate() int
	BufferSize() int
}
