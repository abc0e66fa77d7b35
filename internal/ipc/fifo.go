package ipc

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jackgo/jackgo/internal/logging"
)

// FifoManager owns the chain's numbered wakeup FIFOs: created on demand as
// named pipes, opened read/write by the engine so writes never EPIPE (spec
// §4.4), and driven with a poll-timeout per operation so a hung external
// client is detected rather than blocking the cycle thread forever. It
// implements internal/cycle.FifoCoordinator.
type FifoManager struct {
	dir *Dir
	log logging.Logger

	mu    sync.Mutex
	files map[int]*os.File
}

// NewFifoManager creates a FifoManager rooted at dir.
func NewFifoManager(dir *Dir, log logging.Logger) *FifoManager {
	if log == nil {
		log = logging.Nop()
	}
	return &FifoManager{dir: dir, log: log, files: make(map[int]*os.File)}
}

// fd returns the open read/write file for fifo-n, creating the named pipe
// and opening it if this is the first reference.
func (m *FifoManager) fd(n int) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[n]; ok {
		return f, nil
	}
	path := m.dir.FifoPath(n)
	if err := unix.Mkfifo(path, 0600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("ipc: mkfifo %s: %w", path, err)
	}
	// O_RDWR keeps the engine's own end from ever seeing EOF/EPIPE
	// regardless of whether a client currently has its end open (spec
	// §4.4: "opened read/write by the engine").
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("ipc: open %s: %w", path, err)
	}
	m.files[n] = f
	return f, nil
}

// Signal writes the one-byte subgraph-start handoff to fifo-n.
func (m *FifoManager) Signal(n int) error {
	f, err := m.fd(n)
	if err != nil {
		return err
	}
	if _, err := unix.Write(int(f.Fd()), []byte{1}); err != nil {
		return fmt.Errorf("ipc: write fifo-%d: %w", n, err)
	}
	return nil
}

// AwaitDone polls fifo-n for up to timeout, reading the one-byte
// subgraph-wait reply. A poll timeout or a hangup with no data pending is
// reported as an error — the cycle runner treats either as a client
// timeout (spec §4.6 step 5).
func (m *FifoManager) AwaitDone(n int, timeout time.Duration) error {
	f, err := m.fd(n)
	if err != nil {
		return err
	}
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	ready, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return fmt.Errorf("ipc: poll fifo-%d: %w", n, err)
	}
	if ready == 0 {
		return fmt.Errorf("ipc: fifo-%d wait timed out after %s", n, timeout)
	}
	if fds[0].Revents&unix.POLLIN == 0 {
		return fmt.Errorf("ipc: fifo-%d hung up without signaling", n)
	}
	buf := make([]byte, 1)
	if _, err := unix.Read(int(f.Fd()), buf); err != nil {
		return fmt.Errorf("ipc: read fifo-%d: %w", n, err)
	}
	return nil
}

// Close closes every opened FIFO fd. It does not remove the pipe files,
// and Server.Close (which only closes the listeners) does not either.
func (m *FifoManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for n, f := range m.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.files, n)
	}
	return first
}
