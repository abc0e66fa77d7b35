package jackgoclient

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fifoOpenWait bounds how long openCycleFifos retries opening a wakeup
// FIFO that doesn't exist yet. The engine's FifoManager creates a FIFO's
// named pipe lazily on its own first Signal/AwaitDone call for that index,
// which can land up to one cycle period after the GraphReordered event
// that told this client which index to open — so ENOENT right after a
// reorder is an expected race, not a fatal error.
const fifoOpenWait = 5 * time.Second

// openCycleFifos opens this client's wakeup-FIFO pair for the cycle loop:
// fifoIn for reading the per-cycle wakeup byte the engine's FifoManager
// writes, fifoOut for writing the one-byte completion reply it waits on.
// Both paths are deterministic ("fifo-<n>" under the server directory, the
// same naming internal/ipc.Dir.FifoPath uses), so the client derives them
// from the FIFO indices the GraphReordered event carried rather than
// needing the full paths over the wire.
func (c *Client) openCycleFifos(fifoIn, fifoOut int) {
	inPath := fifoPath(c.fifoPrefix, fifoIn)
	outPath := fifoPath(c.fifoPrefix, fifoOut)

	inF, err := openFifoRetrying(inPath, os.O_RDONLY)
	if err != nil {
		c.log.Warnw("jackgoclient: open wakeup fifo failed", "path", inPath, "err", err)
		return
	}
	outF, err := openFifoRetrying(outPath, os.O_WRONLY)
	if err != nil {
		inF.Close()
		c.log.Warnw("jackgoclient: open reply fifo failed", "path", outPath, "err", err)
		return
	}

	c.cycleMu.Lock()
	prevIn, prevOut := c.fifoInF, c.fifoOutF
	c.fifoIn, c.fifoOut = fifoIn, fifoOut
	c.fifoInF, c.fifoOutF = inF, outF
	c.cycleCond.Broadcast()
	c.cycleMu.Unlock()

	if prevIn != nil {
		prevIn.Close()
	}
	if prevOut != nil {
		prevOut.Close()
	}
}

func fifoPath(prefix string, n int) string {
	return filepath.Join(prefix, fmt.Sprintf("fifo-%d", n))
}

// openFifoRetrying opens path with flag, retrying on os.IsNotExist for up
// to fifoOpenWait. Any other error returns immediately.
func openFifoRetrying(path string, flag int) (*os.File, error) {
	deadline := time.Now().Add(fifoOpenWait)
	for {
		f, err := os.OpenFile(path, flag, 0600)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// runCycleLoop blocks on the wakeup FIFO, invokes the registered process
// callback, and replies on the completion FIFO — once per cycle — until
// Close is called. It starts lazily from Activate, waits while this
// client has no FIFO pair yet, and exits only once the client is closed.
func (c *Client) runCycleLoop() {
	for {
		c.cycleMu.Lock()
		for c.fifoIn < 0 && !c.closed {
			c.cycleCond.Wait()
		}
		if c.closed {
			c.cycleMu.Unlock()
			return
		}
		inF, outF := c.fifoInF, c.fifoOutF
		c.cycleMu.Unlock()

		buf := make([]byte, 1)
		if _, err := inF.Read(buf); err != nil {
			c.cycleMu.Lock()
			closed := c.closed
			c.cycleMu.Unlock()
			if closed {
				return
			}
			c.log.Warnw("jackgoclient: wakeup fifo read failed", "err", err)
			continue
		}

		if c.process != nil {
			if err := c.process(c.BufferSize()); err != nil {
				c.log.Warnw("jackgoclient: process callback failed", "err", err)
			}
		}

		if _, err := outF.Write([]byte{1}); err != nil {
			c.log.Warnw("jackgoclient: reply fifo write failed", "err", err)
		}
	}
}
