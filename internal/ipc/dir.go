// Package ipc implements the UNIX-domain socket surface (component C11):
// the server directory layout, the three-step client handshake, the
// per-client request/event connections, and the wakeup-FIFO pool the cycle
// runner drives external clients through.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir is one server's directory: /tmp/jack-<uid>/<server-name>/ by default
// (spec §6), owned by the server uid at mode 0700.
type Dir struct {
	root string
}

// NewDir builds the directory path for a (tmpRoot, uid, serverName) triple
// without creating it; call Ensure before use.
func NewDir(tmpRoot string, uid int, serverName string) *Dir {
	return &Dir{root: filepath.Join(tmpRoot, fmt.Sprintf("jack-%d", uid), serverName)}
}

// Ensure creates the directory (and any missing parents) at mode 0700.
func (d *Dir) Ensure() error {
	return os.MkdirAll(d.root, 0700)
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// MainSocketPath is the "jack_<port-number>" request/accept socket.
func (d *Dir) MainSocketPath(portNum int) string {
	return filepath.Join(d.root, fmt.Sprintf("jack_%d", portNum))
}

// AckSocketPath is the "jack_ack_<port-number>" handshake-ack socket.
func (d *Dir) AckSocketPath(portNum int) string {
	return filepath.Join(d.root, fmt.Sprintf("jack_ack_%d", portNum))
}

// FifoPath is one chain wakeup FIFO, created on demand by FifoManager.
func (d *Dir) FifoPath(n int) string {
	return filepath.Join(d.root, fmt.Sprintf("fifo-%d", n))
}

// RemoveStaleSockets deletes leftover socket files from a previous server
// instance at this portNum before binding, since net.Listen("unix", ...)
// fails on an existing path (spec's crash-recovery story covers SHM
// segments via PID liveness; stale socket files are simpler — if the bind
// succeeds below them, no live server was holding them).
func (d *Dir) RemoveStaleSockets(portNum int) {
	os.Remove(d.MainSocketPath(portNum))
	os.Remove(d.AckSocketPath(portNum))
}
