// Package shm implements the shared-memory registry (spec §4.1, component
// C1): a cross-process directory of named SHM segments, so a newly
// launched client can discover and attach the control segment, the port
// segment(s), and its own control block created by the engine.
//
// The registry is modeled as its own value with its own cross-process lock
// (Design Notes §9: "genuinely process-independent global state"),
// independent of internal/engine.Engine.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/jackgo/jackgo/internal/logging"
)

// Magic/protocol constants form the registry header's ABI boundary (spec
// §4.1: "version mismatches are detected on attach and force a re-create").
const (
	registryMagic    uint32 = 0x4a41434b // "JACK"
	registryProtocol uint32 = 1
	backendTagMmap   uint32 = 1
)

type registryHeader struct {
	Magic      uint32
	Protocol   uint32
	BackendTag uint32
	HeaderLen  uint32
	EntryLen   uint32
	Count      uint32
}

type registryEntry struct {
	Name         [64]byte
	Size         uint64
	AllocatorPID int32
	InUse        uint8
	_            [3]byte // padding to keep EntryLen architecture-stable
}

var (
	headerLen = binary.Size(registryHeader{})
	entryLen  = binary.Size(registryEntry{})
)

// maxEntries bounds the registry table; generous enough for a server plus
// a few hundred client control blocks and port segments.
const maxEntries = 512

// SegmentInfo is the handle a client or the engine uses to attach, release,
// or destroy a segment (spec §3: "(segment-id, size, allocator-pid)").
type SegmentInfo struct {
	Name         string
	Size         uint64
	AllocatorPID int
}

// Registry is the process-wide (well: host-wide) directory of SHM segments.
// All mutating operations are serialized by a named flock, independent of
// any of internal/engine's locks (spec §5 lock-order note: "the registry
// semaphore is never held with any of the above").
type Registry struct {
	dir    string // directory backing every segment + the registry file itself
	logger logging.Logger

	mu       sync.Mutex // in-process half of the lock; flock covers cross-process
	lockFile *os.File

	headerMap []byte // mmap of the registry's own control file
	// attached tracks this process's live mappings, purely so Release can
	// unmap without the caller re-deriving size.
	attached map[string][]byte
}

// Open creates (or attaches to) the registry rooted at dir, creating dir if
// needed. dir is typically the server directory (spec §6).
func Open(dir string, logger logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("shm: create registry dir: %w", err)
	}
	lockPath := filepath.Join(dir, "registry.lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open registry lock: %w", err)
	}

	r := &Registry{
		dir:      dir,
		logger:   logger,
		lockFile: lf,
		attached: make(map[string][]byte),
	}

	if err := r.withLock(func() error { return r.openOrInitHeader() }); err != nil {
		lf.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) withLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := unix.Flock(int(r.lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("shm: flock registry: %w", err)
	}
	defer unix.Flock(int(r.lockFile.Fd()), unix.LOCK_UN)
	return fn()
}

func (r *Registry) registryPath() string { return filepath.Join(r.dir, "registry.shm") }

func (r *Registry) openOrInitHeader() error {
	size := headerLen + maxEntries*entryLen
	path := r.registryPath()

	fresh := false
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("shm: open registry file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("shm: stat registry file: %w", err)
	}
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return fmt.Errorf("shm: truncate registry file: %w", err)
		}
		fresh = true
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: mmap registry file: %w", err)
	}
	r.headerMap = data

	h := r.readHeader()
	if fresh || h.Magic != registryMagic || h.Protocol != registryProtocol ||
		int(h.HeaderLen) != headerLen || int(h.EntryLen) != entryLen {
		r.logger.Warnw("registry header mismatch or fresh file, reinitializing",
			"path", path, "fresh", fresh)
		r.writeHeader(registryHeader{
			Magic:      registryMagic,
			Protocol:   registryProtocol,
			BackendTag: backendTagMmap,
			HeaderLen:  uint32(headerLen),
			EntryLen:   uint32(entryLen),
			Count:      maxEntries,
		})
		for i := 0; i < maxEntries; i++ {
			r.writeEntry(i, registryEntry{})
		}
	}
	return nil
}

func (r *Registry) readHeader() registryHeader {
	var h registryHeader
	readStruct(r.headerMap[:headerLen], &h)
	return h
}

func (r *Registry) writeHeader(h registryHeader) {
	writeStruct(r.headerMap[:headerLen], &h)
}

func (r *Registry) entrySlice(i int) []byte {
	off := headerLen + i*entryLen
	return r.headerMap[off : off+entryLen]
}

func (r *Registry) readEntry(i int) registryEntry {
	var e registryEntry
	readStruct(r.entrySlice(i), &e)
	return e
}

func (r *Registry) writeEntry(i int, e registryEntry) {
	writeStruct(r.entrySlice(i), &e)
}

func entryName(e registryEntry) string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

func setEntryName(e *registryEntry, name string) {
	clear(e.Name[:])
	copy(e.Name[:], name)
}

// Alloc creates a new SHM segment of the requested size, records this
// process as its allocator, and returns its handle (spec §4.1: "create a
// new SHM segment, record (id, size, allocator-pid=self)").
func (r *Registry) Alloc(size int) (SegmentInfo, error) {
	name := "seg-" + uuid.NewString()
	info := SegmentInfo{Name: name, Size: uint64(size), AllocatorPID: os.Getpid()}

	path := filepath.Join(r.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("shm: create segment %s: %w", name, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return SegmentInfo{}, fmt.Errorf("shm: size segment %s: %w", name, err)
	}

	if err := r.withLock(func() error { return r.putEntry(info) }); err != nil {
		os.Remove(path)
		return SegmentInfo{}, err
	}
	return info, nil
}

func (r *Registry) putEntry(info SegmentInfo) error {
	h := r.readHeader()
	slot := -1
	for i := 0; i < int(h.Count); i++ {
		e := r.readEntry(i)
		if e.InUse == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("shm: registry full (max %d entries)", h.Count)
	}
	var e registryEntry
	setEntryName(&e, info.Name)
	e.Size = info.Size
	e.AllocatorPID = int32(info.AllocatorPID)
	e.InUse = 1
	r.writeEntry(slot, e)
	return nil
}

// Attach maps an already-created segment into this process's address
// space and returns the addressable bytes.
func (r *Registry) Attach(info SegmentInfo) ([]byte, error) {
	path := filepath.Join(r.dir, info.Name)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: attach open %s: %w", info.Name, err)
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", info.Name, err)
	}
	r.mu.Lock()
	r.attached[info.Name] = data
	r.mu.Unlock()
	return data, nil
}

// Release unmaps a segment in this process without destroying the
// underlying kernel object.
func (r *Registry) Release(info SegmentInfo) error {
	r.mu.Lock()
	data, ok := r.attached[info.Name]
	delete(r.attached, info.Name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.Munmap(data)
}

// Destroy releases (if mapped here) and then removes the segment's backing
// file and registry entry. Only meaningful when the caller is the
// allocator, though jackgo does not enforce that beyond logging — the
// engine is the only caller in practice.
func (r *Registry) Destroy(info SegmentInfo) error {
	_ = r.Release(info)
	path := filepath.Join(r.dir, info.Name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: remove segment file %s: %w", info.Name, err)
	}
	return r.withLock(func() error {
		h := r.readHeader()
		for i := 0; i < int(h.Count); i++ {
			e := r.readEntry(i)
			if e.InUse == 1 && entryName(e) == info.Name {
				r.writeEntry(i, registryEntry{})
				return nil
			}
		}
		return nil
	})
}

// Cleanup destroys every registry entry whose allocator PID is no longer
// alive; entries of live processes, this one included, are kept. The
// engine calls Cleanup once at boot to discard a dead previous instance's
// leftovers; its own segments are removed with Destroy. Spec §4.1: "a
// stale registry entry is reclaimed by the next caller that takes the lock
// and sees a stale PID."
func (r *Registry) Cleanup() (reclaimed int, err error) {
	err = r.withLock(func() error {
		h := r.readHeader()
		for i := 0; i < int(h.Count); i++ {
			e := r.readEntry(i)
			if e.InUse == 0 {
				continue
			}
			if processAlive(int(e.AllocatorPID)) {
				continue
			}
			name := entryName(e)
			r.logger.Warnw("reclaiming segment from dead allocator",
				"segment", name, "allocator_pid", e.AllocatorPID)
			_ = os.Remove(filepath.Join(r.dir, name))
			r.writeEntry(i, registryEntry{})
			reclaimed++
		}
		return nil
	})
	return reclaimed, err
}

// processAlive checks PID liveness exactly as libjack/shm.c does: sending
// signal 0 and inspecting the error (ESRCH => dead).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// Close unmaps every segment this process attached (including the
// registry's own header map) and closes the lock file. It does not
// destroy any kernel objects.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, data := range r.attached {
		_ = unix.Munmap(data)
		delete(r.attached, name)
	}
	if r.headerMap != nil {
		_ = unix.Munmap(r.headerMap)
		r.headerMap = nil
	}
	return r.lockFile.Close()
}

func readStruct(b []byte, v any) {
	_ = binary.Read(sliceReader{b}, binary.NativeEndian, v)
}

func writeStruct(b []byte, v any) {
	buf := sliceWriter{b}
	_ = binary.Write(buf, binary.NativeEndian, v)
}

// sliceReader/sliceWriter adapt a pre-sized byte slice to io.Reader/Writer
// without allocating, since these hot paths run under the registry lock.
type sliceReader struct{ b []byte }

func (s sliceReader) Read(p []byte) (int, error) {
	n := copy(p, s.b)
	return n, nil
}

type sliceWriter struct{ b []byte }

func (s sliceWriter) Write(p []byte) (int, error) {
	n := copy(s.b, p)
	return n, nil
}
