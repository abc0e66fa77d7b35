package jackgoclient

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// attachSegment mmaps an entire SHM-backed segment file for read/write
// access, sizing the mapping from the file itself rather than a value
// passed over the wire — the same MAP_SHARED mmap internal/shm.Registry.
// Attach performs server-side, adapted here to a caller that only knows a
// path, not a pre-recorded size.
func attachSegment(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("jackgoclient: open segment %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("jackgoclient: stat segment %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("jackgoclient: mmap segment %s: %w", path, err)
	}
	return data, nil
}

// detachSegment unmaps a segment previously returned by attachSegment. A
// nil slice (never attached) is a no-op.
func detachSegment(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
