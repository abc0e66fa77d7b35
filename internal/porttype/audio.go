package porttype

import "unsafe"

// bytesToFloat32 reinterprets a byte buffer as a float32 slice without
// copying. Every audio buffer handed out by the buffer pool is allocated
// with 4-byte alignment (it is carved from a mmap'd region), so this is
// safe on every architecture jackgo targets (amd64, arm64).
func bytesToFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/SampleSize)
}

// Float32Buffer is a convenience accessor used by drivers and test clients
// that want typed access to an audio port's buffer.
func Float32Buffer(raw []byte, nframes int) []float32 {
	return bytesToFloat32(raw)[:nframes]
}
