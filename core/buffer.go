package core

import "github.com/240db/LuxCore/driver"

type BufferMode uint8

const (
	BufferReadOnly BufferMode = iota
	BufferReadWrite
)

// A Buffer is a device-memory handle. Storage lives either in device memory
// (hardware backends) or in host memory (the native backend); the owning
// device fills in the matching field on allocation. Freeing resets the
// handle so a second free is a no-op.
type Buffer struct {
	// A name for identifying the buffer in diagnostics.
	name string

	mode BufferMode
	size uint64

	// Device-resident storage.
	ptr driver.DevicePtr

	// Host-resident storage.
	host []byte

	// Backend-specific handle used by tag-gated backends.
	clmem any
}

// NewBuffer creates an empty, unallocated buffer.
func NewBuffer(name string) *Buffer {
	return &Buffer{name: name}
}

func (b *Buffer) Name() string {
	return b.name
}

func (b *Buffer) Mode() BufferMode {
	return b.mode
}

// Get buffer size.
func (b *Buffer) Size() uint64 {
	return b.size
}

// Allocated reports whether the buffer currently holds storage.
func (b *Buffer) Allocated() bool {
	return b.ptr != 0 || b.host != nil || b.clmem != nil
}

// Ptr returns the device address of the buffer. Zero for host-resident and
// unallocated buffers.
func (b *Buffer) Ptr() driver.DevicePtr {
	return b.ptr
}

// Reset the handle to its unallocated state.
func (b *Buffer) reset() {
	b.ptr = 0
	b.host = nil
	b.clmem = nil
	b.size = 0
}
