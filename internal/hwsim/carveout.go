package hwsim

import (
	"fmt"
	"io"
	"sync"
)

// Carveout models a physically contiguous pinned region shared between
// the host and a remote core. It satisfies io.ReaderAt/io.WriterAt, which
// is what the virtqueue layer asks of shared memory, and also carries the
// region's slave-physical base so the address table has something real to
// translate.
type Carveout struct {
	mu   sync.Mutex
	base uint64
	data []byte
}

// NewCarveout allocates a carveout of size bytes at physical base.
func NewCarveout(base uint64, size int) *Carveout {
	return &Carveout{base: base, data: make([]byte, size)}
}

// Base returns the physical base address of the region.
func (c *Carveout) Base() uint64 { return c.base }

// Size returns the region length in bytes.
func (c *Carveout) Size() int { return len(c.data) }

// ReadAt implements io.ReaderAt. Offsets are relative to Base.
func (c *Carveout) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || off > int64(len(c.data)) {
		return 0, fmt.Errorf("carveout: read offset 0x%x out of range: %w", off, io.EOF)
	}
	n := copy(p, c.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Offsets are relative to Base.
func (c *Carveout) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(c.data)) {
		return 0, fmt.Errorf("carveout: write 0x%x+0x%x out of range: %w", off, len(p), io.ErrShortWrite)
	}
	return copy(c.data[off:], p), nil
}
