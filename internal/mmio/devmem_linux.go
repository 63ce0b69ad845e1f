//go:build linux

package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a Block backed by a mapping of physical address space,
// used when the control plane runs against real hardware.
type Window struct {
	mem  []byte
	base uint64
}

// MapWindow maps size bytes of physical address space starting at phys.
// phys must be page aligned.
func MapWindow(phys uint64, size int) (*Window, error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open /dev/mem: %w", err)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, int64(phys), size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: map 0x%08x+0x%x: %w", phys, size, err)
	}
	return &Window{mem: mem, base: phys}, nil
}

// Read32 implements Block. The access is a single 32-bit load; device
// registers must not be read with wider or narrower accesses.
func (w *Window) Read32(off uint32) uint32 {
	p := (*uint32)(unsafe.Pointer(&w.mem[off]))
	return atomic.LoadUint32(p)
}

// Write32 implements Block.
func (w *Window) Write32(off uint32, val uint32) {
	p := (*uint32)(unsafe.Pointer(&w.mem[off]))
	atomic.StoreUint32(p, val)
}

// ReadAt implements io.ReaderAt so a mapped carveout can back the
// shared-ring transport directly.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(w.mem)) {
		return 0, fmt.Errorf("mmio: read offset 0x%x outside window", off)
	}
	return copy(p, w.mem[off:]), nil
}

// WriteAt implements io.WriterAt.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(w.mem)) {
		return 0, fmt.Errorf("mmio: write 0x%x+0x%x outside window", off, len(p))
	}
	return copy(w.mem[off:], p), nil
}

// Close unmaps the window.
func (w *Window) Close() error {
	if w.mem == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	return err
}
