package hwsim

import "sync"

// RegFile is a plain register block with no behavior: writes stick,
// reads return the last written value. It backs the per-core control
// blocks (boot vector, reset bits) whose side effects live in the CPU,
// not in the registers themselves.
type RegFile struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewRegFile returns an empty register file.
func NewRegFile() *RegFile {
	return &RegFile{regs: make(map[uint32]uint32)}
}

// Read32 implements mmio.Block.
func (r *RegFile) Read32(off uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[off]
}

// Write32 implements mmio.Block.
func (r *RegFile) Write32(off uint32, val uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[off] = val
}
