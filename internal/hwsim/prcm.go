package hwsim

import (
	"sync"

	"github.com/tinyrange/coproc/internal/mmio"
)

// PRCM models the power/clock register groups for the domains the module
// gates. Status fields follow their control fields after a configurable
// number of reads, so bounded poll loops see the hardware settle rather
// than respond instantly.
type PRCM struct {
	mu sync.Mutex

	// Settle is how many status reads a control change takes to land.
	// Zero means status follows control immediately.
	Settle int

	regs    map[uint32]uint32
	pending map[uint32]pendingStatus
}

type pendingStatus struct {
	value uint32
	reads int
}

// NewPRCM returns a PRCM model with every domain powered off.
func NewPRCM() *PRCM {
	return &PRCM{
		regs:    make(map[uint32]uint32),
		pending: make(map[uint32]pendingStatus),
	}
}

// Read32 implements mmio.Block.
func (p *PRCM) Read32(off uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ps, ok := p.pending[off]; ok {
		ps.reads++
		if ps.reads >= p.Settle {
			p.regs[off] = ps.value
			delete(p.pending, off)
		} else {
			p.pending[off] = ps
		}
	}
	return p.regs[off]
}

// Write32 implements mmio.Block.
func (p *PRCM) Write32(off uint32, val uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.regs[off] = val

	base := off - off%mmio.PRCMDomainStride
	switch off % mmio.PRCMDomainStride {
	case mmio.PRCMPwrstCtrl:
		// Power status tracks the requested state.
		p.settleLocked(base+mmio.PRCMPwrstStatus, val&0x3)
	case mmio.PRCMClkctrlCore, mmio.PRCMClkctrlAux:
		// IDLEST reads functional once the module clock is enabled, and
		// the domain's clock-activity bit follows.
		st := p.regs[off] &^ mmio.PRCMIdleStatusMask
		if val&0x3 == mmio.PRCMModuleEnable {
			st |= mmio.PRCMIdleFunctional
			p.settleLocked(off, st)
			p.settleLocked(base+mmio.PRCMClkstCtrl,
				p.regs[base+mmio.PRCMClkstCtrl]|mmio.PRCMClkActivity)
		} else {
			st |= 0x3 << 16 // disabled
			p.settleLocked(off, st)
			p.settleLocked(base+mmio.PRCMClkstCtrl,
				p.regs[base+mmio.PRCMClkstCtrl]&^mmio.PRCMClkActivity)
		}
	case mmio.PRCMRstCtrl:
		// Reset status mirrors the released (cleared) bits.
		p.settleLocked(base+mmio.PRCMRstStatus, ^val&0x7)
	}
}

func (p *PRCM) settleLocked(off, val uint32) {
	if p.Settle <= 0 {
		p.regs[off] = val
		delete(p.pending, off)
		return
	}
	p.pending[off] = pendingStatus{value: val}
}
