package hwsim

import (
	"sync"

	"github.com/tinyrange/coproc/internal/mmio"
)

// tlbSlot is one CAM/RAM pair in the simulated TLB.
type tlbSlot struct {
	cam uint32
	ram uint32
}

// MMU models the slave L2 MMU register block: control, TTB, and the
// 32-entry TLB reached through the LOCK victim pointer. Entry loads go
// through CAM/RAM + LD_TLB, reads through READ_CAM/READ_RAM, exactly as
// the hardware sequence does.
type MMU struct {
	mu sync.Mutex

	sysconfig uint32
	irqStatus uint32
	irqEnable uint32
	walkingST uint32
	cntl      uint32
	faultAd   uint32
	ttb       uint32
	lock      uint32
	cam       uint32
	ram       uint32

	tlb [mmio.MMUTLBSize]tlbSlot
}

// NewMMU returns an MMU model with the translation disabled and the TLB
// empty.
func NewMMU() *MMU {
	return &MMU{}
}

// Read32 implements mmio.Block.
func (m *MMU) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case mmio.MMURevision:
		return 0x20
	case mmio.MMUSysconfig:
		return m.sysconfig
	case mmio.MMUSysstatus:
		return 1 // reset always complete
	case mmio.MMUIRQStatus:
		return m.irqStatus
	case mmio.MMUIRQEnable:
		return m.irqEnable
	case mmio.MMUWalkingST:
		return m.walkingST
	case mmio.MMUCntl:
		return m.cntl
	case mmio.MMUFaultAd:
		return m.faultAd
	case mmio.MMUTTB:
		return m.ttb
	case mmio.MMULock:
		return m.lock
	case mmio.MMUCam:
		return m.cam
	case mmio.MMURam:
		return m.ram
	case mmio.MMUReadCam:
		return m.tlb[m.victimLocked()].cam
	case mmio.MMUReadRam:
		return m.tlb[m.victimLocked()].ram
	}
	return 0
}

// Write32 implements mmio.Block.
func (m *MMU) Write32(off uint32, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case mmio.MMUSysconfig:
		if val&1 != 0 {
			// Soft reset: drop everything but the TLB contents survive a
			// sysconfig reset only when preserved; model the hard variant.
			m.reset()
			return
		}
		m.sysconfig = val
	case mmio.MMUIRQStatus:
		m.irqStatus &^= val
	case mmio.MMUIRQEnable:
		m.irqEnable = val
	case mmio.MMUCntl:
		m.cntl = val
	case mmio.MMUTTB:
		m.ttb = val
	case mmio.MMULock:
		m.lock = val
	case mmio.MMUCam:
		m.cam = val
	case mmio.MMURam:
		m.ram = val
	case mmio.MMULdTLB:
		m.tlb[m.victimLocked()] = tlbSlot{cam: m.cam, ram: m.ram}
	case mmio.MMUGFlush:
		for i := range m.tlb {
			if m.tlb[i].cam&mmio.MMUCamPreserved == 0 {
				m.tlb[i] = tlbSlot{}
			}
		}
	case mmio.MMUFlushEntry:
		tag := m.cam & mmio.MMUCamVATagMask
		for i := range m.tlb {
			if m.tlb[i].cam&mmio.MMUCamVATagMask == tag {
				m.tlb[i] = tlbSlot{}
			}
		}
	}
}

func (m *MMU) victimLocked() int {
	v := int(m.lock>>mmio.MMULockVictShift) & mmio.MMULockFieldMask
	if v >= mmio.MMUTLBSize {
		v = mmio.MMUTLBSize - 1
	}
	return v
}

func (m *MMU) reset() {
	m.sysconfig = 0
	m.irqStatus = 0
	m.irqEnable = 0
	m.cntl = 0
	m.ttb = 0
	m.lock = 0
	m.cam = 0
	m.ram = 0
	for i := range m.tlb {
		m.tlb[i] = tlbSlot{}
	}
}

// TLBWords returns the raw CAM/RAM words of every slot, for tests that
// compare the hardware TLB before suspend and after resume.
func (m *MMU) TLBWords() [mmio.MMUTLBSize][2]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [mmio.MMUTLBSize][2]uint32
	for i, s := range m.tlb {
		out[i] = [2]uint32{s.cam, s.ram}
	}
	return out
}
