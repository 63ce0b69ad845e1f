package rproc

import (
	"github.com/tinyrange/coproc/internal/mmio"
	"github.com/tinyrange/coproc/internal/prcm"
)

// Core is the per-family capability set the lifecycle layer drives. The
// three families differ in which power domains they sit on and which
// control block carries their boot vector and resets; the state machine
// calls every variant the same way.
type Core interface {
	Family() string
	Domains() []prcm.Domain

	SetBoot(entry uint32)
	AssertCPUReset()
	ReleaseCPUReset()
	AssertMMUReset()
	ReleaseMMUReset()
	InReset() bool
}

// coreRegs implements the register mechanics shared by all families.
type coreRegs struct {
	ctrl mmio.Block
}

func (c coreRegs) SetBoot(entry uint32) {
	c.ctrl.Write32(mmio.CoreBootAddr, entry)
}

func (c coreRegs) AssertCPUReset() {
	mmio.SetBits32(c.ctrl, mmio.CoreRstCtrl, mmio.CoreRstCPU)
}

func (c coreRegs) ReleaseCPUReset() {
	mmio.ClearBits32(c.ctrl, mmio.CoreRstCtrl, mmio.CoreRstCPU)
}

func (c coreRegs) AssertMMUReset() {
	mmio.SetBits32(c.ctrl, mmio.CoreRstCtrl, mmio.CoreRstMMUCache)
}

func (c coreRegs) ReleaseMMUReset() {
	mmio.ClearBits32(c.ctrl, mmio.CoreRstCtrl, mmio.CoreRstMMUCache)
}

func (c coreRegs) InReset() bool {
	return c.ctrl.Read32(mmio.CoreRstCtrl)&mmio.CoreRstCPU != 0
}

// DspCore is the C66x/Tesla DSP: it lives in the IVA power domain with
// both sequencers, plus its own subsystem domain.
type DspCore struct {
	coreRegs
}

// NewDspCore returns the DSP capability set over its control block.
func NewDspCore(ctrl mmio.Block) *DspCore {
	return &DspCore{coreRegs{ctrl: ctrl}}
}

func (*DspCore) Family() string { return "dsp" }

func (*DspCore) Domains() []prcm.Domain {
	return []prcm.Domain{prcm.IVA, prcm.IVASeq0, prcm.IVASeq1, prcm.DSP}
}

// Ipu1Core is the first Cortex-M subsystem.
type Ipu1Core struct {
	coreRegs
}

// NewIpu1Core returns the IPU1 capability set over its control block.
func NewIpu1Core(ctrl mmio.Block) *Ipu1Core {
	return &Ipu1Core{coreRegs{ctrl: ctrl}}
}

func (*Ipu1Core) Family() string { return "ipu1" }

func (*Ipu1Core) Domains() []prcm.Domain {
	return []prcm.Domain{prcm.IPU1}
}

// Ipu2Core is the second Cortex-M subsystem.
type Ipu2Core struct {
	coreRegs
}

// NewIpu2Core returns the IPU2 capability set over its control block.
func NewIpu2Core(ctrl mmio.Block) *Ipu2Core {
	return &Ipu2Core{coreRegs{ctrl: ctrl}}
}

func (*Ipu2Core) Family() string { return "ipu2" }

func (*Ipu2Core) Domains() []prcm.Domain {
	return []prcm.Domain{prcm.IPU2}
}
