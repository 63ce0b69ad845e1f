// Package prcm gates the power and clock domains of the remote cores.
// Every domain carries a reference count: hardware is touched only when
// the count crosses zero, and a successful enable hands back a Handle
// whose Release performs the matching disable, so enables and disables
// cannot go unmatched.
package prcm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/mmio"
)

// Domain is one independently gated resource.
type Domain int

const (
	IVA Domain = iota
	IVASeq0
	IVASeq1
	DSP
	IPU1
	IPU2
	GPTimer1
	GPTimer2

	numDomains
)

var domainNames = [numDomains]string{
	"iva", "iva-seq0", "iva-seq1", "dsp", "ipu1", "ipu2", "gptimer1", "gptimer2",
}

// String returns the domain's short name.
func (d Domain) String() string {
	if d < 0 || d >= numDomains {
		return fmt.Sprintf("domain(%d)", int(d))
	}
	return domainNames[d]
}

// Coordinator serializes all domain transitions behind one mutex. The
// mutex is held across the hardware sequences, which poll with fixed
// bounds and therefore terminate.
type Coordinator struct {
	mu sync.Mutex

	regs   mmio.Block
	counts [numDomains]int
	pm     PowerManager
}

// New returns a coordinator over the PRCM register block. pm receives
// forwarded operating-point requests and may be nil when DVFS is not
// wired up.
func New(regs mmio.Block, pm PowerManager) *Coordinator {
	return &Coordinator{regs: regs, pm: pm}
}

// Handle represents one outstanding enable. Release is idempotent.
type Handle struct {
	c        *Coordinator
	d        Domain
	released bool
}

// Release drops the reference, shutting the domain down when it was the
// last one.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	return h.c.disable(h.d)
}

// Enable takes a reference on d, performing the hardware bring-up only
// on the zero-to-one transition.
func (c *Coordinator) Enable(d Domain) (*Handle, error) {
	if d < 0 || d >= numDomains {
		return nil, fmt.Errorf("prcm: enable of unknown domain %d: %w", int(d), errkind.ErrInvalidArg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[d] == 0 {
		if err := c.bringUp(d); err != nil {
			return nil, fmt.Errorf("prcm: bring up %s: %w", d, err)
		}
		slog.Debug("prcm: domain on", "domain", d.String())
	}
	c.counts[d]++
	return &Handle{c: c, d: d}, nil
}

func (c *Coordinator) disable(d Domain) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[d] == 0 {
		return fmt.Errorf("prcm: release of idle domain %s: %w", d, errkind.ErrInvalidState)
	}
	c.counts[d]--
	if c.counts[d] > 0 {
		return nil
	}
	if err := c.shutDown(d); err != nil {
		// The count already dropped; the domain is in an unknown state
		// and the error surfaces to the releasing caller.
		return fmt.Errorf("prcm: shut down %s: %w", d, err)
	}
	slog.Debug("prcm: domain off", "domain", d.String())
	return nil
}

// Count reports the outstanding references on d, for tests and the
// module's teardown audit.
func (c *Coordinator) Count(d Domain) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[d]
}

// On reports whether the hardware functional bit for d reads on.
func (c *Coordinator) On(d Domain) bool {
	base := mmio.PRCMDomainBase(int(d))
	v := c.regs.Read32(base + mmio.PRCMClkctrlCore)
	return v&mmio.PRCMIdleStatusMask == mmio.PRCMIdleFunctional && v&0x3 == mmio.PRCMModuleEnable
}

// bringUp routes to the domain's ordered sequence. The IVA domain has
// staged sub-resets; everything else is a generic module enable.
func (c *Coordinator) bringUp(d Domain) error {
	if d == IVA {
		return c.bringUpIVA()
	}
	return c.bringUpGeneric(d)
}

func (c *Coordinator) shutDown(d Domain) error {
	if d == IVA {
		return c.shutDownIVA()
	}
	return c.shutDownGeneric(d)
}

// bringUpGeneric powers a simple domain: force the power state on, set
// software wakeup, enable the functional clock, wait for the module to
// report functional, then hand the clock domain back to hardware.
func (c *Coordinator) bringUpGeneric(d Domain) error {
	base := mmio.PRCMDomainBase(int(d))

	c.regs.Write32(base+mmio.PRCMPwrstCtrl, mmio.PRCMPowerOn)
	c.regs.Write32(base+mmio.PRCMClkstCtrl, mmio.PRCMWakeupSW)
	c.regs.Write32(base+mmio.PRCMClkctrlCore, mmio.PRCMModuleEnable)

	if err := mmio.PollBits(c.regs, base+mmio.PRCMClkctrlCore,
		mmio.PRCMIdleStatusMask, mmio.PRCMIdleFunctional,
		mmio.DefaultPollAttempts, mmio.DefaultPollDelay); err != nil {
		return err
	}

	c.regs.Write32(base+mmio.PRCMClkstCtrl, mmio.PRCMWakeupHW)
	return nil
}

func (c *Coordinator) shutDownGeneric(d Domain) error {
	base := mmio.PRCMDomainBase(int(d))

	c.regs.Write32(base+mmio.PRCMClkctrlCore, mmio.PRCMModuleDisable)
	if err := mmio.PollBits(c.regs, base+mmio.PRCMClkstCtrl,
		mmio.PRCMClkActivity, 0,
		mmio.DefaultPollAttempts, mmio.DefaultPollDelay); err != nil {
		return err
	}
	c.regs.Write32(base+mmio.PRCMPwrstCtrl, mmio.PRCMPowerOff)
	return nil
}

// icont2Delay separates the two sequencer reset releases; the hardware
// wants at least a microsecond between them.
const icont2Delay = 2 * time.Microsecond
