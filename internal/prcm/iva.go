package prcm

import (
	"time"

	"github.com/tinyrange/coproc/internal/mmio"
)

// bringUpIVA runs the ordered IVA bring-up:
//
//  1. clear the context-lost record
//  2. force the power state on and take clock-stop wakeup into software
//  3. enable the IVA core and SL2 functional clocks
//  4. wait for clock activity
//  5. release sub-resets in order: main logic and SL2, then the first
//     sequencer, then (after a settling delay) the second
//  6. poll both clock controls until they read functional
//  7. hand clock-stop wakeup back to hardware
func (c *Coordinator) bringUpIVA() error {
	base := mmio.PRCMDomainBase(int(IVA))

	c.regs.Write32(base+mmio.PRCMRstStatus, 0xFFFFFFFF)

	c.regs.Write32(base+mmio.PRCMPwrstCtrl, mmio.PRCMPowerOn)
	c.regs.Write32(base+mmio.PRCMClkstCtrl, mmio.PRCMWakeupSW)

	c.regs.Write32(base+mmio.PRCMClkctrlCore, mmio.PRCMModuleEnable)
	c.regs.Write32(base+mmio.PRCMClkctrlAux, mmio.PRCMModuleEnable)

	if err := mmio.PollBits(c.regs, base+mmio.PRCMClkstCtrl,
		mmio.PRCMClkActivity, mmio.PRCMClkActivity,
		mmio.DefaultPollAttempts, mmio.DefaultPollDelay); err != nil {
		return err
	}

	rst := c.regs.Read32(base + mmio.PRCMRstCtrl)
	rst &^= mmio.PRCMRstLogicSL2
	c.regs.Write32(base+mmio.PRCMRstCtrl, rst)
	rst &^= mmio.PRCMRstICont1
	c.regs.Write32(base+mmio.PRCMRstCtrl, rst)
	time.Sleep(icont2Delay)
	rst &^= mmio.PRCMRstICont2
	c.regs.Write32(base+mmio.PRCMRstCtrl, rst)

	for _, off := range []uint32{mmio.PRCMClkctrlCore, mmio.PRCMClkctrlAux} {
		if err := mmio.PollBits(c.regs, base+off,
			mmio.PRCMIdleStatusMask, mmio.PRCMIdleFunctional,
			mmio.DefaultPollAttempts, mmio.DefaultPollDelay); err != nil {
			return err
		}
	}

	c.regs.Write32(base+mmio.PRCMClkstCtrl, mmio.PRCMWakeupHW)
	return nil
}

// shutDownIVA reverses the bring-up: sub-resets asserted in the opposite
// order, clocks off with a bounded activity poll, then force-off.
func (c *Coordinator) shutDownIVA() error {
	base := mmio.PRCMDomainBase(int(IVA))

	c.regs.Write32(base+mmio.PRCMClkstCtrl, mmio.PRCMWakeupSW)

	rst := c.regs.Read32(base + mmio.PRCMRstCtrl)
	rst |= mmio.PRCMRstICont2
	c.regs.Write32(base+mmio.PRCMRstCtrl, rst)
	rst |= mmio.PRCMRstICont1
	c.regs.Write32(base+mmio.PRCMRstCtrl, rst)
	rst |= mmio.PRCMRstLogicSL2
	c.regs.Write32(base+mmio.PRCMRstCtrl, rst)

	c.regs.Write32(base+mmio.PRCMClkctrlCore, mmio.PRCMModuleDisable)
	c.regs.Write32(base+mmio.PRCMClkctrlAux, mmio.PRCMModuleDisable)

	if err := mmio.PollBits(c.regs, base+mmio.PRCMClkstCtrl,
		mmio.PRCMClkActivity, 0,
		mmio.DefaultPollAttempts, mmio.DefaultPollDelay); err != nil {
		return err
	}

	c.regs.Write32(base+mmio.PRCMPwrstCtrl, mmio.PRCMPowerOff)
	return nil
}
