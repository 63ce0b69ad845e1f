// Package gpt drives the general-purpose timers paired with the remote
// cores: one per core as a watchdog, with full register save/restore so
// a timer survives its core's power gating.
package gpt

import (
	"fmt"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/mmio"
)

// savedRegs is the register set captured across a power transition.
type savedRegs struct {
	tiocpCfg  uint32
	irqEnable uint32
	tclr      uint32
	tcrr      uint32
	tldr      uint32
	tmar      uint32
	tsicr     uint32
}

// Timer owns one GP timer register block.
type Timer struct {
	regs mmio.Block

	saved      savedRegs
	savedValid bool
}

// New returns a driver for the timer at regs.
func New(regs mmio.Block) *Timer {
	return &Timer{regs: regs}
}

// StartWatchdog configures the timer as a watchdog: smart idle, counter
// loaded so it overflows after the given number of functional-clock
// cycles, overflow interrupt unmasked, auto-reload on.
func (t *Timer) StartWatchdog(cycles uint32) {
	load := ^uint32(0) - cycles + 1

	t.regs.Write32(mmio.GPTTiocpCfg, mmio.GPTSmartIdle)
	t.regs.Write32(mmio.GPTTldr, load)
	t.regs.Write32(mmio.GPTTcrr, load)
	t.regs.Write32(mmio.GPTIRQStatus, mmio.GPTOverflowIRQ)
	t.regs.Write32(mmio.GPTIRQEnableSet, mmio.GPTOverflowIRQ)
	t.regs.Write32(mmio.GPTTclr, mmio.GPTStart|mmio.GPTAutoReload)
}

// Kick reloads the counter, pushing the next overflow a full period out.
func (t *Timer) Kick() {
	t.regs.Write32(mmio.GPTTtgr, 1)
}

// Stop halts the counter and masks the overflow interrupt.
func (t *Timer) Stop() {
	t.regs.Write32(mmio.GPTTclr, t.regs.Read32(mmio.GPTTclr)&^uint32(mmio.GPTStart))
	t.regs.Write32(mmio.GPTIRQEnableClr, mmio.GPTOverflowIRQ)
}

// Ack clears a latched overflow event.
func (t *Timer) Ack() {
	t.regs.Write32(mmio.GPTIRQStatus, mmio.GPTOverflowIRQ)
}

// Save captures the timer's register block ahead of a power transition.
func (t *Timer) Save() {
	t.saved = savedRegs{
		tiocpCfg:  t.regs.Read32(mmio.GPTTiocpCfg),
		irqEnable: t.regs.Read32(mmio.GPTIRQEnableSet),
		tclr:      t.regs.Read32(mmio.GPTTclr),
		tcrr:      t.regs.Read32(mmio.GPTTcrr),
		tldr:      t.regs.Read32(mmio.GPTTldr),
		tmar:      t.regs.Read32(mmio.GPTTmar),
		tsicr:     t.regs.Read32(mmio.GPTTsicr),
	}
	t.savedValid = true
}

// Restore replays the captured register block. The control register goes
// last so the counter does not run with half-restored state.
func (t *Timer) Restore() error {
	if !t.savedValid {
		return fmt.Errorf("gpt: restore without a saved context: %w", errkind.ErrInvalidState)
	}
	t.regs.Write32(mmio.GPTTiocpCfg, t.saved.tiocpCfg)
	t.regs.Write32(mmio.GPTTsicr, t.saved.tsicr)
	t.regs.Write32(mmio.GPTTldr, t.saved.tldr)
	t.regs.Write32(mmio.GPTTmar, t.saved.tmar)
	t.regs.Write32(mmio.GPTTcrr, t.saved.tcrr)
	t.regs.Write32(mmio.GPTIRQEnableSet, t.saved.irqEnable)
	t.regs.Write32(mmio.GPTTclr, t.saved.tclr)
	return nil
}
