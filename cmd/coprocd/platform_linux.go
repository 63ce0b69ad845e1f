//go:build linux

package main

import (
	"fmt"
	"sync"
	"time"

	coproc "github.com/tinyrange/coproc"
	"github.com/tinyrange/coproc/internal/cfg"
	"github.com/tinyrange/coproc/internal/mmio"
)

const regWindowSize = 0x1000

// devicePlatform maps the configured register windows and carveouts out
// of /dev/mem. Interrupt delivery from userspace has no direct hook, so
// the mailbox status registers are polled instead; the shared ISR is
// idempotent under spurious invocation, which makes the poll safe.
func devicePlatform(config *cfg.Config) (*coproc.Platform, error) {
	if config.PRCMBase == 0 {
		return nil, fmt.Errorf("device mode needs prcm_base in the configuration")
	}
	prcmWin, err := mmio.MapWindow(config.PRCMBase, regWindowSize)
	if err != nil {
		return nil, err
	}

	platform := &coproc.Platform{
		Interrupts: newPollingInterrupts(500 * time.Microsecond),
		PRCM:       prcmWin,
		Procs:      make(map[int]coproc.ProcResources),
	}

	for id, remote := range config.Remotes {
		if remote.MailboxBase == 0 || remote.MMUBase == 0 || remote.CtrlBase == 0 {
			return nil, fmt.Errorf("remote %s: device mode needs mailbox_base, mmu_base and ctrl_base", remote.Name)
		}
		if len(remote.Carveouts) == 0 {
			return nil, fmt.Errorf("remote %s: device mode needs a carveout", remote.Name)
		}

		res := coproc.ProcResources{}
		if res.Mailbox, err = mmio.MapWindow(remote.MailboxBase, regWindowSize); err != nil {
			return nil, fmt.Errorf("remote %s: %w", remote.Name, err)
		}
		if res.MMU, err = mmio.MapWindow(remote.MMUBase, regWindowSize); err != nil {
			return nil, fmt.Errorf("remote %s: %w", remote.Name, err)
		}
		if res.Ctrl, err = mmio.MapWindow(remote.CtrlBase, regWindowSize); err != nil {
			return nil, fmt.Errorf("remote %s: %w", remote.Name, err)
		}
		if remote.GPTBase != 0 {
			if res.Watchdog, err = mmio.MapWindow(remote.GPTBase, regWindowSize); err != nil {
				return nil, fmt.Errorf("remote %s: %w", remote.Name, err)
			}
		}

		c := remote.Carveouts[0]
		shared, err := mmio.MapWindow(c.Phys, int(c.Size))
		if err != nil {
			return nil, fmt.Errorf("remote %s carveout: %w", remote.Name, err)
		}
		res.SharedMem = shared
		res.SharedBase = c.Phys
		res.PageTableBase = uint32(c.Phys + c.Size - 0x40000)

		platform.Procs[id] = res
	}
	return platform, nil
}

// pollingInterrupts approximates interrupt delivery by invoking each
// installed handler on a short period.
type pollingInterrupts struct {
	mu       sync.Mutex
	period   time.Duration
	handlers map[uint32]chan struct{}
}

func newPollingInterrupts(period time.Duration) *pollingInterrupts {
	return &pollingInterrupts{
		period:   period,
		handlers: make(map[uint32]chan struct{}),
	}
}

// Install implements mailbox.InterruptHost.
func (p *pollingInterrupts) Install(intID uint32, handler func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[intID]; ok {
		return fmt.Errorf("interrupt %d already installed", intID)
	}
	done := make(chan struct{})
	p.handlers[intID] = done
	go func() {
		ticker := time.NewTicker(p.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler()
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Remove implements mailbox.InterruptHost.
func (p *pollingInterrupts) Remove(intID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	done, ok := p.handlers[intID]
	if !ok {
		return fmt.Errorf("interrupt %d not installed", intID)
	}
	close(done)
	delete(p.handlers, intID)
	return nil
}
