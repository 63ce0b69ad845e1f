package hwsim

import (
	"sync"

	"github.com/tinyrange/coproc/internal/mmio"
)

// GPT models one general-purpose timer. The counter advances only through
// Tick, which stands in for the functional clock; tests drive it directly.
type GPT struct {
	mu sync.Mutex

	tiocpCfg  uint32
	irqStatus uint32
	irqEnable uint32
	tclr      uint32
	tcrr      uint32
	tldr      uint32
	ttgr      uint32
	tmar      uint32
	tsicr     uint32

	line      IRQLine
	lineState bool
}

// NewGPT returns a stopped timer with interrupts masked.
func NewGPT() *GPT {
	return &GPT{line: DetachedLine()}
}

// ConnectLine routes the timer's interrupt output to line.
func (g *GPT) ConnectLine(line IRQLine) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if line == nil {
		line = DetachedLine()
	}
	g.line = line
}

// Read32 implements mmio.Block.
func (g *GPT) Read32(off uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch off {
	case mmio.GPTTidr:
		return 0x4FFF1301
	case mmio.GPTTiocpCfg:
		return g.tiocpCfg
	case mmio.GPTIRQStatusRaw, mmio.GPTIRQStatus:
		return g.irqStatus
	case mmio.GPTIRQEnableSet, mmio.GPTIRQEnableClr:
		return g.irqEnable
	case mmio.GPTTclr:
		return g.tclr
	case mmio.GPTTcrr:
		return g.tcrr
	case mmio.GPTTldr:
		return g.tldr
	case mmio.GPTTtgr:
		return g.ttgr
	case mmio.GPTTmar:
		return g.tmar
	case mmio.GPTTsicr:
		return g.tsicr
	}
	return 0
}

// Write32 implements mmio.Block.
func (g *GPT) Write32(off uint32, val uint32) {
	g.mu.Lock()
	switch off {
	case mmio.GPTTiocpCfg:
		g.tiocpCfg = val
	case mmio.GPTIRQStatus:
		g.irqStatus &^= val
	case mmio.GPTIRQEnableSet:
		g.irqEnable |= val
	case mmio.GPTIRQEnableClr:
		g.irqEnable &^= val
	case mmio.GPTTclr:
		g.tclr = val
	case mmio.GPTTcrr:
		g.tcrr = val
	case mmio.GPTTldr:
		g.tldr = val
	case mmio.GPTTtgr:
		// Any write reloads the counter from TLDR.
		g.ttgr = val
		g.tcrr = g.tldr
	case mmio.GPTTmar:
		g.tmar = val
	case mmio.GPTTsicr:
		g.tsicr = val
	}
	g.updateLineLocked()
}

// Tick advances the counter by n functional-clock cycles while the timer
// is started, latching the overflow interrupt on wrap.
func (g *GPT) Tick(n uint32) {
	g.mu.Lock()
	if g.tclr&mmio.GPTStart == 0 {
		g.mu.Unlock()
		return
	}
	for n > 0 {
		step := n
		remaining := 0xFFFFFFFF - g.tcrr
		if step > remaining {
			step = remaining + 1
			g.tcrr = g.tldr
			g.irqStatus |= mmio.GPTOverflowIRQ
			if g.tclr&mmio.GPTAutoReload == 0 {
				g.tclr &^= mmio.GPTStart
				n = step // stop counting
			}
		} else {
			g.tcrr += step
		}
		n -= step
	}
	g.updateLineLocked()
}

func (g *GPT) updateLineLocked() {
	high := g.irqStatus&g.irqEnable != 0
	changed := high != g.lineState
	g.lineState = high
	line := g.line
	g.mu.Unlock()
	if changed {
		line.SetLevel(high)
	}
}

// Snapshot returns the raw register words at the save offsets, for tests
// comparing pre-suspend and post-resume state.
func (g *GPT) Snapshot() map[uint32]uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[uint32]uint32{
		mmio.GPTTiocpCfg:     g.tiocpCfg,
		mmio.GPTIRQEnableSet: g.irqEnable,
		mmio.GPTTclr:         g.tclr,
		mmio.GPTTcrr:         g.tcrr,
		mmio.GPTTldr:         g.tldr,
		mmio.GPTTmar:         g.tmar,
		mmio.GPTTsicr:        g.tsicr,
	}
}
