package hwsim

import (
	"sync"

	"github.com/tinyrange/coproc/internal/mmio"
)

// Mailbox models one OMAP mailbox block: twelve 4-deep FIFOs of 32-bit
// words and per-user interrupt status/enable registers. A write to a
// MESSAGE register pushes a word; a read pops one. The new-message event
// for FIFO m is bit 2m of every user's raw status.
type Mailbox struct {
	mu sync.Mutex

	sysconfig uint32
	fifos     [mmio.MailboxNumFifos][]uint32
	irqRaw    [mmio.MailboxNumUsers]uint32
	irqEnable [mmio.MailboxNumUsers]uint32

	lines     [mmio.MailboxNumUsers]IRQLine
	lineState [mmio.MailboxNumUsers]bool
}

// NewMailbox returns a mailbox block with all FIFOs empty and all
// interrupts masked.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	for u := range m.lines {
		m.lines[u] = DetachedLine()
	}
	return m
}

// ConnectLine routes user u's interrupt output to line.
func (m *Mailbox) ConnectLine(user int, line IRQLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line == nil {
		line = DetachedLine()
	}
	m.lines[user] = line
}

// Read32 implements mmio.Block.
func (m *Mailbox) Read32(off uint32) uint32 {
	m.mu.Lock()

	switch {
	case off == mmio.MailboxRevision:
		m.mu.Unlock()
		return 0x400
	case off == mmio.MailboxSysconfig:
		v := m.sysconfig
		m.mu.Unlock()
		return v
	case off >= mmio.MailboxMessageBase && off < mmio.MailboxMessageBase+4*mmio.MailboxNumFifos:
		f := int(off-mmio.MailboxMessageBase) / 4
		var v uint32
		if len(m.fifos[f]) > 0 {
			v = m.fifos[f][0]
			m.fifos[f] = m.fifos[f][1:]
		}
		m.mu.Unlock()
		return v
	case off >= mmio.MailboxFifoStatusBase && off < mmio.MailboxFifoStatusBase+4*mmio.MailboxNumFifos:
		f := int(off-mmio.MailboxFifoStatusBase) / 4
		var v uint32
		if len(m.fifos[f]) >= mmio.MailboxFifoDepth {
			v = 1
		}
		m.mu.Unlock()
		return v
	case off >= mmio.MailboxMsgStatusBase && off < mmio.MailboxMsgStatusBase+4*mmio.MailboxNumFifos:
		f := int(off-mmio.MailboxMsgStatusBase) / 4
		v := uint32(len(m.fifos[f]))
		m.mu.Unlock()
		return v
	}

	if u, reg, ok := userReg(off); ok {
		var v uint32
		switch reg {
		case mmio.MailboxIRQStatusRawBase:
			v = m.irqRaw[u]
		case mmio.MailboxIRQStatusClrBase:
			v = m.irqRaw[u] & m.irqEnable[u]
		case mmio.MailboxIRQEnableSetBase, mmio.MailboxIRQEnableClrBase:
			v = m.irqEnable[u]
		}
		m.mu.Unlock()
		return v
	}

	m.mu.Unlock()
	return 0
}

// Write32 implements mmio.Block.
func (m *Mailbox) Write32(off uint32, val uint32) {
	m.mu.Lock()

	switch {
	case off == mmio.MailboxSysconfig:
		if val&mmio.MailboxSoftReset != 0 {
			// Soft reset completes immediately: FIFOs drained, IRQ state
			// cleared, reset bit self-clears.
			for f := range m.fifos {
				m.fifos[f] = nil
			}
			for u := range m.irqRaw {
				m.irqRaw[u] = 0
				m.irqEnable[u] = 0
			}
			m.sysconfig = 0
		} else {
			m.sysconfig = val
		}
	case off >= mmio.MailboxMessageBase && off < mmio.MailboxMessageBase+4*mmio.MailboxNumFifos:
		f := int(off-mmio.MailboxMessageBase) / 4
		if len(m.fifos[f]) < mmio.MailboxFifoDepth {
			m.fifos[f] = append(m.fifos[f], val)
			for u := range m.irqRaw {
				m.irqRaw[u] |= mmio.MailboxIRQBit(f)
			}
		}
	default:
		if u, reg, ok := userReg(off); ok {
			switch reg {
			case mmio.MailboxIRQStatusClrBase:
				m.irqRaw[u] &^= val
			case mmio.MailboxIRQEnableSetBase:
				m.irqEnable[u] |= val
			case mmio.MailboxIRQEnableClrBase:
				m.irqEnable[u] &^= val
			}
		}
	}

	m.updateLinesLocked()
}

// userReg decodes a per-user register offset into (user, base register).
func userReg(off uint32) (user int, reg uint32, ok bool) {
	if off < mmio.MailboxIRQStatusRawBase ||
		off >= mmio.MailboxIRQStatusRawBase+0x10*mmio.MailboxNumUsers {
		return 0, 0, false
	}
	rel := off - mmio.MailboxIRQStatusRawBase
	return int(rel / 0x10), mmio.MailboxIRQStatusRawBase + rel%0x10, true
}

// updateLinesLocked recomputes every user line level and delivers edges
// with the model unlocked so handlers may touch the mailbox registers.
func (m *Mailbox) updateLinesLocked() {
	type edge struct {
		line IRQLine
		high bool
	}
	var edges []edge
	for u := range m.lines {
		high := m.irqRaw[u]&m.irqEnable[u] != 0
		if high != m.lineState[u] {
			m.lineState[u] = high
			edges = append(edges, edge{m.lines[u], high})
		}
	}
	m.mu.Unlock()
	for _, e := range edges {
		e.line.SetLevel(e.high)
	}
}

// Pending reports how many words are queued in fifo m, for tests.
func (m *Mailbox) Pending(fifo int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fifos[fifo])
}
