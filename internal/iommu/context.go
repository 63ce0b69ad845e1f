package iommu

import (
	"fmt"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/mmio"
)

// camWord encodes the CAM half of a TLB entry.
func camWord(e TLBEntry) uint32 {
	w := e.DA & mmio.MMUCamVATagMask
	switch e.PageSize {
	case PageSize16M:
		w |= mmio.MMUCamPgsz16M
	case PageSize1M:
		w |= mmio.MMUCamPgsz1M
	case PageSize64K:
		w |= mmio.MMUCamPgsz64K
	default:
		w |= mmio.MMUCamPgsz4K
	}
	if e.Valid {
		w |= mmio.MMUCamValid
	}
	if e.Preserved {
		w |= mmio.MMUCamPreserved
	}
	return w
}

// ramWord encodes the RAM half of a TLB entry.
func ramWord(e TLBEntry) uint32 {
	w := e.PA & mmio.MMURamPAddrMask
	if e.BigEndian {
		w |= mmio.MMURamEndianBig
	}
	switch e.ElemSize {
	case Elem8:
		w |= mmio.MMURamElsz8
	case Elem16:
		w |= mmio.MMURamElsz16
	case Elem32:
		w |= mmio.MMURamElsz32
	default:
		w |= mmio.MMURamElszNone
	}
	if e.Mixed {
		w |= mmio.MMURamMixed
	}
	return w
}

// decodeTLB rebuilds a TLBEntry from its CAM/RAM words.
func decodeTLB(cam, ram uint32) TLBEntry {
	e := TLBEntry{
		DA:        cam & mmio.MMUCamVATagMask,
		PA:        ram & mmio.MMURamPAddrMask,
		Valid:     cam&mmio.MMUCamValid != 0,
		Preserved: cam&mmio.MMUCamPreserved != 0,
		BigEndian: ram&mmio.MMURamEndianBig != 0,
		Mixed:     ram&mmio.MMURamMixed != 0,
	}
	switch cam & mmio.MMUCamPgszMask {
	case mmio.MMUCamPgsz16M:
		e.PageSize = PageSize16M
	case mmio.MMUCamPgsz1M:
		e.PageSize = PageSize1M
	case mmio.MMUCamPgsz64K:
		e.PageSize = PageSize64K
	default:
		e.PageSize = PageSize4K
	}
	switch ram & mmio.MMURamElszMask {
	case mmio.MMURamElsz8:
		e.ElemSize = Elem8
	case mmio.MMURamElsz16:
		e.ElemSize = Elem16
	case mmio.MMURamElsz32:
		e.ElemSize = Elem32
	}
	return e
}

// loadEntry pushes one entry into the TLB at the given slot.
func (e *Engine) loadEntry(slot int, entry TLBEntry) {
	e.writeLock(e.locked, slot)
	e.regs.Write32(mmio.MMUCam, camWord(entry))
	e.regs.Write32(mmio.MMURam, ramWord(entry))
	e.regs.Write32(mmio.MMULdTLB, 1)
}

// pinChunk loads one preserved TLB entry for an installed chunk. Pinned
// entries grow the locked base; the victim pointer never reaches them.
func (e *Engine) pinChunk(c chunk, attrs MapAttrs) error {
	if e.locked >= mmio.MMUTLBSize {
		return fmt.Errorf("iommu: all %d TLB slots pinned: %w",
			mmio.MMUTLBSize, errkind.ErrTableFull)
	}
	entry := TLBEntry{
		DA:        c.va,
		PA:        c.pa,
		Valid:     true,
		Preserved: true,
		PageSize:  c.size,
		BigEndian: attrs.BigEndian,
		ElemSize:  attrs.ElemSize,
		Mixed:     attrs.Mixed,
	}
	e.loadEntry(e.locked, entry)
	e.locked++
	e.victim = e.locked
	e.writeLock(e.locked, e.victim)
	return nil
}

// SaveContext snapshots the MMU register file and reads back every valid
// TLB entry through the victim pointer, in slot order. The snapshot lives
// in the engine until RestoreContext replays it.
func (e *Engine) SaveContext() {
	for i := 0; i < mmio.MMURegCount; i++ {
		e.savedRegs[i] = e.regs.Read32(uint32(i) * 4)
	}

	e.savedTLB = e.savedTLB[:0]
	for slot := 0; slot < mmio.MMUTLBSize; slot++ {
		e.writeLock(e.locked, slot)
		cam := e.regs.Read32(mmio.MMUReadCam)
		ram := e.regs.Read32(mmio.MMUReadRam)
		entry := decodeTLB(cam, ram)
		if entry.Valid {
			e.savedTLB = append(e.savedTLB, entry)
		}
	}
	e.writeLock(e.locked, e.victim)
	e.savedValid = true
}

// RestoreContext replays the last snapshot: register words first, then
// the TLB entries in their saved order, then translation and table walk
// back on. Restoring with no snapshot is an error.
func (e *Engine) RestoreContext() error {
	if !e.savedValid {
		return fmt.Errorf("iommu: restore without a saved context: %w",
			errkind.ErrInvalidState)
	}

	e.regs.Write32(mmio.MMUSysconfig, e.savedRegs[mmio.MMUSysconfig/4])
	e.regs.Write32(mmio.MMUIRQEnable, e.savedRegs[mmio.MMUIRQEnable/4])
	e.regs.Write32(mmio.MMUTTB, e.savedRegs[mmio.MMUTTB/4])

	e.locked = 0
	for i, entry := range e.savedTLB {
		if i >= mmio.MMUTLBSize {
			break
		}
		e.loadEntry(i, entry)
		if entry.Preserved {
			e.locked++
		}
	}
	e.victim = len(e.savedTLB)
	if e.victim > mmio.MMUTLBSize-1 {
		e.victim = e.locked
	}
	e.writeLock(e.locked, e.victim)

	e.regs.Write32(mmio.MMUCntl, mmio.MMUEnable|mmio.MMUTWLEnable)
	return nil
}

// SavedTLB returns the entries captured by the last SaveContext, for the
// lifecycle layer's diagnostics and for tests.
func (e *Engine) SavedTLB() []TLBEntry {
	out := make([]TLBEntry, len(e.savedTLB))
	copy(out, e.savedTLB)
	return out
}
