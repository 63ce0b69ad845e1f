// Package iommu drives the slave L2 MMU of a remote core: it builds the
// two-level page tables the hardware walks, loads and pins TLB entries,
// and snapshots the whole translation state across power transitions.
package iommu

import (
	"fmt"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/mmio"
)

// Supported page sizes, largest first as the chooser considers them.
const (
	PageSize16M = 0x1000000
	PageSize1M  = 0x100000
	PageSize64K = 0x10000
	PageSize4K  = 0x1000
)

var pageSizes = [...]uint32{PageSize16M, PageSize1M, PageSize64K, PageSize4K}

// Element sizes selectable per mapping.
const (
	Elem8  = 8
	Elem16 = 16
	Elem32 = 32
	Elem64 = 64
)

// MapAttrs selects the access attributes of a mapping.
type MapAttrs struct {
	ElemSize  int // 8, 16, 32 or 64
	BigEndian bool
	Mixed     bool
	Cached    bool

	// Preserved additionally pins the mapping's TLB entries so the victim
	// pointer never evicts them.
	Preserved bool
}

// TLBEntry is one decoded hardware TLB slot.
type TLBEntry struct {
	DA        uint32
	PA        uint32
	Valid     bool
	Preserved bool
	PageSize  uint32
	BigEndian bool
	ElemSize  int
	Mixed     bool
}

// Table geometry.
const (
	l1Entries = 4096 // 16 KiB of 32-bit descriptors
	l2Entries = 256  // one coarse page: 1 KiB of 32-bit descriptors

	// NumL2 is the size of the preallocated coarse-page pool.
	NumL2 = 32
)

// Descriptor type bits.
const (
	l1TypeCoarse   = 0x1
	l1TypeSection  = 0x2
	l1Supersection = 1 << 18

	l2TypeLarge = 0x1
	l2TypeSmall = 0x2

	// Cacheable/bufferable attribute bits shared by section and small
	// page descriptors.
	descCacheable  = 1 << 3
	descBufferable = 1 << 2
)

type l2Page struct {
	table   [l2Entries]uint32
	entries int // live (non-zero) descriptor count
	l1Slot  int // owning L1 slot while in use
	inUse   bool
}

// Engine owns one remote core's translation state: the register block,
// the in-memory L1/L2 tables, and the saved context used across power
// gating. Callers serialize access; the engine holds no lock of its own.
type Engine struct {
	regs mmio.Block

	// tableBase is the slave-physical placement of the L1 table; the
	// coarse-page pool follows it. It seeds TTB and coarse descriptors.
	tableBase uint32

	l1 [l1Entries]uint32
	l2 [NumL2]l2Page

	victim int // next non-preserved TLB slot, round-robin
	locked int // preserved entries pinned at the base of the TLB

	savedRegs  [mmio.MMURegCount]uint32
	savedTLB   []TLBEntry
	savedValid bool
}

// New returns an engine over the given MMU register block. tableBase is
// the physical placement of the page tables inside the remote's carveout.
func New(regs mmio.Block, tableBase uint32) *Engine {
	return &Engine{regs: regs, tableBase: tableBase}
}

// Enable programs the table base and turns on translation and the
// hardware table walker.
func (e *Engine) Enable() {
	e.regs.Write32(mmio.MMUSysconfig, mmio.MMUSmartIdle)
	e.regs.Write32(mmio.MMUTTB, e.tableBase)
	e.regs.Write32(mmio.MMUIRQEnable, mmio.MMUIRQTLBMiss|mmio.MMUIRQTableWalk)
	e.regs.Write32(mmio.MMUCntl, mmio.MMUEnable|mmio.MMUTWLEnable)
}

// Disable turns translation off and flushes the TLB.
func (e *Engine) Disable() {
	e.regs.Write32(mmio.MMUCntl, 0)
	e.flush()
}

// chunk is one page-table entry the chooser decided to emit.
type chunk struct {
	pa, va, size uint32
}

// chooseChunks splits a mapping into hardware pages: the largest size
// that fits the remaining length and the alignment of both addresses,
// repeated until the range is covered.
func chooseChunks(pa, va, size uint32) []chunk {
	var out []chunk
	for size > 0 {
		var pg uint32
		for _, s := range pageSizes {
			if size >= s && pa%s == 0 && va%s == 0 {
				pg = s
				break
			}
		}
		out = append(out, chunk{pa: pa, va: va, size: pg})
		pa += pg
		va += pg
		size -= pg
	}
	return out
}

func pageAligned(v uint32) bool { return v%PageSize4K == 0 }

// Map installs a translation from slaveVirt to mpuPhys for size bytes.
// Both addresses and the size must be 4 KiB aligned; the chooser upgrades
// to 64 KiB, 1 MiB and 16 MiB pages wherever alignment permits. Remapping
// a byte already covered by a non-identical entry fails with ErrOverlap.
func (e *Engine) Map(mpuPhys, slaveVirt, size uint32, attrs MapAttrs) error {
	if size == 0 {
		return fmt.Errorf("iommu: zero-length mapping: %w", errkind.ErrInvalidArg)
	}
	if !pageAligned(mpuPhys) || !pageAligned(slaveVirt) || !pageAligned(size) {
		return fmt.Errorf("iommu: map 0x%08x->0x%08x+0x%x not page aligned: %w",
			slaveVirt, mpuPhys, size, errkind.ErrInvalidAlign)
	}
	if slaveVirt+size < slaveVirt {
		return fmt.Errorf("iommu: map wraps the address space: %w", errkind.ErrInvalidArg)
	}

	chunks := chooseChunks(mpuPhys, slaveVirt, size)

	// Verify first, install second, so a failure leaves no partial state.
	if err := e.checkChunks(chunks, attrs); err != nil {
		return err
	}
	if attrs.Preserved && e.locked+len(chunks) > mmio.MMUTLBSize {
		return fmt.Errorf("iommu: %d TLB slots pinned, %d more requested: %w",
			e.locked, len(chunks), errkind.ErrTableFull)
	}
	for _, c := range chunks {
		e.installChunk(c, attrs)
	}
	if attrs.Preserved {
		for _, c := range chunks {
			if err := e.pinChunk(c, attrs); err != nil {
				return err
			}
		}
	}
	e.flush()
	return nil
}

// checkChunks verifies every descriptor slot a mapping needs is either
// free or already holds the identical descriptor, and that the coarse
// pool can supply any new L2 pages.
func (e *Engine) checkChunks(chunks []chunk, attrs MapAttrs) error {
	l2Needed := 0
	claimed := make(map[int]bool) // L1 slots given a coarse page within this call
	for _, c := range chunks {
		slot := int(c.va / PageSize1M)
		switch c.size {
		case PageSize16M, PageSize1M:
			want := sectionDescriptor(c, attrs)
			n := int(c.size / PageSize1M)
			for i := 0; i < n; i++ {
				if cur := e.l1[slot+i]; cur != 0 && cur != want {
					return fmt.Errorf("iommu: va 0x%08x already mapped: %w",
						c.va+uint32(i)*PageSize1M, errkind.ErrOverlap)
				}
			}
		default:
			switch e.l1[slot] & 0x3 {
			case 0:
				if !claimed[slot] {
					claimed[slot] = true
					l2Needed++
				}
			case l1TypeCoarse:
				page := e.findCoarse(slot)
				if page == nil {
					return fmt.Errorf("iommu: L1 slot %d points at no pool page: %w",
						slot, errkind.ErrInvalidState)
				}
				if err := checkL2Chunk(page, c, attrs); err != nil {
					return err
				}
			default:
				return fmt.Errorf("iommu: va 0x%08x covered by a section: %w",
					c.va, errkind.ErrOverlap)
			}
		}
	}

	free := 0
	for i := range e.l2 {
		if !e.l2[i].inUse {
			free++
		}
	}
	if l2Needed > free {
		return fmt.Errorf("iommu: coarse-page pool exhausted (%d free, %d needed): %w",
			free, l2Needed, errkind.ErrTableFull)
	}
	return nil
}

func checkL2Chunk(page *l2Page, c chunk, attrs MapAttrs) error {
	idx := int(c.va % PageSize1M / PageSize4K)
	want := l2Descriptor(c, attrs)
	n := 1
	if c.size == PageSize64K {
		n = 16
	}
	for i := 0; i < n; i++ {
		if cur := page.table[idx+i]; cur != 0 && cur != want {
			return fmt.Errorf("iommu: va 0x%08x already mapped: %w",
				c.va+uint32(i)*PageSize4K, errkind.ErrOverlap)
		}
	}
	return nil
}

// sectionDescriptor encodes the L1 word for a section or supersection.
func sectionDescriptor(c chunk, attrs MapAttrs) uint32 {
	var attr uint32
	if attrs.Cached {
		attr = descCacheable | descBufferable
	}
	if c.size == PageSize16M {
		return (c.pa & 0xFF000000) | l1Supersection | attr | l1TypeSection
	}
	return (c.pa & 0xFFF00000) | attr | l1TypeSection
}

// l2Descriptor encodes the L2 word for a small or large page.
func l2Descriptor(c chunk, attrs MapAttrs) uint32 {
	var attr uint32
	if attrs.Cached {
		attr = descCacheable | descBufferable
	}
	if c.size == PageSize64K {
		return (c.pa & 0xFFFF0000) | attr | l2TypeLarge
	}
	return (c.pa & 0xFFFFF000) | attr | l2TypeSmall
}

func (e *Engine) installChunk(c chunk, attrs MapAttrs) {
	slot := int(c.va / PageSize1M)
	switch c.size {
	case PageSize16M:
		// A supersection occupies sixteen identical L1 slots.
		d := sectionDescriptor(c, attrs)
		for i := 0; i < 16; i++ {
			e.l1[slot+i] = d
		}
	case PageSize1M:
		e.l1[slot] = sectionDescriptor(c, attrs)
	default:
		page := e.coarseFor(slot)
		idx := int(c.va % PageSize1M / PageSize4K)
		d := l2Descriptor(c, attrs)
		n := 1
		if c.size == PageSize64K {
			n = 16
		}
		for i := 0; i < n; i++ {
			if page.table[idx+i] == 0 {
				page.entries++
			}
			page.table[idx+i] = d
		}
	}
}

// coarseFor returns the L2 page backing the given L1 slot, claiming a
// pool page and pointing the L1 descriptor at it on first use.
func (e *Engine) coarseFor(slot int) *l2Page {
	if e.l1[slot]&0x3 == l1TypeCoarse {
		if page := e.findCoarse(slot); page != nil {
			return page
		}
	}
	for i := range e.l2 {
		if e.l2[i].inUse {
			continue
		}
		p := &e.l2[i]
		*p = l2Page{inUse: true, l1Slot: slot}
		e.l1[slot] = e.l2Base(i) | l1TypeCoarse
		return p
	}
	// checkChunks guarantees pool capacity before install runs.
	panic("iommu: coarse-page pool exhausted after capacity check")
}

func (e *Engine) findCoarse(slot int) *l2Page {
	for i := range e.l2 {
		if e.l2[i].inUse && e.l2[i].l1Slot == slot {
			return &e.l2[i]
		}
	}
	return nil
}

// l2Base is the physical placement of pool page i: coarse pages follow
// the 16 KiB L1 table.
func (e *Engine) l2Base(i int) uint32 {
	return e.tableBase + l1Entries*4 + uint32(i)*l2Entries*4
}

// Unmap removes the translation covering [slaveVirt, slaveVirt+size).
// The range must cover whole installed pages; cutting into a section or
// large page fails with ErrPartialRange, and a range with no live
// descriptor fails with ErrNotMapped.
func (e *Engine) Unmap(slaveVirt, size uint32) error {
	if size == 0 || !pageAligned(slaveVirt) || !pageAligned(size) {
		return fmt.Errorf("iommu: unmap 0x%08x+0x%x not page aligned: %w",
			slaveVirt, size, errkind.ErrInvalidArg)
	}

	// First pass verifies the range covers whole pages only.
	va := slaveVirt
	end := slaveVirt + size
	found := false
	for va < end {
		pg, err := e.pageAt(va)
		if err != nil {
			return err
		}
		if pg == 0 {
			va += PageSize4K
			continue
		}
		found = true
		if va%pg != 0 || va+pg > end {
			return fmt.Errorf("iommu: unmap 0x%08x+0x%x splits a 0x%x page: %w",
				slaveVirt, size, pg, errkind.ErrPartialRange)
		}
		va += pg
	}
	if !found {
		return fmt.Errorf("iommu: unmap 0x%08x+0x%x: %w",
			slaveVirt, size, errkind.ErrNotMapped)
	}

	for va = slaveVirt; va < end; {
		pg, _ := e.pageAt(va)
		if pg == 0 {
			va += PageSize4K
			continue
		}
		e.clearPage(va, pg)
		va += pg
	}
	e.flush()
	return nil
}

// pageAt reports the installed page size covering va, or 0 when the
// address has no descriptor.
func (e *Engine) pageAt(va uint32) (uint32, error) {
	slot := int(va / PageSize1M)
	d := e.l1[slot]
	switch d & 0x3 {
	case l1TypeSection:
		if d&l1Supersection != 0 {
			return PageSize16M, nil
		}
		return PageSize1M, nil
	case l1TypeCoarse:
		page := e.findCoarse(slot)
		if page == nil {
			return 0, fmt.Errorf("iommu: L1 slot %d points at no pool page: %w",
				slot, errkind.ErrInvalidState)
		}
		idx := int(va % PageSize1M / PageSize4K)
		switch page.table[idx] & 0x3 {
		case l2TypeLarge:
			return PageSize64K, nil
		case l2TypeSmall:
			return PageSize4K, nil
		}
	}
	return 0, nil
}

// clearPage drops the descriptor(s) of one installed page and recycles
// the coarse page once its live count reaches zero.
func (e *Engine) clearPage(va, pg uint32) {
	slot := int(va / PageSize1M)
	switch pg {
	case PageSize16M:
		for i := 0; i < 16; i++ {
			e.l1[slot+i] = 0
		}
	case PageSize1M:
		e.l1[slot] = 0
	default:
		page := e.findCoarse(slot)
		if page == nil {
			return
		}
		idx := int(va % PageSize1M / PageSize4K)
		n := 1
		if pg == PageSize64K {
			n = 16
		}
		for i := 0; i < n; i++ {
			if page.table[idx+i] != 0 {
				page.entries--
			}
			page.table[idx+i] = 0
		}
		if page.entries == 0 {
			page.inUse = false
			e.l1[slot] = 0
		}
	}
}

// PageSpans returns the page sizes the chooser would emit for a mapping,
// in order. Exposed for the lifecycle layer's diagnostics and for tests.
func PageSpans(mpuPhys, slaveVirt, size uint32) []uint32 {
	chunks := chooseChunks(mpuPhys, slaveVirt, size)
	out := make([]uint32, len(chunks))
	for i, c := range chunks {
		out[i] = c.size
	}
	return out
}

// flush invalidates every non-preserved TLB entry and resets the victim
// pointer just above the pinned set. It is the last step of every table
// mutation.
func (e *Engine) flush() {
	e.regs.Write32(mmio.MMUGFlush, 1)
	e.victim = e.locked
	e.writeLock(e.locked, e.victim)
}

func (e *Engine) writeLock(base, victim int) {
	e.regs.Write32(mmio.MMULock,
		uint32(base)<<mmio.MMULockBaseShift|uint32(victim)<<mmio.MMULockVictShift)
}
