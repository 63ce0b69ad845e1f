package rproc

import (
	"fmt"

	"github.com/tinyrange/coproc/internal/errkind"
)

// AddrNone marks an absent address in a table entry.
const AddrNone = ^uint64(0)

// Address-kind bits for Entry.MapMask.
const (
	MaskMasterKnlVirt = 1 << 0
	MaskMasterUsrVirt = 1 << 1
	MaskMasterPhys    = 1 << 2
	MaskSlaveVirt     = 1 << 3
	MaskSlavePhys     = 1 << 4
)

// Entry is one row of a remote's address translation table.
type Entry struct {
	MasterKnlVirt uint64
	MasterUsrVirt uint64
	MasterPhys    uint32
	SlaveVirt     uint32
	SlavePhys     uint32
	Size          uint32
	Cached        bool
	Mapped        bool
	MapMask       uint32
	RefCount      int

	static bool
}

func (e Entry) covers(sv uint32) bool {
	return e.MapMask&MaskSlaveVirt != 0 && sv >= e.SlaveVirt && sv-e.SlaveVirt < e.Size
}

func (e Entry) overlaps(sv, size uint32) bool {
	if e.MapMask&MaskSlaveVirt == 0 {
		return false
	}
	return sv < e.SlaveVirt+e.Size && e.SlaveVirt < sv+size
}

func (e Entry) sameRange(sv, mp, size uint32) bool {
	return e.SlaveVirt == sv && e.MasterPhys == mp && e.Size == size
}

// AddrTable is the per-remote translation table. Static entries come
// from the firmware's resource table at attach and never leave; dynamic
// entries are reference counted and disappear when the count hits zero.
type AddrTable struct {
	entries  []Entry
	capacity int
}

// NewAddrTable returns a table bounded at capacity entries.
func NewAddrTable(capacity int) *AddrTable {
	return &AddrTable{capacity: capacity}
}

// AddStatic appends a resource-table entry. Static rows keep RefCount 0
// and are exempt from the dynamic overlap rule.
func (t *AddrTable) AddStatic(e Entry) error {
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("rproc: address table at capacity %d: %w", t.capacity, errkind.ErrTableFull)
	}
	e.static = true
	e.RefCount = 0
	t.entries = append(t.entries, e)
	return nil
}

// AddDynamic inserts a mapped dynamic entry, or bumps the count of an
// identical live one. A different live mapping overlapping the slave
// range is an overlap error: within the dynamic region at most one
// mapped entry may cover any slave address.
func (t *AddrTable) AddDynamic(e Entry) error {
	for i := range t.entries {
		cur := &t.entries[i]
		if cur.static || !cur.Mapped {
			continue
		}
		if cur.sameRange(e.SlaveVirt, e.MasterPhys, e.Size) {
			cur.RefCount++
			return nil
		}
		if cur.overlaps(e.SlaveVirt, e.Size) {
			return fmt.Errorf("rproc: slave range 0x%08x+0x%x already mapped: %w",
				e.SlaveVirt, e.Size, errkind.ErrOverlap)
		}
	}
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("rproc: address table at capacity %d: %w", t.capacity, errkind.ErrTableFull)
	}
	e.static = false
	e.Mapped = true
	e.RefCount = 1
	t.entries = append(t.entries, e)
	return nil
}

// Release decrements every dynamic entry overlapping the range. Entries
// whose count reaches zero are removed and reported back so the caller
// can tear down their page tables. A range touching no dynamic entry is
// a NotMapped error; a range cutting into an entry is PartialRange.
func (t *AddrTable) Release(sv, size uint32) ([]Entry, error) {
	found := false
	for i := range t.entries {
		cur := &t.entries[i]
		if cur.static || !cur.Mapped || !cur.overlaps(sv, size) {
			continue
		}
		found = true
		if cur.SlaveVirt < sv || cur.SlaveVirt+cur.Size > sv+size {
			return nil, fmt.Errorf("rproc: unmap 0x%08x+0x%x cuts entry 0x%08x+0x%x: %w",
				sv, size, cur.SlaveVirt, cur.Size, errkind.ErrPartialRange)
		}
	}
	if !found {
		return nil, fmt.Errorf("rproc: unmap 0x%08x+0x%x: %w", sv, size, errkind.ErrNotMapped)
	}

	var removed []Entry
	kept := t.entries[:0]
	for _, cur := range t.entries {
		if cur.static || !cur.Mapped || !cur.overlaps(sv, size) {
			kept = append(kept, cur)
			continue
		}
		cur.RefCount--
		if cur.RefCount == 0 {
			cur.Mapped = false
			removed = append(removed, cur)
			continue
		}
		kept = append(kept, cur)
	}
	t.entries = kept
	return removed, nil
}

// Translate scans for the entry covering sv and returns the translated
// master physical address.
func (t *AddrTable) Translate(sv uint32) (uint32, error) {
	for i := range t.entries {
		cur := &t.entries[i]
		if cur.MapMask&MaskMasterPhys == 0 {
			continue
		}
		if !cur.static && !cur.Mapped {
			continue
		}
		if cur.covers(sv) {
			return cur.MasterPhys + (sv - cur.SlaveVirt), nil
		}
	}
	return 0, fmt.Errorf("rproc: no mapping covers 0x%08x: %w", sv, errkind.ErrNotMapped)
}

// ClearDynamic drops every dynamic entry, returning the live ones for
// page-table teardown. Static entries survive.
func (t *AddrTable) ClearDynamic() []Entry {
	var removed []Entry
	kept := t.entries[:0]
	for _, cur := range t.entries {
		if cur.static {
			kept = append(kept, cur)
			continue
		}
		if cur.Mapped {
			removed = append(removed, cur)
		}
	}
	t.entries = kept
	return removed
}

// Len reports the current row count, for tests.
func (t *AddrTable) Len() int { return len(t.entries) }
