package iommu

import (
	"errors"
	"testing"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/hwsim"
	"github.com/tinyrange/coproc/internal/mmio"
)

func newTestEngine() (*Engine, *hwsim.MMU) {
	hw := hwsim.NewMMU()
	e := New(hw, 0x9F000000)
	e.Enable()
	return e, hw
}

func TestChooseChunks(t *testing.T) {
	cases := []struct {
		name         string
		pa, va, size uint32
		want         []uint32
	}{
		{"Single4K", 0x80000000, 0x60000000, 0x1000, []uint32{PageSize4K}},
		{"Single1M", 0x80000000, 0x60000000, 0x100000, []uint32{PageSize1M}},
		{"Single16M", 0x81000000, 0x61000000, 0x1000000, []uint32{PageSize16M}},
		{"Mixed17M", 0x80000000, 0x60000000, 0x1100000,
			// Both addresses are 16M aligned, so the first chunk upgrades
			// to a supersection and the tail falls back to a section.
			[]uint32{PageSize16M, PageSize1M}},
		{"MisalignedPhys", 0x80010000, 0x60000000, 0x100000,
			[]uint32{PageSize64K, PageSize64K, PageSize64K, PageSize64K,
				PageSize64K, PageSize64K, PageSize64K, PageSize64K,
				PageSize64K, PageSize64K, PageSize64K, PageSize64K,
				PageSize64K, PageSize64K, PageSize64K, PageSize64K}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PageSpans(tc.pa, tc.va, tc.size)
			if len(got) != len(tc.want) {
				t.Fatalf("PageSpans(0x%x, 0x%x, 0x%x) = %d chunks, want %d",
					tc.pa, tc.va, tc.size, len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("chunk %d: got 0x%x, want 0x%x", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestChooseChunksMixedSections(t *testing.T) {
	// A 0x21_0000 mapping at 1M-aligned (not 16M-aligned) addresses:
	// no supersection fits, so two sections then one large page.
	spans := PageSpans(0x80200000, 0x60200000, 0x00210000)
	want := []uint32{PageSize1M, PageSize1M, PageSize64K}
	if len(spans) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(spans), len(want))
	}
	for i := range spans {
		if spans[i] != want[i] {
			t.Errorf("chunk %d: got 0x%x, want 0x%x", i, spans[i], want[i])
		}
	}
}

func TestMapErrors(t *testing.T) {
	e, _ := newTestEngine()

	t.Run("ZeroSize", func(t *testing.T) {
		err := e.Map(0x80000000, 0x60000000, 0, MapAttrs{ElemSize: Elem32})
		if !errors.Is(err, errkind.ErrInvalidArg) {
			t.Fatalf("got %v, want ErrInvalidArg", err)
		}
	})

	t.Run("Unaligned", func(t *testing.T) {
		err := e.Map(0x80000100, 0x60000000, 0x1000, MapAttrs{ElemSize: Elem32})
		if !errors.Is(err, errkind.ErrInvalidAlign) {
			t.Fatalf("got %v, want ErrInvalidAlign", err)
		}
	})

	t.Run("Overlap", func(t *testing.T) {
		if err := e.Map(0x80000000, 0x60000000, 0x100000, MapAttrs{ElemSize: Elem32}); err != nil {
			t.Fatalf("first map: %v", err)
		}
		err := e.Map(0x90000000, 0x60000000, 0x100000, MapAttrs{ElemSize: Elem32})
		if !errors.Is(err, errkind.ErrOverlap) {
			t.Fatalf("got %v, want ErrOverlap", err)
		}
	})

	t.Run("IdenticalRemapOk", func(t *testing.T) {
		if err := e.Map(0x80000000, 0x60000000, 0x100000, MapAttrs{ElemSize: Elem32}); err != nil {
			t.Fatalf("identical remap: %v", err)
		}
	})
}

func TestMapUnmapPageTables(t *testing.T) {
	e, _ := newTestEngine()

	if err := e.Map(0x80000000, 0x60000000, 0x100000, MapAttrs{ElemSize: Elem32}); err != nil {
		t.Fatalf("map: %v", err)
	}
	if pg, _ := e.pageAt(0x60000000); pg != PageSize1M {
		t.Fatalf("pageAt after map = 0x%x, want 1M", pg)
	}

	if err := e.Unmap(0x60000000, 0x100000); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if pg, _ := e.pageAt(0x60000000); pg != 0 {
		t.Fatalf("pageAt after unmap = 0x%x, want 0", pg)
	}

	t.Run("UnmapNotMapped", func(t *testing.T) {
		err := e.Unmap(0x70000000, 0x1000)
		if !errors.Is(err, errkind.ErrNotMapped) {
			t.Fatalf("got %v, want ErrNotMapped", err)
		}
	})

	t.Run("UnmapPartial", func(t *testing.T) {
		if err := e.Map(0x80000000, 0x60000000, 0x100000, MapAttrs{ElemSize: Elem32}); err != nil {
			t.Fatalf("map: %v", err)
		}
		err := e.Unmap(0x60000000, 0x1000)
		if !errors.Is(err, errkind.ErrPartialRange) {
			t.Fatalf("got %v, want ErrPartialRange", err)
		}
	})
}

func TestCoarsePageRecycling(t *testing.T) {
	e, _ := newTestEngine()

	// Two small pages in the same megabyte share one coarse page.
	if err := e.Map(0x80000000, 0x60000000, 0x1000, MapAttrs{ElemSize: Elem32}); err != nil {
		t.Fatalf("map a: %v", err)
	}
	if err := e.Map(0x80001000, 0x60001000, 0x1000, MapAttrs{ElemSize: Elem32}); err != nil {
		t.Fatalf("map b: %v", err)
	}

	inUse := 0
	for i := range e.l2 {
		if e.l2[i].inUse {
			inUse++
		}
	}
	if inUse != 1 {
		t.Fatalf("coarse pages in use = %d, want 1", inUse)
	}
	if e.l2[0].entries != 2 {
		t.Fatalf("live entries = %d, want 2", e.l2[0].entries)
	}

	// Removing the first keeps the page; removing the second frees it.
	if err := e.Unmap(0x60000000, 0x1000); err != nil {
		t.Fatalf("unmap a: %v", err)
	}
	if !e.l2[0].inUse || e.l2[0].entries != 1 {
		t.Fatalf("after first unmap: inUse=%t entries=%d", e.l2[0].inUse, e.l2[0].entries)
	}
	if err := e.Unmap(0x60001000, 0x1000); err != nil {
		t.Fatalf("unmap b: %v", err)
	}
	if e.l2[0].inUse {
		t.Fatal("coarse page still in use after final unmap")
	}
	if e.l1[0x60001000/PageSize1M] != 0 {
		t.Fatal("L1 descriptor survives an empty coarse page")
	}
}

func TestL2PoolExhaustion(t *testing.T) {
	e, _ := newTestEngine()

	// One small page per megabyte claims a fresh coarse page each time.
	for i := 0; i < NumL2; i++ {
		va := 0x60000000 + uint32(i)*PageSize1M
		if err := e.Map(0x80000000+uint32(i)*PageSize1M, va, 0x1000, MapAttrs{ElemSize: Elem32}); err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
	}
	err := e.Map(0x90000000, 0x60000000+NumL2*PageSize1M, 0x1000, MapAttrs{ElemSize: Elem32})
	if !errors.Is(err, errkind.ErrTableFull) {
		t.Fatalf("got %v, want ErrTableFull", err)
	}
}

func TestSaveRestoreContext(t *testing.T) {
	e, hw := newTestEngine()

	attrs := MapAttrs{ElemSize: Elem32, Preserved: true}
	if err := e.Map(0x80000000, 0x60000000, 0x100000, attrs); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := e.Map(0x80100000, 0x60100000, 0x1000, MapAttrs{ElemSize: Elem16, Preserved: true}); err != nil {
		t.Fatalf("map: %v", err)
	}

	before := hw.TLBWords()
	e.SaveContext()
	saved := e.SavedTLB()
	if len(saved) != 2 {
		t.Fatalf("saved %d TLB entries, want 2", len(saved))
	}
	if saved[0].DA != 0x60000000 || saved[0].PA != 0x80000000 || saved[0].PageSize != PageSize1M {
		t.Fatalf("entry 0 = %+v", saved[0])
	}
	if !saved[1].Preserved || saved[1].ElemSize != Elem16 {
		t.Fatalf("entry 1 = %+v", saved[1])
	}

	// Power the block off, then replay.
	hw.Write32(mmio.MMUSysconfig, 1)
	if err := e.RestoreContext(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	after := hw.TLBWords()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("TLB slot %d: before %08x/%08x after %08x/%08x",
				i, before[i][0], before[i][1], after[i][0], after[i][1])
		}
	}
	if hw.Read32(mmio.MMUCntl)&mmio.MMUEnable == 0 {
		t.Fatal("MMU not re-enabled after restore")
	}
}

func TestRestoreWithoutSave(t *testing.T) {
	e, _ := newTestEngine()
	if err := e.RestoreContext(); !errors.Is(err, errkind.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}
