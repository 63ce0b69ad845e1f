package rproc

import (
	"errors"
	"testing"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/gpt"
	"github.com/tinyrange/coproc/internal/hwsim"
	"github.com/tinyrange/coproc/internal/iommu"
	"github.com/tinyrange/coproc/internal/mmio"
	"github.com/tinyrange/coproc/internal/prcm"
)

type fakeImage struct {
	maps  []Mapping
	entry uint32
	flag  uint32
}

func (f *fakeImage) Mappings() []Mapping    { return f.maps }
func (f *fakeImage) EntryPoint() uint32     { return f.entry }
func (f *fakeImage) SuspendFlagAddr() uint32 { return f.flag }

type testRig struct {
	ctrl  *hwsim.RegFile
	mmuHW *hwsim.MMU
	power *prcm.Coordinator
	wdog  *gpt.Timer
	gptHW *hwsim.GPT
}

func newRig() *testRig {
	gptHW := hwsim.NewGPT()
	return &testRig{
		ctrl:  hwsim.NewRegFile(),
		mmuHW: hwsim.NewMMU(),
		power: prcm.New(hwsim.NewPRCM(), nil),
		wdog:  gpt.New(gptHW),
		gptHW: gptHW,
	}
}

func defaultImage() *fakeImage {
	return &fakeImage{
		entry: 0x8E000000,
		flag:  0x60800000,
		maps: []Mapping{
			// Trace buffer: table only, no MMU programming.
			{MasterPhys: 0x9F100000, SlaveVirt: 0x9F000000, Size: 0x100000,
				MapMask: MaskMasterPhys | MaskSlaveVirt},
			// Code and data: programmed at start.
			{MasterPhys: 0x8E000000, SlaveVirt: 0x20000000, Size: 0x200000,
				MapMask: MaskMasterPhys | MaskSlaveVirt, RequiresMapping: true},
		},
	}
}

func attachDefault(t *testing.T, rig *testRig) *Processor {
	t.Helper()
	p, err := Attach(0, Params{Name: "dsp", Mode: Boot, MMUEnable: true},
		defaultImage(), NewDspCore(rig.ctrl), rig.power,
		iommu.New(rig.mmuHW, 0x9F000000), rig.wdog)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return p
}

func TestAttachPopulatesTables(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)

	if p.State() != Loaded {
		t.Fatalf("state = %s, want loaded", p.State())
	}
	// The table-only entry translates immediately.
	pa, err := p.Translate(0x9F001000)
	if err != nil {
		t.Fatalf("translate static: %v", err)
	}
	if pa != 0x9F101000 {
		t.Fatalf("static translate = 0x%08x, want 0x9F101000", pa)
	}
	// The deferred entry is surfaced, not yet live.
	entries := p.MemEntries()
	if len(entries) != 1 || entries[0].SlaveVirt != 0x20000000 {
		t.Fatalf("mem entries = %+v", entries)
	}
	if _, err := p.Translate(0x20000000); !errors.Is(err, errkind.ErrNotMapped) {
		t.Fatalf("deferred entry already translates: %v", err)
	}

	// Power domains hold one reference each, CPU held in reset.
	for _, d := range []prcm.Domain{prcm.IVA, prcm.IVASeq0, prcm.IVASeq1, prcm.DSP} {
		if got := rig.power.Count(d); got != 1 {
			t.Errorf("domain %s count = %d, want 1", d, got)
		}
	}
	if rig.ctrl.Read32(mmio.CoreRstCtrl)&mmio.CoreRstCPU == 0 {
		t.Fatal("CPU not held in reset after attach")
	}
}

func TestStartProgramsAndReleases(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)

	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.State() != Running {
		t.Fatalf("state = %s, want running", p.State())
	}
	if rig.ctrl.Read32(mmio.CoreBootAddr) != 0x8E000000 {
		t.Fatal("boot vector not written")
	}
	if rig.ctrl.Read32(mmio.CoreRstCtrl)&mmio.CoreRstCPU != 0 {
		t.Fatal("CPU still in reset after start")
	}
	pa, err := p.Translate(0x20001000)
	if err != nil || pa != 0x8E001000 {
		t.Fatalf("translate after start = 0x%08x (%v), want 0x8E001000", pa, err)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A 1 MiB dynamic region.
	if err := p.Map(0x80000000, 0x60000000, 0x100000, iommu.MapAttrs{ElemSize: iommu.Elem32}); err != nil {
		t.Fatalf("map: %v", err)
	}
	pa, err := p.Translate(0x60081234)
	if err != nil || pa != 0x80081234 {
		t.Fatalf("translate = 0x%08x (%v), want 0x80081234", pa, err)
	}

	if err := p.Unmap(0x60000000, 0x100000); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, err := p.Translate(0x60081234); !errors.Is(err, errkind.ErrNotMapped) {
		t.Fatalf("translate after unmap: %v", err)
	}
}

func TestMapRefcounting(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	attrs := iommu.MapAttrs{ElemSize: iommu.Elem32}
	if err := p.Map(0x80000000, 0x60000000, 0x100000, attrs); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if err := p.Map(0x80000000, 0x60000000, 0x100000, attrs); err != nil {
		t.Fatalf("identical second map: %v", err)
	}

	// Different mapping over the same range is an overlap.
	err := p.Map(0x90000000, 0x60000000, 0x100000, attrs)
	if !errors.Is(err, errkind.ErrOverlap) {
		t.Fatalf("got %v, want ErrOverlap", err)
	}

	// Two references: the first unmap keeps the translation alive.
	if err := p.Unmap(0x60000000, 0x100000); err != nil {
		t.Fatalf("first unmap: %v", err)
	}
	if pa, err := p.Translate(0x60000000); err != nil || pa != 0x80000000 {
		t.Fatalf("translation gone after first of two unmaps: 0x%08x (%v)", pa, err)
	}
	if err := p.Unmap(0x60000000, 0x100000); err != nil {
		t.Fatalf("second unmap: %v", err)
	}
	if _, err := p.Translate(0x60000000); !errors.Is(err, errkind.ErrNotMapped) {
		t.Fatalf("translate after final unmap: %v", err)
	}
}

func TestSuspendResumePreservesMappings(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	attrs := iommu.MapAttrs{ElemSize: iommu.Elem32, Preserved: true}
	if err := p.Map(0x80000000, 0x60000000, 0x100000, attrs); err != nil {
		t.Fatalf("map: %v", err)
	}

	tlbBefore := rig.mmuHW.TLBWords()
	if err := p.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if p.State() != Suspended {
		t.Fatalf("state = %s, want suspended", p.State())
	}
	if rig.ctrl.Read32(mmio.CoreRstCtrl)&mmio.CoreRstCPU == 0 {
		t.Fatal("CPU not in reset while suspended")
	}

	// The power transition wipes the MMU block.
	rig.mmuHW.Write32(mmio.MMUSysconfig, 1)

	if err := p.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if p.State() != Running {
		t.Fatalf("state = %s, want running", p.State())
	}
	pa, err := p.Translate(0x60081234)
	if err != nil || pa != 0x80081234 {
		t.Fatalf("translate after resume = 0x%08x (%v)", pa, err)
	}
	tlbAfter := rig.mmuHW.TLBWords()
	if tlbBefore != tlbAfter {
		t.Fatal("hardware TLB differs from pre-suspend state")
	}
}

func TestDetachReleasesPower(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if p.State() != Unknown {
		t.Fatalf("state = %s, want unknown", p.State())
	}
	for _, d := range []prcm.Domain{prcm.IVA, prcm.IVASeq0, prcm.IVASeq1, prcm.DSP} {
		if got := rig.power.Count(d); got != 0 {
			t.Errorf("domain %s count = %d after detach, want 0", d, got)
		}
	}
}

func TestAttachDetachAttach(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)
	if err := p.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	p2 := attachDefault(t, rig)
	if p2.State() != Loaded {
		t.Fatalf("second attach state = %s, want loaded", p2.State())
	}
	pa, err := p2.Translate(0x9F001000)
	if err != nil || pa != 0x9F101000 {
		t.Fatalf("second attach translate = 0x%08x (%v)", pa, err)
	}
	if got := rig.power.Count(prcm.DSP); got != 1 {
		t.Fatalf("dsp domain count = %d, want 1", got)
	}
}

func TestWatchdogTransition(t *testing.T) {
	rig := newRig()
	p := attachDefault(t, rig)

	// Only a running core can trip the watchdog.
	if p.MarkWatchdog() {
		t.Fatal("watchdog tripped a loaded core")
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !p.MarkWatchdog() {
		t.Fatal("watchdog did not trip a running core")
	}
	if p.State() != Watchdog {
		t.Fatalf("state = %s, want watchdog", p.State())
	}

	// Recovery is stop + start.
	if err := p.Start(); !errors.Is(err, errkind.ErrInvalidState) {
		t.Fatalf("start from watchdog: got %v, want ErrInvalidState", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if p.State() != Running {
		t.Fatalf("state = %s, want running", p.State())
	}
}

func TestTranslateIdentityFallback(t *testing.T) {
	rig := newRig()
	p, err := Attach(1, Params{Name: "ipu1", Mode: NoLoadNoPwr, MMUEnable: false},
		&fakeImage{entry: 0}, NewIpu1Core(rig.ctrl), rig.power, nil, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	pa, err := p.Translate(0x12345000)
	if err != nil || pa != 0x12345000 {
		t.Fatalf("identity translate = 0x%08x (%v)", pa, err)
	}
}

func TestAttachTableFull(t *testing.T) {
	rig := newRig()
	img := &fakeImage{entry: 0x1000}
	for i := 0; i < 8; i++ {
		img.maps = append(img.maps, Mapping{
			MasterPhys: uint32(0x80000000 + i*0x1000),
			SlaveVirt:  uint32(0x60000000 + i*0x1000),
			Size:       0x1000,
			MapMask:    MaskMasterPhys | MaskSlaveVirt,
		})
	}
	_, err := Attach(0, Params{Name: "dsp", Mode: NoLoadNoPwr, TableCapacity: 4},
		img, NewDspCore(rig.ctrl), rig.power, nil, nil)
	if !errors.Is(err, errkind.ErrTableFull) {
		t.Fatalf("got %v, want ErrTableFull", err)
	}
}
