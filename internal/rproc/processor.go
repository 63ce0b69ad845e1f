// Package rproc runs the lifecycle of one remote processor: attach,
// address-table and MMU programming, reset release, suspend/resume, and
// teardown. The hardware specifics of each core family sit behind the
// Core capability set; the state machine itself is family-agnostic.
package rproc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/gpt"
	"github.com/tinyrange/coproc/internal/iommu"
	"github.com/tinyrange/coproc/internal/prcm"
)

// State is the lifecycle state of a remote processor.
type State int

const (
	Unknown State = iota
	Loaded
	Running
	Suspended
	Watchdog
	Stopped
)

var stateNames = [...]string{"unknown", "loaded", "running", "suspended", "watchdog", "stopped"}

// String returns the state's lower-case name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// BootMode selects how much of the bring-up the host performs.
type BootMode int

const (
	// Boot loads firmware and starts the core.
	Boot BootMode = iota
	// NoLoadPwr powers a core whose firmware is already in place.
	NoLoadPwr
	// NoLoadNoPwr attaches without touching power or the MMU.
	NoLoadNoPwr
)

// programsMMU reports whether the mode performs MMU programming.
func (m BootMode) programsMMU() bool { return m == Boot || m == NoLoadPwr }

// Mapping is one record derived from the firmware's resource table.
type Mapping struct {
	MasterPhys      uint32
	SlaveVirt       uint32
	Size            uint32
	Cached          bool
	MapMask         uint32
	RequiresMapping bool
}

// FirmwareImage is the external loader's view of a parsed image: the
// address map it wants, the entry point, and where the firmware
// publishes its idle flag.
type FirmwareImage interface {
	Mappings() []Mapping
	EntryPoint() uint32
	SuspendFlagAddr() uint32
}

// Params configures one remote at attach.
type Params struct {
	Name      string
	Mode      BootMode
	MMUEnable bool

	// TableCapacity bounds the address table; zero selects the default.
	TableCapacity int

	// PageTableBase places the MMU page tables in the remote's carveout.
	PageTableBase uint32
}

// defaultTableCapacity matches the static region plus a comfortable
// dynamic headroom.
const defaultTableCapacity = 64

// Processor is one attached remote core.
type Processor struct {
	mu sync.Mutex

	id    int
	name  string
	state State
	mode  BootMode

	core  Core
	power *prcm.Coordinator
	wdog  *gpt.Timer

	mmuEnable bool
	mmu       *iommu.Engine
	table     *AddrTable

	entryPoint      uint32
	suspendFlagAddr uint32
	memEntries      []Mapping

	powerRefs []*prcm.Handle
}

// Attach creates the processor for id: resource-table entries that need
// no MMU programming go straight into the static address table, the rest
// are kept as MemEntries for the caller to map at start, and (in the
// powered modes) the core's domains come up and the MMU leaves reset.
// A failure rolls everything back and leaves nothing attached.
func Attach(id int, params Params, fw FirmwareImage, core Core, power *prcm.Coordinator,
	mmu *iommu.Engine, wdog *gpt.Timer) (*Processor, error) {
	if core == nil || fw == nil {
		return nil, fmt.Errorf("rproc: attach %d with nil core or firmware: %w",
			id, errkind.ErrInvalidArg)
	}
	if params.MMUEnable && mmu == nil {
		return nil, fmt.Errorf("rproc: attach %d wants the MMU with no engine: %w",
			id, errkind.ErrInvalidArg)
	}

	capacity := params.TableCapacity
	if capacity == 0 {
		capacity = defaultTableCapacity
	}

	p := &Processor{
		id:              id,
		name:            params.Name,
		state:           Unknown,
		mode:            params.Mode,
		core:            core,
		power:           power,
		wdog:            wdog,
		mmuEnable:       params.MMUEnable,
		mmu:             mmu,
		table:           NewAddrTable(capacity),
		entryPoint:      fw.EntryPoint(),
		suspendFlagAddr: fw.SuspendFlagAddr(),
	}

	for _, m := range fw.Mappings() {
		if m.RequiresMapping {
			p.memEntries = append(p.memEntries, m)
			continue
		}
		err := p.table.AddStatic(Entry{
			MasterPhys: m.MasterPhys,
			SlaveVirt:  m.SlaveVirt,
			Size:       m.Size,
			Cached:     m.Cached,
			MapMask:    m.MapMask,
		})
		if err != nil {
			return nil, fmt.Errorf("rproc: attach %s: %w", params.Name, err)
		}
	}

	if params.Mode.programsMMU() {
		if err := p.powerUp(); err != nil {
			return nil, fmt.Errorf("rproc: attach %s: %w", params.Name, err)
		}
		if params.MMUEnable {
			core.ReleaseMMUReset()
			mmu.Enable()
		}
	}

	p.core.AssertCPUReset()
	p.state = Loaded
	slog.Info("rproc: attached", "proc", p.name, "id", id, "mode", int(params.Mode))
	return p, nil
}

// powerUp takes one reference on each of the core's domains, rolling
// back the ones already taken if any enable fails.
func (p *Processor) powerUp() error {
	if p.power == nil {
		return nil
	}
	for _, d := range p.core.Domains() {
		h, err := p.power.Enable(d)
		if err != nil {
			p.powerDown()
			return err
		}
		p.powerRefs = append(p.powerRefs, h)
	}
	return nil
}

func (p *Processor) powerDown() {
	for i := len(p.powerRefs) - 1; i >= 0; i-- {
		if err := p.powerRefs[i].Release(); err != nil {
			slog.Warn("rproc: power release failed", "proc", p.name, "err", err)
		}
	}
	p.powerRefs = nil
}

// ID returns the processor id.
func (p *Processor) ID() int { return p.id }

// Name returns the human-readable name.
func (p *Processor) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MemEntries returns the resource-table mappings that need Map calls
// before the core starts.
func (p *Processor) MemEntries() []Mapping {
	out := make([]Mapping, len(p.memEntries))
	copy(out, p.memEntries)
	return out
}

// SuspendFlagAddr returns the slave address of the firmware's idle flag.
func (p *Processor) SuspendFlagAddr() uint32 { return p.suspendFlagAddr }

// Start writes the boot vector, programs every collected mapping, and
// releases the core from reset. A mapping failure surfaces immediately
// and leaves the core in reset with the MMU configured, still Loaded.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Loaded && p.state != Stopped {
		return fmt.Errorf("rproc: start %s in state %s: %w", p.name, p.state, errkind.ErrInvalidState)
	}

	p.core.SetBoot(p.entryPoint)

	if p.mmuEnable {
		// A restart after Stop finds translation disabled.
		p.mmu.Enable()
		for _, m := range p.memEntries {
			if err := p.mapLocked(m.MasterPhys, m.SlaveVirt, m.Size, iommu.MapAttrs{
				ElemSize: iommu.Elem32,
				Cached:   m.Cached,
			}); err != nil {
				return fmt.Errorf("rproc: start %s: map 0x%08x: %w", p.name, m.SlaveVirt, err)
			}
		}
	}

	p.core.ReleaseCPUReset()
	p.state = Running
	slog.Info("rproc: started", "proc", p.name, "entry", fmt.Sprintf("0x%08x", p.entryPoint))
	return nil
}

// Stop pulls the core into reset and tears the MMU down.
func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Running && p.state != Watchdog && p.state != Suspended {
		return fmt.Errorf("rproc: stop %s in state %s: %w", p.name, p.state, errkind.ErrInvalidState)
	}

	p.core.AssertCPUReset()
	if p.mmuEnable {
		p.destroyPageTablesLocked()
	}
	p.state = Stopped
	slog.Info("rproc: stopped", "proc", p.name)
	return nil
}

// destroyPageTablesLocked unwinds every dynamic mapping and disables
// translation.
func (p *Processor) destroyPageTablesLocked() {
	for _, e := range p.table.ClearDynamic() {
		if err := p.mmu.Unmap(e.SlaveVirt, e.Size); err != nil {
			slog.Warn("rproc: teardown unmap failed",
				"proc", p.name, "slave", fmt.Sprintf("0x%08x", e.SlaveVirt), "err", err)
		}
	}
	p.mmu.Disable()
}

// Suspend quiesces a running core: MMU context saved, watchdog saved and
// stopped, CPU and MMU back in reset. Power stays referenced; the caller
// decides whether to gate the domains.
func (p *Processor) Suspend() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Running {
		return fmt.Errorf("rproc: suspend %s in state %s: %w", p.name, p.state, errkind.ErrInvalidState)
	}

	if p.mmuEnable {
		p.mmu.SaveContext()
	}
	if p.wdog != nil {
		p.wdog.Save()
		p.wdog.Stop()
	}
	p.core.AssertCPUReset()
	if p.mmuEnable {
		p.core.AssertMMUReset()
	}
	p.state = Suspended
	slog.Info("rproc: suspended", "proc", p.name)
	return nil
}

// Resume replays a suspend in reverse: MMU out of reset and restored,
// watchdog restored and running, CPU released.
func (p *Processor) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Suspended {
		return fmt.Errorf("rproc: resume %s in state %s: %w", p.name, p.state, errkind.ErrInvalidState)
	}

	if p.mmuEnable {
		p.core.ReleaseMMUReset()
		if err := p.mmu.RestoreContext(); err != nil {
			return fmt.Errorf("rproc: resume %s: %w", p.name, err)
		}
	}
	if p.wdog != nil {
		if err := p.wdog.Restore(); err != nil {
			return fmt.Errorf("rproc: resume %s: %w", p.name, err)
		}
	}
	p.core.ReleaseCPUReset()
	p.state = Running
	slog.Info("rproc: resumed", "proc", p.name)
	return nil
}

// Detach releases everything attach acquired. In the powered modes the
// MMU is disabled and the dynamic address entries are dropped; static
// entries die with the processor.
func (p *Processor) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Running, Watchdog:
		p.core.AssertCPUReset()
	case Unknown:
		return fmt.Errorf("rproc: detach %s never attached: %w", p.name, errkind.ErrInvalidState)
	}

	if p.mode.programsMMU() {
		if p.mmuEnable {
			p.destroyPageTablesLocked()
			p.core.AssertMMUReset()
		}
		p.powerDown()
	}
	p.state = Unknown
	slog.Info("rproc: detached", "proc", p.name)
	return nil
}

// MarkWatchdog records a watchdog expiry. Only a running core can trip.
func (p *Processor) MarkWatchdog() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Running {
		return false
	}
	p.state = Watchdog
	slog.Warn("rproc: watchdog expired", "proc", p.name)
	return true
}

// Map installs a dynamic translation and, with the MMU enabled, programs
// the page tables. Identical re-maps only bump the reference count.
func (p *Processor) Map(masterPhys, slaveVirt, size uint32, attrs iommu.MapAttrs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapLocked(masterPhys, slaveVirt, size, attrs)
}

func (p *Processor) mapLocked(masterPhys, slaveVirt, size uint32, attrs iommu.MapAttrs) error {
	err := p.table.AddDynamic(Entry{
		MasterPhys: masterPhys,
		SlaveVirt:  slaveVirt,
		Size:       size,
		Cached:     attrs.Cached,
		MapMask:    MaskMasterPhys | MaskSlaveVirt,
	})
	if err != nil {
		return err
	}
	if p.mmuEnable {
		if err := p.mmu.Map(masterPhys, slaveVirt, size, attrs); err != nil {
			// Roll the table entry back so no half-mapping remains.
			if _, rerr := p.table.Release(slaveVirt, size); rerr != nil {
				slog.Warn("rproc: map rollback failed", "proc", p.name, "err", rerr)
			}
			return err
		}
	}
	return nil
}

// Unmap drops references on the dynamic entries covering the range and
// clears the page tables of the ones that reach zero.
func (p *Processor) Unmap(slaveVirt, size uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed, err := p.table.Release(slaveVirt, size)
	if err != nil {
		return err
	}
	if p.mmuEnable {
		for _, e := range removed {
			if err := p.mmu.Unmap(e.SlaveVirt, e.Size); err != nil {
				return fmt.Errorf("rproc: unmap %s 0x%08x: %w", p.name, e.SlaveVirt, err)
			}
		}
	}
	return nil
}

// Translate turns a slave virtual address into a master physical one.
// With the MMU disabled the untranslated address passes through, which
// matches cores running with a fixed identity map.
func (p *Processor) Translate(slaveVirt uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pa, err := p.table.Translate(slaveVirt)
	if err == nil {
		return pa, nil
	}
	if !p.mmuEnable {
		return slaveVirt, nil
	}
	return 0, err
}
