// Package coproc is the host-side control plane for the remote cores of
// an OMAP/VAYU-class SoC: it brings coprocessors up, programs their L2
// MMUs, exchanges messages with them over mailbox-kicked shared rings,
// gates their power and clock domains, and watches them with per-core
// timers. The hardware is reached only through register-block interfaces,
// so the same module drives real register windows and the in-memory
// models used by tests and dry runs.
package coproc

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/coproc/internal/cfg"
	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/gpt"
	"github.com/tinyrange/coproc/internal/iommu"
	"github.com/tinyrange/coproc/internal/mailbox"
	"github.com/tinyrange/coproc/internal/mmio"
	"github.com/tinyrange/coproc/internal/mqcopy"
	"github.com/tinyrange/coproc/internal/prcm"
	"github.com/tinyrange/coproc/internal/rproc"
	"github.com/tinyrange/coproc/internal/virtqueue"
)

// Mailbox user ids fixed by the interconnect.
const (
	DSPUserID  = 0
	IPUUserID  = 1
	HostUserID = 2
)

// CmdRemoteIdle is the special mailbox word a remote sends when it has
// gone idle and is a hibernation candidate. Every other word is a
// virtqueue kick.
const CmdRemoteIdle = 0x01

// ProcResources bundles the hardware one remote core needs.
type ProcResources struct {
	Mailbox  mmio.Block
	MMU      mmio.Block
	Ctrl     mmio.Block
	Watchdog mmio.Block // optional

	SharedMem  virtqueue.Memory
	SharedBase uint64

	// PageTableBase places the MMU page tables inside the carveout.
	PageTableBase uint32
}

// Platform is everything Setup needs to reach the hardware.
type Platform struct {
	Interrupts   mailbox.InterruptHost
	PRCM         mmio.Block
	PowerManager prcm.PowerManager
	Procs        map[int]ProcResources
}

// StateObserver hears lifecycle transitions, watchdog expiries included.
type StateObserver func(procID int, state rproc.State)

type managedProc struct {
	res    ProcResources
	remote cfg.RemoteConfig
	proc   *rproc.Processor
	wdog   *gpt.Timer
	mmu    *iommu.Engine
}

// Module is the control-plane singleton.
type Module struct {
	mu sync.Mutex

	cfg      *cfg.Config
	platform *Platform

	power *prcm.Coordinator
	mbox  *mailbox.Transport
	mq    *mqcopy.Manager

	procs     map[int]*managedProc
	observers []StateObserver
	hib       *hibernator
}

// Module setup is refcounted: the first Setup builds the singleton and
// later ones hand it back, so independent users can share the module and
// only the last Destroy tears it down.
var (
	setupMu  sync.Mutex
	instance *Module
	setupRef int
)

// Setup initializes the module. It is not safe against concurrent use of
// any other API and must be sequenced externally, as must Destroy.
func Setup(config *cfg.Config, platform *Platform) (*Module, error) {
	setupMu.Lock()
	defer setupMu.Unlock()

	if instance != nil {
		setupRef++
		return instance, nil
	}
	if config == nil || platform == nil || platform.Interrupts == nil {
		return nil, fmt.Errorf("coproc: setup with nil config or platform: %w", errkind.ErrInvalidArg)
	}

	m := &Module{
		cfg:      config,
		platform: platform,
		power:    prcm.New(platform.PRCM, platform.PowerManager),
		procs:    make(map[int]*managedProc),
	}
	m.mbox = mailbox.New(platform.Interrupts)

	mq, err := mqcopy.New(HostUserID)
	if err != nil {
		return nil, fmt.Errorf("coproc: setup: %w", err)
	}
	m.mq = mq

	if config.HibEnable {
		m.hib = newHibernator(m, config.HibTimeoutMS)
		m.hib.start()
	}

	instance = m
	setupRef = 1
	slog.Info("coproc: module up", "remotes", config.NumProcs, "hibernation", config.HibEnable)
	return m, nil
}

// Destroy drops one setup reference; the last one detaches every remote
// and stops the module timers.
func Destroy() error {
	setupMu.Lock()
	defer setupMu.Unlock()

	if instance == nil {
		return fmt.Errorf("coproc: destroy without setup: %w", errkind.ErrInvalidState)
	}
	setupRef--
	if setupRef > 0 {
		return nil
	}

	m := instance
	instance = nil

	if m.hib != nil {
		m.hib.stop()
	}

	m.mu.Lock()
	ids := make([]int, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Detach(id) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("coproc: destroy: %w", err)
	}
	slog.Info("coproc: module down")
	return nil
}

// assignmentFor fixes the FIFO pairing per core family: the DSP talks on
// FIFOs 1 (inbound) and 4 (outbound) of its block, the IPUs on 3 and 5.
func assignmentFor(family string, blk mmio.Block) mailbox.Assignment {
	if family == "dsp" {
		return mailbox.Assignment{Block: blk, RxFifo: 1, TxFifo: 4, HostUser: HostUserID}
	}
	return mailbox.Assignment{Block: blk, RxFifo: 3, TxFifo: 5, HostUser: HostUserID}
}

func coreFor(family string, ctrl mmio.Block) (rproc.Core, error) {
	switch family {
	case "dsp":
		return rproc.NewDspCore(ctrl), nil
	case "ipu1":
		return rproc.NewIpu1Core(ctrl), nil
	case "ipu2":
		return rproc.NewIpu2Core(ctrl), nil
	}
	return nil, fmt.Errorf("coproc: unknown core family %q: %w", family, errkind.ErrNotSupported)
}

// Attach brings procID under management: lifecycle attach per the boot
// mode, mailbox registration, and ring setup. fw is the parsed firmware
// image from the external loader.
func (m *Module) Attach(procID int, fw rproc.FirmwareImage) error {
	if procID < 0 || procID >= m.cfg.NumProcs {
		return fmt.Errorf("coproc: attach proc %d of %d: %w", procID, m.cfg.NumProcs, errkind.ErrInvalidArg)
	}
	res, ok := m.platform.Procs[procID]
	if !ok {
		return fmt.Errorf("coproc: no hardware resources for proc %d: %w", procID, errkind.ErrNotFound)
	}
	remote := m.cfg.Remotes[procID]

	m.mu.Lock()
	if _, exists := m.procs[procID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("coproc: proc %d: %w", procID, errkind.ErrAlreadyExists)
	}
	m.mu.Unlock()

	core, err := coreFor(remote.Family, res.Ctrl)
	if err != nil {
		return err
	}
	mode, err := cfg.BootModeOf(remote.BootMode)
	if err != nil {
		return err
	}

	var engine *iommu.Engine
	if remote.MMUEnable {
		engine = iommu.New(res.MMU, res.PageTableBase)
	}
	var wdog *gpt.Timer
	if res.Watchdog != nil {
		wdog = gpt.New(res.Watchdog)
	}

	proc, err := rproc.Attach(procID, rproc.Params{
		Name:          remote.Name,
		Mode:          mode,
		MMUEnable:     remote.MMUEnable,
		PageTableBase: res.PageTableBase,
	}, fw, core, m.power, engine, wdog)
	if err != nil {
		return err
	}

	mp := &managedProc{res: res, remote: remote, proc: proc, wdog: wdog, mmu: engine}

	assign := assignmentFor(remote.Family, res.Mailbox)
	if err := m.mbox.Register(procID, m.cfg.IntID, assign, m.mailboxWord, nil); err != nil {
		rollback := proc.Detach()
		if rollback != nil {
			slog.Warn("coproc: attach rollback failed", "proc", procID, "err", rollback)
		}
		return fmt.Errorf("coproc: attach proc %d: %w", procID, err)
	}

	kickWord := uint32(2*procID + 1)
	if err := m.mq.Attach(procID, res.SharedMem, res.SharedBase, func() {
		if err := m.mbox.Send(procID, kickWord); err != nil {
			slog.Warn("coproc: kick failed", "proc", procID, "err", err)
		}
	}); err != nil {
		if uerr := m.mbox.Unregister(procID); uerr != nil {
			slog.Warn("coproc: attach rollback failed", "proc", procID, "err", uerr)
		}
		if derr := proc.Detach(); derr != nil {
			slog.Warn("coproc: attach rollback failed", "proc", procID, "err", derr)
		}
		return fmt.Errorf("coproc: attach proc %d: %w", procID, err)
	}

	m.mu.Lock()
	m.procs[procID] = mp
	m.mu.Unlock()
	return nil
}

// Detach tears procID down: transport first, then mailbox, then the
// lifecycle layer, reversing Attach.
func (m *Module) Detach(procID int) error {
	m.mu.Lock()
	mp, ok := m.procs[procID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("coproc: detach unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	delete(m.procs, procID)
	m.mu.Unlock()

	if err := m.mq.Detach(procID); err != nil {
		slog.Warn("coproc: transport detach failed", "proc", procID, "err", err)
	}
	if err := m.mbox.Unregister(procID); err != nil {
		slog.Warn("coproc: mailbox unregister failed", "proc", procID, "err", err)
	}
	if err := mp.proc.Detach(); err != nil {
		return err
	}
	m.notify(procID, rproc.Unknown)
	return nil
}

func (m *Module) lookup(procID int) (*managedProc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.procs[procID]
	if !ok {
		return nil, fmt.Errorf("coproc: unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	return mp, nil
}

// Start releases procID from reset after programming its address map.
func (m *Module) Start(procID int) error {
	mp, err := m.lookup(procID)
	if err != nil {
		return err
	}
	if err := mp.proc.Start(); err != nil {
		return err
	}
	m.notify(procID, rproc.Running)
	return nil
}

// Stop pulls procID into reset and tears its MMU down.
func (m *Module) Stop(procID int) error {
	mp, err := m.lookup(procID)
	if err != nil {
		return err
	}
	if err := mp.proc.Stop(); err != nil {
		return err
	}
	m.notify(procID, rproc.Stopped)
	return nil
}

// Suspend quiesces procID: mailbox interrupt state saved, then the
// lifecycle suspend sequence.
func (m *Module) Suspend(procID int) error {
	mp, err := m.lookup(procID)
	if err != nil {
		return err
	}
	if err := m.mbox.SaveContext(procID); err != nil {
		return err
	}
	if err := mp.proc.Suspend(); err != nil {
		return err
	}
	m.notify(procID, rproc.Suspended)
	return nil
}

// Resume replays a suspend in reverse and restores the mailbox state.
func (m *Module) Resume(procID int) error {
	mp, err := m.lookup(procID)
	if err != nil {
		return err
	}
	if err := mp.proc.Resume(); err != nil {
		return err
	}
	if err := m.mbox.RestoreContext(procID); err != nil {
		return err
	}
	m.notify(procID, rproc.Running)
	return nil
}

// State reports procID's lifecycle state.
func (m *Module) State(procID int) (rproc.State, error) {
	mp, err := m.lookup(procID)
	if err != nil {
		return rproc.Unknown, err
	}
	return mp.proc.State(), nil
}

// Proc exposes the lifecycle object for map/unmap/translate calls.
func (m *Module) Proc(procID int) (*rproc.Processor, error) {
	mp, err := m.lookup(procID)
	if err != nil {
		return nil, err
	}
	return mp.proc, nil
}

// WatchState subscribes fn to every lifecycle transition the module
// performs, watchdog expiries included.
func (m *Module) WatchState(fn StateObserver) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Module) notify(procID int, state rproc.State) {
	m.mu.Lock()
	observers := append([]StateObserver{}, m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(procID, state)
	}
}

// mailboxWord is the per-word mailbox callback, running in the soft half
// of the shared ISR. A word from a suspended remote resumes it first;
// the idle command feeds the hibernation coordinator and everything else
// is a virtqueue kick.
func (m *Module) mailboxWord(procID int, _ any, word uint32) {
	mp, err := m.lookup(procID)
	if err != nil {
		slog.Warn("coproc: mailbox word from unknown proc", "proc", procID)
		return
	}

	if mp.proc.State() == rproc.Suspended {
		if err := m.Resume(procID); err != nil {
			slog.Warn("coproc: wake on mailbox failed", "proc", procID, "err", err)
			return
		}
	}

	if word == CmdRemoteIdle {
		if m.hib != nil {
			m.hib.markIdle(procID)
		}
		return
	}
	if m.hib != nil {
		m.hib.markActive(procID)
	}
	m.mq.OnKick(procID, word)
}

// WatchdogFired records a watchdog expiry for procID. The interrupt glue
// of the platform calls this from the timer's overflow handler.
func (m *Module) WatchdogFired(procID int) {
	mp, err := m.lookup(procID)
	if err != nil {
		return
	}
	if mp.wdog != nil {
		mp.wdog.Ack()
	}
	if mp.proc.MarkWatchdog() {
		m.notify(procID, rproc.Watchdog)
	}
}

// StartWatchdog arms procID's timer to overflow after the given number
// of functional-clock cycles.
func (m *Module) StartWatchdog(procID int, cycles uint32) error {
	mp, err := m.lookup(procID)
	if err != nil {
		return err
	}
	if mp.wdog == nil {
		return fmt.Errorf("coproc: proc %d has no watchdog timer: %w", procID, errkind.ErrNotSupported)
	}
	mp.wdog.StartWatchdog(cycles)
	return nil
}

// KickWatchdog pushes procID's next watchdog expiry a full period out.
func (m *Module) KickWatchdog(procID int) error {
	mp, err := m.lookup(procID)
	if err != nil {
		return err
	}
	if mp.wdog == nil {
		return fmt.Errorf("coproc: proc %d has no watchdog timer: %w", procID, errkind.ErrNotSupported)
	}
	mp.wdog.Kick()
	return nil
}
