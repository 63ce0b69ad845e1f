package coproc

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/coproc/internal/rproc"
)

// hibernator powers idle cores down. One repeating timer drives it: on
// each firing it checks that every running core has reported idle, that
// its firmware agrees via the suspend flag it publishes in shared
// memory, and that no mailbox words are pending; only then does the
// suspend sequence run. Any later mailbox word wakes the core back up.
type hibernator struct {
	m      *Module
	period time.Duration

	mu   sync.Mutex
	idle map[int]bool

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func newHibernator(m *Module, timeoutMS int) *hibernator {
	return &hibernator{
		m:      m,
		period: time.Duration(timeoutMS) * time.Millisecond,
		idle:   make(map[int]bool),
	}
}

func (h *hibernator) start() {
	h.ticker = time.NewTicker(h.period)
	h.done = make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.ticker.C:
				h.sweep()
			case <-h.done:
				return
			}
		}
	}()
}

func (h *hibernator) stop() {
	h.ticker.Stop()
	close(h.done)
	h.wg.Wait()
}

// markIdle records a remote's idle announcement.
func (h *hibernator) markIdle(procID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idle[procID] = true
}

// markActive clears the idle mark when traffic shows up.
func (h *hibernator) markActive(procID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.idle, procID)
}

// sweep suspends every running core that is provably idle.
func (h *hibernator) sweep() {
	h.m.mu.Lock()
	ids := make([]int, 0, len(h.m.procs))
	for id := range h.m.procs {
		ids = append(ids, id)
	}
	h.m.mu.Unlock()

	for _, id := range ids {
		if !h.canSuspend(id) {
			continue
		}
		if err := h.m.Suspend(id); err != nil {
			slog.Warn("coproc: hibernation suspend failed", "proc", id, "err", err)
			continue
		}
		h.markActive(id) // requires a fresh idle report after resume
		slog.Info("coproc: core hibernated", "proc", id)
	}
}

// canSuspend checks the three idle conditions for one core.
func (h *hibernator) canSuspend(procID int) bool {
	mp, err := h.m.lookup(procID)
	if err != nil || mp.proc.State() != rproc.Running {
		return false
	}

	h.mu.Lock()
	announced := h.idle[procID]
	h.mu.Unlock()
	if !announced {
		return false
	}

	if !h.firmwareIdle(mp) {
		return false
	}

	pending, err := h.m.mbox.RxPending(procID)
	if err != nil || pending > 0 {
		return false
	}
	return true
}

// firmwareIdle reads the suspend flag the firmware publishes in shared
// memory. A core with no flag address is trusted on its mailbox word
// alone.
func (h *hibernator) firmwareIdle(mp *managedProc) bool {
	flagAddr := mp.proc.SuspendFlagAddr()
	if flagAddr == 0 {
		return true
	}
	pa, err := mp.proc.Translate(flagAddr)
	if err != nil {
		return false
	}
	off := int64(uint64(pa) - mp.res.SharedBase)
	var buf [4]byte
	if _, err := mp.res.SharedMem.ReadAt(buf[:], off); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:]) != 0
}
