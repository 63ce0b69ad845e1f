// Package mailbox turns the hardware mailbox FIFOs into per-remote
// message delivery. A single shared interrupt service routine drains the
// remote-side FIFOs into lock-free per-remote queues, then dispatches the
// queued words to the callbacks registered for each remote. The transport
// also snapshots the interrupt-enable state across power transitions.
package mailbox

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/mmio"
)

// Callback receives one mailbox word in thread context.
type Callback func(procID int, arg any, value uint32)

// InterruptHost installs and removes the host-side interrupt handler.
// On real hardware this attaches to the OS interrupt layer; the model
// platform dispatches synchronously.
type InterruptHost interface {
	Install(intID uint32, handler func()) error
	Remove(intID uint32) error
}

// Assignment fixes which FIFOs connect one remote to the host and which
// mailbox users the two sides own.
type Assignment struct {
	Block mmio.Block

	RxFifo   int // remote -> host
	TxFifo   int // host -> remote
	HostUser int // user id owning the host-side IRQ registers
}

// maxISRUsers bounds how many registrations may share one interrupt id.
const maxISRUsers = 4

// sendPollAttempts bounds the FIFOSTATUS poll in Send.
const sendPollAttempts = mmio.DefaultPollAttempts

type remoteState struct {
	id       int
	assign   Assignment
	cb       Callback
	arg      any
	pending  *cellQueue
	enabled  bool
	refCount int

	// saved context across power transitions
	savedEnable    uint32
	savedSysconfig uint32
	savedValid     bool
}

// Transport is the mailbox interrupt transport singleton. One instance
// serves every remote wired to the host's mailbox blocks.
type Transport struct {
	mu sync.Mutex

	host    InterruptHost
	remotes map[int]*remoteState

	intID    uint32
	isrUsers int

	pool     cellPool
	dropWarn *rate.Limiter
}

// New returns a transport dispatching through host.
func New(host InterruptHost) *Transport {
	t := &Transport{
		host:    host,
		remotes: make(map[int]*remoteState),
		// A wedged receiver can make every Send drop; one warning per
		// second is enough to see it without flooding the log.
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	t.pool.prime(64)
	return t
}

// Register wires procID's FIFOs into the shared ISR and enables its
// receive interrupt. The first registration for intID installs the ISR;
// later ones only bump the reference count. Stale FIFO words are drained
// before the interrupt is enabled.
func (t *Transport) Register(procID int, intID uint32, assign Assignment, cb Callback, arg any) error {
	if assign.Block == nil || cb == nil {
		return fmt.Errorf("mailbox: register proc %d with nil block or callback: %w",
			procID, errkind.ErrInvalidArg)
	}

	t.mu.Lock()
	if r, ok := t.remotes[procID]; ok {
		// Benign: an existing registration is shared.
		r.refCount++
		t.mu.Unlock()
		return nil
	}
	if t.isrUsers >= maxISRUsers {
		t.mu.Unlock()
		return fmt.Errorf("mailbox: %d users already share interrupt %d: %w",
			maxISRUsers, intID, errkind.ErrBusy)
	}

	if t.isrUsers == 0 {
		if err := t.host.Install(intID, t.isr); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("mailbox: install ISR for interrupt %d: %w", intID, err)
		}
		t.intID = intID
	}

	r := &remoteState{
		id:       procID,
		assign:   assign,
		cb:       cb,
		arg:      arg,
		pending:  newCellQueue(),
		refCount: 1,
		enabled:  true,
	}
	t.remotes[procID] = r
	t.isrUsers++
	t.mu.Unlock()

	// The enable write can raise the host line immediately, so it runs
	// with the transport unlocked.
	drainFifo(assign)
	mmio.SetBits32(assign.Block, mmio.MailboxIRQEnableSet(assign.HostUser),
		mmio.MailboxIRQBit(assign.RxFifo))
	return nil
}

// Unregister reverses Register with symmetric refcounting. The last user
// of the shared interrupt uninstalls the ISR and re-clears the FIFO.
func (t *Transport) Unregister(procID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.remotes[procID]
	if !ok {
		return fmt.Errorf("mailbox: unregister unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	r.refCount--
	if r.refCount > 0 {
		return nil
	}

	b := r.assign.Block
	b.Write32(mmio.MailboxIRQEnableClr(r.assign.HostUser), mmio.MailboxIRQBit(r.assign.RxFifo))
	drainFifo(r.assign)

	delete(t.remotes, procID)
	t.isrUsers--
	if t.isrUsers == 0 {
		if err := t.host.Remove(t.intID); err != nil {
			return fmt.Errorf("mailbox: remove ISR for interrupt %d: %w", t.intID, err)
		}
	}
	return nil
}

// drainFifo discards stale words and acknowledges their events.
func drainFifo(a Assignment) {
	for a.Block.Read32(mmio.MailboxMsgStatus(a.RxFifo)) > 0 {
		a.Block.Read32(mmio.MailboxMessage(a.RxFifo))
	}
	a.Block.Write32(mmio.MailboxIRQStatus(a.HostUser), mmio.MailboxIRQBit(a.RxFifo))
}

// Enable unmasks procID's receive interrupt. A pending event fires the
// interrupt as soon as the mask drops.
func (t *Transport) Enable(procID int) error {
	t.mu.Lock()
	r, ok := t.remotes[procID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("mailbox: enable unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	r.enabled = true
	a := r.assign
	t.mu.Unlock()

	mmio.SetBits32(a.Block, mmio.MailboxIRQEnableSet(a.HostUser),
		mmio.MailboxIRQBit(a.RxFifo))
	return nil
}

// Disable masks procID's receive interrupt.
func (t *Transport) Disable(procID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remotes[procID]
	if !ok {
		return fmt.Errorf("mailbox: disable unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	r.assign.Block.Write32(mmio.MailboxIRQEnableClr(r.assign.HostUser),
		mmio.MailboxIRQBit(r.assign.RxFifo))
	r.enabled = false
	return nil
}

// Send posts one word to procID's transmit FIFO. It polls for room with
// a fixed bound; a receiver that never drains costs a dropped word and a
// rate-limited warning, never an indefinite block.
func (t *Transport) Send(procID int, value uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remotes[procID]
	if !ok {
		return fmt.Errorf("mailbox: send to unknown proc %d: %w", procID, errkind.ErrNotFound)
	}

	b := r.assign.Block
	fifo := r.assign.TxFifo
	if err := mmio.PollBits(b, mmio.MailboxFifoStatus(fifo), 1, 0,
		sendPollAttempts, mmio.DefaultPollDelay); err != nil {
		if t.dropWarn.Allow() {
			slog.Warn("mailbox: tx fifo full, dropping word",
				"proc", procID, "fifo", fifo, "value", value)
		}
		return fmt.Errorf("mailbox: proc %d tx fifo never drained: %w", procID, errkind.ErrIO)
	}
	b.Write32(mmio.MailboxMessage(fifo), value)
	return nil
}

// Clear reads one word from procID's receive FIFO and acknowledges its event,
// in that order, as the hardware requires.
func (t *Transport) Clear(procID int) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remotes[procID]
	if !ok {
		return 0, fmt.Errorf("mailbox: clear unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	a := r.assign
	v := a.Block.Read32(mmio.MailboxMessage(a.RxFifo))
	a.Block.Write32(mmio.MailboxIRQStatus(a.HostUser), mmio.MailboxIRQBit(a.RxFifo))
	return v, nil
}

// RxPending reports how many inbound words procID's FIFO holds.
func (t *Transport) RxPending(procID int) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remotes[procID]
	if !ok {
		return 0, fmt.Errorf("mailbox: pending for unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	return r.assign.Block.Read32(mmio.MailboxMsgStatus(r.assign.RxFifo)), nil
}

// SaveContext snapshots procID's interrupt-enable and sysconfig words
// ahead of a power transition.
func (t *Transport) SaveContext(procID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remotes[procID]
	if !ok {
		return fmt.Errorf("mailbox: save context for unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	a := r.assign
	r.savedEnable = a.Block.Read32(mmio.MailboxIRQEnableSet(a.HostUser))
	r.savedSysconfig = a.Block.Read32(mmio.MailboxSysconfig)
	r.savedValid = true
	return nil
}

// RestoreContext replays the snapshot taken by SaveContext and puts the
// block back into smart-idle. The enable write can redeliver a pending
// interrupt, so it runs with the transport unlocked.
func (t *Transport) RestoreContext(procID int) error {
	t.mu.Lock()
	r, ok := t.remotes[procID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("mailbox: restore context for unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	if !r.savedValid {
		t.mu.Unlock()
		return fmt.Errorf("mailbox: proc %d restore without a saved context: %w",
			procID, errkind.ErrInvalidState)
	}
	a := r.assign
	saved := r.savedEnable
	t.mu.Unlock()

	a.Block.Write32(mmio.MailboxSysconfig, mmio.MailboxSmartIdle)
	a.Block.Write32(mmio.MailboxIRQEnableSet(a.HostUser), saved)
	return nil
}

// isr is the shared interrupt service routine. The hardware pass reads
// every pending remote-side word and acknowledges the events; the soft
// pass dispatches the queued words. Spurious firings clear nothing and
// invoke no callback.
func (t *Transport) isr() {
	type dispatch struct {
		r *remoteState
	}
	var touched []dispatch

	t.mu.Lock()
	for _, r := range t.remotes {
		a := r.assign
		n := a.Block.Read32(mmio.MailboxMsgStatus(a.RxFifo))
		if n == 0 {
			continue
		}
		for i := uint32(0); i < n; i++ {
			c := t.pool.get()
			c.value = a.Block.Read32(mmio.MailboxMessage(a.RxFifo))
			r.pending.push(c)
		}
		a.Block.Write32(mmio.MailboxIRQStatus(a.HostUser), mmio.MailboxIRQBit(a.RxFifo))
		touched = append(touched, dispatch{r})
	}
	t.mu.Unlock()

	// Soft pass: drain each queue outside the lock so callbacks may call
	// back into the transport.
	for _, d := range touched {
		for {
			value, recycled, ok := d.r.pending.pop()
			if !ok {
				break
			}
			if recycled != nil {
				t.pool.put(recycled)
			}
			d.r.cb(d.r.id, d.r.arg, value)
		}
	}
}
