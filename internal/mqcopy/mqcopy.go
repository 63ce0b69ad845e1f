// Package mqcopy is the copy-based message-passing layer between the
// host and its remote cores. Each attached remote gets a pair of split
// rings in shared memory (receive and transmit, both preseeded with
// fixed buffers), a dense endpoint table, and a mirror table of the
// endpoints the remote announces over the reserved name-service port.
package mqcopy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/virtqueue"
)

// Shared-region layout: receive ring, transmit ring, receive buffers,
// transmit buffers. Rings are aligned to VringAlign.
const (
	ringSlotSize = (virtqueue.VringBytes + virtqueue.VringAlign - 1) &^ (virtqueue.VringAlign - 1)

	// RxRingOff and TxRingOff locate the two vrings; the firmware side
	// attaches its ring views at the same offsets.
	RxRingOff = 0
	TxRingOff = ringSlotSize

	rxBufOff = 2 * ringSlotSize
	txBufOff = rxBufOff + virtqueue.NumBufs*virtqueue.BufSize

	// RegionSize is the shared memory one remote's transport occupies.
	RegionSize = txBufOff + virtqueue.NumBufs*virtqueue.BufSize
)

// Send wait bounds: roughly 100 microseconds of retry when wait is set.
const (
	sendRetryDelay = 10 * time.Microsecond
	sendRetries    = 10
)

// Handler receives one message in thread context. data is only valid for
// the duration of the call.
type Handler func(procID int, srcAddr uint32, data []byte, priv any)

// NotifyEvent tells an observer what happened to a matching remote
// endpoint.
type NotifyEvent int

const (
	// NotifyCreated reports a same-named endpoint announced by a remote.
	NotifyCreated NotifyEvent = iota
	// NotifyDestroyed reports the announced endpoint going away.
	NotifyDestroyed
	// NotifyCanceled reports the observed local endpoint being deleted;
	// the observer will never be called again.
	NotifyCanceled
)

// NotifyFunc observes announcements matching a local endpoint's name.
type NotifyFunc func(procID int, addr uint32, event NotifyEvent)

// Endpoint is one local message-queue endpoint.
type Endpoint struct {
	mgr       *Manager
	addr      uint32
	name      string
	announce  bool
	cb        Handler
	priv      any
	observers []NotifyFunc
}

// Addr returns the endpoint's assigned address.
func (e *Endpoint) Addr() uint32 { return e.addr }

// Name returns the endpoint's channel name, if any.
func (e *Endpoint) Name() string { return e.name }

// transport is the per-remote ring pair plus the mirror table of
// announced remote endpoints.
type transport struct {
	procID   int
	mem      virtqueue.Memory
	physBase uint64
	rx       *virtqueue.Ring
	tx       *virtqueue.Ring
	known    map[uint32]string
}

// Manager is the message-passing singleton for the local side.
type Manager struct {
	mu sync.Mutex

	localProc  int
	local      [MaxEndpoints]*Endpoint
	transports map[int]*transport
}

// New returns a manager for the given local processor id. The reserved
// name-service endpoint is created as part of setup.
func New(localProc int) (*Manager, error) {
	m := &Manager{
		localProc:  localProc,
		transports: make(map[int]*transport),
	}
	if _, err := m.Create(NSPort, "", m.nsHandler, nil, false); err != nil {
		return nil, fmt.Errorf("mqcopy: create name-service endpoint: %w", err)
	}
	return m, nil
}

// Attach sets up the ring pair for procID inside mem (a shared region of
// at least RegionSize bytes whose physical base is physBase) and
// announces every existing named endpoint created with announce set to
// the remote. kick notifies
// the remote of ring activity.
func (m *Manager) Attach(procID int, mem virtqueue.Memory, physBase uint64, kick func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transports[procID]; ok {
		return fmt.Errorf("mqcopy: transport for proc %d: %w", procID, errkind.ErrAlreadyExists)
	}

	t := &transport{
		procID:   procID,
		mem:      mem,
		physBase: physBase,
		rx:       virtqueue.NewRing(mem, RxRingOff, kick),
		tx:       virtqueue.NewRing(mem, TxRingOff, kick),
		known:    make(map[uint32]string),
	}

	// Preseed both rings with their fixed buffers: every receive buffer
	// is published for the remote to fill, every transmit buffer stays
	// host-owned until a send claims it.
	for i := uint16(0); i < virtqueue.NumBufs; i++ {
		rxAddr := physBase + rxBufOff + uint64(i)*virtqueue.BufSize
		if err := t.rx.WriteDesc(i, rxAddr, virtqueue.BufSize, true); err != nil {
			return fmt.Errorf("mqcopy: seed rx descriptor %d: %w", i, err)
		}
		txAddr := physBase + txBufOff + uint64(i)*virtqueue.BufSize
		if err := t.tx.WriteDesc(i, txAddr, virtqueue.BufSize, false); err != nil {
			return fmt.Errorf("mqcopy: seed tx descriptor %d: %w", i, err)
		}
	}
	for i := uint16(0); i < virtqueue.NumBufs; i++ {
		d, err := t.rx.Get()
		if err != nil {
			return fmt.Errorf("mqcopy: publish rx buffer %d: %w", i, err)
		}
		if err := t.rx.Publish(d, virtqueue.BufSize); err != nil {
			return fmt.Errorf("mqcopy: publish rx buffer %d: %w", i, err)
		}
	}
	t.rx.Kick()

	m.transports[procID] = t

	for _, ep := range m.local {
		if ep != nil && ep.name != "" && ep.announce {
			if err := m.sendNSLocked(t, nsRecord{Addr: ep.addr, Flags: nsCreate, Name: ep.name}); err != nil {
				slog.Warn("mqcopy: announce to new transport failed",
					"proc", procID, "endpoint", ep.name, "err", err)
			}
		}
	}
	return nil
}

// Detach tears down procID's transport. Observers watching endpoints the
// remote had announced are told they are gone.
func (m *Manager) Detach(procID int) error {
	m.mu.Lock()
	t, ok := m.transports[procID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mqcopy: detach unknown proc %d: %w", procID, errkind.ErrNotFound)
	}
	delete(m.transports, procID)

	type gone struct {
		obs  []NotifyFunc
		addr uint32
	}
	var notify []gone
	for addr, name := range t.known {
		for _, ep := range m.local {
			if ep != nil && ep.name == name && len(ep.observers) > 0 {
				notify = append(notify, gone{obs: append([]NotifyFunc{}, ep.observers...), addr: addr})
			}
		}
	}
	m.mu.Unlock()

	for _, g := range notify {
		for _, fn := range g.obs {
			fn(procID, g.addr, NotifyDestroyed)
		}
	}
	return nil
}

// Create assigns an endpoint address and installs its callback. reserved
// is either an explicit address (reserved addresses included) or AddrAny
// to take the lowest free dynamic slot. A named endpoint with announce
// set is advertised to every attached remote.
func (m *Manager) Create(reserved uint32, name string, cb Handler, priv any, announce bool) (*Endpoint, error) {
	if cb == nil {
		return nil, fmt.Errorf("mqcopy: create %q with nil callback: %w", name, errkind.ErrInvalidArg)
	}
	if len(name) >= nsNameLen {
		return nil, fmt.Errorf("mqcopy: name %q too long: %w", name, errkind.ErrInvalidArg)
	}

	m.mu.Lock()
	var addr uint32
	if reserved == AddrAny {
		found := false
		for a := uint32(MaxReserved + 1); a < MaxEndpoints; a++ {
			if m.local[a] == nil {
				addr, found = a, true
				break
			}
		}
		if !found {
			m.mu.Unlock()
			return nil, fmt.Errorf("mqcopy: no free endpoint addresses: %w", errkind.ErrTableFull)
		}
	} else {
		if reserved >= MaxEndpoints {
			m.mu.Unlock()
			return nil, fmt.Errorf("mqcopy: endpoint address %d out of range: %w",
				reserved, errkind.ErrInvalidArg)
		}
		if m.local[reserved] != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("mqcopy: endpoint %d: %w", reserved, errkind.ErrAlreadyExists)
		}
		addr = reserved
	}

	ep := &Endpoint{
		mgr:      m,
		addr:     addr,
		name:     name,
		announce: announce,
		cb:       cb,
		priv:     priv,
	}
	m.local[addr] = ep

	var errAnnounce error
	if name != "" && announce {
		for _, t := range m.transports {
			if err := m.sendNSLocked(t, nsRecord{Addr: addr, Flags: nsCreate, Name: name}); err != nil {
				errAnnounce = err
			}
		}
	}
	m.mu.Unlock()

	if errAnnounce != nil {
		slog.Warn("mqcopy: endpoint announce failed", "endpoint", name, "err", errAnnounce)
	}
	return ep, nil
}

// Delete sends a destroy announcement for a named endpoint to every
// remote, cancels the endpoint's observers synchronously, and frees the
// address slot.
func (m *Manager) Delete(ep *Endpoint) error {
	if ep == nil || ep.mgr != m {
		return fmt.Errorf("mqcopy: delete of foreign endpoint: %w", errkind.ErrInvalidArg)
	}

	m.mu.Lock()
	if m.local[ep.addr] != ep {
		m.mu.Unlock()
		return fmt.Errorf("mqcopy: endpoint %d already deleted: %w", ep.addr, errkind.ErrNotFound)
	}
	if ep.name != "" && ep.announce {
		for _, t := range m.transports {
			if err := m.sendNSLocked(t, nsRecord{Addr: ep.addr, Flags: nsDestroy, Name: ep.name}); err != nil {
				slog.Warn("mqcopy: destroy announce failed", "endpoint", ep.name, "err", err)
			}
		}
	}
	m.local[ep.addr] = nil
	observers := ep.observers
	ep.observers = nil
	m.mu.Unlock()

	for _, fn := range observers {
		fn(m.localProc, ep.addr, NotifyCanceled)
	}
	return nil
}

// RegisterNotify subscribes fn to create/destroy announcements of
// endpoints sharing ep's name. Already-known matches are replayed
// immediately.
func (m *Manager) RegisterNotify(ep *Endpoint, fn NotifyFunc) error {
	if ep == nil || fn == nil {
		return fmt.Errorf("mqcopy: register notify with nil endpoint or callback: %w",
			errkind.ErrInvalidArg)
	}
	if ep.name == "" {
		return fmt.Errorf("mqcopy: notify on unnamed endpoint %d: %w",
			ep.addr, errkind.ErrInvalidArg)
	}

	m.mu.Lock()
	if m.local[ep.addr] != ep {
		m.mu.Unlock()
		return fmt.Errorf("mqcopy: endpoint %d deleted: %w", ep.addr, errkind.ErrNotFound)
	}
	ep.observers = append(ep.observers, fn)

	type match struct {
		proc int
		addr uint32
	}
	var replay []match
	for _, t := range m.transports {
		for addr, name := range t.known {
			if name == ep.name {
				replay = append(replay, match{proc: t.procID, addr: addr})
			}
		}
	}
	m.mu.Unlock()

	for _, r := range replay {
		fn(r.proc, r.addr, NotifyCreated)
	}
	return nil
}

// Send copies data into one transmit buffer of dstProc's ring and kicks
// the remote. With wait set, a drained ring is retried for a bounded
// interval before NoBuffer is surfaced.
func (m *Manager) Send(dstProc, srcProc int, dst, src uint32, data []byte, wait bool) error {
	if len(data) == 0 || len(data) > MaxPayload {
		return fmt.Errorf("mqcopy: payload of %d bytes: %w", len(data), errkind.ErrInvalidArg)
	}
	if dst == AddrAny || src == AddrAny {
		return fmt.Errorf("mqcopy: send with unassigned address: %w", errkind.ErrInvalidArg)
	}
	if srcProc != m.localProc {
		return fmt.Errorf("mqcopy: send from foreign proc %d: %w", srcProc, errkind.ErrInvalidArg)
	}

	attempt := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		t, ok := m.transports[dstProc]
		if !ok {
			return backoff.Permanent(fmt.Errorf("mqcopy: no transport for proc %d: %w",
				dstProc, errkind.ErrNoTransport))
		}
		// Dynamic remote endpoints must have been announced; reserved
		// addresses are well-known and always deliverable.
		if dst > MaxReserved {
			if _, ok := t.known[dst]; !ok {
				return backoff.Permanent(fmt.Errorf("mqcopy: proc %d has no endpoint %d: %w",
					dstProc, dst, errkind.ErrNoTransport))
			}
		}
		return m.sendOnLocked(t, header{Src: src, Dst: dst, Len: uint16(len(data))}, data)
	}

	var err error
	if wait {
		err = backoff.Retry(attempt, backoff.WithMaxRetries(
			backoff.NewConstantBackOff(sendRetryDelay), sendRetries))
	} else {
		err = attempt()
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}

// sendOnLocked claims one transmit descriptor, writes the framed message
// into its buffer, and publishes it with a kick.
func (m *Manager) sendOnLocked(t *transport, h header, data []byte) error {
	d, err := t.tx.Get()
	if err != nil {
		return err
	}

	buf := make([]byte, HeaderSize+len(data))
	h.encode(buf)
	copy(buf[HeaderSize:], data)
	off := int64(txBufOff) + int64(d)*virtqueue.BufSize
	if _, err := t.mem.WriteAt(buf, off); err != nil {
		return fmt.Errorf("mqcopy: write tx buffer %d: %w", d, err)
	}
	if err := t.tx.Publish(d, uint32(len(buf))); err != nil {
		return err
	}
	t.tx.Kick()
	return nil
}

// sendNSLocked frames a name-service record for t's remote.
func (m *Manager) sendNSLocked(t *transport, rec nsRecord) error {
	return m.sendOnLocked(t, header{
		Src: rec.Addr,
		Dst: NSPort,
		Len: NSRecordSize,
	}, rec.encode())
}
