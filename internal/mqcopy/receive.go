package mqcopy

import (
	"log/slog"

	"github.com/tinyrange/coproc/internal/virtqueue"
)

// OnKick handles a virtqueue notification from procID: every message the
// remote placed on the receive ring is dispatched to its destination
// endpoint, the buffers are republished, and completed transmit buffers
// are reclaimed. It runs in thread context (the soft half of the mailbox
// interrupt path) and is serialized per remote by the caller.
func (m *Manager) OnKick(procID int, word uint32) {
	type inbound struct {
		h    header
		data []byte
		cb   Handler
		priv any
	}
	var msgs []inbound

	m.mu.Lock()
	t, ok := m.transports[procID]
	if !ok {
		m.mu.Unlock()
		slog.Warn("mqcopy: kick from unattached proc", "proc", procID, "word", word)
		return
	}

	// Reclaim transmit buffers the remote is done with.
	if err := t.tx.Drain(func(virtqueue.Used) bool { return false }); err != nil {
		slog.Warn("mqcopy: tx reclaim failed", "proc", procID, "err", err)
	}

	var refill []uint16
	err := t.rx.Drain(func(u virtqueue.Used) bool {
		refill = append(refill, u.Desc)

		n := u.Length
		if n > virtqueue.BufSize {
			n = virtqueue.BufSize
		}
		if n < HeaderSize {
			slog.Warn("mqcopy: runt message", "proc", procID, "len", n)
			return true
		}
		buf := make([]byte, n)
		off := int64(rxBufOff) + int64(u.Desc)*virtqueue.BufSize
		if _, err := t.mem.ReadAt(buf, off); err != nil {
			slog.Warn("mqcopy: rx buffer read failed", "proc", procID, "err", err)
			return true
		}
		h, err := decodeHeader(buf)
		if err != nil {
			return true
		}
		if int(h.Len) > len(buf)-HeaderSize {
			slog.Warn("mqcopy: message length exceeds buffer",
				"proc", procID, "len", h.Len)
			return true
		}

		msg := inbound{h: h, data: buf[HeaderSize : HeaderSize+int(h.Len)]}
		if h.Dst < MaxEndpoints {
			if ep := m.local[h.Dst]; ep != nil {
				msg.cb = ep.cb
				msg.priv = ep.priv
			}
		}
		msgs = append(msgs, msg)
		return true
	})
	if err != nil {
		slog.Warn("mqcopy: rx drain failed", "proc", procID, "err", err)
	}

	for _, d := range refill {
		if err := t.rx.Publish(d, virtqueue.BufSize); err != nil {
			slog.Warn("mqcopy: rx republish failed", "proc", procID, "desc", d, "err", err)
		}
	}
	if len(refill) > 0 {
		t.rx.Kick()
	}
	m.mu.Unlock()

	for _, msg := range msgs {
		if msg.cb == nil {
			slog.Warn("mqcopy: message for unknown endpoint",
				"proc", procID, "dst", msg.h.Dst, "src", msg.h.Src)
			continue
		}
		msg.cb(procID, msg.h.Src, msg.data, msg.priv)
	}
}

// nsHandler serves the reserved name-service endpoint: create records
// open a mirror entry for the announced remote endpoint, destroy records
// drop it, and observers of same-named local endpoints hear about both.
func (m *Manager) nsHandler(procID int, srcAddr uint32, data []byte, _ any) {
	rec, err := decodeNSRecord(data)
	if err != nil {
		slog.Warn("mqcopy: bad name-service record", "proc", procID, "err", err)
		return
	}

	event := NotifyCreated
	if rec.Flags&nsDestroy != 0 {
		event = NotifyDestroyed
	}

	m.mu.Lock()
	t, ok := m.transports[procID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if event == NotifyCreated {
		t.known[rec.Addr] = rec.Name
	} else {
		delete(t.known, rec.Addr)
	}

	var observers []NotifyFunc
	for _, ep := range m.local {
		if ep != nil && ep.name == rec.Name {
			observers = append(observers, ep.observers...)
		}
	}
	m.mu.Unlock()

	slog.Debug("mqcopy: name-service record",
		"proc", procID, "name", rec.Name, "addr", rec.Addr, "create", event == NotifyCreated)

	for _, fn := range observers {
		fn(procID, rec.Addr, event)
	}
}
