package coproc

import (
	"github.com/tinyrange/coproc/internal/mqcopy"
)

// Endpoint is a local message-queue endpoint handle.
type Endpoint = mqcopy.Endpoint

// Handler receives one inbound message for an endpoint.
type Handler = mqcopy.Handler

// NotifyFunc observes matching remote endpoint announcements.
type NotifyFunc = mqcopy.NotifyFunc

// NotifyEvent is the kind of announcement an observer hears.
type NotifyEvent = mqcopy.NotifyEvent

// NotifyEvent values delivered to NotifyFunc observers.
const (
	NotifyCreated   = mqcopy.NotifyCreated
	NotifyDestroyed = mqcopy.NotifyDestroyed
	NotifyCanceled  = mqcopy.NotifyCanceled
)

// AddrAny asks CreateEndpoint to assign the lowest free address above
// the reserved range.
const AddrAny = mqcopy.AddrAny

// MaxPayload is the largest message body Send accepts.
const MaxPayload = mqcopy.MaxPayload

// CreateEndpoint assigns an address (AddrAny for automatic), installs
// cb, and, when announce is set and a name given, advertises the channel
// to every attached remote.
func (m *Module) CreateEndpoint(reserved uint32, name string, cb Handler, priv any, announce bool) (*Endpoint, error) {
	return m.mq.Create(reserved, name, cb, priv, announce)
}

// DeleteEndpoint advertises the channel's destruction (for a named
// endpoint created with announce set), cancels its observers
// synchronously, and frees the address.
func (m *Module) DeleteEndpoint(ep *Endpoint) error {
	return m.mq.Delete(ep)
}

// RegisterNotify subscribes fn to create/destroy announcements of
// endpoints sharing ep's name; known matches replay immediately.
func (m *Module) RegisterNotify(ep *Endpoint, fn NotifyFunc) error {
	return m.mq.RegisterNotify(ep, fn)
}

// Send copies data to the destination endpoint on dstProc. With wait
// set, a drained transmit ring is retried briefly before NoBuffer
// surfaces.
func (m *Module) Send(dstProc int, dst, src uint32, data []byte, wait bool) error {
	return m.mq.Send(dstProc, HostUserID, dst, src, data, wait)
}
