// Package transport defines the uniform binding contract every message
// transfer protocol implements, plus the shared outbound queue and TLS
// policy used by the concrete bindings.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransportDown = errors.New("transport: transport down")
	ErrQueueFull     = errors.New("transport: outbound queue full")
	ErrClosed        = errors.New("transport: binding closed")
	ErrUnknownPeer   = errors.New("transport: unknown peer")
)

type EventKind int

const (
	EventTransportUp EventKind = iota + 1
	EventTransportDown
	EventDeliveryAck
	EventDeliveryFailure
)

func (k EventKind) String() string {
	switch k {
	case EventTransportUp:
		return "transport_up"
	case EventTransportDown:
		return "transport_down"
	case EventDeliveryAck:
		return "delivery_ack"
	case EventDeliveryFailure:
		return "delivery_failure"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a connectivity change or the outcome of one network write.
// Peer is empty when the change applies to every peer of the binding.
type Event struct {
	Kind     EventKind
	Protocol string
	Peer     string
	Err      error
	At       time.Time
}

// Binding moves opaque record bytes between this endpoint and its peers.
type Binding interface {
	Protocol() string
	Connect(ctx context.Context) error
	// Send enqueues payload for peer and never blocks on the network.
	Send(peer string, payload []byte) error
	Close() error
}

// Handler receives inbound payloads and binding events.
type Handler interface {
	OnReceive(peer string, payload []byte)
	OnEvent(Event)
}

// HandlerFuncs adapts plain functions to Handler. Nil members are no-ops.
type HandlerFuncs struct {
	Receive func(peer string, payload []byte)
	Event   func(Event)
}

func (h HandlerFuncs) OnReceive(peer string, payload []byte) {
	if h.Receive != nil {
		h.Receive(peer, payload)
	}
}

func (h HandlerFuncs) OnEvent(ev Event) {
	if h.Event != nil {
		h.Event(ev)
	}
}

// Emit stamps ev and hands it to h.
func Emit(h Handler, protocol string, kind EventKind, peer string, err error) {
	if h == nil {
		return
	}
	h.OnEvent(Event{Kind: kind, Protocol: protocol, Peer: peer, Err: err, At: time.Now()})
}
