// Package loopback is an in-memory binding. Endpoints attached to the same
// Network exchange payloads through their outboxes exactly like a network
// binding would, which makes it the binding of choice for tests and local
// tooling.
package loopback

import (
	"context"
	"sync"

	"github.com/danmuck/uspagent/internal/transport"
)

const Protocol = "loopback"

// DropFunc reports whether a payload from -> to should be lost.
type DropFunc func(from, to string, payload []byte) bool

type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Binding
	down      map[string]bool
	drop      DropFunc
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Binding),
		down:      make(map[string]bool),
	}
}

// SetDrop installs a loss filter. Nil delivers everything.
func (n *Network) SetDrop(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// SetLinkDown marks id unreachable (or reachable again) and tells every
// other endpoint about it.
func (n *Network) SetLinkDown(id string, down bool) {
	n.mu.Lock()
	n.down[id] = down
	others := n.othersLocked(id)
	n.mu.Unlock()

	kind := transport.EventTransportUp
	if down {
		kind = transport.EventTransportDown
	}
	for _, b := range others {
		transport.Emit(b.handler, Protocol, kind, id, nil)
	}
}

func (n *Network) othersLocked(id string) []*Binding {
	out := make([]*Binding, 0, len(n.endpoints))
	for other, b := range n.endpoints {
		if other != id {
			out = append(out, b)
		}
	}
	return out
}

// Bind attaches endpoint id with its handler. Connect must be called
// before Send is serviced.
func (n *Network) Bind(id string, h transport.Handler, queueSize int) *Binding {
	b := &Binding{id: id, network: n, handler: h}
	b.outbox = transport.NewOutbox(Protocol, queueSize, b.write, h)
	return b
}

type Binding struct {
	id      string
	network *Network
	handler transport.Handler
	outbox  *transport.Outbox

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ transport.Binding = (*Binding)(nil)

func (b *Binding) Protocol() string { return Protocol }

func (b *Binding) ID() string { return b.id }

func (b *Binding) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.outbox.Start(runCtx)

	n := b.network
	n.mu.Lock()
	n.endpoints[b.id] = b
	others := n.othersLocked(b.id)
	n.mu.Unlock()

	for _, other := range others {
		transport.Emit(other.handler, Protocol, transport.EventTransportUp, b.id, nil)
		transport.Emit(b.handler, Protocol, transport.EventTransportUp, other.id, nil)
	}
	return nil
}

func (b *Binding) Send(peer string, payload []byte) error {
	b.mu.Lock()
	connected := b.cancel != nil
	b.mu.Unlock()
	if !connected {
		return transport.ErrTransportDown
	}
	return b.outbox.Enqueue(peer, payload)
}

func (b *Binding) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	b.outbox.Close()
	if cancel != nil {
		cancel()
	}

	n := b.network
	n.mu.Lock()
	if n.endpoints[b.id] != b {
		n.mu.Unlock()
		return nil
	}
	delete(n.endpoints, b.id)
	others := n.othersLocked(b.id)
	n.mu.Unlock()
	for _, other := range others {
		transport.Emit(other.handler, Protocol, transport.EventTransportDown, b.id, nil)
	}
	return nil
}

func (b *Binding) write(_ context.Context, peer string, payload []byte) error {
	n := b.network
	n.mu.Lock()
	target, ok := n.endpoints[peer]
	unreachable := n.down[peer] || n.down[b.id]
	drop := n.drop
	n.mu.Unlock()

	if !ok || unreachable {
		return transport.ErrTransportDown
	}
	if drop != nil && drop(b.id, peer, payload) {
		return nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	target.handler.OnReceive(b.id, buf)
	return nil
}
