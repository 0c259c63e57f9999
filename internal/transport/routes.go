package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Router is implemented by bindings that learn a peer's reply address
// from inbound traffic.
type Router interface {
	Route(endpointID, address string)
}

// Routes maps endpoint ids to binding-specific addresses: a CoAP URI, an
// MQTT topic, a STOMP destination or a WebSocket URL.
type Routes struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewRoutes(static map[string]string) *Routes {
	r := &Routes{m: make(map[string]string, len(static))}
	for id, addr := range static {
		r.m[id] = addr
	}
	return r
}

func (r *Routes) Set(endpointID, address string) {
	if endpointID == "" || address == "" {
		return
	}
	r.mu.Lock()
	r.m[endpointID] = address
	r.mu.Unlock()
}

// Lookup returns the address of endpointID or ErrUnknownPeer.
func (r *Routes) Lookup(endpointID string) (string, error) {
	r.mu.RLock()
	addr, ok := r.m[endpointID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, endpointID)
	}
	return addr, nil
}

// Endpoints lists known endpoint ids in order.
func (r *Routes) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
