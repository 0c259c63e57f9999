// Package agent wires the protocol engine together: bindings feed records
// into the session layer and dispatcher, and every outbound message is
// framed back into records for the binding that reaches its peer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/dispatch"
	"github.com/danmuck/uspagent/internal/notify"
	"github.com/danmuck/uspagent/internal/observability"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/danmuck/uspagent/internal/protocol/record"
	"github.com/danmuck/uspagent/internal/protocol/session"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoBinding = errors.New("agent: no binding for peer")
	ErrRunning   = errors.New("agent: already running")
)

// ControllerRoute pins a controller endpoint to one binding and address.
type ControllerRoute struct {
	EndpointID string
	Protocol   string
	Address    string
}

type Config struct {
	EndpointID string
	Session    session.Config
	Dispatch   dispatch.Config
	Delivery   delivery.Config
	Notify     notify.Config
	// SweepInterval drives reassembly and subscription expiry sweeps.
	SweepInterval time.Duration
	// BootCause is reported in the Boot! event.
	BootCause   string
	Controllers []ControllerRoute
}

func DefaultConfig(endpointID string) Config {
	sc := session.DefaultConfig()
	sc.LocalID = endpointID
	return Config{
		EndpointID:    endpointID,
		Session:       sc,
		Dispatch:      dispatch.DefaultConfig(),
		Delivery:      delivery.DefaultConfig(),
		Notify:        notify.DefaultConfig(),
		SweepInterval: 5 * time.Second,
		BootCause:     "LocalReboot",
	}
}

type Agent struct {
	cfg     Config
	backend datamodel.Backend

	sessions   *session.Manager
	supervisor *delivery.Supervisor
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Engine

	mu       sync.RWMutex
	bindings []transport.Binding
	byProto  map[string]transport.Binding
	peers    map[string]transport.Binding
	gone     map[string]bool

	running  atomic.Bool
	ready    atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, backend datamodel.Backend) *Agent {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	cfg.Session.LocalID = cfg.EndpointID
	a := &Agent{
		cfg:      cfg,
		backend:  backend,
		sessions: session.NewManager(cfg.Session),
		byProto:  make(map[string]transport.Binding),
		peers:    make(map[string]transport.Binding),
		gone:     make(map[string]bool),
		stopped:  make(chan struct{}),
	}
	a.supervisor = delivery.NewSupervisor(cfg.Delivery, delivery.Hooks{
		Retransmit: func(p delivery.Pending) { observability.RecordRetransmission(p.Kind.String()) },
		Exhausted:  func(p delivery.Pending) { observability.RecordExhausted(p.Kind.String()) },
	})
	a.notifier = notify.New(cfg.Notify, backend, a, a.supervisor)
	a.dispatcher = dispatch.New(cfg.Dispatch, backend, a, a.supervisor, a.notifier)
	return a
}

func (a *Agent) EndpointID() string                { return a.cfg.EndpointID }
func (a *Agent) Supervisor() *delivery.Supervisor { return a.supervisor }
func (a *Agent) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *Agent) Notifier() *notify.Engine         { return a.notifier }
func (a *Agent) Sessions() []session.Info         { return a.sessions.Sessions() }

func (a *Agent) Subscriptions() []notify.Subscription { return a.notifier.Subscriptions() }
func (a *Agent) Pending() []delivery.Pending          { return a.supervisor.List() }

// Ready reports whether every binding connected and the boot sequence ran.
func (a *Agent) Ready() bool { return a.ready.Load() }

// Handler returns the receive path a binding of protocol reports to.
func (a *Agent) Handler(protocol string) transport.Handler {
	return &bindingHandler{agent: a, protocol: protocol}
}

// Attach registers a binding built with Handler. Attach before Run.
func (a *Agent) Attach(b transport.Binding) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings = append(a.bindings, b)
	a.byProto[b.Protocol()] = b
	if lister, ok := b.(interface{ Controllers() []string }); ok {
		for _, id := range lister.Controllers() {
			a.peers[id] = b
		}
	}
}

// Bindings lists the attached protocols in order.
func (a *Agent) Bindings() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.byProto))
	for p := range a.byProto {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Route pins endpointID to the binding of protocol, telling the binding
// the address when it routes by address.
func (a *Agent) Route(endpointID, protocol, address string) error {
	a.mu.Lock()
	b, ok := a.byProto[protocol]
	if ok {
		a.peers[endpointID] = b
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s over %s", ErrNoBinding, endpointID, protocol)
	}
	if r, ok := b.(transport.Router); ok && address != "" {
		r.Route(endpointID, address)
	}
	return nil
}

// Run connects every binding, loads subscriptions, sends Boot! and serves
// until ctx ends. An agent runs once.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer a.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.supervisor.Run(gctx)) })
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	for _, b := range a.attached() {
		if err := b.Connect(gctx); err != nil {
			return fail(fmt.Errorf("agent: connect %s: %w", b.Protocol(), err))
		}
	}
	for _, c := range a.cfg.Controllers {
		if err := a.Route(c.EndpointID, c.Protocol, c.Address); err != nil {
			log.Warn().Err(err).Str("peer", c.EndpointID).Msg("agent controller route skipped")
		}
	}
	a.routeControllers(gctx)

	if err := a.notifier.Load(gctx); err != nil {
		return fail(fmt.Errorf("agent: load subscriptions: %w", err))
	}
	g.Go(func() error { return ignoreCanceled(a.notifier.Run(gctx)) })
	g.Go(func() error { return a.sweepLoop(gctx) })

	a.notifier.Boot(gctx, a.cfg.BootCause)
	a.ready.Store(true)
	log.Info().Str("endpoint", a.cfg.EndpointID).Strs("bindings", a.Bindings()).Msg("agent ready")

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) attached() []transport.Binding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]transport.Binding(nil), a.bindings...)
}

// routeControllers pins the enabled controllers of the data model.
func (a *Agent) routeControllers(ctx context.Context) {
	insts, err := a.backend.Instances(ctx, notify.ControllerTable)
	if err != nil {
		log.Warn().Err(err).Msg("agent controller table unreadable")
		return
	}
	for _, inst := range insts {
		values, err := a.backend.Get(ctx, inst)
		if err != nil {
			continue
		}
		if v, ok := values[inst+"Enable"]; ok && !datamodel.ParseBool(v) {
			continue
		}
		id, proto := values[inst+"EndpointID"], values[inst+"Protocol"]
		if id == "" || proto == "" {
			continue
		}
		if err := a.Route(id, proto, values[inst+"Address"]); err != nil {
			log.Debug().Err(err).Str("controller", inst).Msg("agent controller route skipped")
		}
	}
}

func (a *Agent) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			a.Sweep(ctx, now)
		}
	}
}

// Sweep drops stale reassembly buffers and expired subscriptions.
func (a *Agent) Sweep(ctx context.Context, now time.Time) {
	for _, to := range a.sessions.Sweep(now) {
		observability.RecordReassemblyTimeout()
		log.Warn().Err(to).Str("peer", to.Peer).Msg("agent reassembly dropped")
	}
	a.notifier.Sweep(ctx, now)
}

func (a *Agent) shutdown() {
	a.ready.Store(false)
	a.stopOnce.Do(func() { close(a.stopped) })
	for _, b := range a.attached() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Str("protocol", b.Protocol()).Msg("agent binding close")
		}
	}
	a.dispatcher.Close()
	a.supervisor.Close()
	log.Info().Str("endpoint", a.cfg.EndpointID).Msg("agent stopped")
}

// ClosePeer forgets everything in flight with peer: pending deliveries
// fail, reassembly buffers and queued requests are dropped.
func (a *Agent) ClosePeer(peer string) {
	a.supervisor.CancelPeer(peer)
	a.sessions.DropPeer(peer)
	a.dispatcher.DropPeer(peer)
	log.Info().Str("peer", peer).Msg("agent peer closed")
}

// SendMsg frames m into records for peer and queues them on its binding.
func (a *Agent) SendMsg(peer string, m message.Msg) error {
	b, err := a.bindingFor(peer)
	if err != nil {
		return err
	}
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	recs, err := a.sessions.PrepareSend(peer, payload, 0)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := a.sendRecord(b, peer, rec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) sendRecord(b transport.Binding, peer string, rec record.Record) error {
	raw, err := record.Encode(rec)
	if err != nil {
		return err
	}
	return b.Send(peer, raw)
}

func (a *Agent) bindingFor(peer string) (transport.Binding, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if b, ok := a.peers[peer]; ok {
		return b, nil
	}
	if len(a.bindings) == 1 {
		return a.bindings[0], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoBinding, peer)
}

// learn pins peer to the binding it was last heard on.
func (a *Agent) learn(peer string, b transport.Binding, address string) bool {
	a.mu.Lock()
	if b != nil {
		a.peers[peer] = b
	}
	wasGone := a.gone[peer]
	delete(a.gone, peer)
	a.mu.Unlock()
	if r, ok := b.(transport.Router); ok && address != "" {
		r.Route(peer, address)
	}
	return wasGone
}

func (a *Agent) binding(protocol string) transport.Binding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byProto[protocol]
}

// peersOn lists the peers currently pinned to b.
func (a *Agent) peersOn(b transport.Binding) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for id, pb := range a.peers {
		if pb == b {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Peers lists every peer the agent can reach.
func (a *Agent) Peers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.peers))
	for id := range a.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
