// Package delivery owns every outbound message that expects an answer:
// requests awaiting a response and notifications awaiting NotifyResp.
// Each entry is retransmitted on an exponential backoff until it is acked,
// its retry budget runs out, or its peer is cancelled.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeliveryFailed = errors.New("delivery: delivery failed")
	ErrDuplicate      = errors.New("delivery: message already pending")
	ErrClosed         = errors.New("delivery: supervisor closed")
)

type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

type State int

const (
	StatePending State = iota + 1
	StateSuspended
	StateAcked
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSuspended:
		return "suspended"
	case StateAcked:
		return "acked"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Pending is one tracked outbound message.
type Pending struct {
	ID         string
	Peer       string
	Kind       Kind
	SentAt     time.Time
	Deadline   time.Time
	RetryCount int
	State      State
}

// Sender transmits the tracked message once. It is called for the first
// send and for every retransmission.
type Sender func() error

// Outcome is delivered exactly once per tracked entry.
type Outcome struct {
	Pending Pending
	Reply   message.Msg
	Err     error
}

// Hooks observe supervisor transitions. Nil members are skipped.
type Hooks struct {
	Retransmit func(Pending)
	Exhausted  func(Pending)
}

type Config struct {
	Backoff     backoff.Config
	MaxRetries  int
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		Backoff: backoff.Config{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     time.Minute,
			Jitter:       true,
		},
		MaxRetries:  5,
		EventBuffer: 64,
	}
}

type entry struct {
	p         Pending
	send      Sender
	sent      bool
	gen       uint64
	timer     *time.Timer
	remaining time.Duration
	done      chan Outcome
}

// peerEntries is one peer's slot in the supervisor arena. Every state
// change of the peer's entries happens under its own lock.
type peerEntries struct {
	id      string
	mu      sync.Mutex
	down    bool
	entries map[string]*entry
}

type Supervisor struct {
	cfg   Config
	hooks Hooks

	// mu guards only the arena map.
	mu     sync.Mutex
	peers  map[string]*peerEntries
	closed atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	events chan transport.Event
	now    func() time.Time
}

func NewSupervisor(cfg Config, hooks Hooks) *Supervisor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	return &Supervisor{
		cfg:    cfg,
		hooks:  hooks,
		peers:  make(map[string]*peerEntries),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		events: make(chan transport.Event, cfg.EventBuffer),
		now:    time.Now,
	}
}

// Events is where bindings' connectivity events are delivered.
func (s *Supervisor) Events() chan<- transport.Event {
	return s.events
}

// Run consumes transport events until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventTransportDown:
		s.TransportDown(ev.Peer)
	case transport.EventTransportUp:
		s.TransportUp(ev.Peer)
	case transport.EventDeliveryFailure:
		log.Debug().Err(ev.Err).Str("protocol", ev.Protocol).Str("peer", ev.Peer).Msg("delivery write failed; awaiting retry timer")
	}
}

func (s *Supervisor) peer(id string) *peerEntries {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.peers[id]
	if !ok {
		pe = &peerEntries{id: id, entries: make(map[string]*entry)}
		s.peers[id] = pe
	}
	return pe
}

func (s *Supervisor) lookup(id string) (*peerEntries, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.peers[id]
	return pe, ok
}

func (s *Supervisor) arena() []*peerEntries {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerEntries, 0, len(s.peers))
	for _, pe := range s.peers {
		out = append(out, pe)
	}
	return out
}

// Track sends once and arms the retry timer. When the peer is down the
// first send waits for TransportUp.
func (s *Supervisor) Track(p Pending, send Sender) (<-chan Outcome, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	pe := s.peer(p.Peer)
	pe.mu.Lock()
	if s.closed.Load() {
		pe.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := pe.entries[p.ID]; dup {
		pe.mu.Unlock()
		return nil, fmt.Errorf("%w: peer=%s id=%s", ErrDuplicate, p.Peer, p.ID)
	}
	e := &entry{p: p, send: send, done: make(chan Outcome, 1)}
	e.p.RetryCount = 0
	e.p.State = StatePending
	pe.entries[p.ID] = e
	if pe.down {
		e.p.State = StateSuspended
		pe.mu.Unlock()
		log.Debug().Str("peer", p.Peer).Str("msg_id", p.ID).Msg("delivery tracked while peer down")
		return e.done, nil
	}
	e.sent = true
	e.p.SentAt = s.now()
	s.armLocked(pe, e, e.p.SentAt, s.delay(e))
	pe.mu.Unlock()

	if err := send(); err != nil {
		log.Debug().Err(err).Str("peer", p.Peer).Str("msg_id", p.ID).Msg("delivery first send failed")
	}
	return e.done, nil
}

// Ack settles the entry matching (peer, id) with reply. It reports false
// when nothing was pending.
func (s *Supervisor) Ack(peer, id string, reply message.Msg) bool {
	pe, ok := s.lookup(peer)
	if !ok {
		return false
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	e, ok := pe.entries[id]
	if !ok {
		return false
	}
	finishLocked(pe, e, StateAcked, Outcome{Reply: reply})
	return true
}

// TransportDown freezes the timers of peer's entries without spending
// retries. Events must name a peer; the agent resolves binding-wide
// events to the peers of that binding.
func (s *Supervisor) TransportDown(peer string) {
	if peer == "" {
		log.Debug().Msg("delivery unscoped transport down ignored")
		return
	}
	pe := s.peer(peer)
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.down = true
	now := s.now()
	for _, e := range pe.entries {
		if e.p.State != StatePending {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		e.remaining = max(e.p.Deadline.Sub(now), 0)
		e.p.State = StateSuspended
	}
	log.Info().Str("peer", peer).Msg("delivery suspended")
}

// TransportUp resumes peer's suspended entries at the backoff stage they
// were frozen in.
func (s *Supervisor) TransportUp(peer string) {
	if peer == "" {
		log.Debug().Msg("delivery unscoped transport up ignored")
		return
	}
	pe, ok := s.lookup(peer)
	if !ok {
		return
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.down = false
	for _, e := range pe.entries {
		if e.p.State != StateSuspended {
			continue
		}
		e.p.State = StatePending
		delay := e.remaining
		if !e.sent {
			delay = 0
		}
		s.armLocked(pe, e, s.now(), delay)
	}
	log.Info().Str("peer", peer).Msg("delivery resumed")
}

// Down reports whether peer's deliveries are suspended.
func (s *Supervisor) Down(peer string) bool {
	pe, ok := s.lookup(peer)
	if !ok {
		return false
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.down
}

// CancelPeer fails every entry of peer immediately.
func (s *Supervisor) CancelPeer(peer string) {
	pe, ok := s.lookup(peer)
	if !ok {
		return
	}
	pe.mu.Lock()
	cancelled := make([]Pending, 0, len(pe.entries))
	for _, e := range pe.entries {
		finishLocked(pe, e, StateExhausted, Outcome{Err: fmt.Errorf("%w: peer %s closed", ErrDeliveryFailed, peer)})
		cancelled = append(cancelled, e.p)
	}
	pe.down = false
	pe.mu.Unlock()
	for _, p := range cancelled {
		s.exhausted(p)
	}
}

// Close fails everything still pending and rejects further tracking.
func (s *Supervisor) Close() {
	s.closed.Store(true)
	for _, pe := range s.arena() {
		pe.mu.Lock()
		for _, e := range pe.entries {
			finishLocked(pe, e, StateExhausted, Outcome{Err: fmt.Errorf("%w: %v", ErrDeliveryFailed, ErrClosed)})
		}
		pe.mu.Unlock()
	}
}

// List returns a snapshot of every tracked entry ordered by peer and id.
func (s *Supervisor) List() []Pending {
	var out []Pending
	for _, pe := range s.arena() {
		pe.mu.Lock()
		for _, e := range pe.entries {
			out = append(out, e.p)
		}
		pe.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Supervisor) Len() int {
	n := 0
	for _, pe := range s.arena() {
		pe.mu.Lock()
		n += len(pe.entries)
		pe.mu.Unlock()
	}
	return n
}

func (s *Supervisor) fire(pe *peerEntries, id string, gen uint64) {
	pe.mu.Lock()
	e, ok := pe.entries[id]
	if !ok || e.gen != gen || e.p.State != StatePending {
		pe.mu.Unlock()
		return
	}
	if e.sent && e.p.RetryCount >= s.cfg.MaxRetries {
		p := e.p
		finishLocked(pe, e, StateExhausted, Outcome{Err: fmt.Errorf("%w: %s %s to %s after %d retries",
			ErrDeliveryFailed, p.Kind, p.ID, p.Peer, p.RetryCount)})
		pe.mu.Unlock()
		s.exhausted(p)
		return
	}
	retransmit := e.sent
	if retransmit {
		e.p.RetryCount++
	}
	e.sent = true
	e.p.SentAt = s.now()
	s.armLocked(pe, e, e.p.SentAt, s.delay(e))
	p, send := e.p, e.send
	pe.mu.Unlock()

	if retransmit {
		log.Debug().Str("peer", p.Peer).Str("msg_id", p.ID).Int("retry", p.RetryCount).Msg("delivery retransmit")
		if s.hooks.Retransmit != nil {
			s.hooks.Retransmit(p)
		}
	}
	if err := send(); err != nil {
		log.Debug().Err(err).Str("peer", p.Peer).Str("msg_id", p.ID).Msg("delivery send failed")
	}
}

func (s *Supervisor) exhausted(p Pending) {
	log.Warn().Str("peer", p.Peer).Str("msg_id", p.ID).Str("kind", p.Kind.String()).Int("retries", p.RetryCount).Msg("delivery exhausted")
	if s.hooks.Exhausted != nil {
		s.hooks.Exhausted(p)
	}
}

func (s *Supervisor) delay(e *entry) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return backoff.Delay(s.cfg.Backoff, e.p.RetryCount+1, s.rng)
}

// armLocked schedules the next firing delay after from.
func (s *Supervisor) armLocked(pe *peerEntries, e *entry, from time.Time, delay time.Duration) {
	e.gen++
	gen, id := e.gen, e.p.ID
	e.p.Deadline = from.Add(delay)
	e.timer = time.AfterFunc(delay, func() { s.fire(pe, id, gen) })
}

func finishLocked(pe *peerEntries, e *entry, state State, out Outcome) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	e.p.State = state
	delete(pe.entries, e.p.ID)
	out.Pending = e.p
	select {
	case e.done <- out:
	default:
	}
}
