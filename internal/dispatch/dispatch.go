// Package dispatch turns decoded inbound messages into work: requests are
// validated, deduplicated, queued per peer and executed against the data
// model; responses and errors are matched to pending outbound requests.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/observability"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Outbound carries a message to a peer. The agent implements it by
// framing the message into records and handing them to the binding.
type Outbound interface {
	SendMsg(peer string, m message.Msg) error
}

// Notifier receives the side effects of requests that the subscription
// engine owns.
type Notifier interface {
	SubscriptionChanged(ctx context.Context, instPath string, deleted bool)
	OperationComplete(command, commandKey string, out map[string]string, err error)
}

type Config struct {
	OperationTimeout time.Duration
	// AsyncOperationTimeout bounds an async command after its OperateResp
	// was sent. Expiry is reported as a failed OperationComplete.
	AsyncOperationTimeout time.Duration
	PeerConcurrency       int
	PeerQueueLimit        int
	DedupSize             int
	DedupWindow           time.Duration
	AgentVersions         string
}

func DefaultConfig() Config {
	return Config{
		OperationTimeout:      10 * time.Second,
		AsyncOperationTimeout: 5 * time.Minute,
		PeerConcurrency:       4,
		PeerQueueLimit:        64,
		DedupSize:             1024,
		DedupWindow:           5 * time.Minute,
		AgentVersions:         "1.0,1.1,1.2,1.3",
	}
}

// State is the position of one inbound request in its lifecycle.
type State int

const (
	StateReceived State = iota + 1
	StateValidated
	StateExecuting
	StateResponded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateExecuting:
		return "executing"
	case StateResponded:
		return "responded"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type job struct {
	peer     string
	msg      message.Msg
	state    State
	accepted time.Time
}

func (j *job) transition(to State) {
	log.Trace().Str("peer", j.peer).Str("msg_id", j.msg.Header.MsgID).
		Str("from", j.state.String()).Str("to", to.String()).Msg("dispatch request state")
	j.state = to
}

// peerQueue is the per-peer slot of the dispatcher arena. inflight maps
// the msg_id of every queued or executing request to the number of
// duplicates waiting for its response.
type peerQueue struct {
	mu       sync.Mutex
	active   int
	queue    []*job
	inflight map[string]int
}

func newPeerQueue() *peerQueue {
	return &peerQueue{inflight: make(map[string]int)}
}

// settle forgets j and returns how many duplicates wait for its response.
func (pq *peerQueue) settle(j *job) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.settleLocked(j)
}

func (pq *peerQueue) settleLocked(j *job) int {
	waiters := pq.inflight[j.msg.Header.MsgID]
	delete(pq.inflight, j.msg.Header.MsgID)
	return waiters
}

// Dispatcher is safe for concurrent use. HandleMessage never blocks on
// request execution.
type Dispatcher struct {
	cfg        Config
	backend    datamodel.Backend
	out        Outbound
	supervisor *delivery.Supervisor
	notifier   Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards only the arena map; request state lives in each peerQueue.
	mu     sync.Mutex
	peers  map[string]*peerQueue
	closed atomic.Bool

	dedup *expirable.LRU[string, message.Msg]

	reqMu   sync.Mutex
	nextReq uint64
}

func New(cfg Config, backend datamodel.Backend, out Outbound, supervisor *delivery.Supervisor, notifier Notifier) *Dispatcher {
	def := DefaultConfig()
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.AsyncOperationTimeout <= 0 {
		cfg.AsyncOperationTimeout = def.AsyncOperationTimeout
	}
	if cfg.PeerConcurrency <= 0 {
		cfg.PeerConcurrency = def.PeerConcurrency
	}
	if cfg.PeerQueueLimit < 0 {
		cfg.PeerQueueLimit = 0
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.AgentVersions == "" {
		cfg.AgentVersions = def.AgentVersions
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		backend:    backend,
		out:        out,
		supervisor: supervisor,
		notifier:   notifier,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]*peerQueue),
		dedup:      expirable.NewLRU[string, message.Msg](cfg.DedupSize, nil, cfg.DedupWindow),
	}
}

// HandleMessage routes one decoded inbound message from peer.
func (d *Dispatcher) HandleMessage(peer string, m message.Msg) {
	if m.IsReply() {
		d.correlate(peer, m)
		return
	}
	j := &job{peer: peer, msg: m, state: StateReceived, accepted: time.Now()}
	if err := message.Validate(m); err != nil {
		d.reject(j, errorMsg(m.Header.MsgID, err), "validation")
		return
	}
	if m.Request.Notify != nil {
		d.reject(j, message.NewError(m.Header.MsgID, message.ErrCodeRequestDenied, "agent does not accept Notify"), "notify")
		return
	}
	j.transition(StateValidated)

	if d.closed.Load() {
		return
	}
	pq := d.peer(peer)
	id := m.Header.MsgID

	// The in-flight check, the cache lookup and the registration happen
	// under the peer lock so a duplicate never executes twice.
	pq.mu.Lock()
	if _, busy := pq.inflight[id]; busy {
		pq.inflight[id]++
		pq.mu.Unlock()
		observability.RecordDuplicate()
		log.Debug().Str("peer", peer).Str("msg_id", id).Msg("dispatch duplicate of in-flight request waits for its response")
		return
	}
	if cached, ok := d.dedup.Get(dedupKey(peer, id)); ok {
		pq.mu.Unlock()
		observability.RecordDuplicate()
		log.Debug().Str("peer", peer).Str("msg_id", id).Msg("dispatch duplicate answered from cache")
		if cached.Header.MsgID != "" {
			d.send(peer, cached)
		}
		return
	}
	pq.inflight[id] = 0
	d.enqueueLocked(pq, j)
}

func (d *Dispatcher) peer(id string) *peerQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	pq, ok := d.peers[id]
	if !ok {
		pq = newPeerQueue()
		d.peers[id] = pq
	}
	return pq
}

// enqueueLocked starts or queues j. pq.mu is held on entry and released.
func (d *Dispatcher) enqueueLocked(pq *peerQueue, j *job) {
	if pq.active < d.cfg.PeerConcurrency {
		pq.active++
		pq.mu.Unlock()
		d.start(pq, j)
		return
	}
	pq.queue = append(pq.queue, j)
	var dropped *job
	waiters := 0
	if len(pq.queue) > d.cfg.PeerQueueLimit {
		dropped = pq.queue[0]
		pq.queue[0] = nil
		pq.queue = pq.queue[1:]
		waiters = pq.settleLocked(dropped)
	}
	pq.mu.Unlock()

	if dropped != nil {
		observability.RecordOverload()
		log.Warn().Str("peer", dropped.peer).Str("msg_id", dropped.msg.Header.MsgID).Msg("dispatch queue overflow; oldest request rejected")
		resp := errorMsg(dropped.msg.Header.MsgID, fmt.Errorf("%w: peer %s", ErrOverload, dropped.peer))
		d.reject(dropped, resp, "overload")
		for range waiters {
			d.send(dropped.peer, resp)
		}
	}
}

func (d *Dispatcher) start(pq *peerQueue, j *job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for j != nil {
			d.execute(pq, j)
			pq.mu.Lock()
			if len(pq.queue) == 0 {
				pq.active--
				j = nil
			} else {
				j = pq.queue[0]
				pq.queue[0] = nil
				pq.queue = pq.queue[1:]
			}
			pq.mu.Unlock()
		}
	}()
}

func (d *Dispatcher) execute(pq *peerQueue, j *job) {
	j.transition(StateExecuting)
	resp, ok := d.run(j)
	cached := resp
	if !ok {
		cached = message.Msg{}
	}
	pq.mu.Lock()
	d.dedup.Add(dedupKey(j.peer, j.msg.Header.MsgID), cached)
	waiters := pq.settleLocked(j)
	pq.mu.Unlock()
	if ok {
		for range waiters + 1 {
			d.send(j.peer, resp)
		}
	}
	j.transition(StateResponded)
	observability.RecordResponse(j.msg.Header.MsgType.String(), outcome(resp), time.Since(j.accepted))
}

// run executes the request under the operation timeout. ok is false when
// the request asked for no response.
func (d *Dispatcher) run(j *job) (message.Msg, bool) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.OperationTimeout)
	defer cancel()

	type result struct {
		msg message.Msg
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("peer", j.peer).Str("msg_id", j.msg.Header.MsgID).Msg("dispatch handler panic")
				done <- result{msg: message.NewError(j.msg.Header.MsgID, message.ErrCodeInternal, "internal error"), ok: true}
			}
		}()
		msg, ok := d.handle(ctx, j.msg)
		done <- result{msg: msg, ok: ok}
	}()

	select {
	case r := <-done:
		return r.msg, r.ok
	case <-ctx.Done():
		log.Warn().Str("peer", j.peer).Str("msg_id", j.msg.Header.MsgID).Dur("timeout", d.cfg.OperationTimeout).Msg("dispatch operation timed out")
		return errorMsg(j.msg.Header.MsgID, ctx.Err()), true
	}
}

func (d *Dispatcher) reject(j *job, resp message.Msg, reason string) {
	j.transition(StateRejected)
	log.Debug().Str("peer", j.peer).Str("msg_id", j.msg.Header.MsgID).Str("reason", reason).Msg("dispatch request rejected")
	if j.msg.Header.MsgID == "" {
		return
	}
	d.send(j.peer, resp)
	observability.RecordResponse(j.msg.Header.MsgType.String(), outcome(resp), time.Since(j.accepted))
}

func (d *Dispatcher) send(peer string, m message.Msg) {
	if err := d.out.SendMsg(peer, m); err != nil {
		log.Warn().Err(err).Str("peer", peer).Str("msg_id", m.Header.MsgID).Str("msg_type", m.Header.MsgType.String()).Msg("dispatch response send failed")
	}
}

// correlate settles a pending outbound request or notification.
func (d *Dispatcher) correlate(peer string, m message.Msg) {
	if d.supervisor != nil && d.supervisor.Ack(peer, m.Header.MsgID, m) {
		log.Debug().Str("peer", peer).Str("msg_id", m.Header.MsgID).Str("msg_type", m.Header.MsgType.String()).Msg("dispatch reply correlated")
		return
	}
	log.Info().Str("peer", peer).Str("msg_id", m.Header.MsgID).Str("msg_type", m.Header.MsgType.String()).Msg("dispatch unmatched reply discarded")
}

// Request sends an agent-originated request to peer and waits for its
// response, retransmitting through the supervisor.
func (d *Dispatcher) Request(ctx context.Context, peer string, m message.Msg) (message.Msg, error) {
	if d.supervisor == nil {
		return message.Msg{}, fmt.Errorf("%w: no delivery supervisor", ErrClosed)
	}
	done, err := d.supervisor.Track(delivery.Pending{
		ID:   m.Header.MsgID,
		Peer: peer,
		Kind: delivery.KindRequest,
	}, func() error {
		return d.out.SendMsg(peer, m)
	})
	if err != nil {
		return message.Msg{}, err
	}
	select {
	case out := <-done:
		return out.Reply, out.Err
	case <-ctx.Done():
		return message.Msg{}, ctx.Err()
	}
}

// QueueDepth reports executing and queued requests for peer.
func (d *Dispatcher) QueueDepth(peer string) (active, queued int) {
	d.mu.Lock()
	pq, ok := d.peers[peer]
	d.mu.Unlock()
	if !ok {
		return 0, 0
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.active, len(pq.queue)
}

// DropPeer discards requests still queued for peer. Executing requests
// finish normally.
func (d *Dispatcher) DropPeer(peer string) {
	d.mu.Lock()
	pq, ok := d.peers[peer]
	d.mu.Unlock()
	if !ok {
		return
	}
	pq.mu.Lock()
	dropped := pq.queue
	pq.queue = nil
	for _, j := range dropped {
		pq.settleLocked(j)
	}
	pq.mu.Unlock()
	if len(dropped) > 0 {
		log.Info().Str("peer", peer).Int("dropped", len(dropped)).Msg("dispatch peer queue dropped")
	}
}

// Close cancels executing requests and waits for workers to drain.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
	d.cancel()
	d.wg.Wait()
}

func dedupKey(peer, msgID string) string {
	return peer + "\x00" + msgID
}

func outcome(m message.Msg) string {
	if m.Error != nil {
		return fmt.Sprintf("%d", m.Error.ErrCode)
	}
	if m.Header.MsgID == "" {
		return "no_response"
	}
	return "ok"
}
