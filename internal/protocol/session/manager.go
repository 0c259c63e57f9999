package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/uspagent/internal/protocol/record"
	"github.com/rs/zerolog/log"
)

var (
	ErrReassemblyTimeout = errors.New("session: reassembly timeout")
	ErrReassemblyLimit   = errors.New("session: reassembly buffer limit exceeded")
	ErrNoPayload         = errors.New("session: record carries no payload")
	ErrMissingPeer       = errors.New("session: missing peer")
)

// Key identifies one reassembly buffer.
type Key struct {
	From      string
	To        string
	SessionID uint64
}

// ReassemblyTimeout reports a buffer dropped by Sweep. The peer has to
// retransmit the payload.
type ReassemblyTimeout struct {
	Peer     string
	Key      Key
	Received int
	Age      time.Duration
}

func (e ReassemblyTimeout) Error() string {
	return fmt.Sprintf("session: reassembly timeout peer=%s session_id=%d received=%d age=%s",
		e.Peer, e.Key.SessionID, e.Received, e.Age)
}

func (e ReassemblyTimeout) Unwrap() error {
	return ErrReassemblyTimeout
}

// Info is a read-only view of one peer's session state.
type Info struct {
	Peer       string
	SessionID  uint64
	SequenceID uint64
	ExpectedID uint64
	Buffers    int
}

type reassembly struct {
	started      time.Time
	begin        uint64
	haveBegin    bool
	complete     uint64
	haveComplete bool
	parts        map[uint64][]byte
	size         int
}

func newReassembly(now time.Time) *reassembly {
	return &reassembly{started: now, parts: make(map[uint64][]byte)}
}

// total is the declared segment count once both markers are known.
func (r *reassembly) total() (uint64, bool) {
	if !r.haveBegin || !r.haveComplete {
		return 0, false
	}
	return distance(r.begin, r.complete) + 1, true
}

func (r *reassembly) inRange(seq uint64) bool {
	total, ok := r.total()
	if !ok {
		return true
	}
	return distance(r.begin, seq) < total
}

type peerState struct {
	mu         sync.Mutex
	sessionID  uint64
	sequenceID uint64
	expectedID uint64
	buffers    map[Key]*reassembly
}

// Manager tracks session context for every peer of one local endpoint.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*peerState

	now func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxReassemblyBytes <= 0 {
		cfg.MaxReassemblyBytes = DefaultConfig().MaxReassemblyBytes
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = DefaultConfig().ReassemblyTimeout
	}
	return &Manager{
		cfg:   cfg,
		peers: make(map[string]*peerState),
		now:   time.Now,
	}
}

func (m *Manager) peer(id string) *peerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[id]
	if !ok {
		ps = &peerState{
			sessionID: uint64(rand.Uint32()) + 1,
			buffers:   make(map[Key]*reassembly),
		}
		m.peers[id] = ps
	}
	return ps
}

// OnReceive feeds one decoded record. It returns the full payload once one
// is available: immediately for unsegmented records, or when the last
// missing segment of a payload arrives.
func (m *Manager) OnReceive(peer string, rec record.Record) ([]byte, bool, error) {
	switch rec.Kind {
	case record.KindNoSessionContext:
		return rec.Payload, true, nil
	case record.KindSessionContext:
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrNoPayload, rec.Kind)
	}
	if peer == "" {
		return nil, false, ErrMissingPeer
	}
	seg := rec.Segment
	ps := m.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Sequence ids are compared modulo SequenceModulus; a peer may use the
	// full 64-bit range.
	seq := seg.SequenceID % SequenceModulus
	if ps.expectedID != 0 && seq != ps.expectedID {
		log.Debug().
			Str("peer", peer).
			Uint64("session_id", seg.SessionID).
			Uint64("sequence_id", seg.SequenceID).
			Uint64("expected_id", ps.expectedID).
			Msg("session sequence gap")
	}
	ps.expectedID = (seq + 1) % SequenceModulus

	if seg.State == record.SARNone {
		return seg.Data, true, nil
	}

	key := Key{From: rec.FromID, To: rec.ToID, SessionID: seg.SessionID}
	buf, ok := ps.buffers[key]
	if !ok {
		buf = newReassembly(m.now())
		ps.buffers[key] = buf
	}

	if m.inconsistent(buf, seg.State, seq) {
		log.Warn().
			Str("peer", peer).
			Uint64("session_id", seg.SessionID).
			Uint64("sequence_id", seg.SequenceID).
			Msg("session reassembly reset on inconsistent segment markers")
		buf = newReassembly(m.now())
		ps.buffers[key] = buf
	}
	if _, dup := buf.parts[seq]; dup {
		log.Debug().Str("peer", peer).Uint64("sequence_id", seg.SequenceID).Msg("session duplicate segment ignored")
		return nil, false, nil
	}
	if buf.size+len(seg.Data) > m.cfg.MaxReassemblyBytes {
		delete(ps.buffers, key)
		return nil, false, fmt.Errorf("%w: peer=%s session_id=%d", ErrReassemblyLimit, peer, seg.SessionID)
	}

	switch seg.State {
	case record.SARBegin:
		buf.begin, buf.haveBegin = seq, true
	case record.SARComplete:
		buf.complete, buf.haveComplete = seq, true
	}
	buf.parts[seq] = seg.Data
	buf.size += len(seg.Data)

	total, known := buf.total()
	if !known || uint64(len(buf.parts)) < total {
		return nil, false, nil
	}
	payload, ok := buf.assemble(total)
	if !ok {
		return nil, false, nil
	}
	delete(ps.buffers, key)
	return payload, true, nil
}

// assemble concatenates the total parts starting at begin. It reports
// false while any of them is missing.
func (r *reassembly) assemble(total uint64) ([]byte, bool) {
	payload := make([]byte, 0, r.size)
	for i := uint64(0); i < total; i++ {
		part, ok := r.parts[(r.begin+i)%SequenceModulus]
		if !ok {
			return nil, false
		}
		payload = append(payload, part...)
	}
	return payload, true
}

// inconsistent reports a segment that contradicts the buffer: a second
// BEGIN or COMPLETE at a different sequence id, or any segment falling
// outside the range the two markers declare.
func (m *Manager) inconsistent(buf *reassembly, state record.SARState, seq uint64) bool {
	next := *buf
	switch state {
	case record.SARBegin:
		if buf.haveBegin && buf.begin != seq {
			return true
		}
		next.begin, next.haveBegin = seq, true
	case record.SARComplete:
		if buf.haveComplete && buf.complete != seq {
			return true
		}
		next.complete, next.haveComplete = seq, true
	}
	total, ok := next.total()
	if !ok {
		return false
	}
	if total > SequenceModulus/2 {
		return true
	}
	if !next.inRange(seq) {
		return true
	}
	for have := range buf.parts {
		if !next.inRange(have) {
			return true
		}
	}
	return false
}

// PrepareSend frames payload for peer. A payload that fits in
// maxSegmentSize (or the configured default when zero) yields one record;
// a larger one yields BEGIN, INPROCESS..., COMPLETE session records with
// consecutive sequence ids.
func (m *Manager) PrepareSend(peer string, payload []byte, maxSegmentSize int) ([]record.Record, error) {
	if peer == "" {
		return nil, ErrMissingPeer
	}
	if maxSegmentSize <= 0 {
		maxSegmentSize = m.cfg.MaxSegmentSize
	}
	fits := maxSegmentSize <= 0 || len(payload) <= maxSegmentSize
	if fits && !m.cfg.UseSessionContext {
		return []record.Record{record.NewPlaintext(m.cfg.LocalID, peer, payload)}, nil
	}

	var chunks [][]byte
	if fits {
		chunks = [][]byte{payload}
	} else {
		for start := 0; start < len(payload); start += maxSegmentSize {
			end := min(start+maxSegmentSize, len(payload))
			chunks = append(chunks, payload[start:end])
		}
	}

	ps := m.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := make([]record.Record, 0, len(chunks))
	for i, chunk := range chunks {
		state := record.SARInProcess
		switch {
		case len(chunks) == 1:
			state = record.SARNone
		case i == 0:
			state = record.SARBegin
		case i == len(chunks)-1:
			state = record.SARComplete
		}
		ps.sequenceID = (ps.sequenceID + 1) % SequenceModulus
		out = append(out, record.Record{
			Version: record.CurrentVersion,
			ToID:    peer,
			FromID:  m.cfg.LocalID,
			Kind:    record.KindSessionContext,
			Segment: &record.Segment{
				SessionID:  ps.sessionID,
				SequenceID: ps.sequenceID,
				ExpectedID: ps.expectedID,
				State:      state,
				Data:       chunk,
			},
		})
	}
	return out, nil
}

// Sweep drops reassembly buffers older than the configured timeout and
// reports each drop.
func (m *Manager) Sweep(now time.Time) []ReassemblyTimeout {
	m.mu.Lock()
	peers := make(map[string]*peerState, len(m.peers))
	for id, ps := range m.peers {
		peers[id] = ps
	}
	m.mu.Unlock()

	var out []ReassemblyTimeout
	for id, ps := range peers {
		ps.mu.Lock()
		for key, buf := range ps.buffers {
			age := now.Sub(buf.started)
			if age < m.cfg.ReassemblyTimeout {
				continue
			}
			delete(ps.buffers, key)
			t := ReassemblyTimeout{Peer: id, Key: key, Received: len(buf.parts), Age: age}
			log.Warn().Err(t).Str("peer", id).Msg("session reassembly dropped")
			out = append(out, t)
		}
		ps.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Key.SessionID < out[j].Key.SessionID
	})
	return out
}

// DropPeer discards the session and all reassembly buffers of peer.
func (m *Manager) DropPeer(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
}

func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	peers := make(map[string]*peerState, len(m.peers))
	for id, ps := range m.peers {
		peers[id] = ps
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(peers))
	for id, ps := range peers {
		ps.mu.Lock()
		out = append(out, Info{
			Peer:       id,
			SessionID:  ps.sessionID,
			SequenceID: ps.sequenceID,
			ExpectedID: ps.expectedID,
			Buffers:    len(ps.buffers),
		})
		ps.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// distance is (to - from) under the sequence modulus.
func distance(from, to uint64) uint64 {
	return (to + SequenceModulus - from%SequenceModulus) % SequenceModulus
}
