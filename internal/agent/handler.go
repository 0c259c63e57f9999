package agent

import (
	"sort"
	"time"

	"github.com/danmuck/uspagent/internal/observability"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/danmuck/uspagent/internal/protocol/record"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/danmuck/uspagent/internal/transport/mqtt"
	"github.com/danmuck/uspagent/internal/transport/stomp"
	"github.com/danmuck/uspagent/internal/transport/websocket"
	"github.com/rs/zerolog/log"
)

// bindingHandler is the receive path of one binding.
type bindingHandler struct {
	agent    *Agent
	protocol string
}

// OnReceive decodes one record and hands any complete message to the
// dispatcher. It never blocks on request execution.
func (h *bindingHandler) OnReceive(address string, payload []byte) {
	a := h.agent
	rec, err := record.Decode(payload)
	if err != nil {
		log.Warn().Err(err).Str("protocol", h.protocol).Str("address", address).Msg("agent record dropped")
		return
	}
	if rec.ToID != a.cfg.EndpointID {
		log.Warn().Str("protocol", h.protocol).Str("to_id", rec.ToID).Str("from_id", rec.FromID).Msg("agent record for another endpoint dropped")
		return
	}
	peer := rec.FromID
	b := a.binding(h.protocol)
	if a.learn(peer, b, address) {
		a.forward(transport.Event{Kind: transport.EventTransportUp, Protocol: h.protocol, Peer: peer})
	}

	switch rec.Kind {
	case record.KindDisconnect:
		a.peerDisconnected(h.protocol, peer, rec.Disconnect)
		return
	case record.KindWebSocketConnect, record.KindMQTTConnect, record.KindSTOMPConnect, record.KindUDSConnect:
		log.Info().Str("protocol", h.protocol).Str("peer", peer).Str("kind", rec.Kind.String()).Msg("agent peer connected")
		return
	}

	if rec.PayloadSecurity != record.Plaintext {
		log.Warn().Str("protocol", h.protocol).Str("peer", peer).Str("payload_security", rec.PayloadSecurity.String()).
			Msg("agent record dropped; no end-to-end security context")
		return
	}

	full, ok, err := a.sessions.OnReceive(peer, rec)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer).Msg("agent session rejected record")
		return
	}
	if !ok {
		return
	}
	m, err := message.Decode(full)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer).Msg("agent message dropped")
		return
	}
	observability.RecordMessageReceived(h.protocol, m.Header.MsgType.String())
	a.dispatcher.HandleMessage(peer, m)
}

// OnEvent forwards connectivity changes to the supervisor and announces
// the agent once a channel comes up.
func (h *bindingHandler) OnEvent(ev transport.Event) {
	if ev.Protocol == "" {
		ev.Protocol = h.protocol
	}
	switch ev.Kind {
	case transport.EventTransportUp:
		h.agent.forwardScoped(ev)
		h.agent.announce(h.protocol, ev.Peer)
	case transport.EventTransportDown:
		h.agent.forwardScoped(ev)
	case transport.EventDeliveryFailure:
		log.Debug().Err(ev.Err).Str("protocol", ev.Protocol).Str("peer", ev.Peer).Msg("agent write failed")
	}
}

// peerDisconnected suspends deliveries to a peer that closed its side.
// Traffic from the peer resumes them.
func (a *Agent) peerDisconnected(protocol, peer string, d *record.Disconnect) {
	a.mu.Lock()
	a.gone[peer] = true
	a.mu.Unlock()
	a.sessions.DropPeer(peer)
	ev := log.Info().Str("protocol", protocol).Str("peer", peer)
	if d != nil {
		ev = ev.Str("reason", d.Reason).Uint32("reason_code", d.ReasonCode)
	}
	ev.Msg("agent peer disconnected")
	a.forward(transport.Event{Kind: transport.EventTransportDown, Protocol: protocol, Peer: peer})
}

// forward hands ev to the supervisor unless the agent has stopped.
func (a *Agent) forward(ev transport.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case a.supervisor.Events() <- ev:
	case <-a.stopped:
	}
}

// forwardScoped forwards ev, expanding a binding-wide event into one event
// per peer of that binding. A binding coming up does not resume peers that
// sent Disconnect.
func (a *Agent) forwardScoped(ev transport.Event) {
	if ev.Peer != "" {
		a.forward(ev)
		return
	}
	for _, p := range a.eventPeers(ev.Protocol, ev.Kind == transport.EventTransportUp) {
		scoped := ev
		scoped.Peer = p
		a.forward(scoped)
	}
}

// eventPeers lists the peers reached through the binding of protocol.
// With a single binding, peers with pending deliveries that were never
// pinned also use it.
func (a *Agent) eventPeers(protocol string, skipGone bool) []string {
	b := a.binding(protocol)
	if b == nil {
		return nil
	}
	pending := a.supervisor.List()

	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if seen[id] || (skipGone && a.gone[id]) {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for id, pb := range a.peers {
		if pb == b {
			add(id)
		}
	}
	if len(a.bindings) == 1 {
		for _, p := range pending {
			if _, pinned := a.peers[p.Peer]; !pinned {
				add(p.Peer)
			}
		}
	}
	sort.Strings(out)
	return out
}

// announce sends the connect record of protocol to peer, or to every peer
// on the binding when peer is empty.
func (a *Agent) announce(protocol, peer string) {
	b := a.binding(protocol)
	if b == nil {
		return
	}
	peers := []string{peer}
	if peer == "" {
		peers = a.peersOn(b)
	}
	for _, p := range peers {
		rec, ok := connectRecord(b, a.cfg.EndpointID, p)
		if !ok {
			return
		}
		if err := a.sendRecord(b, p, rec); err != nil {
			log.Debug().Err(err).Str("protocol", protocol).Str("peer", p).Msg("agent connect record not sent")
		}
	}
}

func connectRecord(b transport.Binding, from, to string) (record.Record, bool) {
	rec := record.Record{Version: record.CurrentVersion, FromID: from, ToID: to}
	switch b.Protocol() {
	case websocket.Protocol:
		rec.Kind = record.KindWebSocketConnect
	case mqtt.Protocol:
		sub, _ := b.(transport.Subscriber)
		if sub == nil {
			return rec, false
		}
		rec.Kind = record.KindMQTTConnect
		rec.MQTTConnect = &record.MQTTConnect{SubscribedTopic: sub.Subscribed()}
	case stomp.Protocol:
		sub, _ := b.(transport.Subscriber)
		if sub == nil {
			return rec, false
		}
		rec.Kind = record.KindSTOMPConnect
		rec.STOMPConnect = &record.STOMPConnect{SubscribedDestination: sub.Subscribed()}
	default:
		return rec, false
	}
	return rec, true
}
