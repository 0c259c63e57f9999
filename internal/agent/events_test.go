package agent

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/danmuck/uspagent/internal/protocol/record"
	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/danmuck/uspagent/internal/transport/loopback"
)

type stubBinding struct {
	protocol string
}

func (b *stubBinding) Protocol() string              { return b.protocol }
func (b *stubBinding) Connect(context.Context) error { return nil }
func (b *stubBinding) Send(string, []byte) error     { return nil }
func (b *stubBinding) Close() error                  { return nil }

func waitDown(t *testing.T, a *Agent, peer string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.supervisor.Down(peer) != want {
		if time.Now().After(deadline) {
			t.Fatalf("peer %s down=%v, want %v", peer, !want, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBindingWideEventsStayOnTheirBinding(t *testing.T) {
	testlog.Start(t)
	a := New(testConfig(), newStore(t))
	alpha, beta := &stubBinding{protocol: "alpha"}, &stubBinding{protocol: "beta"}
	a.Attach(alpha)
	a.Attach(beta)
	for peer, proto := range map[string]string{"proto::a1": "alpha", "proto::a2": "alpha", "proto::b1": "beta"} {
		if err := a.Route(peer, proto, ""); err != nil {
			t.Fatalf("route %s: %v", peer, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.supervisor.Run(ctx) }()

	a.Handler("alpha").OnEvent(transport.Event{Kind: transport.EventTransportDown})
	waitDown(t, a, "proto::a1", true)
	waitDown(t, a, "proto::a2", true)
	if a.supervisor.Down("proto::b1") {
		t.Fatalf("peer on another binding was suspended")
	}

	a.Handler("beta").OnEvent(transport.Event{Kind: transport.EventTransportDown, Peer: "proto::b1"})
	waitDown(t, a, "proto::b1", true)
	a.peerDisconnected("alpha", "proto::a2", nil)
	a.Handler("alpha").OnEvent(transport.Event{Kind: transport.EventTransportUp})
	waitDown(t, a, "proto::a1", false)
	if !a.supervisor.Down("proto::a2") {
		t.Fatalf("binding-wide up resumed a peer that sent Disconnect")
	}
	if !a.supervisor.Down("proto::b1") {
		t.Fatalf("binding-wide up resumed a peer on another binding")
	}
}

func TestEncryptedPayloadDropped(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	startAgent(t, testConfig(), newStore(t), n)

	payload, err := message.Encode(message.NewRequest("tls-1", &message.Request{
		Get: &message.Get{ParamPaths: []string{"Device.DeviceInfo.ModelName"}},
	}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := record.NewPlaintext(ctrlID, agentID, payload)
	rec.PayloadSecurity = record.TLS12
	rec.MACSignature = []byte("mac")
	raw, err := record.Encode(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := ctrl.binding.Send(agentID, raw); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctrl.send(agentID, message.NewRequest("plain-1", &message.Request{
		Get: &message.Get{ParamPaths: []string{"Device.DeviceInfo.ModelName"}},
	}))
	ctrl.await(func(m message.Msg) bool {
		if m.Header.MsgID == "tls-1" {
			t.Fatalf("encrypted record was answered")
		}
		return m.Header.MsgID == "plain-1"
	})
	select {
	case m := <-ctrl.inbox:
		t.Fatalf("unexpected answer %+v", m.Header)
	case <-time.After(100 * time.Millisecond):
	}
}
