package agent

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/danmuck/uspagent/internal/protocol/record"
	"github.com/danmuck/uspagent/internal/protocol/session"
	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/danmuck/uspagent/internal/transport/loopback"
)

const (
	agentID = "os::agent-test"
	ctrlID  = "proto::ctrl-test"
)

// controller is a minimal peer on the loopback network.
type controller struct {
	t        *testing.T
	binding  *loopback.Binding
	sessions *session.Manager
	inbox    chan message.Msg
	records  chan record.Record
}

func newController(t *testing.T, n *loopback.Network) *controller {
	t.Helper()
	c := &controller{
		t:        t,
		sessions: session.NewManager(session.Config{LocalID: ctrlID, ReassemblyTimeout: time.Minute}),
		inbox:    make(chan message.Msg, 32),
		records:  make(chan record.Record, 1024),
	}
	c.binding = n.Bind(ctrlID, transport.HandlerFuncs{Receive: c.receive}, 64)
	if err := c.binding.Connect(context.Background()); err != nil {
		t.Fatalf("controller connect: %v", err)
	}
	t.Cleanup(func() { _ = c.binding.Close() })
	return c
}

func (c *controller) receive(peer string, payload []byte) {
	rec, err := record.Decode(payload)
	if err != nil {
		c.t.Errorf("controller decode record: %v", err)
		return
	}
	select {
	case c.records <- rec:
	default:
	}
	full, ok, err := c.sessions.OnReceive(peer, rec)
	if err != nil || !ok {
		return
	}
	m, err := message.Decode(full)
	if err != nil {
		c.t.Errorf("controller decode message: %v", err)
		return
	}
	c.inbox <- m
}

func (c *controller) send(to string, m message.Msg) {
	c.t.Helper()
	payload, err := message.Encode(m)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	raw, err := record.Encode(record.NewPlaintext(ctrlID, to, payload))
	if err != nil {
		c.t.Fatalf("encode record: %v", err)
	}
	if err := c.binding.Send(to, raw); err != nil {
		c.t.Fatalf("controller send: %v", err)
	}
}

func (c *controller) await(match func(message.Msg) bool) message.Msg {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-c.inbox:
			if match(m) {
				return m
			}
		case <-deadline:
			c.t.Fatalf("controller timed out waiting for message")
		}
	}
}

func ofType(t message.Type) func(message.Msg) bool {
	return func(m message.Msg) bool { return m.Header.MsgType == t }
}

func newStore(t *testing.T) *datamodel.Store {
	t.Helper()
	doc, err := datamodel.DefaultDocument()
	if err != nil {
		t.Fatalf("default document: %v", err)
	}
	schema, err := doc.Schema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	values, err := doc.InitialValues(schema)
	if err != nil {
		t.Fatalf("initial values: %v", err)
	}
	return datamodel.NewStore(schema, values)
}

func subscribe(t *testing.T, s *datamodel.Store, id, notifType, ref string, retry bool) {
	t.Helper()
	retryVal := "false"
	if retry {
		retryVal = "true"
	}
	_, err := s.Add(context.Background(), "Device.LocalAgent.Subscription.", map[string]string{
		"Enable":        "true",
		"ID":            id,
		"Recipient":     ctrlID,
		"NotifType":     notifType,
		"ReferenceList": ref,
		"NotifRetry":    retryVal,
	})
	if err != nil {
		t.Fatalf("add subscription %s: %v", id, err)
	}
	drainChanges(s)
}

func drainChanges(s *datamodel.Store) {
	for {
		select {
		case <-s.Changes():
		default:
			return
		}
	}
}

func startAgent(t *testing.T, cfg Config, store *datamodel.Store, n *loopback.Network) *Agent {
	t.Helper()
	a := New(cfg, store)
	a.Attach(n.Bind(agentID, a.Handler(loopback.Protocol), 64))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("agent run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("agent did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for !a.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("agent never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return a
}

func testConfig() Config {
	cfg := DefaultConfig(agentID)
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.Delivery.Backoff.InitialDelay = 50 * time.Millisecond
	cfg.Delivery.Backoff.MaxDelay = 200 * time.Millisecond
	cfg.Delivery.Backoff.Jitter = false
	return cfg
}

func TestGetOverLoopback(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	startAgent(t, testConfig(), newStore(t), n)

	ctrl.send(agentID, message.NewRequest("get-1", &message.Request{
		Get: &message.Get{ParamPaths: []string{"Device.DeviceInfo.ModelName"}},
	}))
	resp := ctrl.await(ofType(message.TypeGetResp))
	if resp.Header.MsgID != "get-1" {
		t.Fatalf("msg id got=%q", resp.Header.MsgID)
	}
	results := resp.Response.GetResp.Results
	if len(results) != 1 || len(results[0].Resolved) != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if got := results[0].Resolved[0].Params["ModelName"]; got != "uspagent" {
		t.Fatalf("ModelName got=%q", got)
	}
}

func TestSegmentedResponseReassembles(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	cfg := testConfig()
	cfg.Session.MaxSegmentSize = 32
	startAgent(t, cfg, newStore(t), n)

	ctrl.send(agentID, message.NewRequest("get-seg", &message.Request{
		Get: &message.Get{ParamPaths: []string{"Device.DeviceInfo."}},
	}))
	resp := ctrl.await(ofType(message.TypeGetResp))
	if len(resp.Response.GetResp.Results) != 1 {
		t.Fatalf("unexpected results: %+v", resp.Response.GetResp.Results)
	}
	segmented := 0
drain:
	for {
		select {
		case rec := <-ctrl.records:
			if rec.Kind == record.KindSessionContext {
				segmented++
			}
		default:
			break drain
		}
	}
	if segmented < 2 {
		t.Fatalf("expected a segmented response, got %d session records", segmented)
	}
}

func TestBootEventSentOnStart(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	store := newStore(t)
	subscribe(t, store, "boot-1", "Event", "Device.Boot!", false)
	startAgent(t, testConfig(), store, n)

	m := ctrl.await(ofType(message.TypeNotify))
	ev := m.Request.Notify.Event
	if ev == nil || ev.EventName != "Boot!" {
		t.Fatalf("expected Boot! event, got %+v", m.Request.Notify)
	}
	if ev.Params["Cause"] != "LocalReboot" {
		t.Fatalf("cause got=%q", ev.Params["Cause"])
	}
	if m.Request.Notify.SubscriptionID != "boot-1" {
		t.Fatalf("subscription id got=%q", m.Request.Notify.SubscriptionID)
	}
}

func TestValueChangeRetriedUntilNotifyResp(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	store := newStore(t)
	subscribe(t, store, "vc-1", "ValueChange", "Device.DeviceInfo.FriendlyName", true)
	a := startAgent(t, testConfig(), store, n)

	ctrl.send(agentID, message.NewRequest("set-1", &message.Request{
		Set: &message.Set{Objects: []message.UpdateObject{{
			ObjPath: "Device.DeviceInfo.",
			Params:  []message.ParamSetting{{Param: "FriendlyName", Value: "lab-bench", Required: true}},
		}}},
	}))
	ctrl.await(ofType(message.TypeSetResp))

	first := ctrl.await(ofType(message.TypeNotify))
	vc := first.Request.Notify.ValueChange
	if vc == nil || vc.ParamPath != "Device.DeviceInfo.FriendlyName" || vc.ParamValue != "lab-bench" {
		t.Fatalf("unexpected notify: %+v", first.Request.Notify)
	}
	if !first.Request.Notify.SendResp {
		t.Fatalf("retried notify must ask for a response")
	}
	again := ctrl.await(ofType(message.TypeNotify))
	if again.Header.MsgID != first.Header.MsgID {
		t.Fatalf("retransmission changed msg id: %q vs %q", again.Header.MsgID, first.Header.MsgID)
	}

	ctrl.send(agentID, message.NewResponse(first.Header.MsgID, &message.Response{
		NotifyResp: &message.NotifyResp{SubscriptionID: "vc-1"},
	}))
	deadline := time.Now().Add(5 * time.Second)
	for a.Supervisor().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("notify still pending after NotifyResp: %+v", a.Supervisor().List())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordForOtherEndpointDropped(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	startAgent(t, testConfig(), newStore(t), n)

	payload, err := message.Encode(message.NewRequest("get-x", &message.Request{
		Get: &message.Get{ParamPaths: []string{"Device.DeviceInfo.ModelName"}},
	}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := record.Encode(record.NewPlaintext(ctrlID, "os::someone-else", payload))
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := ctrl.binding.Send(agentID, raw); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-ctrl.inbox:
		t.Fatalf("unexpected answer %+v", m.Header)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClosePeerFailsPending(t *testing.T) {
	testlog.Start(t)
	n := loopback.NewNetwork()
	ctrl := newController(t, n)
	a := startAgent(t, testConfig(), newStore(t), n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := a.Dispatcher().Request(ctx, ctrlID, message.NewRequest("agent-req-1", &message.Request{
			Get: &message.Get{ParamPaths: []string{"Device.LocalAgent.EndpointID"}},
		}))
		errc <- err
	}()
	ctrl.await(ofType(message.TypeGet))
	a.ClosePeer(ctrlID)
	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected the request to fail after ClosePeer")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request never completed")
	}
}
