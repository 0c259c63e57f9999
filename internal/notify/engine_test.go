package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const controllerID = "proto::controller-1"

type sentMsg struct {
	peer string
	msg  message.Msg
}

type recorder struct {
	ch chan sentMsg
}

func (r *recorder) SendMsg(peer string, m message.Msg) error {
	r.ch <- sentMsg{peer: peer, msg: m}
	return nil
}

func (r *recorder) next(t *testing.T) sentMsg {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("expected notify")
	}
	return sentMsg{}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected notify: %+v", s.msg)
	case <-time.After(wait):
	}
}

type fixture struct {
	store  *datamodel.Store
	out    *recorder
	sup    *delivery.Supervisor
	engine *Engine
}

func newFixture(t *testing.T, maxRetries int, hooks delivery.Hooks) *fixture {
	t.Helper()
	doc, err := datamodel.DefaultDocument()
	require.NoError(t, err)
	schema, err := doc.Schema()
	require.NoError(t, err)
	values, err := doc.InitialValues(schema)
	require.NoError(t, err)
	store := datamodel.NewStore(schema, values)

	sup := delivery.NewSupervisor(delivery.Config{
		Backoff:    backoff.Config{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 40 * time.Millisecond},
		MaxRetries: maxRetries,
	}, hooks)
	t.Cleanup(sup.Close)
	out := &recorder{ch: make(chan sentMsg, 32)}
	return &fixture{store: store, out: out, sup: sup, engine: New(DefaultConfig(), store, out, sup)}
}

// subscribe adds an enabled subscription row and drains the resulting
// data-model changes.
func (f *fixture) subscribe(t *testing.T, params map[string]string) string {
	t.Helper()
	ctx := context.Background()
	if _, ok := params["Enable"]; !ok {
		params["Enable"] = "true"
	}
	if _, ok := params["Recipient"]; !ok {
		params["Recipient"] = controllerID
	}
	inst, err := f.store.Add(ctx, SubscriptionTable, params)
	require.NoError(t, err)
	f.engine.SubscriptionChanged(ctx, inst, false)
	f.drain()
	return inst
}

func (f *fixture) drain() {
	for {
		select {
		case <-f.store.Changes():
		default:
			return
		}
	}
}

func (f *fixture) setAndHandle(t *testing.T, path, value string) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), path, value))
	select {
	case ch := <-f.store.Changes():
		f.engine.HandleChange(ch)
	case <-time.After(time.Second):
		t.Fatalf("no change emitted for %s", path)
	}
}

func TestValueChangeNotifyRetriedUntilAck(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 5, delivery.Hooks{})
	f.subscribe(t, map[string]string{
		"ID":            "vc-1",
		"NotifType":     "ValueChange",
		"ReferenceList": "Device.DeviceInfo.FriendlyName",
		"NotifRetry":    "true",
	})

	f.setAndHandle(t, "Device.DeviceInfo.FriendlyName", "porch")
	first := f.out.next(t)
	require.Equal(t, controllerID, first.peer)
	n := first.msg.Request.Notify
	require.Equal(t, "vc-1", n.SubscriptionID)
	require.True(t, n.SendResp)
	require.Equal(t, "Device.DeviceInfo.FriendlyName", n.ValueChange.ParamPath)
	require.Equal(t, "porch", n.ValueChange.ParamValue)
	require.Contains(t, first.msg.Header.MsgID, msgIDPrefix)

	retry := f.out.next(t)
	require.Equal(t, first.msg.Header.MsgID, retry.msg.Header.MsgID, "retransmission reuses msg_id")

	resp := message.NewResponse(first.msg.Header.MsgID, &message.Response{NotifyResp: &message.NotifyResp{SubscriptionID: "vc-1"}})
	require.True(t, f.sup.Ack(controllerID, first.msg.Header.MsgID, resp))
	require.Zero(t, f.sup.Len())
}

func TestValueChangeNotifyExhausts(t *testing.T) {
	testlog.Start(t)
	var exhausted atomic.Int32
	f := newFixture(t, 2, delivery.Hooks{Exhausted: func(delivery.Pending) { exhausted.Add(1) }})
	f.subscribe(t, map[string]string{
		"ID":            "vc-2",
		"NotifType":     "ValueChange",
		"ReferenceList": "Device.DeviceInfo.",
		"NotifRetry":    "true",
	})

	f.setAndHandle(t, "Device.DeviceInfo.FriendlyName", "attic")
	for i := 0; i < 3; i++ {
		f.out.next(t)
	}
	require.Eventually(t, func() bool { return exhausted.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, f.sup.Len())
	f.out.none(t, 100*time.Millisecond)
}

func TestFireAndForgetAndFiltering(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	f.subscribe(t, map[string]string{
		"ID":            "vc-3",
		"NotifType":     "ValueChange",
		"ReferenceList": "Device.DeviceInfo.FriendlyName",
	})
	f.subscribe(t, map[string]string{
		"ID":            "off",
		"Enable":        "false",
		"NotifType":     "ValueChange",
		"ReferenceList": "Device.",
	})

	f.setAndHandle(t, "Device.DeviceInfo.FriendlyName", "den")
	s := f.out.next(t)
	require.Equal(t, "vc-3", s.msg.Request.Notify.SubscriptionID)
	require.False(t, s.msg.Request.Notify.SendResp)
	require.Zero(t, f.sup.Len())
	f.out.none(t, 50*time.Millisecond)
	require.Len(t, f.engine.Subscriptions(), 1)
}

func TestObjectCreationAndDeletion(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	f.subscribe(t, map[string]string{"ID": "oc", "NotifType": "ObjectCreation", "ReferenceList": ControllerTable})
	f.subscribe(t, map[string]string{"ID": "od", "NotifType": "ObjectDeletion", "ReferenceList": ControllerTable + "*."})

	ctx := context.Background()
	inst, err := f.store.Add(ctx, ControllerTable, map[string]string{"EndpointID": "proto::other"})
	require.NoError(t, err)
	f.engine.HandleChange(<-f.store.Changes())
	s := f.out.next(t)
	require.Equal(t, inst, s.msg.Request.Notify.ObjCreation.ObjPath)
	require.Equal(t, "proto::other", s.msg.Request.Notify.ObjCreation.UniqueKeys["EndpointID"])

	require.NoError(t, f.store.Delete(ctx, inst))
	f.engine.HandleChange(<-f.store.Changes())
	s = f.out.next(t)
	require.Equal(t, inst, s.msg.Request.Notify.ObjDeletion.ObjPath)
}

func TestRecipientResolvedThroughControllerTable(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	ctx := context.Background()
	ctrl, err := f.store.Add(ctx, ControllerTable, map[string]string{"EndpointID": "proto::routed"})
	require.NoError(t, err)
	f.drain()
	f.subscribe(t, map[string]string{
		"ID":            "routed",
		"NotifType":     "ValueChange",
		"ReferenceList": "Device.DeviceInfo.FriendlyName",
		"Recipient":     ctrl,
	})

	f.setAndHandle(t, "Device.DeviceInfo.FriendlyName", "hall")
	require.Equal(t, "proto::routed", f.out.next(t).peer)
}

func TestBootEvent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	f.subscribe(t, map[string]string{"ID": "boot", "NotifType": "Boot", "ReferenceList": "Device.DeviceInfo.ModelName"})

	f.engine.Boot(context.Background(), "")
	ev := f.out.next(t).msg.Request.Notify.Event
	require.Equal(t, "Device.", ev.ObjPath)
	require.Equal(t, BootEvent, ev.EventName)
	assert.Equal(t, "LocalReboot", ev.Params["Cause"])
	var params map[string]string
	require.NoError(t, json.Unmarshal([]byte(ev.Params["ParameterMap"]), &params))
	assert.Equal(t, "uspagent", params["Device.DeviceInfo.ModelName"])
}

func TestPeriodicUsesControllerInterval(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }
	ctx := context.Background()
	ctrl, err := f.store.Add(ctx, ControllerTable, map[string]string{"EndpointID": "proto::periodic", "PeriodicNotifInterval": "60"})
	require.NoError(t, err)
	f.drain()
	f.subscribe(t, map[string]string{"ID": "per", "NotifType": "Periodic", "Recipient": ctrl})

	f.engine.Periodic(ctx)
	f.out.none(t, 20*time.Millisecond)
	now = now.Add(30 * time.Second)
	f.engine.Periodic(ctx)
	f.out.none(t, 20*time.Millisecond)
	now = now.Add(31 * time.Second)
	f.engine.Periodic(ctx)
	s := f.out.next(t)
	require.Equal(t, "proto::periodic", s.peer)
	require.Equal(t, PeriodicEvent, s.msg.Request.Notify.Event.EventName)
}

func TestOperationCompleteAndEvents(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	f.subscribe(t, map[string]string{"ID": "op", "NotifType": "OperationComplete", "ReferenceList": datamodel.SelfTestCommand})
	f.subscribe(t, map[string]string{"ID": "ev", "NotifType": "Event", "ReferenceList": "Device.Boot!"})

	f.engine.OperationComplete(datamodel.SelfTestCommand, "k1", map[string]string{"Status": "Complete"}, nil)
	oc := f.out.next(t).msg.Request.Notify.OperComplete
	require.Equal(t, "Device.", oc.ObjPath)
	require.Equal(t, "SelfTestDiagnostics()", oc.CommandName)
	require.Equal(t, "k1", oc.CommandKey)
	require.Equal(t, "Complete", oc.OutputArgs["Status"])

	f.engine.FireEvent("Device.", "Boot!", map[string]string{"Cause": "RemoteReboot"})
	ev := f.out.next(t).msg.Request.Notify
	require.Equal(t, "ev", ev.SubscriptionID)
	require.Equal(t, "RemoteReboot", ev.Event.Params["Cause"])
}

func TestSweepRemovesExpired(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	inst := f.subscribe(t, map[string]string{
		"ID":              "short",
		"NotifType":       "ValueChange",
		"ReferenceList":   "Device.DeviceInfo.",
		"NotifExpiration": "5",
	})
	subs := f.engine.Subscriptions()
	require.Len(t, subs, 1)

	removed := f.engine.Sweep(context.Background(), subs[0].CreatedAt.Add(10*time.Second))
	require.Equal(t, []string{inst}, removed)
	require.Empty(t, f.engine.Subscriptions())
	_, err := f.store.Get(context.Background(), inst)
	require.ErrorIs(t, err, datamodel.ErrNotFound)
}

func TestLoadSkipsDisabled(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, delivery.Hooks{})
	ctx := context.Background()
	_, err := f.store.Add(ctx, SubscriptionTable, map[string]string{"ID": "a", "Enable": "true", "Recipient": controllerID, "NotifType": "ValueChange"})
	require.NoError(t, err)
	_, err = f.store.Add(ctx, SubscriptionTable, map[string]string{"ID": "b", "Enable": "false"})
	require.NoError(t, err)
	_, err = f.store.Add(ctx, SubscriptionTable, map[string]string{"ID": "c", "Enable": "true", "Recipient": controllerID, "NotifType": "Bogus"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Load(ctx))
	subs := f.engine.Subscriptions()
	require.Len(t, subs, 1)
	require.Equal(t, "a", subs[0].ID)
}
