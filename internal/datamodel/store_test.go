package datamodel

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
)

const subTable = "Device.LocalAgent.Subscription."

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	doc, err := DefaultDocument()
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
	return NewStore(schema, values, opts...)
}

func drainChange(t *testing.T, s *Store) Change {
	t.Helper()
	select {
	case ch := <-s.Changes():
		return ch
	case <-time.After(time.Second):
		t.Fatalf("expected change")
	}
	return Change{}
}

func assertNoChange(t *testing.T, s *Store) {
	t.Helper()
	select {
	case ch := <-s.Changes():
		t.Fatalf("unexpected change: %+v", ch)
	default:
	}
}

func TestGetPartialPathAndDynamicValues(t *testing.T) {
	testlog.Start(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	now = now.Add(90 * time.Second)

	got, err := s.Get(context.Background(), "Device.DeviceInfo.")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["Device.DeviceInfo.ModelName"] != "uspagent" {
		t.Fatalf("model name: %q", got["Device.DeviceInfo.ModelName"])
	}
	if got["Device.DeviceInfo.UpTime"] != "90" {
		t.Fatalf("uptime: %q", got["Device.DeviceInfo.UpTime"])
	}

	cur, err := s.Get(context.Background(), "Device.Time.CurrentLocalTime")
	if err != nil {
		t.Fatalf("get time: %v", err)
	}
	if cur["Device.Time.CurrentLocalTime"] != "2026-03-01T12:01:30Z" {
		t.Fatalf("current time: %q", cur["Device.Time.CurrentLocalTime"])
	}
}

func TestGetErrors(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, "Device.Bogus.Param"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := s.Get(ctx, subTable+"4."); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := s.Get(ctx, subTable+"*.Enable")
	if err != nil || len(got) != 0 {
		t.Fatalf("wildcard over empty table: got=%v err=%v", got, err)
	}
}

func TestSetRules(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "Device.DeviceInfo.ModelName", "x"); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("expected ErrNotWritable, got %v", err)
	}
	if err := s.Set(ctx, "Device.Bogus", "x"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if err := s.Set(ctx, subTable+"1.Enable", "true"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "Device.DeviceInfo.FriendlyName", "kitchen"); err != nil {
		t.Fatalf("set: %v", err)
	}
	ch := drainChange(t, s)
	if ch.Kind != ChangeValue || ch.Path != "Device.DeviceInfo.FriendlyName" || ch.Value != "kitchen" {
		t.Fatalf("unexpected change: %+v", ch)
	}
	if err := s.Set(ctx, "Device.DeviceInfo.FriendlyName", "kitchen"); err != nil {
		t.Fatalf("set unchanged: %v", err)
	}
	assertNoChange(t, s)
}

func TestAddDeleteInstances(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, subTable, map[string]string{"ID": "sub-1", "NotifType": "ValueChange"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first != subTable+"1." {
		t.Fatalf("first instance: %q", first)
	}
	ch := drainChange(t, s)
	if ch.Kind != ChangeObjectCreated || ch.Path != first || ch.UniqueKeys["ID"] != "sub-1" {
		t.Fatalf("unexpected change: %+v", ch)
	}
	vals, err := s.Get(ctx, first)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if vals[first+"Enable"] != "false" || vals[first+"NotifType"] != "ValueChange" {
		t.Fatalf("defaults not applied: %v", vals)
	}
	if _, err := time.Parse(time.RFC3339, vals[first+"CreationDate"]); err != nil {
		t.Fatalf("creation date not frozen: %q", vals[first+"CreationDate"])
	}

	if _, err := s.Add(ctx, subTable, map[string]string{"ID": "sub-1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unique key violation, got %v", err)
	}
	if _, err := s.Add(ctx, subTable, map[string]string{"Nope": "1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown param rejection, got %v", err)
	}
	if _, err := s.Add(ctx, "Device.DeviceInfo.", nil); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for non-table, got %v", err)
	}

	second, err := s.Add(ctx, subTable, map[string]string{"ID": "sub-2"})
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	drainChange(t, s)
	if err := s.Delete(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ch := drainChange(t, s); ch.Kind != ChangeObjectDeleted || ch.Path != first {
		t.Fatalf("unexpected change: %+v", ch)
	}
	if err := s.Delete(ctx, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	third, err := s.Add(ctx, subTable, map[string]string{"ID": "sub-3"})
	if err != nil {
		t.Fatalf("add third: %v", err)
	}
	if third != subTable+"3." {
		t.Fatalf("instance numbers must not be reused: %q", third)
	}

	insts, err := s.Instances(ctx, subTable)
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(insts) != 2 || insts[0] != second || insts[1] != third {
		t.Fatalf("unexpected instances: %v", insts)
	}
	count, err := s.Get(ctx, "Device.LocalAgent.SubscriptionNumberOfEntries")
	if err != nil || count["Device.LocalAgent.SubscriptionNumberOfEntries"] != "2" {
		t.Fatalf("entry count: %v err=%v", count, err)
	}
	all, _ := s.Get(ctx, subTable)
	for k := range all {
		if hidden(k) {
			t.Fatalf("hidden key leaked: %s", k)
		}
	}
}

func TestAgentOwnedRows(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	ctx := context.Background()
	const reqTable = "Device.LocalAgent.Request."

	if _, err := s.Add(ctx, reqTable, nil); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("controller add err=%v, want ErrNotWritable", err)
	}
	inst, err := s.AddRow(ctx, reqTable, map[string]string{"Command": "Device.SelfTestDiagnostics()", "Status": "Active"})
	if err != nil {
		t.Fatalf("add row: %v", err)
	}
	if inst != reqTable+"1." {
		t.Fatalf("instance got=%q", inst)
	}
	if ch := drainChange(t, s); ch.Kind != ChangeObjectCreated || ch.Path != inst {
		t.Fatalf("unexpected change %+v", ch)
	}
	count, err := s.Get(ctx, "Device.LocalAgent.RequestNumberOfEntries")
	if err != nil || count["Device.LocalAgent.RequestNumberOfEntries"] != "1" {
		t.Fatalf("request count got=%v err=%v", count, err)
	}
	if err := s.Delete(ctx, inst); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("controller delete err=%v, want ErrNotWritable", err)
	}
	if err := s.DeleteRow(ctx, inst); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if ch := drainChange(t, s); ch.Kind != ChangeObjectDeleted || ch.Path != inst {
		t.Fatalf("unexpected change %+v", ch)
	}
	if insts, err := s.Instances(ctx, reqTable); err != nil || len(insts) != 0 {
		t.Fatalf("instances after delete got=%v err=%v", insts, err)
	}
}

func TestOperate(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	rebooted := false
	if err := RegisterBuiltins(s.Commands(), func(context.Context) error { rebooted = true; return nil }, 0); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	boom := errors.New("boom")
	if err := s.Commands().Register(Command{
		Path: "Device.Fail()",
		Run: func(context.Context, string, map[string]string) (map[string]string, error) {
			return nil, boom
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Operate(ctx, RebootCommand, nil); err != nil || !rebooted {
		t.Fatalf("reboot: rebooted=%v err=%v", rebooted, err)
	}
	out, err := s.Operate(ctx, SelfTestCommand, nil)
	if err != nil || out["Status"] != "Complete" {
		t.Fatalf("self test: out=%v err=%v", out, err)
	}
	if _, err := s.Operate(ctx, "Device.Fail()", nil); !errors.Is(err, ErrOperation) {
		t.Fatalf("expected ErrOperation, got %v", err)
	}
	if _, err := s.Operate(ctx, "Device.Missing()", nil); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	docPath := filepath.Join(dir, "datamodel.toml")
	statePath := filepath.Join(dir, "state", "values.toml")
	if err := writeFile(docPath, DefaultDocumentBytes()); err != nil {
		t.Fatalf("write document: %v", err)
	}

	s, err := OpenFileStore(docPath, statePath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	inst, err := s.Add(ctx, subTable, map[string]string{"ID": "persisted"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Set(ctx, "Device.DeviceInfo.FriendlyName", "garage"); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened, err := OpenFileStore(docPath, statePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, inst+"ID")
	if err != nil || got[inst+"ID"] != "persisted" {
		t.Fatalf("instance lost: %v err=%v", got, err)
	}
	name, _ := reopened.Get(ctx, "Device.DeviceInfo.FriendlyName")
	if name["Device.DeviceInfo.FriendlyName"] != "garage" {
		t.Fatalf("value lost: %v", name)
	}
	next, err := reopened.Add(ctx, subTable, map[string]string{"ID": "next"})
	if err != nil || next != subTable+"2." {
		t.Fatalf("counter not restored: %q err=%v", next, err)
	}
}

func TestWithValuesPinsReadOnlyParams(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t, WithValues(map[string]string{"Device.LocalAgent.EndpointID": "os::pinned"}))
	got, err := s.Get(context.Background(), "Device.LocalAgent.EndpointID")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["Device.LocalAgent.EndpointID"] != "os::pinned" {
		t.Fatalf("endpoint id got=%v", got)
	}
	if err := s.Set(context.Background(), "Device.LocalAgent.EndpointID", "os::other"); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("expected ErrNotWritable, got %v", err)
	}
}
