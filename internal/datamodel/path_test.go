package datamodel

import (
	"sort"
	"testing"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
)

func TestSchemaForm(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"Device.LocalAgent.Subscription.3.Enable": "Device.LocalAgent.Subscription.{i}.Enable",
		"Device.LocalAgent.Subscription.*.":       "Device.LocalAgent.Subscription.{i}.",
		"Device.DeviceInfo.":                      "Device.DeviceInfo.",
		"Device.Reboot()":                         "Device.Reboot()",
	}
	for in, want := range cases {
		if got := SchemaForm(in); got != want {
			t.Fatalf("SchemaForm(%q) got=%q want=%q", in, got, want)
		}
	}
}

func TestMatch(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"Device.DeviceInfo.", "Device.DeviceInfo.ModelName", true},
		{"Device.DeviceInfo.ModelName", "Device.DeviceInfo.ModelName", true},
		{"Device.DeviceInfo.Model", "Device.DeviceInfo.ModelName", false},
		{"Device.LocalAgent.Subscription.*.Enable", "Device.LocalAgent.Subscription.7.Enable", true},
		{"Device.LocalAgent.Subscription.*.", "Device.LocalAgent.Subscription.7.ID", true},
		{"Device.LocalAgent.Subscription.1.", "Device.LocalAgent.Subscription.10.ID", false},
		{"Device.LocalAgent.Subscription.*.Enable", "Device.LocalAgent.Subscription.x.Enable", false},
		{"Device.LocalAgent.", "Device.LocalAgent.", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.path); got != tc.want {
			t.Fatalf("Match(%q, %q) got=%v want=%v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestParentAndHidden(t *testing.T) {
	testlog.Start(t)
	if got := Parent("Device.LocalAgent.Subscription.2."); got != "Device.LocalAgent.Subscription." {
		t.Fatalf("parent of instance: %q", got)
	}
	if got := Parent("Device.DeviceInfo.ModelName"); got != "Device.DeviceInfo." {
		t.Fatalf("parent of param: %q", got)
	}
	if !hidden("Device.LocalAgent.Subscription.__NextInstNum__") {
		t.Fatalf("counter key should be hidden")
	}
	if hidden("Device.DeviceInfo.ModelName") {
		t.Fatalf("regular param should not be hidden")
	}
}

func TestLessPathOrdersInstancesNumerically(t *testing.T) {
	testlog.Start(t)
	paths := []string{
		"Device.LocalAgent.Subscription.10.",
		"Device.LocalAgent.Subscription.2.",
		"Device.LocalAgent.Subscription.1.",
	}
	sort.Slice(paths, func(i, j int) bool { return lessPath(paths[i], paths[j]) })
	if paths[0] != "Device.LocalAgent.Subscription.1." || paths[2] != "Device.LocalAgent.Subscription.10." {
		t.Fatalf("unexpected order: %v", paths)
	}
}
