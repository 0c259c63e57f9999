package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, kind := range Kinds() {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		if got := cfg.Transports.Protocols(); len(got) != 1 || got[0] != kind {
			t.Fatalf("%s template transports got=%v", kind, got)
		}
		if len(cfg.Agent.Controllers) != 1 {
			t.Fatalf("%s template controllers got=%v", kind, cfg.Agent.Controllers)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("%s template should not overwrite", kind)
		}
	}
	if _, err := Template("carrier-pigeon"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}

func TestOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
endpoint_id = "os::012345-lab-0007"

[session]
max_segment_size = 1024

[dispatch]
operation_timeout = "3s"
async_operation_timeout = "90s"

[delivery]
max_retries = 2
initial_delay = "250ms"

[admin]
addr = ""

[transports.websocket]
controllers = { "proto::ctrl" = "ws://127.0.0.1:8080/usp" }
ping_interval = "10s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.EndpointID != "os::012345-lab-0007" || cfg.Agent.Session.LocalID != cfg.EndpointID {
		t.Fatalf("endpoint not propagated: %q / %q", cfg.EndpointID, cfg.Agent.Session.LocalID)
	}
	if cfg.Agent.Session.MaxSegmentSize != 1024 {
		t.Fatalf("max_segment_size got=%d", cfg.Agent.Session.MaxSegmentSize)
	}
	if cfg.Agent.Session.ReassemblyTimeout != def.Agent.Session.ReassemblyTimeout {
		t.Fatalf("undefined key changed: %v", cfg.Agent.Session.ReassemblyTimeout)
	}
	if cfg.Agent.Dispatch.OperationTimeout != 3*time.Second {
		t.Fatalf("operation_timeout got=%v", cfg.Agent.Dispatch.OperationTimeout)
	}
	if cfg.Agent.Dispatch.AsyncOperationTimeout != 90*time.Second {
		t.Fatalf("async_operation_timeout got=%v", cfg.Agent.Dispatch.AsyncOperationTimeout)
	}
	if cfg.Agent.Delivery.MaxRetries != 2 || cfg.Agent.Delivery.Backoff.InitialDelay != 250*time.Millisecond {
		t.Fatalf("delivery got=%+v", cfg.Agent.Delivery)
	}
	if cfg.Agent.Delivery.Backoff.MaxDelay != def.Agent.Delivery.Backoff.MaxDelay {
		t.Fatalf("max_delay should keep its default")
	}
	ws := cfg.Transports.WebSocket
	if ws == nil || ws.PingInterval != 10*time.Second || ws.EndpointID != cfg.EndpointID {
		t.Fatalf("websocket got=%+v", ws)
	}
}

func TestEnvOverrides(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvAdminToken, "from-env")
	t.Setenv(EnvEndpointID, "os::env-agent")
	path := writeConfig(t, `
[transports.coap]
listen = ":5683"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Token != "from-env" {
		t.Fatalf("admin token got=%q", cfg.Admin.Token)
	}
	if cfg.EndpointID != "os::env-agent" || cfg.Agent.EndpointID != "os::env-agent" {
		t.Fatalf("endpoint got=%q", cfg.EndpointID)
	}
}

func TestValidationFailures(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"no transport": `
[admin]
addr = ""
`,
		"unknown key": `
colour = "blue"
`,
		"bad duration": `
[dispatch]
operation_timeout = "soon"
[transports.coap]
listen = ":5683"
`,
		"zero async timeout": `
[admin]
addr = ""
[dispatch]
async_operation_timeout = "0s"
[transports.coap]
listen = ":5683"
`,
		"controller without transport": `
[admin]
addr = ""
[[controllers]]
endpoint_id = "proto::ctrl"
protocol = "mqtt"
[transports.coap]
listen = ":5683"
`,
		"admin without token": `
[transports.coap]
listen = ":5683"
`,
		"coap dtls": `
[admin]
addr = ""
[transports.coap]
listen = ":5683"
[transports.coap.security]
mode = "production"
`,
		"websocket scheme": `
[admin]
addr = ""
[transports.websocket]
controllers = { "proto::ctrl" = "http://127.0.0.1/usp" }
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected %s to fail", name)
			}
		})
	}

	_, err := Load(writeConfig(t, "[admin]\naddr = \"\"\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
