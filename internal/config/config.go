// Package config loads the agent's TOML configuration. Every key is
// optional: values found in the file override the defaults, and the
// result is validated as a whole.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/uspagent/internal/admin"
	"github.com/danmuck/uspagent/internal/agent"
	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/danmuck/uspagent/internal/transport/coap"
	"github.com/danmuck/uspagent/internal/transport/mqtt"
	"github.com/danmuck/uspagent/internal/transport/stomp"
	"github.com/danmuck/uspagent/internal/transport/websocket"
)

const (
	EnvEndpointID = "USPAGENT_ENDPOINT_ID"
	EnvAdminToken = "USPAGENT_ADMIN_TOKEN"
	EnvRedisAddr  = "USPAGENT_REDIS_ADDR"
)

var ErrInvalid = errors.New("config: invalid")

// DataModelConfig selects where parameter values live. Document empty
// means the built-in document; RedisAddr set means a Redis hash instead of
// the State file.
type DataModelConfig struct {
	Document      string
	State         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	SelfTestDelay time.Duration
}

// Transports holds one entry per enabled binding.
type Transports struct {
	CoAP      *coap.Config
	MQTT      *mqtt.Config
	STOMP     *stomp.Config
	WebSocket *websocket.Config
}

// AgentConfig is the resolved configuration of one agent process.
type AgentConfig struct {
	EndpointID string
	LogLevel   string
	DataModel  DataModelConfig
	Agent      agent.Config
	Admin      admin.Config
	Transports Transports
}

func Default() AgentConfig {
	id := "os::000000-uspagent-0001"
	return AgentConfig{
		EndpointID: id,
		LogLevel:   "info",
		DataModel: DataModelConfig{
			RedisKey:      "uspagent:values",
			SelfTestDelay: 2 * time.Second,
		},
		Agent: agent.DefaultConfig(id),
		Admin: admin.Config{Addr: "127.0.0.1:9180"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (AgentConfig, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return AgentConfig{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := apply(&cfg, raw, meta); err != nil {
		return AgentConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	ApplyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and identity from the environment.
func ApplyEnv(cfg *AgentConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvEndpointID)); v != "" {
		cfg.EndpointID = v
		cfg.Agent.EndpointID = v
		cfg.Agent.Session.LocalID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminToken)); v != "" {
		cfg.Admin.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		cfg.DataModel.RedisAddr = v
	}
}

func Validate(cfg AgentConfig) error {
	if strings.TrimSpace(cfg.EndpointID) == "" {
		return fmt.Errorf("%w: endpoint_id is required", ErrInvalid)
	}
	if !strings.Contains(cfg.EndpointID, "::") {
		return fmt.Errorf("%w: endpoint_id %q must be authority-scheme::id", ErrInvalid, cfg.EndpointID)
	}
	protocols := cfg.Transports.Protocols()
	if len(protocols) == 0 {
		return fmt.Errorf("%w: at least one transport is required", ErrInvalid)
	}
	enabled := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		enabled[p] = true
	}
	for i, c := range cfg.Agent.Controllers {
		if strings.TrimSpace(c.EndpointID) == "" {
			return fmt.Errorf("%w: controllers[%d] missing endpoint_id", ErrInvalid, i)
		}
		if !enabled[c.Protocol] {
			return fmt.Errorf("%w: controllers[%d] protocol %q has no transport", ErrInvalid, i, c.Protocol)
		}
	}

	a := cfg.Agent
	if a.Dispatch.OperationTimeout <= 0 || a.Dispatch.AsyncOperationTimeout <= 0 || a.Dispatch.DedupWindow <= 0 {
		return fmt.Errorf("%w: dispatch timeouts must be positive", ErrInvalid)
	}
	if a.Dispatch.PeerConcurrency <= 0 || a.Dispatch.DedupSize <= 0 || a.Dispatch.PeerQueueLimit < 0 {
		return fmt.Errorf("%w: dispatch limits out of range", ErrInvalid)
	}
	if a.Session.MaxSegmentSize < 0 || a.Session.ReassemblyTimeout <= 0 {
		return fmt.Errorf("%w: session limits out of range", ErrInvalid)
	}
	if err := validateBackoff("delivery", a.Delivery.Backoff); err != nil {
		return err
	}
	if a.Delivery.MaxRetries < 0 {
		return fmt.Errorf("%w: delivery max_retries must not be negative", ErrInvalid)
	}
	if a.Notify.PeriodicInterval <= 0 {
		return fmt.Errorf("%w: notify periodic_interval must be positive", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Admin.Addr) != "" && strings.TrimSpace(cfg.Admin.Token) == "" {
		return fmt.Errorf("%w: admin token is required when admin is enabled", ErrInvalid)
	}
	return cfg.Transports.validate()
}

func validateBackoff(section string, b backoff.Config) error {
	if b.InitialDelay <= 0 || b.MaxDelay < b.InitialDelay {
		return fmt.Errorf("%w: %s backoff delays out of range", ErrInvalid, section)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("%w: %s backoff multiplier must be >= 1", ErrInvalid, section)
	}
	return nil
}

// Protocols lists the enabled transports.
func (t Transports) Protocols() []string {
	var out []string
	if t.CoAP != nil {
		out = append(out, coap.Protocol)
	}
	if t.MQTT != nil {
		out = append(out, mqtt.Protocol)
	}
	if t.STOMP != nil {
		out = append(out, stomp.Protocol)
	}
	if t.WebSocket != nil {
		out = append(out, websocket.Protocol)
	}
	return out
}

func (t Transports) validate() error {
	check := func(name string, err error) error {
		if err != nil {
			return fmt.Errorf("%w: transports.%s: %v", ErrInvalid, name, err)
		}
		return nil
	}
	if c := t.CoAP; c != nil {
		if strings.TrimSpace(c.Listen) == "" && len(c.Routes) == 0 {
			return check("coap", errors.New("listen or routes required"))
		}
		if err := check("coap", c.Security.ValidateServer()); err != nil {
			return err
		}
		if c.Security.TLS.Enabled || transport.NormalizeSecurityMode(c.Security.Mode) == transport.SecurityModeProduction {
			return check("coap", errors.New("dtls is not supported"))
		}
	}
	if m := t.MQTT; m != nil {
		if m.BrokerURL == "" || m.AgentTopic == "" {
			return check("mqtt", errors.New("broker_url and agent_topic required"))
		}
		if err := check("mqtt", m.Security.ValidateClient()); err != nil {
			return err
		}
	}
	if s := t.STOMP; s != nil {
		if s.Address == "" || s.AgentDestination == "" {
			return check("stomp", errors.New("address and agent_destination required"))
		}
		if err := check("stomp", s.Security.ValidateClient()); err != nil {
			return err
		}
	}
	if w := t.WebSocket; w != nil {
		if len(w.Controllers) == 0 {
			return check("websocket", errors.New("at least one controller url required"))
		}
		for id, url := range w.Controllers {
			if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
				return check("websocket", fmt.Errorf("controller %s url %q is not ws:// or wss://", id, url))
			}
		}
		if err := check("websocket", w.Security.ValidateClient()); err != nil {
			return err
		}
	}
	return nil
}
