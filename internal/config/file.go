package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/uspagent/internal/agent"
	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/danmuck/uspagent/internal/transport/coap"
	"github.com/danmuck/uspagent/internal/transport/mqtt"
	"github.com/danmuck/uspagent/internal/transport/stomp"
	"github.com/danmuck/uspagent/internal/transport/websocket"
)

// fileConfig mirrors the TOML layout. Durations are strings parsed with
// time.ParseDuration.
type fileConfig struct {
	EndpointID  string           `toml:"endpoint_id"`
	LogLevel    string           `toml:"log_level"`
	DataModel   dataModelFile    `toml:"datamodel"`
	Session     sessionFile      `toml:"session"`
	Dispatch    dispatchFile     `toml:"dispatch"`
	Delivery    deliveryFile     `toml:"delivery"`
	Notify      notifyFile       `toml:"notify"`
	Admin       adminFile        `toml:"admin"`
	Controllers []controllerFile `toml:"controllers"`
	Transports  transportsFile   `toml:"transports"`
}

type dataModelFile struct {
	Document      string `toml:"document"`
	State         string `toml:"state"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
	SelfTestDelay string `toml:"self_test_delay"`
}

type sessionFile struct {
	MaxSegmentSize     int    `toml:"max_segment_size"`
	UseSessionContext  bool   `toml:"use_session_context"`
	ReassemblyTimeout  string `toml:"reassembly_timeout"`
	MaxReassemblyBytes int    `toml:"max_reassembly_bytes"`
}

type dispatchFile struct {
	OperationTimeout      string `toml:"operation_timeout"`
	AsyncOperationTimeout string `toml:"async_operation_timeout"`
	PeerConcurrency       int    `toml:"peer_concurrency"`
	PeerQueueLimit        int    `toml:"peer_queue_limit"`
	DedupSize             int    `toml:"dedup_size"`
	DedupWindow           string `toml:"dedup_window"`
}

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type deliveryFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
	MaxRetries   int     `toml:"max_retries"`
}

func (d deliveryFile) backoff() backoffFile {
	return backoffFile{InitialDelay: d.InitialDelay, Multiplier: d.Multiplier, MaxDelay: d.MaxDelay, Jitter: d.Jitter}
}

type notifyFile struct {
	PeriodicInterval string `toml:"periodic_interval"`
	SweepInterval    string `toml:"sweep_interval"`
	BootCause        string `toml:"boot_cause"`
}

type adminFile struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

type controllerFile struct {
	EndpointID string `toml:"endpoint_id"`
	Protocol   string `toml:"protocol"`
	Address    string `toml:"address"`
}

type transportsFile struct {
	CoAP      *coapFile      `toml:"coap,omitempty"`
	MQTT      *mqttFile      `toml:"mqtt,omitempty"`
	STOMP     *stompFile     `toml:"stomp,omitempty"`
	WebSocket *websocketFile `toml:"websocket,omitempty"`
}

type coapFile struct {
	Listen        string             `toml:"listen"`
	Path          string             `toml:"path"`
	AdvertisedURI string             `toml:"advertised_uri"`
	QueueSize     int                `toml:"queue_size"`
	WriteTimeout  string             `toml:"write_timeout"`
	Routes        map[string]string  `toml:"routes,omitempty"`
	Security      transport.Security `toml:"security"`
}

type mqttFile struct {
	BrokerURL      string             `toml:"broker_url"`
	ClientID       string             `toml:"client_id"`
	Username       string             `toml:"username"`
	Password       string             `toml:"password"`
	AgentTopic     string             `toml:"agent_topic"`
	ReplyToSuffix  bool               `toml:"reply_to_suffix"`
	QoS            int                `toml:"qos"`
	QueueSize      int                `toml:"queue_size"`
	ConnectTimeout string             `toml:"connect_timeout"`
	WriteTimeout   string             `toml:"write_timeout"`
	KeepAlive      string             `toml:"keep_alive"`
	Routes         map[string]string  `toml:"routes,omitempty"`
	Security       transport.Security `toml:"security"`
}

type stompFile struct {
	Address          string             `toml:"address"`
	Host             string             `toml:"host"`
	Username         string             `toml:"username"`
	Password         string             `toml:"password"`
	AgentDestination string             `toml:"agent_destination"`
	HeartBeat        string             `toml:"heart_beat"`
	QueueSize        int                `toml:"queue_size"`
	Reconnect        backoffFile        `toml:"reconnect"`
	Routes           map[string]string  `toml:"routes,omitempty"`
	Security         transport.Security `toml:"security"`
}

type websocketFile struct {
	Controllers  map[string]string  `toml:"controllers"`
	QueueSize    int                `toml:"queue_size"`
	WriteTimeout string             `toml:"write_timeout"`
	PingInterval string             `toml:"ping_interval"`
	Reconnect    backoffFile        `toml:"reconnect"`
	Security     transport.Security `toml:"security"`
}

// overrides applies only the keys present in the file.
type overrides struct {
	meta toml.MetaData
	err  error
}

func (o *overrides) defined(keys ...string) bool {
	return o.err == nil && o.meta.IsDefined(keys...)
}

func set[T any](o *overrides, dst *T, v T, keys ...string) {
	if o.defined(keys...) {
		*dst = v
	}
}

func (o *overrides) duration(dst *time.Duration, raw string, keys ...string) {
	if !o.defined(keys...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(keys, "."), err)
		return
	}
	*dst = d
}

func (o *overrides) backoff(dst *backoff.Config, raw backoffFile, keys ...string) {
	o.duration(&dst.InitialDelay, raw.InitialDelay, append(keys, "initial_delay")...)
	o.duration(&dst.MaxDelay, raw.MaxDelay, append(keys, "max_delay")...)
	set(o, &dst.Multiplier, raw.Multiplier, append(keys, "multiplier")...)
	set(o, &dst.Jitter, raw.Jitter, append(keys, "jitter")...)
}

func apply(cfg *AgentConfig, raw fileConfig, meta toml.MetaData) error {
	o := &overrides{meta: meta}

	if o.defined("endpoint_id") {
		if id := strings.TrimSpace(raw.EndpointID); id != "" {
			cfg.EndpointID = id
		}
	}
	cfg.Agent.EndpointID = cfg.EndpointID
	cfg.Agent.Session.LocalID = cfg.EndpointID
	set(o, &cfg.LogLevel, strings.TrimSpace(raw.LogLevel), "log_level")

	dm := &cfg.DataModel
	set(o, &dm.Document, raw.DataModel.Document, "datamodel", "document")
	set(o, &dm.State, raw.DataModel.State, "datamodel", "state")
	set(o, &dm.RedisAddr, raw.DataModel.RedisAddr, "datamodel", "redis_addr")
	set(o, &dm.RedisPassword, raw.DataModel.RedisPassword, "datamodel", "redis_password")
	set(o, &dm.RedisDB, raw.DataModel.RedisDB, "datamodel", "redis_db")
	set(o, &dm.RedisKey, raw.DataModel.RedisKey, "datamodel", "redis_key")
	o.duration(&dm.SelfTestDelay, raw.DataModel.SelfTestDelay, "datamodel", "self_test_delay")

	sc := &cfg.Agent.Session
	set(o, &sc.MaxSegmentSize, raw.Session.MaxSegmentSize, "session", "max_segment_size")
	set(o, &sc.UseSessionContext, raw.Session.UseSessionContext, "session", "use_session_context")
	o.duration(&sc.ReassemblyTimeout, raw.Session.ReassemblyTimeout, "session", "reassembly_timeout")
	set(o, &sc.MaxReassemblyBytes, raw.Session.MaxReassemblyBytes, "session", "max_reassembly_bytes")

	dc := &cfg.Agent.Dispatch
	o.duration(&dc.OperationTimeout, raw.Dispatch.OperationTimeout, "dispatch", "operation_timeout")
	o.duration(&dc.AsyncOperationTimeout, raw.Dispatch.AsyncOperationTimeout, "dispatch", "async_operation_timeout")
	set(o, &dc.PeerConcurrency, raw.Dispatch.PeerConcurrency, "dispatch", "peer_concurrency")
	set(o, &dc.PeerQueueLimit, raw.Dispatch.PeerQueueLimit, "dispatch", "peer_queue_limit")
	set(o, &dc.DedupSize, raw.Dispatch.DedupSize, "dispatch", "dedup_size")
	o.duration(&dc.DedupWindow, raw.Dispatch.DedupWindow, "dispatch", "dedup_window")

	o.backoff(&cfg.Agent.Delivery.Backoff, raw.Delivery.backoff(), "delivery")
	set(o, &cfg.Agent.Delivery.MaxRetries, raw.Delivery.MaxRetries, "delivery", "max_retries")

	o.duration(&cfg.Agent.Notify.PeriodicInterval, raw.Notify.PeriodicInterval, "notify", "periodic_interval")
	o.duration(&cfg.Agent.SweepInterval, raw.Notify.SweepInterval, "notify", "sweep_interval")
	set(o, &cfg.Agent.BootCause, raw.Notify.BootCause, "notify", "boot_cause")

	set(o, &cfg.Admin.Addr, strings.TrimSpace(raw.Admin.Addr), "admin", "addr")
	set(o, &cfg.Admin.Token, raw.Admin.Token, "admin", "token")
	set(o, &cfg.Admin.CorsOrigins, raw.Admin.CorsOrigins, "admin", "cors_origins")

	if o.defined("controllers") {
		cfg.Agent.Controllers = make([]agent.ControllerRoute, 0, len(raw.Controllers))
		for _, c := range raw.Controllers {
			cfg.Agent.Controllers = append(cfg.Agent.Controllers, agent.ControllerRoute{
				EndpointID: strings.TrimSpace(c.EndpointID),
				Protocol:   strings.ToLower(strings.TrimSpace(c.Protocol)),
				Address:    strings.TrimSpace(c.Address),
			})
		}
	}

	applyTransports(o, &cfg.Transports, raw.Transports, cfg.EndpointID)
	return o.err
}

func applyTransports(o *overrides, t *Transports, raw transportsFile, endpointID string) {
	if raw.CoAP != nil {
		c := &coap.Config{
			Listen:        raw.CoAP.Listen,
			Path:          raw.CoAP.Path,
			AdvertisedURI: raw.CoAP.AdvertisedURI,
			QueueSize:     raw.CoAP.QueueSize,
			Routes:        raw.CoAP.Routes,
			Security:      raw.CoAP.Security,
		}
		o.duration(&c.WriteTimeout, raw.CoAP.WriteTimeout, "transports", "coap", "write_timeout")
		t.CoAP = c
	}
	if raw.MQTT != nil {
		m := &mqtt.Config{
			BrokerURL:     raw.MQTT.BrokerURL,
			ClientID:      raw.MQTT.ClientID,
			Username:      raw.MQTT.Username,
			Password:      raw.MQTT.Password,
			AgentTopic:    raw.MQTT.AgentTopic,
			ReplyToSuffix: raw.MQTT.ReplyToSuffix,
			QoS:           byte(raw.MQTT.QoS),
			QueueSize:     raw.MQTT.QueueSize,
			Routes:        raw.MQTT.Routes,
			Security:      raw.MQTT.Security,
		}
		if m.ClientID == "" {
			m.ClientID = endpointID
		}
		o.duration(&m.ConnectTimeout, raw.MQTT.ConnectTimeout, "transports", "mqtt", "connect_timeout")
		o.duration(&m.WriteTimeout, raw.MQTT.WriteTimeout, "transports", "mqtt", "write_timeout")
		o.duration(&m.KeepAlive, raw.MQTT.KeepAlive, "transports", "mqtt", "keep_alive")
		t.MQTT = m
	}
	if raw.STOMP != nil {
		s := &stomp.Config{
			Address:          raw.STOMP.Address,
			Host:             raw.STOMP.Host,
			Username:         raw.STOMP.Username,
			Password:         raw.STOMP.Password,
			AgentDestination: raw.STOMP.AgentDestination,
			QueueSize:        raw.STOMP.QueueSize,
			Routes:           raw.STOMP.Routes,
			Reconnect:        transport.DefaultReconnect(),
			Security:         raw.STOMP.Security,
		}
		o.duration(&s.HeartBeat, raw.STOMP.HeartBeat, "transports", "stomp", "heart_beat")
		o.backoff(&s.Reconnect, raw.STOMP.Reconnect, "transports", "stomp", "reconnect")
		t.STOMP = s
	}
	if raw.WebSocket != nil {
		w := &websocket.Config{
			EndpointID:  endpointID,
			Controllers: raw.WebSocket.Controllers,
			QueueSize:   raw.WebSocket.QueueSize,
			Reconnect:   transport.DefaultReconnect(),
			Security:    raw.WebSocket.Security,
		}
		o.duration(&w.WriteTimeout, raw.WebSocket.WriteTimeout, "transports", "websocket", "write_timeout")
		o.duration(&w.PingInterval, raw.WebSocket.PingInterval, "transports", "websocket", "ping_interval")
		o.backoff(&w.Reconnect, raw.WebSocket.Reconnect, "transports", "websocket", "reconnect")
		t.WebSocket = w
	}
}
