// Package mqtt carries USP records over an MQTT broker. The agent
// subscribes to its own topic and publishes to each controller's topic.
// Controllers name their reply topic with a "/reply-to=" topic suffix,
// which is also how this binding advertises its own.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uspagent/internal/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	Protocol = "mqtt"

	replyToMarker = "/reply-to="
)

type Config struct {
	BrokerURL string `toml:"broker_url"`
	ClientID  string `toml:"client_id"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	// AgentTopic is subscribed on connect; records to this agent arrive on
	// it or on any of its subtopics.
	AgentTopic string `toml:"agent_topic"`
	// ReplyToSuffix appends "/reply-to=<AgentTopic>" to every publish topic.
	ReplyToSuffix  bool               `toml:"reply_to_suffix"`
	Routes         map[string]string  `toml:"routes"`
	QoS            byte               `toml:"qos"`
	QueueSize      int                `toml:"queue_size"`
	ConnectTimeout time.Duration      `toml:"connect_timeout"`
	WriteTimeout   time.Duration      `toml:"write_timeout"`
	KeepAlive      time.Duration      `toml:"keep_alive"`
	Security       transport.Security `toml:"security"`
}

type Binding struct {
	cfg     Config
	handler transport.Handler
	routes  *transport.Routes
	outbox  *transport.Outbox

	mu     sync.Mutex
	client paho.Client
}

func New(cfg Config, h transport.Handler) *Binding {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	b := &Binding{
		cfg:     cfg,
		handler: h,
		routes:  transport.NewRoutes(cfg.Routes),
	}
	b.outbox = transport.NewOutbox(Protocol, cfg.QueueSize, b.write, h)
	return b
}

func (b *Binding) Protocol() string { return Protocol }

func (b *Binding) Route(endpointID, address string) {
	b.routes.Set(endpointID, address)
}

func (b *Binding) Subscribed() string { return b.cfg.AgentTopic }

func (b *Binding) Connect(ctx context.Context) error {
	if b.cfg.BrokerURL == "" || b.cfg.AgentTopic == "" {
		return fmt.Errorf("mqtt: broker_url and agent_topic are required")
	}
	tlsCfg, err := b.cfg.Security.ClientTLS()
	if err != nil {
		return err
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetKeepAlive(b.cfg.KeepAlive).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Str("protocol", Protocol).Msg("mqtt connection lost")
		transport.Emit(b.handler, Protocol, transport.EventTransportDown, "", err)
	})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect %s: %w", b.cfg.BrokerURL, context.DeadlineExceeded)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", b.cfg.BrokerURL, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.outbox.Start(ctx)
	return nil
}

// onConnect runs on every (re)connect. The session is clean, so the
// subscriptions are renewed each time.
func (b *Binding) onConnect(c paho.Client) {
	filters := map[string]byte{
		b.cfg.AgentTopic:        b.cfg.QoS,
		b.cfg.AgentTopic + "/#": b.cfg.QoS,
	}
	tok := c.SubscribeMultiple(filters, b.onMessage)
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) || tok.Error() != nil {
		log.Error().Err(tok.Error()).Str("protocol", Protocol).Str("topic", b.cfg.AgentTopic).Msg("mqtt subscribe failed")
		transport.Emit(b.handler, Protocol, transport.EventTransportDown, "", tok.Error())
		return
	}
	log.Info().Str("protocol", Protocol).Str("broker", b.cfg.BrokerURL).Str("topic", b.cfg.AgentTopic).Msg("transport connected")
	transport.Emit(b.handler, Protocol, transport.EventTransportUp, "", nil)
}

func (b *Binding) onMessage(_ paho.Client, m paho.Message) {
	payload := m.Payload()
	if len(payload) == 0 {
		return
	}
	b.handler.OnReceive(ReplyTopic(m.Topic()), payload)
}

// ReplyTopic returns the reply topic named by a "/reply-to=" suffix, or the
// topic itself when there is none.
func ReplyTopic(topic string) string {
	if i := strings.Index(topic, replyToMarker); i >= 0 {
		if reply := topic[i+len(replyToMarker):]; reply != "" {
			return reply
		}
	}
	return topic
}

func (b *Binding) publishTopic(dest string) string {
	if !b.cfg.ReplyToSuffix {
		return dest
	}
	return dest + replyToMarker + b.cfg.AgentTopic
}

func (b *Binding) Send(peer string, payload []byte) error {
	return b.outbox.Enqueue(peer, payload)
}

func (b *Binding) write(_ context.Context, peer string, payload []byte) error {
	dest, err := b.routes.Lookup(peer)
	if err != nil {
		return err
	}
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return transport.ErrTransportDown
	}
	tok := client.Publish(b.publishTopic(dest), b.cfg.QoS, false, payload)
	if !tok.WaitTimeout(b.cfg.WriteTimeout) {
		return fmt.Errorf("mqtt: publish %s: %w", dest, context.DeadlineExceeded)
	}
	return tok.Error()
}

func (b *Binding) Close() error {
	b.outbox.Close()
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	transport.Emit(b.handler, Protocol, transport.EventTransportDown, "", nil)
	return nil
}

var (
	_ transport.Binding    = (*Binding)(nil)
	_ transport.Router     = (*Binding)(nil)
	_ transport.Subscriber = (*Binding)(nil)
)
