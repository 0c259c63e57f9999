// Package stomp carries USP records over a STOMP broker. The agent keeps one
// broker connection, subscribes to its own destination and reconnects with
// backoff when the connection is lost.
package stomp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/transport"
	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog/log"
)

const (
	Protocol = "stomp"

	ContentType     = "application/vnd.bbf.usp.msg"
	base64Type      = "text/plain;base64"
	HeaderReplyTo   = "reply-to-dest"
)

type Config struct {
	Address  string `toml:"address"`
	Host     string `toml:"host"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// AgentDestination is subscribed on every connection and sent to
	// controllers as reply-to-dest.
	AgentDestination string             `toml:"agent_destination"`
	Routes           map[string]string  `toml:"routes"`
	HeartBeat        time.Duration      `toml:"heart_beat"`
	DialTimeout      time.Duration      `toml:"dial_timeout"`
	QueueSize        int                `toml:"queue_size"`
	Reconnect        backoff.Config     `toml:"reconnect"`
	Security         transport.Security `toml:"security"`
}

type Binding struct {
	cfg     Config
	handler transport.Handler
	routes  *transport.Routes
	outbox  *transport.Outbox
	tlsCfg  *tls.Config

	mu         sync.Mutex
	conn       *gostomp.Conn
	subscribed string
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(cfg Config, h transport.Handler) *Binding {
	if cfg.HeartBeat <= 0 {
		cfg.HeartBeat = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = transport.DefaultReconnect()
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

// Subscribed is the destination of the current connection.
func (b *Binding) Subscribed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed != "" {
		return b.subscribed
	}
	return b.cfg.AgentDestination
}

// Connect validates the settings and starts the connection loop. The
// broker may be unreachable at first; the loop keeps retrying.
func (b *Binding) Connect(ctx context.Context) error {
	if b.cfg.Address == "" {
		return errors.New("stomp: address is required")
	}
	tlsCfg, err := b.cfg.Security.ClientTLS()
	if err != nil {
		return err
	}
	b.tlsCfg = tlsCfg

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	b.outbox.Start(runCtx)
	go func() {
		defer close(done)
		transport.Reconnect(runCtx, Protocol, b.cfg.Reconnect, b.session)
	}()
	return nil
}

func (b *Binding) dial() (*gostomp.Conn, error) {
	var (
		nc  net.Conn
		err error
	)
	d := &net.Dialer{Timeout: b.cfg.DialTimeout}
	if b.tlsCfg != nil {
		nc, err = tls.DialWithDialer(d, "tcp", b.cfg.Address, b.tlsCfg)
	} else {
		nc, err = d.Dial("tcp", b.cfg.Address)
	}
	if err != nil {
		return nil, err
	}
	opts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.HeartBeat(b.cfg.HeartBeat, b.cfg.HeartBeat),
		gostomp.ConnOpt.AcceptVersion(gostomp.V12),
	}
	if b.cfg.Host != "" {
		opts = append(opts, gostomp.ConnOpt.Host(b.cfg.Host))
	}
	if b.cfg.Username != "" {
		opts = append(opts, gostomp.ConnOpt.Login(b.cfg.Username, b.cfg.Password))
	}
	conn, err := gostomp.Connect(nc, opts...)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return conn, nil
}

// session runs one broker connection until it fails or ctx ends.
func (b *Binding) session(ctx context.Context) (bool, error) {
	conn, err := b.dial()
	if err != nil {
		return false, fmt.Errorf("stomp: connect %s: %w", b.cfg.Address, err)
	}
	dest := b.cfg.AgentDestination
	if dest == "" {
		_ = conn.Disconnect()
		return false, errors.New("stomp: no agent destination")
	}
	sub, err := conn.Subscribe(dest, gostomp.AckAuto)
	if err != nil {
		_ = conn.MustDisconnect()
		return false, fmt.Errorf("stomp: subscribe %s: %w", dest, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.subscribed = dest
	b.mu.Unlock()
	log.Info().Str("protocol", Protocol).Str("address", b.cfg.Address).Str("destination", dest).Msg("transport connected")
	transport.Emit(b.handler, Protocol, transport.EventTransportUp, "", nil)

	err = b.consume(ctx, sub)

	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()
	if ctx.Err() != nil {
		_ = sub.Unsubscribe()
		_ = conn.Disconnect()
	} else {
		_ = conn.MustDisconnect()
	}
	transport.Emit(b.handler, Protocol, transport.EventTransportDown, "", err)
	return true, err
}

func (b *Binding) consume(ctx context.Context, sub *gostomp.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return errors.New("stomp: subscription closed")
			}
			if msg.Err != nil {
				return msg.Err
			}
			payload, err := DecodeBody(msg.ContentType, msg.Body)
			if err != nil {
				log.Warn().Err(err).Str("protocol", Protocol).Msg("stomp body dropped")
				continue
			}
			if len(payload) == 0 {
				continue
			}
			peer := ""
			if msg.Header != nil {
				peer = msg.Header.Get(HeaderReplyTo)
			}
			if peer == "" {
				peer = msg.Destination
			}
			b.handler.OnReceive(peer, payload)
		}
	}
}

// DecodeBody returns the record bytes of a frame body. Brokers that cannot
// carry binary frames deliver the record base64 encoded as text.
func DecodeBody(contentType string, body []byte) ([]byte, error) {
	ct := strings.ToLower(strings.ReplaceAll(contentType, " ", ""))
	if ct == base64Type {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
		n, err := base64.StdEncoding.Decode(out, body)
		if err != nil {
			return nil, fmt.Errorf("stomp: base64 body: %w", err)
		}
		return out[:n], nil
	}
	return body, nil
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
	conn := b.conn
	replyTo := b.subscribed
	b.mu.Unlock()
	if conn == nil {
		return transport.ErrTransportDown
	}
	opts := []func(*frame.Frame) error{}
	if replyTo != "" {
		opts = append(opts, gostomp.SendOpt.Header(HeaderReplyTo, replyTo))
	}
	return conn.Send(dest, ContentType, payload, opts...)
}

func (b *Binding) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	b.outbox.Close()
	return nil
}

var (
	_ transport.Binding    = (*Binding)(nil)
	_ transport.Router     = (*Binding)(nil)
	_ transport.Subscriber = (*Binding)(nil)
)
