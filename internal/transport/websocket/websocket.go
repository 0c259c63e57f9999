// Package websocket carries USP records over WebSocket connections the
// agent opens to each configured controller. Every controller gets its own
// connection, kept alive with pings and re-established with backoff.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	Protocol    = "websocket"
	Subprotocol = "v1.usp"

	extensionHeader = "Sec-WebSocket-Extensions"
)

var ErrSubprotocol = errors.New("websocket: controller did not accept " + Subprotocol)

type Config struct {
	// EndpointID is announced in the bbf-usp-protocol extension.
	EndpointID string `toml:"endpoint_id"`
	// Controllers maps controller endpoint ids to ws:// or wss:// URLs.
	Controllers      map[string]string  `toml:"controllers"`
	QueueSize        int                `toml:"queue_size"`
	HandshakeTimeout time.Duration      `toml:"handshake_timeout"`
	WriteTimeout     time.Duration      `toml:"write_timeout"`
	PingInterval     time.Duration      `toml:"ping_interval"`
	ReadLimit        int64              `toml:"read_limit"`
	Reconnect        backoff.Config     `toml:"reconnect"`
	Security         transport.Security `toml:"security"`
}

type link struct {
	endpointID string
	url        string

	mu   sync.Mutex
	conn *websocket.Conn
}

type Binding struct {
	cfg     Config
	handler transport.Handler
	outbox  *transport.Outbox
	links   map[string]*link
	dialer  websocket.Dialer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, h transport.Handler) *Binding {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4 << 20
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = transport.DefaultReconnect()
	}
	b := &Binding{
		cfg:     cfg,
		handler: h,
		links:   make(map[string]*link, len(cfg.Controllers)),
	}
	for id, url := range cfg.Controllers {
		b.links[id] = &link{endpointID: id, url: url}
	}
	b.outbox = transport.NewOutbox(Protocol, cfg.QueueSize, b.write, h)
	return b
}

func (b *Binding) Protocol() string { return Protocol }

// Controllers lists the configured controller endpoint ids in order.
func (b *Binding) Controllers() []string {
	out := make([]string, 0, len(b.links))
	for id := range b.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Binding) Connect(ctx context.Context) error {
	tlsCfg, err := b.cfg.Security.ClientTLS()
	if err != nil {
		return err
	}
	b.dialer = websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: b.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		TLSClientConfig:  tlsCfg,
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.outbox.Start(runCtx)
	for _, l := range b.links {
		l := l
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			transport.Reconnect(runCtx, Protocol, b.cfg.Reconnect, func(ctx context.Context) (bool, error) {
				return b.session(ctx, l)
			})
		}()
	}
	return nil
}

func (b *Binding) dial(ctx context.Context, l *link) (*websocket.Conn, error) {
	header := http.Header{}
	if b.cfg.EndpointID != "" {
		header.Set(extensionHeader, fmt.Sprintf(`bbf-usp-protocol; eid="%s"`, b.cfg.EndpointID))
	}
	conn, resp, err := b.dialer.DialContext(ctx, l.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", l.url, err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close()
		return nil, ErrSubprotocol
	}
	return conn, nil
}

// session runs one connection to l until it fails or ctx ends.
func (b *Binding) session(ctx context.Context, l *link) (bool, error) {
	conn, err := b.dial(ctx, l)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(b.cfg.ReadLimit)
	alive := func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * b.cfg.PingInterval))
	}
	_ = alive("")
	conn.SetPongHandler(alive)

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	log.Info().Str("protocol", Protocol).Str("peer", l.endpointID).Str("url", l.url).Msg("transport connected")
	transport.Emit(b.handler, Protocol, transport.EventTransportUp, l.endpointID, nil)

	stop := make(chan struct{})
	go b.keepalive(l, stop)
	readErr := make(chan error, 1)
	go func() { readErr <- b.read(conn, l) }()

	select {
	case <-ctx.Done():
		err = ctx.Err()
		l.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(b.cfg.WriteTimeout))
		l.mu.Unlock()
	case err = <-readErr:
	}
	close(stop)

	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
	_ = conn.Close()
	transport.Emit(b.handler, Protocol, transport.EventTransportDown, l.endpointID, err)
	return true, err
}

func (b *Binding) read(conn *websocket.Conn, l *link) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			log.Debug().Str("protocol", Protocol).Str("peer", l.endpointID).Int("type", mt).Msg("non-binary frame ignored")
			continue
		}
		if len(data) == 0 {
			continue
		}
		b.handler.OnReceive(l.endpointID, data)
	}
}

func (b *Binding) keepalive(l *link, stop <-chan struct{}) {
	t := time.NewTicker(b.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.mu.Lock()
			if l.conn != nil {
				if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.cfg.WriteTimeout)); err != nil {
					log.Debug().Err(err).Str("protocol", Protocol).Str("peer", l.endpointID).Msg("ping failed")
				}
			}
			l.mu.Unlock()
		}
	}
}

func (b *Binding) Send(peer string, payload []byte) error {
	if _, ok := b.links[peer]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	return b.outbox.Enqueue(peer, payload)
}

func (b *Binding) write(_ context.Context, peer string, payload []byte) error {
	l, ok := b.links[peer]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return transport.ErrTransportDown
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (b *Binding) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.outbox.Close()
	return nil
}

var _ transport.Binding = (*Binding)(nil)
