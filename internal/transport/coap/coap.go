// Package coap carries USP records over CoAP. The agent listens for POSTs
// on one resource and sends each outbound record as a confirmable POST to
// the controller's URI, advertising its own URI in a reply-to query.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uspagent/internal/transport"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/rs/zerolog/log"
)

const (
	Protocol = "coap"

	DefaultPath  = "/usp"
	replyToQuery = "reply-to"
)

var ErrBadStatus = errors.New("coap: unexpected response code")

type Config struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
	// AdvertisedURI is sent as reply-to on every request. When empty the
	// controller answers to the source address of the datagram.
	AdvertisedURI string            `toml:"advertised_uri"`
	Routes        map[string]string `toml:"routes"`
	QueueSize     int               `toml:"queue_size"`
	WriteTimeout  time.Duration     `toml:"write_timeout"`
	Security      transport.Security `toml:"security"`
}

type Binding struct {
	cfg     Config
	handler transport.Handler
	routes  *transport.Routes
	outbox  *transport.Outbox

	mu       sync.Mutex
	server   *udpserver.Server
	listener *coapnet.UDPConn
	served   chan struct{}
}

func New(cfg Config, h transport.Handler) *Binding {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
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

// Route records the URI a controller asked to be answered on.
func (b *Binding) Route(endpointID, address string) {
	b.routes.Set(endpointID, address)
}

// Addr is the bound listener address, or nil before Connect.
func (b *Binding) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.LocalAddr()
}

func (b *Binding) Connect(ctx context.Context) error {
	// CoAP runs over plain UDP here; DTLS is not offered.
	if b.cfg.Security.TLS.Enabled || transport.NormalizeSecurityMode(b.cfg.Security.Mode) == transport.SecurityModeProduction {
		return fmt.Errorf("coap: %w: dtls is not supported", transport.ErrTLSRequired)
	}
	if b.cfg.Listen != "" {
		if err := b.listen(); err != nil {
			return err
		}
	}
	b.outbox.Start(ctx)
	log.Info().Str("protocol", Protocol).Str("listen", b.cfg.Listen).Str("path", b.cfg.Path).Msg("transport connected")
	transport.Emit(b.handler, Protocol, transport.EventTransportUp, "", nil)
	return nil
}

func (b *Binding) listen() error {
	l, err := coapnet.NewListenUDP("udp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("coap: listen %s: %w", b.cfg.Listen, err)
	}
	r := mux.NewRouter()
	if err := r.Handle(b.cfg.Path, mux.HandlerFunc(b.serveUSP)); err != nil {
		_ = l.Close()
		return fmt.Errorf("coap: route %s: %w", b.cfg.Path, err)
	}
	s := udp.NewServer(options.WithMux(r))

	b.mu.Lock()
	b.server = s
	b.listener = l
	b.served = make(chan struct{})
	served := b.served
	b.mu.Unlock()

	go func() {
		defer close(served)
		if err := s.Serve(l); err != nil {
			log.Warn().Err(err).Str("protocol", Protocol).Msg("coap server stopped")
		}
	}()
	return nil
}

func (b *Binding) serveUSP(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		_ = w.SetResponse(codes.MethodNotAllowed, message.TextPlain, nil)
		return
	}
	if cf, err := r.ContentFormat(); err == nil && cf != message.AppOctets {
		_ = w.SetResponse(codes.UnsupportedMediaType, message.TextPlain, nil)
		return
	}
	body := r.Body()
	if body == nil {
		_ = w.SetResponse(codes.BadRequest, message.TextPlain, nil)
		return
	}
	payload, err := io.ReadAll(body)
	if err != nil || len(payload) == 0 {
		_ = w.SetResponse(codes.BadRequest, message.TextPlain, nil)
		return
	}

	peer := replyTo(r)
	if peer == "" {
		peer = "coap://" + w.Conn().RemoteAddr().String() + b.cfg.Path
	}
	if err := w.SetResponse(codes.Changed, message.TextPlain, nil); err != nil {
		log.Debug().Err(err).Str("protocol", Protocol).Msg("coap set response")
	}
	b.handler.OnReceive(peer, payload)
}

// replyTo extracts the decoded reply-to URI query, if any.
func replyTo(r *mux.Message) string {
	queries, err := r.Options().Queries()
	if err != nil {
		return ""
	}
	for _, q := range queries {
		vals, err := url.ParseQuery(q)
		if err != nil {
			continue
		}
		if v := vals.Get(replyToQuery); v != "" {
			return v
		}
	}
	return ""
}

func (b *Binding) Send(peer string, payload []byte) error {
	return b.outbox.Enqueue(peer, payload)
}

func (b *Binding) write(ctx context.Context, peer string, payload []byte) error {
	addr, err := b.routes.Lookup(peer)
	if err != nil {
		return err
	}
	u, err := url.Parse(addr)
	if err != nil || !strings.EqualFold(u.Scheme, "coap") || u.Host == "" {
		return fmt.Errorf("coap: bad peer uri %q", addr)
	}
	path := u.Path
	if path == "" {
		path = DefaultPath
	}

	wctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	conn, err := udp.Dial(u.Host)
	if err != nil {
		return fmt.Errorf("coap: dial %s: %w", u.Host, err)
	}
	defer conn.Close()

	var opts []message.Option
	if b.cfg.AdvertisedURI != "" {
		opts = append(opts, message.Option{
			ID:    message.URIQuery,
			Value: []byte(replyToQuery + "=" + url.QueryEscape(b.cfg.AdvertisedURI)),
		})
	}
	resp, err := conn.Post(wctx, path, message.AppOctets, bytes.NewReader(payload), opts...)
	if err != nil {
		return fmt.Errorf("coap: post %s: %w", addr, err)
	}
	if code := resp.Code(); code < codes.Created || code >= codes.BadRequest {
		return fmt.Errorf("%w: %v", ErrBadStatus, code)
	}
	return nil
}

func (b *Binding) Close() error {
	b.outbox.Close()
	b.mu.Lock()
	s, l, served := b.server, b.listener, b.served
	b.server, b.listener = nil, nil
	b.mu.Unlock()
	if s != nil {
		s.Stop()
		<-served
	}
	if l != nil {
		_ = l.Close()
	}
	transport.Emit(b.handler, Protocol, transport.EventTransportDown, "", nil)
	return nil
}

var (
	_ transport.Binding = (*Binding)(nil)
	_ transport.Router  = (*Binding)(nil)
)
