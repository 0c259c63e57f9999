package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/gorilla/websocket"
)

type controller struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	ext      chan string
	received chan []byte
}

func newController(t *testing.T, subprotocols ...string) *controller {
	t.Helper()
	c := &controller{
		conns:    make(chan *websocket.Conn, 4),
		ext:      make(chan string, 4),
		received: make(chan []byte, 8),
	}
	up := websocket.Upgrader{Subprotocols: subprotocols}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offer(c.ext, r.Header.Get(extensionHeader))
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		offer(c.conns, conn)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				offer(c.received, data)
			}
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (c *controller) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

func waitEvent(t *testing.T, events chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func fastReconnect() backoff.Config {
	return backoff.Config{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}
}

func TestExchangeWithController(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := newController(t, Subprotocol)

	in := make(chan string, 4)
	events := make(chan transport.Event, 16)
	b := New(Config{
		EndpointID:  "os::agent",
		Controllers: map[string]string{"proto::ctrl": ctrl.url()},
		Reconnect:   fastReconnect(),
	}, transport.HandlerFuncs{
		Receive: func(peer string, payload []byte) { in <- peer + "|" + string(payload) },
		Event:   func(ev transport.Event) { events <- ev },
	})
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	ev := waitEvent(t, events, transport.EventTransportUp)
	if ev.Peer != "proto::ctrl" {
		t.Fatalf("up peer got=%q", ev.Peer)
	}
	if ext := <-ctrl.ext; ext != `bbf-usp-protocol; eid="os::agent"` {
		t.Fatalf("extension header got=%q", ext)
	}

	if err := b.Send("proto::ctrl", []byte("notify")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-ctrl.received:
		if string(got) != "notify" {
			t.Fatalf("controller got=%q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("controller never received the record")
	}
	waitEvent(t, events, transport.EventDeliveryAck)

	server := <-ctrl.conns
	if err := server.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatalf("server text write: %v", err)
	}
	if err := server.WriteMessage(websocket.BinaryMessage, []byte("get")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case got := <-in:
		if got != "proto::ctrl|get" {
			t.Fatalf("agent got=%q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("agent never received the record")
	}
}

func TestReconnectAfterControllerDrop(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := newController(t, Subprotocol)

	events := make(chan transport.Event, 16)
	b := New(Config{
		Controllers: map[string]string{"proto::ctrl": ctrl.url()},
		Reconnect:   fastReconnect(),
	}, transport.HandlerFuncs{Event: func(ev transport.Event) { events <- ev }})
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	waitEvent(t, events, transport.EventTransportUp)
	first := <-ctrl.conns
	_ = first.Close()
	waitEvent(t, events, transport.EventTransportDown)
	waitEvent(t, events, transport.EventTransportUp)
}

func TestSubprotocolRequired(t *testing.T) {
	testlog.Start(t)
	ctrl := newController(t)
	b := New(Config{Controllers: map[string]string{"proto::ctrl": ctrl.url()}}, nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()
	if _, err := b.dial(context.Background(), b.links["proto::ctrl"]); err != ErrSubprotocol {
		t.Fatalf("expected subprotocol error, got %v", err)
	}
}

func TestSendUnknownController(t *testing.T) {
	testlog.Start(t)
	b := New(Config{}, nil)
	if err := b.Send("proto::other", []byte("x")); err == nil {
		t.Fatalf("expected unknown peer")
	}
}
