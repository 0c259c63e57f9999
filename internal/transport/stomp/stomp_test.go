package stomp

import (
	"context"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/danmuck/uspagent/internal/transport"
	"github.com/google/uuid"
)

func TestDecodeBody(t *testing.T) {
	testlog.Start(t)
	raw := []byte{0x0a, 0x03, 0x31, 0x2e, 0x33, 0x00, 0xff}
	got, err := DecodeBody(ContentType, raw)
	if err != nil || string(got) != string(raw) {
		t.Fatalf("binary body got=%v err=%v", got, err)
	}
	enc := []byte(base64.StdEncoding.EncodeToString(raw))
	got, err = DecodeBody("text/plain; base64", enc)
	if err != nil {
		t.Fatalf("base64 body: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("base64 body got=%v want=%v", got, raw)
	}
	if _, err := DecodeBody("text/plain;base64", []byte("!!not-base64")); err == nil {
		t.Fatalf("expected invalid base64 to fail")
	}
}

func TestWriteWithoutConnectionIsDown(t *testing.T) {
	testlog.Start(t)
	b := New(Config{Routes: map[string]string{"ctrl": "/queue/ctrl"}}, nil)
	if err := b.write(context.Background(), "ctrl", []byte("x")); err != transport.ErrTransportDown {
		t.Fatalf("expected transport down, got %v", err)
	}
	if err := b.Connect(context.Background()); err == nil {
		t.Fatalf("expected missing address to fail")
	}
}

func TestUnreachableBrokerKeepsRetrying(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(Config{
		Address:          "127.0.0.1:1",
		AgentDestination: "/queue/agent",
		DialTimeout:      100 * time.Millisecond,
	}, nil)
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect should start the loop: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := b.Subscribed(); got != "/queue/agent" {
		t.Fatalf("subscribed got=%q", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// TestBrokerRoundTrip needs a broker, e.g. STOMP_ADDR=127.0.0.1:61613.
func TestBrokerRoundTrip(t *testing.T) {
	testlog.Start(t)
	addr := os.Getenv("STOMP_ADDR")
	if addr == "" {
		t.Skip("STOMP_ADDR not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	suffix := uuid.NewString()
	got := make(chan string, 1)
	up := make(chan struct{}, 2)
	onEvent := func(ev transport.Event) {
		if ev.Kind == transport.EventTransportUp {
			up <- struct{}{}
		}
	}
	ctrl := New(Config{Address: addr, AgentDestination: "/queue/ctrl-" + suffix},
		transport.HandlerFuncs{
			Receive: func(peer string, payload []byte) { got <- peer + "|" + string(payload) },
			Event:   onEvent,
		})
	agent := New(Config{
		Address:          addr,
		AgentDestination: "/queue/agent-" + suffix,
		Routes:           map[string]string{"ctrl": "/queue/ctrl-" + suffix},
	}, transport.HandlerFuncs{Event: onEvent})
	for _, b := range []*Binding{ctrl, agent} {
		if err := b.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer b.Close()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-up:
		case <-time.After(5 * time.Second):
			t.Fatalf("bindings never came up")
		}
	}

	if err := agent.Send("ctrl", []byte("record")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case v := <-got:
		if v != "/queue/agent-"+suffix+"|record" {
			t.Fatalf("received got=%q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("controller never received the record")
	}
}
