package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{signal: make(chan struct{}, 16)}
}

func (l *eventLog) OnReceive(string, []byte) {}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.signal <- struct{}{}
}

func (l *eventLog) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		l.mu.Lock()
		if len(l.events) >= n {
			out := append([]Event(nil), l.events...)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		select {
		case <-l.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func TestOutboxReportsAckAndFailure(t *testing.T) {
	testlog.Start(t)
	events := newEventLog()
	boom := errors.New("boom")
	write := func(_ context.Context, peer string, _ []byte) error {
		if peer == "bad" {
			return boom
		}
		return nil
	}
	o := NewOutbox("test", 4, write, events)
	o.Start(context.Background())
	defer o.Close()

	if err := o.Enqueue("good", []byte("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.Enqueue("bad", []byte("b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := events.wait(t, 2)
	if got[0].Kind != EventDeliveryAck || got[0].Peer != "good" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Kind != EventDeliveryFailure || !errors.Is(got[1].Err, boom) {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

func TestOutboxFullAndClosed(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox("test", 2, func(context.Context, string, []byte) error { return nil }, nil)
	for i := 0; i < 2; i++ {
		if err := o.Enqueue("peer", nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := o.Enqueue("peer", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	o.Close()
	if err := o.Enqueue("peer", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	o.Close()
}
