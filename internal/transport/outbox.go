package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// WriteFunc performs one network write for a queued payload.
type WriteFunc func(ctx context.Context, peer string, payload []byte) error

type outboxItem struct {
	peer    string
	payload []byte
}

// Outbox is the bounded outbound queue of one binding. A single worker
// drains it and reports each write as DeliveryAck or DeliveryFailure.
type Outbox struct {
	protocol string
	write    WriteFunc
	handler  Handler
	queue    chan outboxItem

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func NewOutbox(protocol string, size int, write WriteFunc, h Handler) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		protocol: protocol,
		write:    write,
		handler:  h,
		queue:    make(chan outboxItem, size),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the worker. Later calls are no-ops.
func (o *Outbox) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		go o.run(ctx)
	})
}

// Enqueue queues payload for peer without blocking.
func (o *Outbox) Enqueue(peer string, payload []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.queue <- outboxItem{peer: peer, payload: payload}:
		return nil
	default:
		log.Warn().Str("protocol", o.protocol).Str("peer", peer).Int("queued", len(o.queue)).Msg("transport outbox full")
		return ErrQueueFull
	}
}

func (o *Outbox) Len() int {
	return len(o.queue)
}

// Close stops the worker and waits for it to exit. An outbox that was
// never started can no longer be started.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
	o.startOnce.Do(func() { close(o.stopped) })
	<-o.stopped
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case item := <-o.queue:
			err := o.write(ctx, item.peer, item.payload)
			if err != nil {
				log.Debug().Err(err).Str("protocol", o.protocol).Str("peer", item.peer).Msg("transport write failed")
				Emit(o.handler, o.protocol, EventDeliveryFailure, item.peer, err)
				continue
			}
			Emit(o.handler, o.protocol, EventDeliveryAck, item.peer, nil)
		}
	}
}
