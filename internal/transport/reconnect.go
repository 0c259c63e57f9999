package transport

import (
	"context"
	"math/rand"
	"time"

	"github.com/danmuck/uspagent/internal/backoff"
	"github.com/rs/zerolog/log"
)

// Subscriber is implemented by bindings that receive on a named topic or
// destination, announced to peers in connect records.
type Subscriber interface {
	Subscribed() string
}

// SessionFunc runs one connection until it is lost. connected reports
// whether the connection was established before it ended.
type SessionFunc func(ctx context.Context) (connected bool, err error)

// Reconnect runs session until ctx ends, waiting a backoff delay between
// attempts. The attempt counter resets after every session that connected.
func Reconnect(ctx context.Context, protocol string, cfg backoff.Config, session SessionFunc) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		connected, err := session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := backoff.Delay(cfg, attempt, rng)
		log.Warn().Err(err).Str("protocol", protocol).Int("attempt", attempt).Dur("retry_in", delay).Msg("transport session ended")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// DefaultReconnect is the reconnect schedule used when none is configured.
func DefaultReconnect() backoff.Config {
	return backoff.Config{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}
