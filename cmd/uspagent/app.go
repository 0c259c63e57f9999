package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/uspagent/internal/agent"
	"github.com/danmuck/uspagent/internal/config"
	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/transport/coap"
	"github.com/danmuck/uspagent/internal/transport/mqtt"
	"github.com/danmuck/uspagent/internal/transport/stomp"
	"github.com/danmuck/uspagent/internal/transport/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const endpointIDParam = "Device.LocalAgent.EndpointID"

// backend is the opened data model plus whatever must be released with it.
type backend struct {
	datamodel.Backend
	closer io.Closer
}

func (b backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

func loadDocument(path string) (datamodel.Document, error) {
	if path == "" {
		return datamodel.DefaultDocument()
	}
	return datamodel.LoadDocument(path)
}

// openBackend opens the Redis hash when configured, otherwise the document
// with its state file. reboot backs Device.Reboot().
func openBackend(ctx context.Context, cfg config.AgentConfig, reboot func(context.Context) error) (backend, error) {
	dm := cfg.DataModel
	doc, err := loadDocument(dm.Document)
	if err != nil {
		return backend{}, err
	}
	commands := datamodel.NewCommands()
	if err := datamodel.RegisterBuiltins(commands, reboot, dm.SelfTestDelay); err != nil {
		return backend{}, err
	}
	opts := []datamodel.Option{
		datamodel.WithCommands(commands),
		datamodel.WithValues(map[string]string{endpointIDParam: cfg.EndpointID}),
	}

	if dm.RedisAddr == "" {
		store, err := datamodel.OpenDocumentStore(doc, dm.State, opts...)
		if err != nil {
			return backend{}, err
		}
		log.Info().Str("state", dm.State).Msg("datamodel document store opened")
		return backend{Backend: store}, nil
	}

	schema, err := doc.Schema()
	if err != nil {
		return backend{}, err
	}
	defaults, err := doc.InitialValues(schema)
	if err != nil {
		return backend{}, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     dm.RedisAddr,
		Password: dm.RedisPassword,
		DB:       dm.RedisDB,
	})
	store, err := datamodel.NewRedisStore(ctx, client, dm.RedisKey, schema, defaults, opts...)
	if err != nil {
		_ = client.Close()
		return backend{}, fmt.Errorf("datamodel redis %s: %w", dm.RedisAddr, err)
	}
	log.Info().Str("addr", dm.RedisAddr).Str("key", dm.RedisKey).Msg("datamodel redis store opened")
	return backend{Backend: store, closer: client}, nil
}

// attachBindings builds one binding per configured transport.
func attachBindings(a *agent.Agent, t config.Transports) error {
	if t.WebSocket != nil {
		a.Attach(websocket.New(*t.WebSocket, a.Handler(websocket.Protocol)))
	}
	if t.MQTT != nil {
		a.Attach(mqtt.New(*t.MQTT, a.Handler(mqtt.Protocol)))
	}
	if t.STOMP != nil {
		a.Attach(stomp.New(*t.STOMP, a.Handler(stomp.Protocol)))
	}
	if t.CoAP != nil {
		a.Attach(coap.New(*t.CoAP, a.Handler(coap.Protocol)))
	}
	if len(a.Bindings()) == 0 {
		return errors.New("no transport configured")
	}
	return nil
}
