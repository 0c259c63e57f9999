package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/uspagent/internal/transport"
	"github.com/danmuck/uspagent/internal/transport/coap"
	"github.com/danmuck/uspagent/internal/transport/mqtt"
	"github.com/danmuck/uspagent/internal/transport/stomp"
	"github.com/danmuck/uspagent/internal/transport/websocket"
	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# uspagent configuration
# Durations use Go syntax ("500ms", "30s", "24h"). Secrets can come from the
# environment: USPAGENT_ADMIN_TOKEN, USPAGENT_ENDPOINT_ID, USPAGENT_REDIS_ADDR.

`

// Kinds lists the template kinds, one per transport.
func Kinds() []string {
	return []string{websocket.Protocol, mqtt.Protocol, stomp.Protocol, coap.Protocol}
}

// Template renders a complete configuration using the transport kind.
func Template(kind string) (string, error) {
	file := baseTemplate()
	ctrl := "proto::controller-1"
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case websocket.Protocol:
		file.Transports.WebSocket = &websocketFile{
			Controllers:  map[string]string{ctrl: "ws://controller.local:8080/usp"},
			QueueSize:    64,
			WriteTimeout: "5s",
			PingInterval: "30s",
			Reconnect:    templateBackoff(),
			Security:     devSecurity(),
		}
		file.Controllers = []controllerFile{{EndpointID: ctrl, Protocol: websocket.Protocol}}
	case mqtt.Protocol:
		file.Transports.MQTT = &mqttFile{
			BrokerURL:      "tcp://broker.local:1883",
			AgentTopic:     "usp/agent/" + file.EndpointID,
			ReplyToSuffix:  true,
			QoS:            1,
			QueueSize:      64,
			ConnectTimeout: "10s",
			WriteTimeout:   "5s",
			KeepAlive:      "30s",
			Security:       devSecurity(),
		}
		file.Controllers = []controllerFile{{EndpointID: ctrl, Protocol: mqtt.Protocol, Address: "usp/controller/1"}}
	case stomp.Protocol:
		file.Transports.STOMP = &stompFile{
			Address:          "broker.local:61613",
			Host:             "/",
			AgentDestination: "/queue/agent-" + file.EndpointID,
			HeartBeat:        "30s",
			QueueSize:        64,
			Reconnect:        templateBackoff(),
			Security:         devSecurity(),
		}
		file.Controllers = []controllerFile{{EndpointID: ctrl, Protocol: stomp.Protocol, Address: "/queue/controller-1"}}
	case coap.Protocol:
		file.Transports.CoAP = &coapFile{
			Listen:        ":5683",
			Path:          coap.DefaultPath,
			AdvertisedURI: "coap://agent.local:5683/usp",
			QueueSize:     64,
			WriteTimeout:  "5s",
			Security:      devSecurity(),
		}
		file.Controllers = []controllerFile{{EndpointID: ctrl, Protocol: coap.Protocol, Address: "coap://controller.local:5683/usp"}}
	default:
		return "", fmt.Errorf("unknown config kind: %s (want one of %s)", kind, strings.Join(Kinds(), ", "))
	}
	data, err := toml.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return templateHeader + string(data), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func baseTemplate() fileConfig {
	def := Default()
	a := def.Agent
	return fileConfig{
		EndpointID: def.EndpointID,
		LogLevel:   def.LogLevel,
		DataModel: dataModelFile{
			State:         "var/uspagent/state.toml",
			RedisKey:      def.DataModel.RedisKey,
			SelfTestDelay: def.DataModel.SelfTestDelay.String(),
		},
		Session: sessionFile{
			MaxSegmentSize:     a.Session.MaxSegmentSize,
			ReassemblyTimeout:  a.Session.ReassemblyTimeout.String(),
			MaxReassemblyBytes: a.Session.MaxReassemblyBytes,
		},
		Dispatch: dispatchFile{
			OperationTimeout:      a.Dispatch.OperationTimeout.String(),
			AsyncOperationTimeout: a.Dispatch.AsyncOperationTimeout.String(),
			PeerConcurrency:       a.Dispatch.PeerConcurrency,
			PeerQueueLimit:        a.Dispatch.PeerQueueLimit,
			DedupSize:             a.Dispatch.DedupSize,
			DedupWindow:           a.Dispatch.DedupWindow.String(),
		},
		Delivery: deliveryFile{
			InitialDelay: a.Delivery.Backoff.InitialDelay.String(),
			Multiplier:   a.Delivery.Backoff.Multiplier,
			MaxDelay:     a.Delivery.Backoff.MaxDelay.String(),
			Jitter:       a.Delivery.Backoff.Jitter,
			MaxRetries:   a.Delivery.MaxRetries,
		},
		Notify: notifyFile{
			PeriodicInterval: a.Notify.PeriodicInterval.String(),
			SweepInterval:    a.SweepInterval.String(),
			BootCause:        a.BootCause,
		},
		Admin: adminFile{
			Addr:        def.Admin.Addr,
			Token:       "change-me",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

func templateBackoff() backoffFile {
	r := transport.DefaultReconnect()
	return backoffFile{
		InitialDelay: r.InitialDelay.String(),
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay.String(),
		Jitter:       r.Jitter,
	}
}

func devSecurity() transport.Security {
	return transport.Security{Mode: transport.SecurityModeDevelopment}
}
