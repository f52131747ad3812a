package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/gomama/pod-agent/internal/config"
	"github.com/gomama/pod-agent/internal/events"
)

// MQTTTransport manages the broker connection for the primary telemetry
// path. Connection state changes and inbound commands are posted to the
// event bus instead of being handled in the callbacks, so the main
// cycle stays the single writer of pod state and connection flags.
type MQTTTransport struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger

	sensorTopic   string
	statusTopic   string
	commandsTopic string

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// NewMQTTTransport creates the transport but does not connect. Topic
// templates are expanded against the listing ID via cfg.Topic. The
// instance ID becomes the client identity, so broker-side sessions stay
// stable when a pod is re-provisioned under a new listing.
func NewMQTTTransport(cfg *config.Config, instanceID string, bus *events.Bus, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{
		cfg:           cfg.MQTT,
		instanceID:    instanceID,
		bus:           bus,
		logger:        logger,
		sensorTopic:   cfg.Topic(cfg.MQTT.SensorDataTopic),
		statusTopic:   cfg.Topic(cfg.MQTT.StatusTopic),
		commandsTopic: cfg.Topic(cfg.MQTT.CommandsTopic),
	}
}

// SensorTopic returns the expanded sensor-data topic.
func (t *MQTTTransport) SensorTopic() string { return t.sensorTopic }

// Start establishes the managed connection and returns once the
// connection manager is running; autopaho reconnects in the background
// from then on. The broker carries an "offline" will on the status
// topic so a dead agent is visible without polling.
func (t *MQTTTransport) Start(ctx context.Context) error {
	scheme := "mqtt"
	if t.cfg.UseTLS {
		scheme = "mqtts"
	}
	brokerURL, err := url.Parse(fmt.Sprintf("%s://%s:%d", scheme, t.cfg.BrokerHost, t.cfg.BrokerPort))
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{brokerURL},
		KeepAlive:         uint16(t.cfg.KeepaliveSec),
		ConnectRetryDelay: time.Duration(t.cfg.ReconnectDelaySec) * time.Second,
		ConnectTimeout:    time.Duration(t.cfg.ConnectTimeoutSec) * time.Second,
		ConnectUsername:   t.cfg.Username,
		ConnectPassword:   []byte(t.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   t.statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.connected.Store(true)
			t.logger.Info("mqtt connected", "broker", brokerURL.Host)
			t.publishStatus(ctx, cm, "online")
			t.subscribeCommands(ctx, cm)
			t.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceTelemetry,
				Kind:      events.KindConnected,
				Data:      map[string]any{"broker": brokerURL.String()},
			})
		},
		OnConnectError: func(err error) {
			t.connected.Store(false)
			t.logger.Warn("mqtt connection error", "error", err)
			t.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceTelemetry,
				Kind:      events.KindDisconnected,
				Data:      map[string]any{"error": err.Error()},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "podagent-" + t.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				t.onPublishReceived,
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				t.connected.Store(false)
				t.logger.Warn("mqtt server disconnect", "reason", d.ReasonCode)
			},
			OnClientError: func(err error) {
				t.connected.Store(false)
				t.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if t.cfg.UseTLS {
		tlsCfg, err := t.tlsConfig()
		if err != nil {
			return err
		}
		pahoCfg.TlsCfg = tlsCfg
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	t.cm = cm
	return nil
}

func (t *MQTTTransport) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if t.cfg.TLSCACert != "" {
		pem, err := os.ReadFile(t.cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read mqtt CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse mqtt CA cert %s: no certificates found", t.cfg.TLSCACert)
		}
		tlsCfg.RootCAs = pool
	}
	if t.cfg.TLSCertFile != "" && t.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.cfg.TLSCertFile, t.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load mqtt client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Stop publishes a final "offline" status and disconnects cleanly.
func (t *MQTTTransport) Stop(ctx context.Context) error {
	if t.cm == nil {
		return nil
	}
	t.publishStatus(ctx, t.cm, "offline")
	return t.cm.Disconnect(ctx)
}

// Connected reports whether the broker session is currently up.
func (t *MQTTTransport) Connected() bool {
	return t.connected.Load()
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (t *MQTTTransport) AwaitConnection(ctx context.Context) error {
	if t.cm == nil {
		return fmt.Errorf("mqtt transport not started")
	}
	return t.cm.AwaitConnection(ctx)
}

// Publish sends one payload to the given topic at the configured QoS
// and retain flag.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.cm == nil {
		return fmt.Errorf("mqtt transport not started")
	}
	if _, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     byte(t.cfg.QoS),
		Retain:  t.cfg.Retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// PublishStatus publishes a retained status value ("online"/"offline")
// outside the normal connect/disconnect lifecycle, e.g. in response to
// a ping command.
func (t *MQTTTransport) PublishStatus(ctx context.Context, status string) {
	if t.cm == nil {
		return
	}
	t.publishStatus(ctx, t.cm, status)
}

func (t *MQTTTransport) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   t.statusTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		t.logger.Warn("mqtt status publish failed", "status", status, "error", err)
		return
	}
	t.logger.Debug("mqtt status published", "status", status)
}

func (t *MQTTTransport) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: t.commandsTopic, QoS: 1},
		},
	}); err != nil {
		t.logger.Warn("mqtt commands subscribe failed",
			"topic", t.commandsTopic, "error", err)
		return
	}
	t.logger.Debug("mqtt commands subscribed", "topic", t.commandsTopic)
}

// onPublishReceived forwards inbound command messages to the event bus.
// Payloads are either a bare command string or a JSON object with a
// "command" field; anything else passes through as-is and the dispatch
// table in the main cycle decides whether it is recognized.
func (t *MQTTTransport) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet.Topic != t.commandsTopic {
		return false, nil
	}

	command := strings.TrimSpace(string(pr.Packet.Payload))
	var body struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(pr.Packet.Payload, &body); err == nil && body.Command != "" {
		command = body.Command
	}

	t.logger.Debug("mqtt command received", "command", command)
	t.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTelemetry,
		Kind:      events.KindCommand,
		Data:      map[string]any{"command": command},
	})
	return true, nil
}
