package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomama/pod-agent/internal/config"
	"github.com/gomama/pod-agent/internal/events"
	"github.com/gomama/pod-agent/internal/pod"
)

// ErrDeliveryFailed reports that a snapshot reached neither transport.
// The caller does not retry: the snapshot is already queued for replay
// and the next send cycle carries fresher data anyway.
var ErrDeliveryFailed = errors.New("telemetry delivery failed")

// Primary is the publish side of the primary transport, satisfied by
// [MQTTTransport]. Tests substitute fakes.
type Primary interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
	AwaitConnection(ctx context.Context) error
}

// Fallback is the secondary request/response transport.
type Fallback interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher routes snapshots to the primary transport, the offline
// queue, and the fallback. Send never blocks longer than the connect
// timeout: a dead broker costs one bounded wait per send until the
// reconnect budget is spent, then nothing until the broker returns.
type Publisher struct {
	apiKey      string
	podID       string
	sensorTopic string

	primaryEnabled  bool
	fallbackEnabled bool
	connectTimeout  time.Duration
	maxAttempts     int

	primary  Primary
	fallback Fallback
	queue    *Queue
	bus      *events.Bus
	logger   *slog.Logger

	attempts int

	// now is stubbed in tests to drive queue retention.
	now func() time.Time
}

// NewPublisher wires a Publisher from config. primary and fallback may
// be nil when the corresponding transport is disabled.
func NewPublisher(cfg *config.Config, primary Primary, fallback Fallback, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		apiKey:          cfg.APIKey,
		podID:           cfg.PodID,
		sensorTopic:     cfg.Topic(cfg.MQTT.SensorDataTopic),
		primaryEnabled:  cfg.MQTT.Enabled && primary != nil,
		fallbackEnabled: cfg.Fallback.Enabled && fallback != nil,
		connectTimeout:  time.Duration(cfg.MQTT.ConnectTimeoutSec) * time.Second,
		maxAttempts:     cfg.MQTT.MaxReconnectAttempts,
		primary:         primary,
		fallback:        fallback,
		queue:           NewQueue(cfg.MQTT.OfflineBufferSize, DefaultRetention),
		bus:             bus,
		logger:          logger,
		now:             time.Now,
	}
}

// QueueLen returns the number of entries awaiting replay.
func (p *Publisher) QueueLen() int { return p.queue.Len() }

// Lost returns the total number of telemetry messages dropped by
// overflow or retention expiry.
func (p *Publisher) Lost() uint64 { return p.queue.Lost() }

// Send delivers one snapshot. Primary first; on failure the payload is
// queued for replay and mirrored to the fallback when enabled. A nil
// return means at least one transport accepted the message.
func (p *Publisher) Send(ctx context.Context, state pod.State) error {
	msg := NewMessage(state, p.apiKey, p.podID)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	var primaryErr error
	if p.primaryEnabled {
		primaryErr = p.sendPrimary(ctx, payload)
		if primaryErr == nil {
			p.Drain(ctx)
			return nil
		}
		p.logger.Warn("primary telemetry send failed", "error", primaryErr)
	}

	if !p.queue.Enqueue(p.sensorTopic, payload, p.now()) {
		p.logger.Warn("offline queue full, telemetry dropped",
			"capacity_lost_total", p.queue.Lost())
		p.bus.Publish(events.Event{
			Timestamp: p.now(),
			Source:    events.SourceTelemetry,
			Kind:      events.KindQueueLoss,
			Data:      map[string]any{"reason": "overflow", "lost_total": p.queue.Lost()},
		})
	}

	if p.fallbackEnabled {
		if err := p.fallback.Send(ctx, msg); err != nil {
			p.logger.Warn("fallback telemetry send failed", "error", err)
			p.bus.Publish(events.Event{
				Timestamp: p.now(),
				Source:    events.SourceTelemetry,
				Kind:      events.KindFallback,
				Data:      map[string]any{"status": "failed"},
			})
		} else {
			p.logger.Info("telemetry delivered via fallback")
			p.bus.Publish(events.Event{
				Timestamp: p.now(),
				Source:    events.SourceTelemetry,
				Kind:      events.KindFallback,
				Data:      map[string]any{"status": "delivered"},
			})
			return nil
		}
	}

	if primaryErr != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, primaryErr)
	}
	return ErrDeliveryFailed
}

// sendPrimary publishes over the primary transport, waiting for a
// connection within the reconnect budget when disconnected.
func (p *Publisher) sendPrimary(ctx context.Context, payload []byte) error {
	if !p.primary.Connected() {
		if p.attempts >= p.maxAttempts {
			return fmt.Errorf("reconnect budget exhausted after %d attempts", p.attempts)
		}
		p.attempts++
		waitCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
		err := p.primary.AwaitConnection(waitCtx)
		cancel()
		if err != nil || !p.primary.Connected() {
			return fmt.Errorf("not connected (attempt %d/%d)", p.attempts, p.maxAttempts)
		}
	}
	p.attempts = 0

	if err := p.primary.Publish(ctx, p.sensorTopic, payload); err != nil {
		return err
	}
	return nil
}

// Drain replays queued entries oldest-first while the primary transport
// stays up. Entries past the retention ceiling are discarded and
// counted as lost; a failed replay goes back to the front and draining
// yields to the normal send cycle.
func (p *Publisher) Drain(ctx context.Context) {
	if !p.primaryEnabled || !p.primary.Connected() {
		return
	}

	lostBefore := p.queue.Lost()
	replayed := 0
	for {
		e, ok := p.queue.Pop(p.now())
		if !ok {
			break
		}
		if err := p.primary.Publish(ctx, e.Topic, e.Payload); err != nil {
			p.queue.Requeue(e)
			p.logger.Warn("queue replay interrupted",
				"replayed", replayed, "remaining", p.queue.Len(), "error", err)
			break
		}
		replayed++
	}

	if expired := p.queue.Lost() - lostBefore; expired > 0 {
		p.logger.Warn("expired telemetry discarded from offline queue",
			"expired", expired, "lost_total", p.queue.Lost())
		p.bus.Publish(events.Event{
			Timestamp: p.now(),
			Source:    events.SourceTelemetry,
			Kind:      events.KindQueueLoss,
			Data:      map[string]any{"reason": "expired", "lost_total": p.queue.Lost()},
		})
	}
	if replayed > 0 {
		p.logger.Info("offline queue drained", "replayed", replayed)
	}
}
