// Package events provides a publish/subscribe event bus that carries
// transport and pod lifecycle notifications into the main cycle.
// Transport callbacks (MQTT connect/disconnect, inbound commands) post
// events here instead of mutating shared state, which keeps the
// single-writer discipline on the pod state and connection flags. The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSerial identifies events from the serial link and watchdog.
	SourceSerial = "serial"
	// SourcePod identifies events from the pod state machine.
	SourcePod = "pod"
	// SourceTelemetry identifies events from the telemetry publisher.
	SourceTelemetry = "telemetry"
	// SourceSchedule identifies events from the daily job schedule.
	SourceSchedule = "schedule"
)

// Kind constants describe the type of event within a source.
const (
	// KindPortOpened signals the serial link bound a device path.
	// Data: port.
	KindPortOpened = "port_opened"
	// KindPortReopened signals the watchdog forced a close-and-reopen.
	// Data: idle_seconds.
	KindPortReopened = "port_reopened"
	// KindFrameDropped signals a malformed frame was discarded.
	// Data: reason.
	KindFrameDropped = "frame_dropped"

	// KindDisinfectStart signals a disinfection cycle began.
	// Data: scheduled.
	KindDisinfectStart = "disinfect_start"
	// KindDisinfectEnd signals a disinfection cycle completed or was
	// interrupted. Data: cycles, interrupted.
	KindDisinfectEnd = "disinfect_end"
	// KindOccupied signals an occupancy transition. Data: occupied.
	KindOccupied = "occupied"

	// KindConnected signals the primary transport came up.
	// Data: broker.
	KindConnected = "connected"
	// KindDisconnected signals the primary transport went down.
	// Data: error.
	KindDisconnected = "disconnected"
	// KindCommand signals an inbound command on the commands topic.
	// Data: command.
	KindCommand = "command"
	// KindQueueLoss signals telemetry was dropped because the offline
	// queue was full or an entry aged out. Data: reason, lost_total.
	KindQueueLoss = "queue_loss"
	// KindFallback signals a delivery went over the secondary
	// transport. Data: status.
	KindFallback = "fallback"

	// KindRestartRequested signals a restart command or scheduled
	// restart job. Data: origin.
	KindRestartRequested = "restart_requested"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 covers a full send cycle of
// transport events.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
