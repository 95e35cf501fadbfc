// Package eventbus implements the process-local pub/sub used to carry
// telemetry events (batch:start, spec:complete, parallel:throttled, ...)
// between the orchestration engine and its observers (the OTel bridge in
// pkg/obs, an optional Redis fan-out sink).
//
// Delivery to topic subscribers is best-effort: a slow subscriber never
// blocks the publisher or other subscribers. Agent lifecycle events
// (§4.3's started/completed/failed/timeout sequence) use the separate,
// reliable AgentChannels type in agent.go instead, since those must
// never be dropped.
package eventbus

import (
	"sync"
	"time"
)

// Event is a single telemetry or lifecycle occurrence.
type Event struct {
	Topic   string
	Payload interface{}
	At      time.Time
}

const subscriberBuffer = 64

// Bus is a topic-keyed, multi-subscriber, best-effort publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel that receives every Event published to
// topic after this call, and a cancel function that unsubscribes and
// closes the channel. Callers must keep draining the channel until
// cancel is called to avoid the buffer filling and events being dropped.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers payload to every current subscriber of topic. A
// subscriber whose buffer is full is skipped for this event rather than
// blocking the publisher.
func (b *Bus) Publish(topic string, payload interface{}) {
	evt := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	subs := append([]chan Event(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Best-effort: telemetry must never back-pressure the engine.
		}
	}
}
