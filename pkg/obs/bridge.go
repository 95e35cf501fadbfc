package obs

import (
	"context"

	"github.com/speckit/batchorch/pkg/eventbus"
)

// Topics the engine publishes, per spec.md §6.
const (
	TopicBatchStart          = "batch:start"
	TopicBatchComplete       = "batch:complete"
	TopicSpecStart            = "spec:start"
	TopicSpecComplete         = "spec:complete"
	TopicSpecFailed           = "spec:failed"
	TopicSpecRateLimited      = "spec:rate-limited"
	TopicParallelThrottled    = "parallel:throttled"
	TopicParallelRecovered    = "parallel:recovered"
	TopicLaunchBudgetHold     = "launch:budget-hold"
	TopicLaunchBudgetThrottle = "launch:budget-throttled"
	TopicLaunchBudgetRecover  = "launch:budget-recovered"
	TopicOrchestrationDone    = "orchestration:complete"
)

var allTopics = []string{
	TopicBatchStart, TopicBatchComplete, TopicSpecStart, TopicSpecComplete,
	TopicSpecFailed, TopicSpecRateLimited, TopicParallelThrottled,
	TopicParallelRecovered, TopicLaunchBudgetHold, TopicLaunchBudgetThrottle,
	TopicLaunchBudgetRecover, TopicOrchestrationDone,
}

// Sink receives a raw telemetry event for forwarding to an external
// system (e.g. Redis Pub/Sub). Implementations must not block long.
type Sink interface {
	Forward(evt eventbus.Event)
}

// Bridge subscribes to every telemetry topic on bus and records OTel
// metrics, optionally forwarding each event to an external Sink.
type Bridge struct {
	provider *Provider
	bus      *eventbus.Bus
	sink     Sink
	cancels  []func()
}

// NewBridge wires provider to bus. sink may be nil.
func NewBridge(provider *Provider, bus *eventbus.Bus, sink Sink) *Bridge {
	b := &Bridge{provider: provider, bus: bus, sink: sink}
	for _, topic := range allTopics {
		ch, cancel := bus.Subscribe(topic)
		b.cancels = append(b.cancels, cancel)
		go b.drain(topic, ch)
	}
	return b
}

func (b *Bridge) drain(topic string, ch <-chan eventbus.Event) {
	ctx := context.Background()
	for evt := range ch {
		b.record(ctx, topic, evt)
		if b.sink != nil {
			b.sink.Forward(evt)
		}
	}
}

func (b *Bridge) record(ctx context.Context, topic string, evt eventbus.Event) {
	switch topic {
	case TopicBatchStart:
		b.provider.batchesStarted.Add(ctx, 1)
	case TopicSpecComplete:
		b.provider.specsCompleted.Add(ctx, 1)
	case TopicSpecFailed:
		b.provider.specsFailed.Add(ctx, 1)
	case TopicSpecRateLimited:
		b.provider.rateLimitSignals.Add(ctx, 1)
	case TopicParallelThrottled:
		b.provider.parallelCurrent.Add(ctx, -1)
	case TopicParallelRecovered:
		b.provider.parallelCurrent.Add(ctx, 1)
	}
}

// Close unsubscribes from every topic. Call once the run finishes.
func (b *Bridge) Close() {
	for _, cancel := range b.cancels {
		cancel()
	}
}
