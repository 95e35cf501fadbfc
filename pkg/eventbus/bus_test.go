package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_DeliversToSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("batch:start")
	defer cancel()

	b.Publish("batch:start", map[string]int{"batch_index": 1})

	select {
	case evt := <-ch:
		assert.Equal(t, "batch:start", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestPublish_DoesNotDeliverToOtherTopics(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("batch:start")
	defer cancel()

	b.Publish("batch:complete", nil)

	select {
	case <-ch:
		t.Fatal("should not receive an event for a different topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_NeverBlocksWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("spam")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish("spam", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestCancel_ClosesChannelAndStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("topic")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	b.Publish("topic", nil) // must not panic sending to an unsubscribed topic
}

func TestAgentEventKind_IsTerminal(t *testing.T) {
	assert.False(t, AgentStarted.IsTerminal())
	assert.True(t, AgentCompleted.IsTerminal())
	assert.True(t, AgentFailed.IsTerminal())
	assert.True(t, AgentTimeout.IsTerminal())
}

func TestAgentChannels_OpenThenSendThenReceive(t *testing.T) {
	a := NewAgentChannels()
	ch := a.Open("agent-1")
	a.Send("agent-1", AgentEvent{Kind: AgentStarted, AgentID: "agent-1"})

	select {
	case evt := <-ch:
		assert.Equal(t, AgentStarted, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected agent event was not delivered")
	}
}

func TestAgentChannels_SendBeforeOpenStillDelivers(t *testing.T) {
	a := NewAgentChannels()
	a.Send("agent-1", AgentEvent{Kind: AgentStarted, AgentID: "agent-1"})
	ch := a.Open("agent-1")

	select {
	case evt := <-ch:
		assert.Equal(t, AgentStarted, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected buffered event was not delivered")
	}
}

func TestAgentChannels_CloseIsIdempotentOnceAndClosesChannel(t *testing.T) {
	a := NewAgentChannels()
	ch := a.Open("agent-1")
	a.Close("agent-1")
	a.Close("agent-1")

	_, open := <-ch
	assert.False(t, open)
}

func TestAgentChannels_BufferHoldsStartedPlusTerminalWithoutBlocking(t *testing.T) {
	a := NewAgentChannels()
	a.Open("agent-1")

	done := make(chan struct{})
	go func() {
		a.Send("agent-1", AgentEvent{Kind: AgentStarted, AgentID: "agent-1"})
		a.Send("agent-1", AgentEvent{Kind: AgentCompleted, AgentID: "agent-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked despite buffer capacity")
	}
}

func TestNewAgentChannels_EmptyRegistry(t *testing.T) {
	a := NewAgentChannels()
	require.NotNil(t, a)
}
