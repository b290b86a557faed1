package eventbus

import (
	"testing"
	"time"

	"pkt.systems/ccbridge/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("alpha")
	defer cancel()

	event := schema.AgentEvent{Agent: "alpha", Seq: 1, Event: schema.StreamEvent{Kind: schema.KindMessageStart}}
	bus.OnAgentEvent(event)

	select {
	case got := <-ch:
		if got.Agent != "alpha" || got.Seq != 1 || got.Event.Kind != schema.KindMessageStart {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishIsScopedToAgent(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("alpha")
	defer cancel()
	other, cancelOther := bus.Subscribe("beta")
	defer cancelOther()

	bus.OnAgentEvent(schema.AgentEvent{Agent: "beta", Seq: 7})

	select {
	case got := <-ch:
		t.Fatalf("unexpected event for other agent: %+v", got)
	default:
	}
	select {
	case got := <-other:
		if got.Agent != "beta" || got.Seq != 7 {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("beta subscriber did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("alpha")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	if bus.Subscribers("alpha") != 0 {
		t.Fatalf("expected no subscribers after cancel")
	}
	bus.OnAgentEvent(schema.AgentEvent{Agent: "alpha"})
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("alpha")
	defer cancel()

	bus.OnAgentEvent(schema.AgentEvent{Agent: "alpha", Seq: 1})
	done := make(chan struct{})
	go func() {
		bus.OnAgentEvent(schema.AgentEvent{Agent: "alpha", Seq: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}

func TestOrderedSubscriberKeepsEveryEvent(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	lossy, cancelLossy := bus.Subscribe("alpha")
	defer cancelLossy()
	ordered, cancel := bus.SubscribeOrdered("alpha")
	defer cancel()

	const total = 1000
	for i := 1; i <= total; i++ {
		bus.OnAgentEvent(schema.AgentEvent{Agent: "alpha", Seq: uint64(i)})
	}
	if len(lossy) != 1 {
		t.Fatalf("expected the lossy subscriber to hold one event, got %d", len(lossy))
	}
	for want := uint64(1); want <= total; want++ {
		select {
		case got := <-ordered:
			if got.Seq != want {
				t.Fatalf("expected seq %d, got %d", want, got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
	if bus.Subscribers("alpha") != 2 {
		t.Fatalf("expected two subscribers, got %d", bus.Subscribers("alpha"))
	}
}

func TestOrderedUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.SubscribeOrdered("alpha")
	bus.OnAgentEvent(schema.AgentEvent{Agent: "alpha", Seq: 1})
	cancel()
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if bus.Subscribers("alpha") != 0 {
					t.Fatalf("expected no subscribers after cancel")
				}
				bus.OnAgentEvent(schema.AgentEvent{Agent: "alpha", Seq: 2})
				return
			}
		case <-deadline:
			t.Fatalf("ordered channel was not closed")
		}
	}
}
