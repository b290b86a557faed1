package eventbus

import (
	"context"
	"sync"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// DefaultDepth is the per-subscriber channel depth.
const DefaultDepth = 256

// backlogWarn is the queued-event count at which an ordered subscriber is
// reported as falling behind.
const backlogWarn = 4096

// Bus fans agent events out to per-agent subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[schema.AgentID]map[chan schema.AgentEvent]struct{}
	ordered map[schema.AgentID]map[*orderedSub]struct{}
	log     pslog.Logger
	depth   int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:    make(map[schema.AgentID]map[chan schema.AgentEvent]struct{}),
		ordered: make(map[schema.AgentID]map[*orderedSub]struct{}),
		log:     logger,
		depth:   DefaultDepth,
	}
}

// Subscribe registers a subscriber for the agent and returns a channel + cancel.
// Events are dropped for this subscriber while its channel is full.
// The cancel func is idempotent and closes the channel.
func (b *Bus) Subscribe(agent schema.AgentID) (<-chan schema.AgentEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.AgentEvent, b.depth)
	b.mu.Lock()
	agentSubs := b.subs[agent]
	if agentSubs == nil {
		agentSubs = make(map[chan schema.AgentEvent]struct{})
		b.subs[agent] = agentSubs
	}
	agentSubs[ch] = struct{}{}
	count := len(agentSubs)
	b.mu.Unlock()
	b.log.With("agent", agent).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[agent]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, agent)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.With("agent", agent).Debug("eventbus unsubscribe")
		})
	}
}

// SubscribeOrdered registers a subscriber that receives every event for the
// agent in publish order. Its queue grows while the consumer is slow, so
// publishing still never blocks. The cancel func is idempotent and closes the
// channel.
func (b *Bus) SubscribeOrdered(agent schema.AgentID) (<-chan schema.AgentEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	sub := &orderedSub{
		agent:  agent,
		log:    b.log.With("agent", agent),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan schema.AgentEvent),
	}
	b.mu.Lock()
	agentSubs := b.ordered[agent]
	if agentSubs == nil {
		agentSubs = make(map[*orderedSub]struct{})
		b.ordered[agent] = agentSubs
	}
	agentSubs[sub] = struct{}{}
	b.mu.Unlock()
	sub.log.Debug("eventbus subscribe ordered")
	go sub.run()
	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.ordered[agent]; subs != nil {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.ordered, agent)
				}
			}
			b.mu.Unlock()
			close(sub.done)
			sub.log.Debug("eventbus unsubscribe ordered")
		})
	}
}

// Subscribers reports the number of subscribers registered for the agent.
func (b *Bus) Subscribers(agent schema.AgentID) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[agent]) + len(b.ordered[agent])
}

// OnAgentEvent publishes an event to the agent's subscribers. Full
// subscribers drop the event; ordered subscribers queue it.
func (b *Bus) OnAgentEvent(event schema.AgentEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs[event.Agent] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	for sub := range b.ordered[event.Agent] {
		sub.push(event)
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("agent", event.Agent).Warn("eventbus dropped", "count", dropped, "seq", event.Seq)
	}
}

type orderedSub struct {
	agent  schema.AgentID
	log    pslog.Logger
	notify chan struct{}
	done   chan struct{}
	out    chan schema.AgentEvent

	mu     sync.Mutex
	queue  []schema.AgentEvent
	warned bool
}

func (s *orderedSub) push(event schema.AgentEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	pending := len(s.queue)
	warn := pending >= backlogWarn && !s.warned
	if warn {
		s.warned = true
	}
	s.mu.Unlock()
	if warn {
		s.log.Warn("eventbus ordered backlog", "pending", pending)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *orderedSub) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.warned = false
		s.mu.Unlock()
		for _, event := range batch {
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}
