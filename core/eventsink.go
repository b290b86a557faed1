package core

import "pkt.systems/ccbridge/schema"

// EventSink receives every event published by supervised processes, in the
// order each child emitted them.
type EventSink interface {
	OnAgentEvent(event schema.AgentEvent)
}

// RegistryObserver is notified when agents are registered or removed.
type RegistryObserver interface {
	AgentCreated(info schema.AgentInfo)
	AgentRemoved(agent schema.AgentID)
}
