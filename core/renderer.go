package core

import "pkt.systems/ccbridge/schema"

// Renderer turns agent events into log lines for the per-agent buffer.
type Renderer interface {
	FormatEvent(event schema.AgentEvent) []schema.LogLine
}
