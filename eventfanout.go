package ccbridge

import (
	"pkt.systems/ccbridge/core"
	"pkt.systems/ccbridge/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnAgentEvent(event schema.AgentEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnAgentEvent(event)
	}
}

func fanout(sinks ...core.EventSink) core.EventSink {
	live := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			live = append(live, sink)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	default:
		return eventFanout{sinks: live}
	}
}
