package core

import "pkt.systems/pslog"

// SupervisorDeps captures optional dependencies for the supervisor.
type SupervisorDeps struct {
	Runner    Runner
	Renderer  Renderer
	EventSink EventSink
	Logger    pslog.Logger
	// NewID generates agent ids when a create request omits one.
	NewID func() string
}
