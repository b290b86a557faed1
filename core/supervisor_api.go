package core

import (
	"context"

	"pkt.systems/ccbridge/schema"
)

// Supervisor is the transport-agnostic API for managing agents and their
// Claude Code processes.
type Supervisor interface {
	CreateAgent(ctx context.Context, req schema.CreateAgentParams) (schema.AgentInfo, error)
	RemoveAgent(ctx context.Context, agent schema.AgentID) error
	ListAgents(ctx context.Context) ([]schema.AgentInfo, error)
	Status(ctx context.Context, agent schema.AgentID) (schema.AgentInfo, error)
	SendMessage(ctx context.Context, agent schema.AgentID, text string, opts schema.SendOptions) (schema.SendResult, error)
	SendToCC(ctx context.Context, agent schema.AgentID, text string) error
	RespondPermission(ctx context.Context, agent schema.AgentID, requestID string, allow bool, message string) error
	StopAgent(ctx context.Context, agent schema.AgentID) error
	QueryLogs(ctx context.Context, agent schema.AgentID, query schema.LogQuery) (schema.LogQueryResult, error)
	AddObserver(observer RegistryObserver)
	Restore(ctx context.Context) (int, error)
	Close() error
}
