package logx

import (
	"context"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	agentKey contextKey = iota
	clientKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithAgent annotates the logger with the agent id if present.
func WithAgent(ctx context.Context, agent schema.AgentID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if agent != "" {
		if current, ok := ctx.Value(agentKey).(schema.AgentID); ok && current == agent {
			return log
		}
		log = log.With("agent", agent)
	}
	return log
}

// WithClient annotates the logger with a control client id.
func WithClient(ctx context.Context, client schema.ClientID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if client != "" {
		if current, ok := ctx.Value(clientKey).(schema.ClientID); ok && current == client {
			return log
		}
		log = log.With("client", client)
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// ContextWithAgent stores the agent marker on the context for log de-duplication.
func ContextWithAgent(ctx context.Context, agent schema.AgentID) context.Context {
	if ctx == nil || agent == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey, agent)
}

// ContextWithAgentLogger attaches the logger and agent marker to the context.
func ContextWithAgentLogger(ctx context.Context, log pslog.Logger, agent schema.AgentID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithAgent(ctx, agent)
}

// ContextWithClientLogger attaches the logger and client marker to the context.
func ContextWithClientLogger(ctx context.Context, log pslog.Logger, client schema.ClientID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if client == "" {
		return ctx
	}
	return context.WithValue(ctx, clientKey, client)
}

// CopyContextFields copies agent/client markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if agent, ok := src.Value(agentKey).(schema.AgentID); ok && agent != "" {
		dst = ContextWithAgent(dst, agent)
	}
	if client, ok := src.Value(clientKey).(schema.ClientID); ok && client != "" {
		dst = context.WithValue(dst, clientKey, client)
	}
	return dst
}
