package control

import (
	"context"
	"fmt"

	"pkt.systems/ccbridge/schema"
)

// SupervisorStatus is the status result on the shared socket when no agent
// is named.
type SupervisorStatus struct {
	Agents  []schema.AgentInfo `json:"agents"`
	Clients int                `json:"clients"`
}

// SubscribeResult answers subscribe and unsubscribe.
type SubscribeResult struct {
	Agent      schema.AgentID `json:"agent"`
	Subscribed bool           `json:"subscribed"`
	Persistent bool           `json:"persistent,omitempty"`
}

// OKResult answers actions with no payload.
type OKResult struct {
	OK    bool           `json:"ok"`
	Agent schema.AgentID `json:"agent,omitempty"`
}

func (c *conn) dispatch(ctx context.Context, cmd *schema.Command) (any, error) {
	sup := c.srv.sup
	switch cmd.Action {
	case schema.ActionStatus:
		var p schema.AgentParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		if p.Agent == "" && c.scope == "" {
			agents, err := sup.ListAgents(ctx)
			if err != nil {
				return nil, err
			}
			return SupervisorStatus{Agents: agents, Clients: c.srv.connCount()}, nil
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		return sup.Status(ctx, agent)

	case schema.ActionListAgents:
		return sup.ListAgents(ctx)

	case schema.ActionCreateAgent:
		var p schema.CreateAgentParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		if c.scope != "" {
			return nil, fmt.Errorf("%w: create_agent is only accepted on the supervisor socket", schema.ErrInvalidRequest)
		}
		return sup.CreateAgent(ctx, p)

	case schema.ActionRemoveAgent:
		agent, err := c.agentParam(cmd)
		if err != nil {
			return nil, err
		}
		if err := sup.RemoveAgent(ctx, agent); err != nil {
			return nil, err
		}
		return OKResult{OK: true, Agent: agent}, nil

	case schema.ActionStopAgent:
		agent, err := c.agentParam(cmd)
		if err != nil {
			return nil, err
		}
		if err := sup.StopAgent(ctx, agent); err != nil {
			return nil, err
		}
		return OKResult{OK: true, Agent: agent}, nil

	case schema.ActionSendMessage:
		var p schema.SendMessageParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		return c.sendMessage(ctx, agent, p.Text, schema.SendOptions{
			Subscribe: p.Subscribe || cmd.Subscribe,
			Fresh:     p.Fresh,
		})

	case schema.ActionSendToCC:
		var p schema.SendToCCParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		if err := sup.SendToCC(ctx, agent, p.Text); err != nil {
			return nil, err
		}
		return OKResult{OK: true, Agent: agent}, nil

	case schema.ActionRespondPermission:
		var p schema.RespondPermissionParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		if err := sup.RespondPermission(ctx, agent, p.RequestID, p.Allow, p.Message); err != nil {
			return nil, err
		}
		return OKResult{OK: true, Agent: agent}, nil

	case schema.ActionSubscribe:
		var p schema.SubscribeParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		if _, err := sup.Status(ctx, agent); err != nil {
			return nil, err
		}
		c.subscribe(agent, p.Persistent)
		return SubscribeResult{Agent: agent, Subscribed: true, Persistent: p.Persistent}, nil

	case schema.ActionUnsubscribe:
		var p schema.SubscribeParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		c.unsubscribe(agent)
		return SubscribeResult{Agent: agent, Subscribed: false}, nil

	case schema.ActionQueryLogs:
		var p schema.QueryLogsParams
		if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
			return nil, err
		}
		agent, err := c.resolveAgent(p.Agent)
		if err != nil {
			return nil, err
		}
		return sup.QueryLogs(ctx, agent, p.LogQuery)

	case "":
		return nil, schema.NewProtocolError("command", fmt.Errorf("%w: action is required", schema.ErrInvalidRequest))
	default:
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownAction, cmd.Action)
	}
}

func (c *conn) agentParam(cmd *schema.Command) (schema.AgentID, error) {
	var p schema.AgentParams
	if err := schema.DecodeParams(cmd.Action, cmd.Params, &p); err != nil {
		return "", err
	}
	return c.resolveAgent(p.Agent)
}
