package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/ccbridge/internal/appconfig"
	"pkt.systems/ccbridge/internal/control"
	"pkt.systems/ccbridge/schema"
)

const dialTimeout = 5 * time.Second

// socketPath resolves the shared control socket from --socket or the config.
func socketPath(cmd *cobra.Command) (string, error) {
	if path := flagValue(cmd, "socket"); path != "" {
		return path, nil
	}
	cfg, err := appconfig.Load(configPath(cmd))
	if err != nil {
		return "", err
	}
	ctl, err := schema.NormalizeControlConfig(cfg.ControlSettings())
	if err != nil {
		return "", err
	}
	return filepath.Join(ctl.SocketDir, ctl.SharedSocket), nil
}

func dialControl(cmd *cobra.Command) (*control.Client, error) {
	path, err := socketPath(cmd)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()
	client, err := control.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	return client, nil
}

func newCreateCmd() *cobra.Command {
	var params schema.CreateAgentParams
	var model, mode string
	var idle, hang time.Duration
	cmd := &cobra.Command{
		Use:   "create <repo>",
		Short: "Register an agent bound to a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			params.Repo = args[0]
			params.Model = schema.ModelID(model)
			params.PermissionMode = schema.PermissionMode(mode)
			params.IdleTimeoutMs = idle.Milliseconds()
			params.HangTimeoutMs = hang.Milliseconds()
			var info schema.AgentInfo
			if err := client.Call(cmd.Context(), schema.ActionCreateAgent, params, &info); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), info.Agent)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar((*string)(&params.AgentID), "id", "", "agent id (generated when empty)")
	flags.StringVar(&model, "model", "", "model id")
	flags.StringVar(&mode, "permission-mode", "", "default, acceptEdits, bypassPermissions, or plan")
	flags.IntVar(&params.MaxTurns, "max-turns", 0, "maximum agentic turns per message")
	flags.DurationVar(&idle, "idle-timeout", 0, "stall window before a turn is aborted")
	flags.DurationVar(&hang, "hang-timeout", 0, "ceiling on a child's lifetime")
	return cmd
}

func newSendCmd() *cobra.Command {
	var fresh, detach bool
	cmd := &cobra.Command{
		Use:   "send <agent> <text...>",
		Short: "Send a message and stream the agent's reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			params := schema.SendMessageParams{
				Agent:     schema.AgentID(args[0]),
				Text:      strings.Join(args[1:], " "),
				Subscribe: !detach,
				Fresh:     fresh,
			}
			var result schema.SendResult
			if err := client.Call(cmd.Context(), schema.ActionSendMessage, params, &result); err != nil {
				return err
			}
			if detach {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result.State, result.SessionID)
				return err
			}
			return streamTurn(cmd.Context(), client, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "start a new session instead of continuing")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the turn is acknowledged")
	return cmd
}

func newFollowUpCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "follow-up <agent> <text...>",
		Short: "Write a message to the agent's live process",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			agent := schema.AgentID(args[0])
			if !detach {
				if err := client.Call(cmd.Context(), schema.ActionSubscribe, schema.SubscribeParams{Agent: agent}, nil); err != nil {
					return err
				}
			}
			params := schema.SendToCCParams{Agent: agent, Text: strings.Join(args[1:], " ")}
			if err := client.Call(cmd.Context(), schema.ActionSendToCC, params, nil); err != nil {
				return err
			}
			if detach {
				return nil
			}
			return streamTurn(cmd.Context(), client, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the text is written")
	return cmd
}

func newPermissionCmd() *cobra.Command {
	var deny bool
	var message string
	cmd := &cobra.Command{
		Use:   "permission <agent> <request-id>",
		Short: "Answer a pending permission request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			return client.Call(cmd.Context(), schema.ActionRespondPermission, schema.RespondPermissionParams{
				Agent:     schema.AgentID(args[0]),
				RequestID: args[1],
				Allow:     !deny,
				Message:   message,
			}, nil)
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of allow")
	cmd.Flags().StringVar(&message, "message", "", "reason shown to the agent on deny")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [agent]",
		Short: "Show supervisor or agent status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var params any
			if len(args) == 1 {
				params = schema.AgentParams{Agent: schema.AgentID(args[0])}
			}
			var out json.RawMessage
			if err := client.Call(cmd.Context(), schema.ActionStatus, params, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var agents []schema.AgentInfo
			if err := client.Call(cmd.Context(), schema.ActionListAgents, nil, &agents); err != nil {
				return err
			}
			return printAgents(cmd.OutOrStdout(), agents)
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return agentActionCmd("remove <agent>", "Stop and unregister an agent", schema.ActionRemoveAgent)
}

func newStopCmd() *cobra.Command {
	return agentActionCmd("stop <agent>", "Terminate the agent's process, keeping its registration", schema.ActionStopAgent)
}

func agentActionCmd(use, short string, action schema.Action) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			return client.Call(cmd.Context(), action, schema.AgentParams{Agent: schema.AgentID(args[0])}, nil)
		},
	}
}

func newLogsCmd() *cobra.Command {
	var query schema.LogQuery
	var logType string
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "logs <agent>",
		Short: "Query an agent's recent log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			query.Type = schema.LogType(logType)
			query.SinceMs = since.Milliseconds()
			var result schema.LogQueryResult
			params := schema.QueryLogsParams{Agent: schema.AgentID(args[0]), LogQuery: query}
			if err := client.Call(cmd.Context(), schema.ActionQueryLogs, params, &result); err != nil {
				return err
			}
			return printLogs(cmd.OutOrStdout(), result)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&logType, "type", "", "only lines of this type")
	flags.DurationVar(&since, "since", 0, "only lines newer than this")
	flags.StringVar(&query.Filter, "filter", "", "regular expression matched against the text")
	flags.IntVar(&query.Offset, "offset", 0, "skip this many matching lines")
	flags.IntVar(&query.Limit, "limit", 0, "return at most this many lines")
	return cmd
}

// streamTurn prints pushed events until the turn's terminal event.
func streamTurn(ctx context.Context, client *control.Client, out, errOut io.Writer) error {
	midLine := false
	endLine := func() {
		if midLine {
			_, _ = fmt.Fprintln(out)
			midLine = false
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return errors.New("control connection closed before the turn finished")
			}
			switch m := msg.(type) {
			case *schema.EventMessage:
				switch m.Event {
				case schema.EventText:
					if m.ParentToolUseID != "" {
						continue
					}
					_, _ = fmt.Fprint(out, m.Text)
					midLine = !strings.HasSuffix(m.Text, "\n")
				case schema.EventTool:
					endLine()
					if m.RequestID != "" {
						_, _ = fmt.Fprintf(errOut, "permission requested for %s (request %s)\n", m.Tool, m.RequestID)
						continue
					}
					if m.ParentToolUseID == "" {
						_, _ = fmt.Fprintf(errOut, "[%s]\n", m.Tool)
					}
				case schema.EventError:
					endLine()
					_, _ = fmt.Fprintf(errOut, "error: %s\n", m.Text)
				case schema.EventProcessExit:
					endLine()
					return fmt.Errorf("agent process exited: %s", m.Text)
				}
			case *schema.ResultMessage:
				endLine()
				_, _ = fmt.Fprintf(errOut, "cost $%.4f\n", m.CostUSD)
				if m.IsError {
					return fmt.Errorf("turn failed: %s", m.Text)
				}
				return nil
			}
		}
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printAgents(w io.Writer, agents []schema.AgentInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AGENT\tSTATE\tCOST\tREPO")
	for _, agent := range agents {
		state := "-"
		cost := 0.0
		if agent.Process != nil {
			state = string(agent.Process.State)
			cost = agent.Process.TotalCostUSD
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t$%.4f\t%s\n", agent.Agent, state, cost, agent.RepoPath)
	}
	return tw.Flush()
}

func printLogs(w io.Writer, result schema.LogQueryResult) error {
	for _, line := range result.Lines {
		if _, err := fmt.Fprintf(w, "%s %-8s %s\n", line.Time.Format(time.RFC3339), line.Type, line.Text); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "-- %d of %d lines (offset %d)\n", result.ReturnedLines, result.TotalLines, result.Offset)
	return err
}
