package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const mockTurnCost = 0.0125

var errMockCrash = errors.New("claude-mock: simulated crash")

// mockNamespace seeds the deterministic session ids of the mock.
var mockNamespace = uuid.MustParse("6f1c1c43-3c55-4b1e-9a57-0d3f1f0c2b7e")

func newClaudeMockCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "claude-mock [claude flags] [--scenario <name>] [--delay-ms <n>]",
		Short:              "Mock claude stream-json sessions for testing",
		SilenceErrors:      true,
		SilenceUsage:       true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaudeMock(args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

type mockConfig struct {
	model          string
	permissionMode string
	resumeID       string
	scenario       string
	delay          time.Duration
	streamJSON     bool
}

// runClaudeMock speaks the stream-json protocol on stdin/stdout until stdin
// closes. Each user turn runs one scenario; a scenario is picked from the
// --scenario flag or from a leading "/name" in the prompt.
func runClaudeMock(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	cfg, err := parseClaudeMockArgs(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	if !cfg.streamJSON {
		err := errors.New("claude-mock only supports --input-format stream-json --output-format stream-json")
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	sessionID := cfg.resumeID
	if sessionID == "" {
		cwd, _ := os.Getwd()
		sessionID = mockSessionID(cwd, cfg.model)
	}
	m := &claudeMock{
		cfg:     cfg,
		session: sessionID,
		in:      bufio.NewScanner(stdin),
		out:     bufio.NewWriter(stdout),
		stderr:  stderr,
	}
	m.in.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return m.run()
}

func parseClaudeMockArgs(args []string) (mockConfig, error) {
	cfg := mockConfig{delay: 5 * time.Millisecond, model: "claude-mock"}
	var input, output string
	value := func(flag string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		v := args[1]
		args = args[2:]
		return v, nil
	}
	for len(args) > 0 {
		var err error
		switch args[0] {
		case "--print", "-p", "--verbose", "--include-partial-messages":
			args = args[1:]
		case "--input-format":
			input, err = value(args[0])
		case "--output-format":
			output, err = value(args[0])
		case "--model":
			cfg.model, err = value(args[0])
		case "--permission-mode":
			cfg.permissionMode, err = value(args[0])
		case "--permission-prompt-tool":
			_, err = value(args[0])
		case "--max-turns":
			var raw string
			if raw, err = value(args[0]); err == nil {
				if _, convErr := strconv.Atoi(raw); convErr != nil {
					err = fmt.Errorf("invalid --max-turns: %w", convErr)
				}
			}
		case "--resume":
			cfg.resumeID, err = value(args[0])
		case "--scenario":
			cfg.scenario, err = value(args[0])
		case "--delay-ms":
			var raw string
			if raw, err = value(args[0]); err == nil {
				ms, convErr := strconv.Atoi(raw)
				if convErr != nil || ms < 0 {
					err = errors.New("invalid --delay-ms")
				}
				cfg.delay = time.Duration(ms) * time.Millisecond
			}
		default:
			return mockConfig{}, fmt.Errorf("unsupported flag: %s", args[0])
		}
		if err != nil {
			return mockConfig{}, err
		}
	}
	cfg.streamJSON = input == "stream-json" && output == "stream-json"
	return cfg, nil
}

func mockSessionID(parts ...any) string {
	hasher := fnv.New64a()
	for _, part := range parts {
		_, _ = fmt.Fprint(hasher, part, "\x00")
	}
	return uuid.NewSHA1(mockNamespace, hasher.Sum(nil)).String()
}

type claudeMock struct {
	cfg     mockConfig
	session string
	in      *bufio.Scanner
	out     *bufio.Writer
	stderr  io.Writer
	turns   int
}

type mockInbound struct {
	Type     string       `json:"type"`
	Message  mockUserTurn `json:"message"`
	Response mockControl  `json:"response"`
}

type mockUserTurn struct {
	Content json.RawMessage `json:"content"`
}

type mockControl struct {
	RequestID string       `json:"request_id"`
	Response  mockDecision `json:"response"`
}

type mockDecision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message"`
}

func (m *claudeMock) run() error {
	defer func() { _ = m.out.Flush() }()
	if err := m.emit(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": m.session,
		"model":      m.cfg.model,
	}); err != nil {
		return err
	}
	for {
		frame, ok, err := m.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if frame.Type != "user" {
			continue
		}
		prompt := promptText(frame.Message.Content)
		scenario, prompt := pickClaudeScenario(m.cfg.scenario, prompt)
		m.turns++
		done, err := m.runScenario(scenario, prompt)
		if err != nil || done {
			return err
		}
	}
}

func (m *claudeMock) next() (mockInbound, bool, error) {
	for m.in.Scan() {
		line := strings.TrimSpace(m.in.Text())
		if line == "" {
			continue
		}
		var frame mockInbound
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			_, _ = fmt.Fprintf(m.stderr, "claude-mock: invalid input line: %v\n", err)
			continue
		}
		return frame, true, nil
	}
	return mockInbound{}, false, m.in.Err()
}

func promptText(raw json.RawMessage) string {
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	var text string
	_ = json.Unmarshal(raw, &text)
	return text
}

var claudeScenarios = []string{"echo", "tool", "thinking", "subagent", "permission", "failure", "stderr", "crash", "silent"}

// pickClaudeScenario returns the scenario and the prompt without its "/name" prefix.
func pickClaudeScenario(fixed, prompt string) (string, string) {
	trimmed := strings.TrimSpace(prompt)
	if strings.HasPrefix(trimmed, "/") {
		name, rest, _ := strings.Cut(trimmed[1:], " ")
		for _, candidate := range claudeScenarios {
			if name == candidate {
				return name, strings.TrimSpace(rest)
			}
		}
	}
	if fixed != "" {
		return fixed, trimmed
	}
	return "echo", trimmed
}

// runScenario emits one turn. done reports that the mock should exit.
func (m *claudeMock) runScenario(name, prompt string) (bool, error) {
	answer := "echo: " + prompt
	switch name {
	case "echo":
		return false, m.textTurn(answer, false)
	case "thinking":
		if err := m.messageStart(); err != nil {
			return false, err
		}
		if err := m.block(0, map[string]any{"type": "thinking", "thinking": ""}, "thinking_delta", "thinking", "Considering the request."); err != nil {
			return false, err
		}
		if err := m.block(1, map[string]any{"type": "text", "text": ""}, "text_delta", "text", answer); err != nil {
			return false, err
		}
		if err := m.stream(map[string]any{"type": "message_stop"}); err != nil {
			return false, err
		}
		return false, m.result(answer, false)
	case "tool":
		if err := m.toolLoop("toolu_mock_bash", "Bash", map[string]any{"command": "ls"}, "README.md\nmain.go\n"); err != nil {
			return false, err
		}
		return false, m.textTurn("Listed the files. "+answer, false)
	case "subagent":
		return false, m.subAgentTurn(prompt, answer)
	case "permission":
		return m.permissionTurn(answer)
	case "failure":
		return false, m.textTurn("Something went wrong.", true)
	case "stderr":
		_, _ = fmt.Fprintln(m.stderr, "claude-mock: warning on stderr")
		return false, m.textTurn(answer, false)
	case "crash":
		if err := m.messageStart(); err != nil {
			return false, err
		}
		_, _ = fmt.Fprintln(m.stderr, "claude-mock: simulated crash")
		return true, errMockCrash
	case "silent":
		return false, nil
	default:
		return false, fmt.Errorf("unknown scenario: %s", name)
	}
}

func (m *claudeMock) textTurn(text string, isError bool) error {
	if err := m.messageStart(); err != nil {
		return err
	}
	if err := m.block(0, map[string]any{"type": "text", "text": ""}, "text_delta", "text", text); err != nil {
		return err
	}
	if err := m.stream(map[string]any{"type": "message_stop"}); err != nil {
		return err
	}
	if err := m.emit(map[string]any{
		"type":               "assistant",
		"session_id":         m.session,
		"parent_tool_use_id": nil,
		"message": map[string]any{
			"model":   m.cfg.model,
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}); err != nil {
		return err
	}
	return m.result(text, isError)
}

func (m *claudeMock) toolLoop(id, name string, input map[string]any, output string) error {
	if err := m.messageStart(); err != nil {
		return err
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return err
	}
	if err := m.block(0, map[string]any{"type": "tool_use", "id": id, "name": name, "input": map[string]any{}}, "input_json_delta", "partial_json", string(encoded)); err != nil {
		return err
	}
	if err := m.stream(map[string]any{"type": "message_stop"}); err != nil {
		return err
	}
	return m.emit(map[string]any{
		"type":               "user",
		"session_id":         m.session,
		"parent_tool_use_id": nil,
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{{
				"type":        "tool_result",
				"tool_use_id": id,
				"content":     output,
			}},
		},
	})
}

func (m *claudeMock) subAgentTurn(prompt, answer string) error {
	const taskID = "toolu_mock_task"
	if err := m.messageStart(); err != nil {
		return err
	}
	input, err := json.Marshal(map[string]any{"description": "Scan repo", "prompt": prompt})
	if err != nil {
		return err
	}
	if err := m.block(0, map[string]any{"type": "tool_use", "id": taskID, "name": "Task", "input": map[string]any{}}, "input_json_delta", "partial_json", string(input)); err != nil {
		return err
	}
	if err := m.stream(map[string]any{"type": "message_stop"}); err != nil {
		return err
	}
	child := []map[string]any{
		{"type": "text", "text": "Looking through the repository."},
		{"type": "tool_use", "id": "toolu_mock_grep", "name": "Grep", "input": map[string]any{"pattern": "TODO"}},
	}
	if err := m.emit(map[string]any{
		"type":               "assistant",
		"session_id":         m.session,
		"parent_tool_use_id": taskID,
		"message":            map[string]any{"model": m.cfg.model, "content": child},
	}); err != nil {
		return err
	}
	if err := m.emit(map[string]any{
		"type":               "user",
		"session_id":         m.session,
		"parent_tool_use_id": nil,
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "tool_result", "tool_use_id": taskID, "content": "Found 2 TODOs."}},
		},
	}); err != nil {
		return err
	}
	return m.textTurn("The sub-agent finished. "+answer, false)
}

func (m *claudeMock) permissionTurn(answer string) (bool, error) {
	const requestID = "req_mock_1"
	if m.cfg.permissionMode == "bypassPermissions" {
		return false, m.grantedTurn(answer)
	}
	if err := m.emit(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Bash",
			"input":     map[string]any{"command": "rm -rf build"},
		},
	}); err != nil {
		return false, err
	}
	for {
		frame, ok, err := m.next()
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if frame.Type != "control_response" || frame.Response.RequestID != requestID {
			continue
		}
		if frame.Response.Response.Behavior == "allow" {
			return false, m.grantedTurn(answer)
		}
		return false, m.textTurn("Permission denied.", false)
	}
}

func (m *claudeMock) grantedTurn(answer string) error {
	if err := m.toolLoop("toolu_mock_rm", "Bash", map[string]any{"command": "rm -rf build"}, ""); err != nil {
		return err
	}
	return m.textTurn("Permission granted. "+answer, false)
}

func (m *claudeMock) messageStart() error {
	return m.stream(map[string]any{
		"type":    "message_start",
		"message": map[string]any{"model": m.cfg.model, "role": "assistant"},
	})
}

// block streams one content block, splitting text into word-sized deltas.
func (m *claudeMock) block(index int, start map[string]any, deltaType, field, text string) error {
	if err := m.stream(map[string]any{"type": "content_block_start", "index": index, "content_block": start}); err != nil {
		return err
	}
	for _, chunk := range chunkText(text) {
		if err := m.stream(map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": deltaType, field: chunk},
		}); err != nil {
			return err
		}
	}
	return m.stream(map[string]any{"type": "content_block_stop", "index": index})
}

func chunkText(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > 0 {
		idx := strings.IndexByte(text, ' ')
		if idx < 0 {
			chunks = append(chunks, text)
			break
		}
		chunks = append(chunks, text[:idx+1])
		text = text[idx+1:]
	}
	return chunks
}

func (m *claudeMock) result(text string, isError bool) error {
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	return m.emit(map[string]any{
		"type":           "result",
		"subtype":        subtype,
		"is_error":       isError,
		"result":         text,
		"session_id":     m.session,
		"total_cost_usd": mockTurnCost,
		"duration_ms":    int64(m.cfg.delay/time.Millisecond) * 4,
		"num_turns":      m.turns,
	})
}

func (m *claudeMock) stream(event map[string]any) error {
	return m.emit(map[string]any{
		"type":               "stream_event",
		"session_id":         m.session,
		"parent_tool_use_id": nil,
		"event":              event,
	})
}

func (m *claudeMock) emit(payload map[string]any) error {
	if m.cfg.delay > 0 {
		time.Sleep(m.cfg.delay)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := m.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return m.out.Flush()
}
