package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

var streamArgs = []string{"--print", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose", "--include-partial-messages", "--delay-ms", "0"}

func TestParseClaudeMockArgs(t *testing.T) {
	cfg, err := parseClaudeMockArgs(append(append([]string{}, streamArgs...), "--model", "sonnet", "--permission-mode", "default", "--permission-prompt-tool", "stdio", "--max-turns", "3", "--resume", "sess-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.streamJSON || cfg.model != "sonnet" || cfg.resumeID != "sess-1" || cfg.delay != 0 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := parseClaudeMockArgs([]string{"--model"}); err == nil {
		t.Fatalf("expected missing value error")
	}
	if _, err := parseClaudeMockArgs([]string{"--bogus"}); err == nil || !strings.Contains(err.Error(), "unsupported flag") {
		t.Fatalf("expected unsupported flag error, got %v", err)
	}
}

func TestPickClaudeScenario(t *testing.T) {
	if name, prompt := pickClaudeScenario("", "/tool list files"); name != "tool" || prompt != "list files" {
		t.Fatalf("unexpected pick: %q %q", name, prompt)
	}
	if name, prompt := pickClaudeScenario("", "/unknown thing"); name != "echo" || prompt != "/unknown thing" {
		t.Fatalf("unexpected pick: %q %q", name, prompt)
	}
	if name, _ := pickClaudeScenario("failure", "hello"); name != "failure" {
		t.Fatalf("expected fixed scenario, got %q", name)
	}
}

func TestClaudeMockEchoTurn(t *testing.T) {
	lines := runMock(t, nil, userFrame("hello there"))
	if lines[0]["type"] != "system" || lines[0]["subtype"] != "init" {
		t.Fatalf("expected init line first, got %v", lines[0])
	}
	var text strings.Builder
	for _, line := range lines {
		if line["type"] != "stream_event" {
			continue
		}
		event := line["event"].(map[string]any)
		if event["type"] == "content_block_delta" {
			text.WriteString(event["delta"].(map[string]any)["text"].(string))
		}
	}
	if text.String() != "echo: hello there" {
		t.Fatalf("unexpected streamed text: %q", text.String())
	}
	last := lines[len(lines)-1]
	if last["type"] != "result" || last["result"] != "echo: hello there" || last["total_cost_usd"] != mockTurnCost {
		t.Fatalf("unexpected result line: %v", last)
	}
	if last["session_id"] != lines[0]["session_id"] {
		t.Fatalf("expected a stable session id")
	}
}

func TestClaudeMockResumeKeepsSession(t *testing.T) {
	lines := runMock(t, []string{"--resume", "sess-42"}, userFrame("again"))
	if lines[len(lines)-1]["session_id"] != "sess-42" {
		t.Fatalf("expected resumed session id, got %v", lines[len(lines)-1]["session_id"])
	}
}

func TestClaudeMockPermissionWaitsForReply(t *testing.T) {
	reply := `{"type":"control_response","response":{"subtype":"success","request_id":"req_mock_1","response":{"behavior":"deny"}}}`
	lines := runMock(t, nil, userFrame("/permission clean"), reply)
	foundRequest := false
	for _, line := range lines {
		if line["type"] == "control_request" && line["request_id"] == "req_mock_1" {
			foundRequest = true
		}
	}
	if !foundRequest {
		t.Fatalf("expected a control_request line")
	}
	if last := lines[len(lines)-1]; last["result"] != "Permission denied." {
		t.Fatalf("unexpected result: %v", last)
	}
}

func TestClaudeMockSubAgentTagsChildMessages(t *testing.T) {
	lines := runMock(t, nil, userFrame("/subagent scan"))
	found := false
	for _, line := range lines {
		if line["type"] == "assistant" && line["parent_tool_use_id"] == "toolu_mock_task" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a sub-agent assistant message")
	}
}

func TestClaudeMockFailureAndCrash(t *testing.T) {
	lines := runMock(t, nil, userFrame("/failure"))
	if last := lines[len(lines)-1]; last["is_error"] != true {
		t.Fatalf("expected error result, got %v", last)
	}

	var out, errOut bytes.Buffer
	in := strings.NewReader(userFrame("/crash") + "\n")
	err := runClaudeMock(streamArgs, in, &out, &errOut)
	if !errors.Is(err, errMockCrash) {
		t.Fatalf("expected crash error, got %v", err)
	}
}

func TestClaudeMockRequiresStreamJSON(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := runClaudeMock([]string{"--print"}, strings.NewReader(""), &out, &errOut); err == nil {
		t.Fatalf("expected stream-json error")
	}
}

func userFrame(text string) string {
	data, _ := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
	return string(data)
}

func runMock(t *testing.T, extra []string, input ...string) []map[string]any {
	t.Helper()
	args := append(append([]string{}, streamArgs...), extra...)
	var out, errOut bytes.Buffer
	if err := runClaudeMock(args, strings.NewReader(strings.Join(input, "\n")+"\n"), &out, &errOut); err != nil {
		t.Fatalf("runClaudeMock: %v (stderr %q)", err, errOut.String())
	}
	var lines []map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid json line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		t.Fatalf("expected output lines")
	}
	return lines
}
