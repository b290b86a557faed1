package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithAgentAddsField(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSession(WithAgent(ctx, "alpha"), "sess-1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["agent"] != "alpha" {
		t.Fatalf("expected agent field, got %+v", entry)
	}
	if entry["session"] != "sess-1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestWithSessionSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	log := WithSession(newCaptureLogger(capture), "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["session"]; ok {
		t.Fatalf("did not expect session field, got %+v", entry)
	}
}

func TestWithAgentDedupesMarkedContext(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("agent", "alpha")
	ctx := ContextWithAgentLogger(context.Background(), base, "alpha")
	WithAgent(ctx, "alpha").Info("hello")

	line := bytes.TrimSpace(capture.buf.Bytes())
	if count := bytes.Count(line, []byte(`"agent"`)); count != 1 {
		t.Fatalf("expected a single agent field, got %d in %s", count, line)
	}
}

func TestCopyContextFieldsCarriesClient(t *testing.T) {
	capture := &logCapture{}
	src := ContextWithClientLogger(context.Background(), newCaptureLogger(capture), "client-1")
	dst := CopyContextFields(context.Background(), src)
	if got, _ := dst.Value(clientKey).(schema.ClientID); got != "client-1" {
		t.Fatalf("expected client marker to be copied, got %q", got)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
