package claude

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

const (
	// stderrTailLines is how many stderr lines are kept for exit diagnostics.
	stderrTailLines = 20
	previewLen      = 200
)

// outputStream merges the child's stdout (stream-json) and stderr (free
// text) into one ordered-per-source event stream. It remembers the session
// id announced by the CLI and the last stderr lines for exit reporting.
type outputStream struct {
	events chan schema.StreamEvent
	done   chan struct{}
	once   sync.Once
	log    pslog.Logger

	mu      sync.Mutex
	err     error
	session schema.SessionID
	tail    []string
}

func newOutputStream(ctx context.Context, stdout io.Reader, stderr io.Reader) *outputStream {
	s := &outputStream{
		events: make(chan schema.StreamEvent, 256),
		done:   make(chan struct{}),
		log:    pslog.Ctx(ctx),
	}
	var g errgroup.Group
	g.Go(func() error { return s.readStdout(ctx, stdout) })
	g.Go(func() error { return s.readStderr(stderr) })
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	}()
	return s
}

// forward hands ev to the consumer. It reports false once the stream is closed.
func (s *outputStream) forward(ev schema.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *outputStream) readStdout(ctx context.Context, r io.Reader) error {
	lines := newJSONLStream(r)
	for {
		ev, err := lines.Next(ctx)
		var decodeErr *jsonlDecodeError
		switch {
		case err == nil:
			s.observe(ev)
		case errors.As(err, &decodeErr):
			raw := strings.TrimSpace(string(decodeErr.Line()))
			if raw == "" {
				return nil
			}
			// The CLI prints the odd plain-text warning on stdout.
			s.log.Warn("claude stdout line is not json", "preview", previewText(raw, previewLen), "err", err)
			ev = schema.StreamEvent{Kind: schema.KindStderr, Text: raw}
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			s.log.Warn("claude stdout read failed", "err", err)
			return err
		}
		if !s.forward(ev) {
			return nil
		}
	}
}

func (s *outputStream) readStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines++
		s.remember(text)
		s.log.Trace("claude stderr", "preview", previewText(text, previewLen), "len", len(text))
		if !s.forward(schema.StreamEvent{Kind: schema.KindStderr, Text: text}) {
			return nil
		}
	}
	if lines > 0 {
		s.log.Debug("claude stderr closed", "lines", lines)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Warn("claude stderr read failed", "err", err)
		return err
	}
	return nil
}

// observe records the session id from init and result events.
func (s *outputStream) observe(ev schema.StreamEvent) {
	var id schema.SessionID
	switch {
	case ev.Kind == schema.KindSystemInit:
		id = ev.SessionID
	case ev.Kind == schema.KindResult && ev.Result != nil:
		id = ev.Result.SessionID
	}
	if id == "" {
		return
	}
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
}

func (s *outputStream) remember(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line)
	if over := len(s.tail) - stderrTailLines; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

// SessionID returns the last session id the CLI announced.
func (s *outputStream) SessionID() schema.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// StderrTail returns up to the last stderrTailLines stderr lines.
func (s *outputStream) StderrTail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tail...)
}

// Next returns the next event, io.EOF once both pipes are drained, or the
// first read error.
func (s *outputStream) Next(ctx context.Context) (schema.StreamEvent, error) {
	select {
	case <-ctx.Done():
		return schema.StreamEvent{}, ctx.Err()
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return schema.StreamEvent{}, err
	}
	return schema.StreamEvent{}, io.EOF
}

// Close unblocks the readers; undelivered events are discarded.
func (s *outputStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
