package core

import (
	"regexp"
	"sync"
	"time"

	"pkt.systems/ccbridge/schema"
)

// EventBuffer is a fixed-capacity ring of log lines. Once full, each push
// evicts the oldest line.
type EventBuffer struct {
	mu       sync.RWMutex
	lines    []schema.LogLine
	start    int
	count    int
	capacity int
	now      func() time.Time
}

// NewEventBuffer returns a buffer holding at most capacity lines.
// A non-positive capacity selects schema.DefaultLogCapacity.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = schema.DefaultLogCapacity
	}
	return &EventBuffer{
		lines:    make([]schema.LogLine, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Push appends lines in order, stamping zero timestamps with the current time.
func (b *EventBuffer) Push(lines ...schema.LogLine) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range lines {
		if line.Time.IsZero() {
			line.Time = b.now()
		}
		if b.count < b.capacity {
			b.lines[(b.start+b.count)%b.capacity] = line
			b.count++
			continue
		}
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.capacity
	}
}

// Len returns the number of retained lines.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the configured capacity.
func (b *EventBuffer) Capacity() int {
	return b.capacity
}

func (b *EventBuffer) snapshotLocked() []schema.LogLine {
	out := make([]schema.LogLine, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%b.capacity]
	}
	return out
}

// Query filters by type, then recency, then a case-insensitive regex on the
// text, then paginates. An invalid regex disables the regex filter.
func (b *EventBuffer) Query(q schema.LogQuery) schema.LogQueryResult {
	b.mu.RLock()
	lines := b.snapshotLocked()
	now := b.now()
	b.mu.RUnlock()

	var pattern *regexp.Regexp
	if q.Filter != "" {
		if re, err := regexp.Compile("(?i)" + q.Filter); err == nil {
			pattern = re
		}
	}
	var cutoff time.Time
	if q.SinceMs > 0 {
		cutoff = now.Add(-time.Duration(q.SinceMs) * time.Millisecond)
	}

	matched := make([]schema.LogLine, 0, len(lines))
	for _, line := range lines {
		if q.Type != "" && line.Type != q.Type {
			continue
		}
		if !cutoff.IsZero() && line.Time.Before(cutoff) {
			continue
		}
		if pattern != nil && !pattern.MatchString(line.Text) {
			continue
		}
		matched = append(matched, line)
	}

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	limit := q.Limit
	if limit <= 0 {
		limit = schema.DefaultLogQueryLimit
	}
	page := []schema.LogLine{}
	if offset < len(matched) {
		end := len(matched)
		if limit < end-offset {
			end = offset + limit
		}
		page = append(page, matched[offset:end]...)
	}
	return schema.LogQueryResult{
		Lines:         page,
		TotalLines:    len(matched),
		ReturnedLines: len(page),
		Offset:        offset,
	}
}
