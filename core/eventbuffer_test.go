package core

import (
	"fmt"
	"math"
	"testing"
	"time"

	"pkt.systems/ccbridge/schema"
)

func TestEventBufferRespectsCapacity(t *testing.T) {
	b := NewEventBuffer(3)
	for i := 0; i < 5; i++ {
		b.Push(schema.LogLine{Type: schema.LogText, Text: fmt.Sprintf("line-%d", i)})
	}
	if b.Len() != 3 {
		t.Fatalf("expected 3 lines, got %d", b.Len())
	}
	res := b.Query(schema.LogQuery{})
	if res.TotalLines != 3 {
		t.Fatalf("expected total lines 3, got %d", res.TotalLines)
	}
	if res.Lines[0].Text != "line-2" || res.Lines[2].Text != "line-4" {
		t.Fatalf("unexpected retained lines: %+v", res.Lines)
	}
}

func TestEventBufferDefaultCapacity(t *testing.T) {
	b := NewEventBuffer(0)
	if b.Capacity() != schema.DefaultLogCapacity {
		t.Fatalf("expected default capacity %d, got %d", schema.DefaultLogCapacity, b.Capacity())
	}
	for i := 0; i < schema.DefaultLogCapacity+10; i++ {
		b.Push(schema.LogLine{Type: schema.LogText, Text: "x"})
	}
	if b.Len() != schema.DefaultLogCapacity {
		t.Fatalf("expected %d lines, got %d", schema.DefaultLogCapacity, b.Len())
	}
}

func TestEventBufferQueryByType(t *testing.T) {
	b := NewEventBuffer(10)
	b.Push(
		schema.LogLine{Type: schema.LogText, Text: "one"},
		schema.LogLine{Type: schema.LogError, Text: "two"},
		schema.LogLine{Type: schema.LogText, Text: "three"},
	)
	res := b.Query(schema.LogQuery{Type: schema.LogError})
	if res.ReturnedLines != 1 || res.TotalLines != 1 || len(res.Lines) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Lines[0].Text != "two" {
		t.Fatalf("unexpected line: %+v", res.Lines[0])
	}
}

func TestEventBufferQueryPagination(t *testing.T) {
	b := NewEventBuffer(100)
	for i := 0; i < 60; i++ {
		b.Push(schema.LogLine{Type: schema.LogText, Text: fmt.Sprintf("line-%d", i)})
	}
	res := b.Query(schema.LogQuery{})
	if res.TotalLines != 60 || res.ReturnedLines != schema.DefaultLogQueryLimit {
		t.Fatalf("expected default limit page, got total=%d returned=%d", res.TotalLines, res.ReturnedLines)
	}
	res = b.Query(schema.LogQuery{Offset: 55, Limit: 10})
	if res.TotalLines != 60 || res.ReturnedLines != 5 || res.Offset != 55 {
		t.Fatalf("unexpected tail page: %+v", res)
	}
	if res.Lines[0].Text != "line-55" {
		t.Fatalf("unexpected first line: %+v", res.Lines[0])
	}
	res = b.Query(schema.LogQuery{Offset: 80, Limit: 10})
	if res.TotalLines != 60 || res.ReturnedLines != 0 || res.Lines == nil || len(res.Lines) != 0 {
		t.Fatalf("expected empty page past the end, got %+v", res)
	}
}

func TestEventBufferQueryInvalidRegexIsIgnored(t *testing.T) {
	b := NewEventBuffer(10)
	b.Push(
		schema.LogLine{Type: schema.LogText, Text: "alpha"},
		schema.LogLine{Type: schema.LogText, Text: "beta"},
	)
	res := b.Query(schema.LogQuery{Filter: "(unclosed"})
	if res.TotalLines != 2 {
		t.Fatalf("expected unfiltered result, got %+v", res)
	}
	res = b.Query(schema.LogQuery{Filter: "ALPHA"})
	if res.TotalLines != 1 || res.Lines[0].Text != "alpha" {
		t.Fatalf("expected case-insensitive match, got %+v", res)
	}
}

func TestEventBufferQuerySince(t *testing.T) {
	b := NewEventBuffer(10)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return now }
	b.Push(
		schema.LogLine{Time: now.Add(-10 * time.Second), Type: schema.LogText, Text: "old"},
		schema.LogLine{Time: now.Add(-2 * time.Second), Type: schema.LogText, Text: "edge"},
		schema.LogLine{Time: now, Type: schema.LogError, Text: "new"},
	)
	res := b.Query(schema.LogQuery{SinceMs: 2000})
	if res.TotalLines != 2 || res.Lines[0].Text != "edge" {
		t.Fatalf("expected inclusive recency filter, got %+v", res)
	}
	res = b.Query(schema.LogQuery{SinceMs: 2000, Type: schema.LogError, Filter: "NE"})
	if res.TotalLines != 1 || res.Lines[0].Text != "new" {
		t.Fatalf("expected combined filters, got %+v", res)
	}
}

func TestEventBufferQueryHugeLimitDoesNotOverflow(t *testing.T) {
	b := NewEventBuffer(10)
	b.Push(schema.LogLine{Type: schema.LogText, Text: "first"})
	b.Push(schema.LogLine{Type: schema.LogText, Text: "second"})

	res := b.Query(schema.LogQuery{Offset: 1, Limit: math.MaxInt})
	if res.ReturnedLines != 1 || res.Lines[0].Text != "second" {
		t.Fatalf("unexpected page: %+v", res)
	}
	res = b.Query(schema.LogQuery{Offset: math.MaxInt, Limit: math.MaxInt})
	if res.ReturnedLines != 0 || res.TotalLines != 2 {
		t.Fatalf("expected empty page past the end, got %+v", res)
	}
}
