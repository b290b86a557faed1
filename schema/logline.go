package schema

import "time"

// LogType classifies an observability log line.
type LogType string

const (
	LogText     LogType = "text"
	LogThinking LogType = "thinking"
	LogTool     LogType = "tool"
	LogError    LogType = "error"
	LogSystem   LogType = "system"
	LogUser     LogType = "user"
)

// DefaultLogCapacity is the default EventBuffer capacity.
const DefaultLogCapacity = 1000

// DefaultLogQueryLimit is the page size applied when a query sets no limit.
const DefaultLogQueryLimit = 50

// LogLine is one entry in an agent's EventBuffer.
type LogLine struct {
	Time time.Time `json:"timestamp"`
	Type LogType   `json:"type"`
	Text string    `json:"text"`
}

// LogQuery filters and paginates an EventBuffer.
// Filters apply in order: type, recency, regex on text, then pagination.
type LogQuery struct {
	Type    LogType `json:"type,omitempty"`
	SinceMs int64   `json:"since,omitempty"`
	Filter  string  `json:"filter,omitempty"`
	Offset  int     `json:"offset,omitempty"`
	Limit   int     `json:"limit,omitempty"`
}

// LogQueryResult is a page of matching lines.
type LogQueryResult struct {
	Lines         []LogLine `json:"lines"`
	TotalLines    int       `json:"totalLines"`
	ReturnedLines int       `json:"returnedLines"`
	Offset        int       `json:"offset"`
}
