// Package schema defines the wire shapes exchanged between producers and
// the broker: events and the frame envelope that carries them.
package schema

import "time"

// Level is the severity of a log or trace event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventType discriminates the two event shapes sharing the common header.
type EventType string

const (
	EventLog   EventType = "log"
	EventTrace EventType = "trace"
)

// TraceKind further discriminates an Event's Kind: KindEntry/KindExit mark
// the two halves of a traced call, while KindLog/KindError mark a plain
// log-typed event emitted as an ordinary message or as an error-level log.
type TraceKind string

const (
	KindEntry TraceKind = "entry"
	KindExit  TraceKind = "exit"
	KindLog   TraceKind = "log"
	KindError TraceKind = "error"
)

// Event is the discriminated union described in spec §3: LogEvent adds no
// fields beyond the common header; TraceEvent adds Kind/FunctionName/Args/
// ReturnValue/ExecutionTimeMS. Both are represented by this single struct.
// Kind is set on every event the producer emits (KindLog or KindError for
// plain logs); the other trace-only fields are left zero for plain logs.
type Event struct {
	ID           string      `json:"id"`
	Type         EventType   `json:"type"`
	Timestamp    time.Time   `json:"timestamp"`
	Level        Level       `json:"level"`
	Message      string      `json:"message"`
	Source       string      `json:"source"`
	ThreadID     uint64      `json:"threadId"`
	NestingLevel int         `json:"nestingLevel"`
	Data         interface{} `json:"data,omitempty"`
	Stack        string      `json:"stack,omitempty"`

	// Kind is set on logs too; the fields after it are trace-only.
	Kind            TraceKind     `json:"kind,omitempty"`
	FunctionName    string        `json:"functionName,omitempty"`
	Args            []interface{} `json:"args,omitempty"`
	ReturnValue     interface{}   `json:"returnValue,omitempty"`
	ExecutionTimeMS *int64        `json:"executionTime,omitempty"`
}

// IsTrace reports whether the event carries trace-only fields.
func (e *Event) IsTrace() bool {
	return e.Type == EventTrace
}
