package model

import "time"

// Level is the severity of an emitted event.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// EventMetadata describes a point-in-time event as declared by the host
// tracing framework.
type EventMetadata struct {
	Name   string
	Target string
	Level  Level
	File   string
	Line   int
	// SpanID is the enclosing span, 0 when the event is standalone.
	SpanID uint64
	// Time is the capture time; the zero value means "now".
	Time time.Time
}
