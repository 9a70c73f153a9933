package log

import (
	"fmt"
	"strings"
)

// Level is the severity of a log event. Higher values are more severe.
type Level int8

const (
	// TraceLevel is for per-sample diagnostics, e.g. every metric entering a queue.
	TraceLevel Level = iota + 1
	// DebugLevel is for per-flush diagnostics.
	DebugLevel
	// InfoLevel is for lifecycle events such as a flusher starting or stopping.
	InfoLevel
	// WarnLevel is for recoverable problems, like a sink that could not keep up.
	WarnLevel
	// ErrorLevel is for failed operations.
	ErrorLevel
	// FatalLevel panics after the event is written.
	FatalLevel
)

// String returns the upper-case name of the level.
func (l Level) String() string {
	switch l {
	case TraceLevel:
		return "TRACE"
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name into a Level.
// Unknown names yield InfoLevel.
func ParseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return TraceLevel
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	}
	return InfoLevel
}

// UnmarshalText accepts a level name, so configs can say `level: debug`.
func (l *Level) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	lvl := ParseLevel(s)
	if lvl == InfoLevel && !strings.EqualFold(s, "INFO") {
		return fmt.Errorf("unknown log level %q", s)
	}
	*l = lvl
	return nil
}

// MarshalText returns the level name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
