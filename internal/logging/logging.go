// Package logging provides the structured JSON logger used across ctrlgate.
//
// Every component writes single-line JSON to stdout so it can be scraped by
// Promtail/Loki (or any other line-oriented collector) without pulling in a
// dedicated logging library.
package logging

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	TraceLevel  Level = "trace"
	DebugLevel  Level = "debug"
	InfoLevel   Level = "info"
	WarnLevel   Level = "warn"
	ErrorLevel  Level = "error"
	FatalLevel  Level = "fatal"
	SilentLevel Level = "silent"
)

// severity orders levels from least to most severe. SilentLevel never
// appears on an entry — as a minimum, it suppresses everything.
var severity = map[Level]int{
	TraceLevel:  0,
	DebugLevel:  1,
	InfoLevel:   2,
	WarnLevel:   3,
	ErrorLevel:  4,
	FatalLevel:  5,
	SilentLevel: 6,
}

// ParseLevel maps a config string to a Level, defaulting to InfoLevel for
// anything unrecognized.
func ParseLevel(s string) Level {
	switch Level(s) {
	case TraceLevel, DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel, SilentLevel:
		return Level(s)
	default:
		return InfoLevel
	}
}

// Fields carries the structured key/value pairs of a single log entry.
// Loki/Promtail can use them as labels once the line is collected.
type Fields map[string]any

// Logger is the structured logging interface every ctrlgate component uses.
type Logger interface {
	Trace(msg string, fields Fields)
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, fields Fields)

	// Fatal logs at FatalLevel (unless silenced) and terminates the
	// process with exit code 1. It never returns.
	Fatal(msg string, fields Fields)

	// With returns a child Logger that always includes the given fields.
	With(fields Fields) Logger
}

// stdLogger wraps a standard log.Logger and writes single-line JSON.
type stdLogger struct {
	l        *log.Logger
	fields   Fields
	minLevel Level
}

func (s *stdLogger) enabled(level Level) bool {
	return severity[level] >= severity[s.minLevel]
}

func (s *stdLogger) log(level Level, msg string, fields Fields) {
	if !s.enabled(level) {
		return
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}

	for k, v := range s.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}

	b, err := json.Marshal(entry)
	if err != nil {
		// JSON marshal failure falls back to a plain-text line.
		s.l.Printf("level=%s msg=%s marshal_error=%v", level, msg, err)
		return
	}
	s.l.Println(string(b))
}

func (s *stdLogger) Trace(msg string, fields Fields) { s.log(TraceLevel, msg, fields) }
func (s *stdLogger) Debug(msg string, fields Fields) { s.log(DebugLevel, msg, fields) }
func (s *stdLogger) Info(msg string, fields Fields)  { s.log(InfoLevel, msg, fields) }
func (s *stdLogger) Warn(msg string, fields Fields)  { s.log(WarnLevel, msg, fields) }
func (s *stdLogger) Error(msg string, fields Fields) { s.log(ErrorLevel, msg, fields) }

func (s *stdLogger) Fatal(msg string, fields Fields) {
	s.log(FatalLevel, msg, fields)
	os.Exit(1)
}

func (s *stdLogger) With(fields Fields) Logger {
	merged := Fields{}
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{
		l:        s.l,
		fields:   merged,
		minLevel: s.minLevel,
	}
}

// NewStdJSONLogger creates a Logger that writes JSON lines to stdout,
// suppressing anything below minLevel. component, device_key, request_id
// and similar fields set via With give Grafana something to filter on.
func NewStdJSONLogger(component string, minLevel Level) Logger {
	return &stdLogger{
		l:        log.New(os.Stdout, "", 0),
		fields:   Fields{"component": component},
		minLevel: minLevel,
	}
}
