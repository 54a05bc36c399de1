// Package logging provides structured logging tagged with endpoint identity.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for per-message tracing of routing decisions.
	LevelDebug Level = iota
	// LevelInfo is for lifecycle events.
	LevelInfo
	// LevelWarn is for dropped or unexpected messages.
	LevelWarn
	// LevelError is for failures that end a component.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs one JSON object per line.
	FormatJSON Format = iota
	// FormatText outputs human-readable lines.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown strings map to FormatJSON.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Identity  string         `json:"identity,omitempty"`
	Role      string         `json:"role,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes structured entries. Derived loggers share the writer.
type Logger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	format    Format
	addCaller bool
	fields    map[string]any
	identity  string
	role      string
}

// Config holds configuration for a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	AddCaller bool
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		mu:        &sync.Mutex{},
		out:       out,
		level:     cfg.Level,
		format:    cfg.Format,
		addCaller: cfg.AddCaller,
	}
}

// DefaultLogger returns an info-level JSON logger on stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) clone() *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		mu:        l.mu,
		out:       l.out,
		level:     l.level,
		format:    l.format,
		addCaller: l.addCaller,
		fields:    fields,
		identity:  l.identity,
		role:      l.role,
	}
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	n := l.clone()
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

// WithIdentity returns a new Logger stamping every entry with identity.
func (l *Logger) WithIdentity(identity string) *Logger {
	n := l.clone()
	n.identity = identity
	return n
}

// WithRole returns a new Logger stamping every entry with role.
func (l *Logger) WithRole(role string) *Logger {
	n := l.clone()
	n.role = role
	return n
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(LevelDebug, msg, nil) }

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(LevelInfo, msg, nil) }

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) { l.log(LevelInfo, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(LevelWarn, msg, nil) }

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(LevelWarn, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.log(LevelError, msg, nil) }

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, extra map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		Identity:  l.identity,
		Role:      l.role,
	}

	if l.addCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.File = file
			entry.Line = line
		}
	}

	if len(l.fields) > 0 || len(extra) > 0 {
		entry.Fields = make(map[string]any, len(l.fields)+len(extra))
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
		for k, v := range extra {
			entry.Fields[k] = v
		}
	}

	var data []byte
	if l.format == FormatText {
		data = formatText(entry)
	} else {
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	}
	_, _ = l.out.Write(data)
}

func formatText(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = e.Timestamp.AppendFormat(buf, time.RFC3339)
	buf = append(buf, " ["...)
	buf = append(buf, e.Level...)
	buf = append(buf, "] "...)
	buf = append(buf, e.Message...)

	if e.Role != "" {
		buf = append(buf, " role="...)
		buf = append(buf, e.Role...)
	}
	if e.Identity != "" {
		buf = append(buf, " identity="...)
		buf = append(buf, e.Identity...)
	}
	if e.File != "" {
		buf = append(buf, " file="...)
		buf = append(buf, e.File...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(e.Line), 10)
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = append(buf, ' ')
		buf = append(buf, k...)
		buf = append(buf, '=')
		switch val := e.Fields[k].(type) {
		case string:
			buf = append(buf, val...)
		default:
			data, _ := json.Marshal(val)
			buf = append(buf, data...)
		}
	}
	buf = append(buf, '\n')
	return buf
}
