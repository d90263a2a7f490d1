package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel orders log severities.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ParseLogLevel maps a level name to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogDebug
	case "warn", "warning":
		return LogWarn
	case "error":
		return LogError
	default:
		return LogInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "info"
	}
}

// StdLogger is the production Logger: one JSON object per line, or a
// human-readable text form when pretty is enabled for local development.
// Writes are serialized so concurrent components never interleave lines.
type StdLogger struct {
	mu     sync.Mutex
	w      io.Writer
	level  LogLevel
	pretty bool
	base   map[string]interface{}
}

// NewStdLogger creates a logger writing to w at the given level.
func NewStdLogger(w io.Writer, level LogLevel, pretty bool) *StdLogger {
	return &StdLogger{w: w, level: level, pretty: pretty}
}

// NewLoggerFromEnv builds the default process logger: stderr, level from
// LOG_LEVEL, pretty text when DEV_MODE is truthy.
func NewLoggerFromEnv() *StdLogger {
	pretty := false
	switch strings.ToLower(os.Getenv("DEV_MODE")) {
	case "1", "true", "yes", "on":
		pretty = true
	}
	return NewStdLogger(os.Stderr, ParseLogLevel(os.Getenv("LOG_LEVEL")), pretty)
}

// With returns a child logger whose entries always carry fields. Used to
// tag a component, e.g. With(map[string]interface{}{"component": "mcp"}).
func (l *StdLogger) With(fields map[string]interface{}) *StdLogger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StdLogger{w: l.w, level: l.level, pretty: l.pretty, base: merged}
}

func (l *StdLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogDebug, msg, fields)
}

func (l *StdLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogInfo, msg, fields)
}

func (l *StdLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogWarn, msg, fields)
}

func (l *StdLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogError, msg, fields)
}

func (l *StdLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	now := time.Now()
	if l.pretty {
		l.writeText(now, level, msg, fields)
		return
	}
	entry := make(map[string]interface{}, len(l.base)+len(fields)+3)
	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = now.Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	line, err := json.Marshal(entry)
	if err != nil {
		// Errors in field values must not silence the log line itself.
		line = []byte(fmt.Sprintf(`{"ts":%q,"level":%q,"msg":%q,"log_error":%q}`,
			now.Format(time.RFC3339Nano), level.String(), msg, err.Error()))
	}
	l.mu.Lock()
	l.w.Write(append(line, '\n'))
	l.mu.Unlock()
}

func (l *StdLogger) writeText(now time.Time, level LogLevel, msg string, fields map[string]interface{}) {
	var b strings.Builder
	b.WriteString(now.Format("15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(level.String()))
	b.WriteString("] ")
	b.WriteString(msg)

	keys := make([]string, 0, len(l.base)+len(fields))
	all := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		all[k] = v
		keys = append(keys, k)
	}
	for k, v := range fields {
		if _, dup := all[k]; !dup {
			keys = append(keys, k)
		}
		all[k] = v
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, all[k])
	}
	b.WriteByte('\n')

	l.mu.Lock()
	io.WriteString(l.w, b.String())
	l.mu.Unlock()
}
