package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// SimpleLogger is a dependency-free structured logger. It supports either
// line-oriented text output or one-JSON-object-per-line output, selected
// with SetFormat.
type SimpleLogger struct {
	level  Level
	json   bool
	fields map[string]interface{}
}

// NewSimpleLogger creates a text-formatted logger at InfoLevel.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level:  InfoLevel,
		fields: map[string]interface{}{},
	}
}

// NewJSONLogger creates a JSON-formatted logger at InfoLevel.
func NewJSONLogger() *SimpleLogger {
	l := NewSimpleLogger()
	l.json = true
	return l
}

func (l *SimpleLogger) Debug(msg string, fields ...interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields...)
	}
}

func (l *SimpleLogger) Info(msg string, fields ...interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields...)
	}
}

func (l *SimpleLogger) Warn(msg string, fields ...interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields...)
	}
}

func (l *SimpleLogger) Error(msg string, fields ...interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields...)
	}
}

// SetLevel sets the minimum level emitted. Unrecognized values are ignored.
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// With returns a child logger carrying the parent's fields plus fields.
func (l *SimpleLogger) With(fields ...Field) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	return &SimpleLogger{level: l.level, json: l.json, fields: merged}
}

func (l *SimpleLogger) log(level, msg string, extra ...interface{}) {
	if l.json {
		l.logJSON(level, msg, extra...)
		return
	}

	parts := make([]string, 0, 2+len(l.fields)+len(extra)/2)
	parts = append(parts, fmt.Sprintf("[%s]", level), msg)
	for k, v := range l.fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", extra[i], extra[i+1]))
	}
	log.Println(strings.Join(parts, " "))
}

func (l *SimpleLogger) logJSON(level, msg string, extra ...interface{}) {
	rec := make(map[string]interface{}, 3+len(l.fields)+len(extra)/2)
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["level"] = level
	rec["msg"] = msg
	for k, v := range l.fields {
		rec[k] = v
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			rec[k] = extra[i+1]
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[%s] %s (log marshal error: %v)", level, msg, err)
		return
	}
	log.Println(string(b))
}

// LevelFromEnv reads BATCHORCH_LOG_LEVEL, defaulting to INFO.
func LevelFromEnv() string {
	if v := os.Getenv("BATCHORCH_LOG_LEVEL"); v != "" {
		return v
	}
	return "INFO"
}
