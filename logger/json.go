package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// JSONLogEntry is a single structured log line.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

type jsonLogger struct {
	metadata  map[string]interface{}
	component string
	sink      Sink
	logLevel  LogLevel
	now       func() time.Time
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	return &jsonLogger{
		metadata:  cloneMetadata(c.metadata),
		component: c.component,
		sink:      c.sink,
		logLevel:  c.logLevel,
		now:       c.now,
	}
}

// WithPrefix appends prefix to the component field. Surrounding brackets are dropped.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	prefix = strings.Trim(prefix, "[]")
	switch {
	case l.component == "":
		l.component = prefix
	case !strings.Contains(l.component, prefix):
		l.component += ", " + prefix
	}
	return l
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	if comp, ok := l.metadata["component"].(string); ok {
		l.component = comp
		delete(l.metadata, "component")
	}
	return l
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *jsonLogger) log(level LogLevel, severity string, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Severity:  severity,
		Component: c.component,
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
		return
	}
	if c.sink == nil {
		log.Println(string(buf))
		return
	}
	if _, err := c.sink.Write(append(buf, '\n')); err != nil {
		log.Printf("sink.Write: %v", err)
	}
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, "TRACE", msg, args...) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, "DEBUG", msg, args...) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, "INFO", msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, "WARNING", msg, args...) }
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.log(LevelError, "ERROR", msg, args...) }

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	os.Exit(1)
}

// NewJSONLogger returns a Logger writing one JSON object per line to the
// standard logger. Without an explicit level the level comes from TIERCACHE_LOG_LEVEL.
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{logLevel: level, now: time.Now}
}

// NewJSONLoggerWithSink returns a JSON Logger that writes to sink instead of the console.
func NewJSONLoggerWithSink(sink Sink, level LogLevel) Logger {
	return &jsonLogger{sink: sink, logLevel: level, now: time.Now}
}
