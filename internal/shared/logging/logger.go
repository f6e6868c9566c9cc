package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with component-scoped structured logging.
// Child loggers created with With share the underlying logrus instance.
type Logger struct {
	*logrus.Logger
	component string
	fields    logrus.Fields
}

// OrderedJSONFormatter formats logs as JSON with consistent field ordering
type OrderedJSONFormatter struct {
	TimestampFormat string
}

// Format renders a single log entry: timestamp, level, component, message,
// error, then the remaining fields sorted by key.
func (f *OrderedJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")

	timestampFormat := f.TimestampFormat
	if timestampFormat == "" {
		timestampFormat = "2006-01-02T15:04:05.000Z"
	}
	fmt.Fprintf(&buf, `"timestamp":"%s",`, entry.Time.UTC().Format(timestampFormat))
	fmt.Fprintf(&buf, `"level":"%s",`, entry.Level.String())

	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}

	if component, ok := data["component"]; ok {
		componentJSON, _ := json.Marshal(component)
		fmt.Fprintf(&buf, `"component":%s,`, componentJSON)
		delete(data, "component")
	}

	messageJSON, _ := json.Marshal(entry.Message)
	fmt.Fprintf(&buf, `"message":%s`, messageJSON)

	if err, ok := data[logrus.ErrorKey]; ok {
		var errStr string
		if e, isErr := err.(error); isErr {
			errStr = e.Error()
		} else {
			errStr = fmt.Sprintf("%v", err)
		}
		errJSON, _ := json.Marshal(errStr)
		fmt.Fprintf(&buf, `,"error":%s`, errJSON)
		delete(data, logrus.ErrorKey)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		valueJSON, err := json.Marshal(fieldValue(data[key]))
		if err != nil {
			valueJSON, _ = json.Marshal(fmt.Sprintf("%v", data[key]))
		}
		keyJSON, _ := json.Marshal(key)
		fmt.Fprintf(&buf, `,%s:%s`, keyJSON, valueJSON)
	}

	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// fieldValue renders values that do not marshal usefully on their own.
func fieldValue(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}

// NewLogger creates a new logger instance for a component
func NewLogger(component string) *Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&OrderedJSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z",
	})
	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// Discard returns a logger that writes nowhere. Used as the fallback when
// a caller passes no logger.
func Discard(component string) *Logger {
	l := NewLogger(component)
	l.Logger.SetOutput(io.Discard)
	return l
}

// With returns a child logger that attaches the given key-value pairs to
// every entry.
func (l *Logger) With(fields ...interface{}) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields)/2)
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range pairs(fields) {
		merged[k] = v
	}
	return &Logger{
		Logger:    l.Logger,
		component: l.component,
		fields:    merged,
	}
}

// Component returns a logger for a sub-component sharing output and level.
func (l *Logger) Component(name string) *Logger {
	return &Logger{
		Logger:    l.Logger,
		component: name,
		fields:    l.fields,
	}
}

// WithComponent creates a logger entry with component field
func (l *Logger) WithComponent() *logrus.Entry {
	entry := l.WithField("component", l.component)
	if len(l.fields) > 0 {
		entry = entry.WithFields(l.fields)
	}
	return entry
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level string) {
	switch level {
	case "debug":
		l.Logger.SetLevel(logrus.DebugLevel)
	case "info":
		l.Logger.SetLevel(logrus.InfoLevel)
	case "warn":
		l.Logger.SetLevel(logrus.WarnLevel)
	case "error":
		l.Logger.SetLevel(logrus.ErrorLevel)
	default:
		l.Logger.SetLevel(logrus.InfoLevel)
	}
}

// Info logs an info message with component context
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry(fields).Info(msg)
}

// Error logs an error message with component context
func (l *Logger) Error(msg string, err error, fields ...interface{}) {
	l.entry(fields).WithError(err).Error(msg)
}

// Warn logs a warning message with component context
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry(fields).Warn(msg)
}

// Debug logs a debug message with component context
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry(fields).Debug(msg)
}

func (l *Logger) entry(fields []interface{}) *logrus.Entry {
	entry := l.WithComponent()
	if len(fields) > 0 {
		entry = entry.WithFields(pairs(fields))
	}
	return entry
}

// pairs turns alternating key-value arguments into logrus fields. A trailing
// key without a value gets an empty string; non-string keys are skipped.
func pairs(fields []interface{}) logrus.Fields {
	if len(fields)%2 != 0 {
		fields = append(fields, "")
	}

	out := make(logrus.Fields, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			out[key] = fields[i+1]
		}
	}
	return out
}
