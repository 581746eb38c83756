package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to its Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger provides JSON structured logging with correlation ID support
type Logger struct {
	service   string
	level     Level
	output    io.Writer
	mu        sync.Mutex
	fields    Fields // base fields for all logs
	sanitizer *Sanitizer
}

// Sanitizer masks sensitive data in logs
type Sanitizer struct {
	maskPatterns []string
}

// NewSanitizer creates a log sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		maskPatterns: []string{
			"password", "secret", "token", "apikey", "credential", "authorization",
		},
	}
}

// Sanitize masks sensitive fields by name
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		masked := false
		lower := strings.ToLower(k)
		for _, pattern := range s.maskPatterns {
			if strings.Contains(lower, pattern) {
				cleaned[k] = "MASKED"
				masked = true
				break
			}
		}
		if !masked {
			cleaned[k] = v
		}
	}
	return cleaned
}

// NewLogger creates a structured logger for a service
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		service:   serviceName,
		level:     level,
		output:    output,
		fields:    Fields{},
		sanitizer: NewSanitizer(),
	}
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	nl := &Logger{
		service:   l.service,
		level:     l.level,
		output:    l.output,
		sanitizer: l.sanitizer,
		fields:    make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

// WithContext extracts the correlation ID from ctx and adds it to the logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields Fields) {
	l.log(LevelFatal, message, fields)
	os.Exit(1)
}

// SecurityEvent logs a security-relevant event with a special marker
func (l *Logger) SecurityEvent(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "security"
	fields["security_event"] = event
	l.log(LevelWarn, fmt.Sprintf("SECURITY: %s", event), fields)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	allFields := make(Fields, len(l.fields)+len(fields)+5)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}

	allFields["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	allFields["level"] = level.String()
	allFields["service"] = l.service
	allFields["message"] = message

	if level >= LevelError {
		if pc, file, line, ok := runtime.Caller(2); ok {
			allFields["caller"] = fmt.Sprintf("%s:%d", file, line)
			if fn := runtime.FuncForPC(pc); fn != nil {
				allFields["function"] = fn.Name()
			}
		}
	}

	allFields = l.sanitizer.Sanitize(allFields)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(allFields); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns a context carrying the correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts the correlation ID from a context
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID returns the existing correlation ID or creates one
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}
