package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel defines logging severity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var levelOrder = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// ParseLevel maps a config string onto a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelOrder[level]; ok {
		return level
	}
	return LogLevelInfo
}

// StructuredLogger provides structured JSON logging with PII masking.
// A nil *StructuredLogger discards everything.
type StructuredLogger struct {
	mu      sync.Mutex
	level   LogLevel
	output  io.Writer
	masking bool
	now     func() time.Time
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         string                 `json:"level"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	PaymentID     string                 `json:"payment_id,omitempty"`
	Provider      string                 `json:"provider,omitempty"`
	Operation     string                 `json:"operation,omitempty"`
	Latency       int64                  `json:"latency_ms,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// NewStructuredLogger creates a logger writing one JSON object per line to out.
func NewStructuredLogger(level LogLevel, enableMasking bool, out io.Writer) *StructuredLogger {
	if out == nil {
		out = os.Stdout
	}
	return &StructuredLogger{
		level:   level,
		output:  out,
		masking: enableMasking,
		now:     time.Now,
	}
}

// Discard returns a logger that writes nowhere. Handy in tests.
func Discard() *StructuredLogger {
	return NewStructuredLogger(LogLevelFatal, false, io.Discard)
}

var defaultLogger = NewStructuredLogger(LogLevelInfo, true, os.Stdout)

// Default is the process-wide logger used when a component is handed nil.
func Default() *StructuredLogger {
	return defaultLogger
}

// Log writes a structured log entry
func (sl *StructuredLogger) Log(level LogLevel, message string, fields map[string]interface{}) {
	if sl == nil || !sl.shouldLog(level) {
		return
	}

	// copy so callers can reuse their maps
	f := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	if sl.masking {
		f = maskPII(f)
	} else {
		f = truncateSignatures(f)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	entry := LogEntry{
		Timestamp: sl.now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
	}

	if correlationID, ok := f["correlation_id"].(string); ok {
		entry.CorrelationID = correlationID
		delete(f, "correlation_id")
	}
	if paymentID, ok := f["payment_id"].(string); ok {
		entry.PaymentID = paymentID
		delete(f, "payment_id")
	}
	if provider, ok := f["provider"].(string); ok {
		entry.Provider = provider
		delete(f, "provider")
	}
	if operation, ok := f["operation"].(string); ok {
		entry.Operation = operation
		delete(f, "operation")
	}
	if latency, ok := f["latency_ms"].(int64); ok {
		entry.Latency = latency
		delete(f, "latency_ms")
	}
	if errorCode, ok := f["error_code"].(string); ok {
		entry.ErrorCode = errorCode
		delete(f, "error_code")
	}
	if len(f) > 0 {
		entry.Fields = f
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}

	fmt.Fprintln(sl.output, string(jsonBytes))
}

// Info logs an info level message
func (sl *StructuredLogger) Info(message string, fields map[string]interface{}) {
	sl.Log(LogLevelInfo, message, fields)
}

// Warn logs a warning level message
func (sl *StructuredLogger) Warn(message string, fields map[string]interface{}) {
	sl.Log(LogLevelWarn, message, fields)
}

// Error logs an error level message
func (sl *StructuredLogger) Error(message string, fields map[string]interface{}) {
	sl.Log(LogLevelError, message, fields)
}

// Debug logs a debug level message
func (sl *StructuredLogger) Debug(message string, fields map[string]interface{}) {
	sl.Log(LogLevelDebug, message, fields)
}

// Fatal logs a fatal level message and exits
func (sl *StructuredLogger) Fatal(message string, fields map[string]interface{}) {
	sl.Log(LogLevelFatal, message, fields)
	os.Exit(1)
}

func (sl *StructuredLogger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[sl.level]
}

type correlationKey struct{}

// WithCorrelationID stores a request correlation id on ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// LogProviderRequest logs outgoing provider requests
func LogProviderRequest(logger *StructuredLogger, correlationID, paymentID, provider, operation string) {
	logger.Info("Provider request initiated", map[string]interface{}{
		"correlation_id": correlationID,
		"payment_id":     paymentID,
		"provider":       provider,
		"operation":      operation,
	})
}

// LogProviderResponse logs provider responses
func LogProviderResponse(logger *StructuredLogger, correlationID, paymentID, provider, operation string, latency int64, success bool, errorCode string) {
	level := LogLevelInfo
	message := "Provider request completed"

	if !success {
		level = LogLevelError
		message = "Provider request failed"
	}

	logger.Log(level, message, map[string]interface{}{
		"correlation_id": correlationID,
		"payment_id":     paymentID,
		"provider":       provider,
		"operation":      operation,
		"latency_ms":     latency,
		"success":        success,
		"error_code":     errorCode,
	})
}

// LogCircuitBreakerStateChange logs circuit breaker state transitions
func LogCircuitBreakerStateChange(logger *StructuredLogger, provider, oldState, newState, reason string) {
	logger.Warn("Circuit breaker state changed", map[string]interface{}{
		"provider":  provider,
		"old_state": oldState,
		"new_state": newState,
		"reason":    reason,
		"operation": "circuit_breaker",
	})
}
