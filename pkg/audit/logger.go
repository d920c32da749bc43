package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/backoffice/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// NewEvent creates an event with the timestamp and request id populated
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NoopLogger{}
}

// NoopLogger discards every event
type NoopLogger struct{}

// Log implements Logger
func (NoopLogger) Log(ctx context.Context, event *Event) error { return nil }

// Close implements Logger
func (NoopLogger) Close() error { return nil }

// MemoryLogger keeps events in memory. It is used by tests and the
// development server.
type MemoryLogger struct {
	events chan *Event
}

// NewMemoryLogger creates a logger that buffers up to size events; once full,
// further events are dropped.
func NewMemoryLogger(size int) *MemoryLogger {
	return &MemoryLogger{events: make(chan *Event, size)}
}

// Log implements Logger
func (l *MemoryLogger) Log(ctx context.Context, event *Event) error {
	select {
	case l.events <- event:
	default:
	}
	return nil
}

// Events drains and returns the buffered events
func (l *MemoryLogger) Events() []*Event {
	var out []*Event
	for {
		select {
		case e := <-l.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Close implements Logger
func (l *MemoryLogger) Close() error { return nil }
