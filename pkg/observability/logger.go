package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/platinummonkey/backoffice/pkg/contextkeys"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var slogLevels = [...]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
}

func (l LogLevel) String() string {
	return l.slog().String()
}

func (l LogLevel) slog() slog.Level {
	if l < DebugLevel || int(l) >= len(slogLevels) {
		return slog.LevelInfo
	}
	return slogLevels[l]
}

// Field names shared by every component so log queries can join on them
const (
	FieldRequestID      = "request_id"
	FieldUserID         = "user_id"
	FieldSystemRole     = "system_role"
	FieldOrganizationID = "organization_id"
	FieldInvitationID   = "invitation_id"
	FieldOp             = "op"
	FieldError          = "error"
)

// Logger writes JSON lines through slog. Loggers are immutable; the With
// helpers return annotated copies.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a JSON logger writing to output, or stdout when nil
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level.slog()})
	return &Logger{logger: slog.New(handler)}
}

func (l *Logger) with(args ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(key, value)
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.with(args...)
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(FieldError, err.Error())
}

// WithActor tags entries with the acting user. An empty user id leaves the
// logger unchanged.
func (l *Logger) WithActor(userID, systemRole string) *Logger {
	if userID == "" {
		return l
	}
	if systemRole == "" {
		return l.with(FieldUserID, userID)
	}
	return l.with(FieldUserID, userID, FieldSystemRole, systemRole)
}

// WithOrganization tags entries with an organization id
func (l *Logger) WithOrganization(organizationID string) *Logger {
	if organizationID == "" {
		return l
	}
	return l.with(FieldOrganizationID, organizationID)
}

// WithInvitation tags entries with an invitation id
func (l *Logger) WithInvitation(invitationID string) *Logger {
	return l.with(FieldInvitationID, invitationID)
}

// WithOp tags entries with the service operation that produced them
func (l *Logger) WithOp(op string) *Logger {
	return l.with(FieldOp, op)
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.logger.Debug(message)
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.logger.Info(message)
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.logger.Warn(message)
}

// Error logs an error message
func (l *Logger) Error(message string) {
	l.logger.Error(message)
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return contextkeys.WithLogger(ctx, logger)
}

// GetLogger retrieves the logger from context, or a stdout logger
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(contextkeys.LoggerKey).(*Logger); ok {
		return logger
	}
	return NewLogger(InfoLevel, os.Stdout)
}

// FromContext returns the context logger annotated with the request id, the
// acting user and the active trace.
func FromContext(ctx context.Context) *Logger {
	logger := GetLogger(ctx)
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		logger = logger.with(FieldRequestID, requestID)
	}
	logger = logger.WithActor(contextkeys.GetUserID(ctx), "")
	return UpdateLoggerWithTraceContext(ctx, logger)
}

// ParseLevel converts a configuration string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
