package notify

import (
	"context"

	"github.com/platinummonkey/backoffice/pkg/observability"
)

// LogDispatcher writes messages to the log instead of sending them. It is
// the development default.
type LogDispatcher struct {
	logger *observability.Logger
}

// NewLogDispatcher creates a log-only dispatcher
func NewLogDispatcher(logger *observability.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Send implements Dispatcher
func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	d.logger.WithFields(map[string]interface{}{
		"email":              msg.Email,
		"purpose":            string(msg.Purpose),
		"url":                msg.URL,
		"expires_in_minutes": msg.ExpiresInMinutes,
	}).Info("email dispatched to log")
	return nil
}
