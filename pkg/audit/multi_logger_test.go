package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLogger struct{ err error }

func (f failingLogger) Log(ctx context.Context, event *Event) error { return f.err }
func (f failingLogger) Close() error                                 { return f.err }

func TestMultiLogger(t *testing.T) {
	t.Run("fans out to every logger", func(t *testing.T) {
		a, b := NewMemoryLogger(4), NewMemoryLogger(4)
		multi := NewMultiLogger(a, b)

		require.NoError(t, multi.Log(context.Background(), NewEvent(context.Background(), EventTypeOrgCreate, EventStatusSuccess)))
		assert.Len(t, a.Events(), 1)
		assert.Len(t, b.Events(), 1)
	})

	t.Run("keeps going after a failure", func(t *testing.T) {
		boom := errors.New("disk full")
		mem := NewMemoryLogger(4)
		multi := NewMultiLogger(failingLogger{err: boom}, mem)

		err := multi.Log(context.Background(), NewEvent(context.Background(), EventTypeOrgCreate, EventStatusSuccess))
		assert.ErrorIs(t, err, boom)
		assert.Len(t, mem.Events(), 1)
		assert.ErrorIs(t, multi.Close(), boom)
	})
}

func TestContextLogger(t *testing.T) {
	assert.IsType(t, NoopLogger{}, FromContext(context.Background()))

	mem := NewMemoryLogger(1)
	ctx := WithLogger(context.Background(), mem)
	assert.Same(t, mem, FromContext(ctx))
}

func TestMemoryLoggerDropsWhenFull(t *testing.T) {
	mem := NewMemoryLogger(1)
	ctx := context.Background()
	require.NoError(t, mem.Log(ctx, NewEvent(ctx, EventTypeOrgCreate, EventStatusSuccess)))
	require.NoError(t, mem.Log(ctx, NewEvent(ctx, EventTypeOrgUpdate, EventStatusSuccess)))

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeOrgCreate, events[0].EventType)
	assert.Empty(t, mem.Events())
}
