package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileLogger(t *testing.T) {
	t.Run("writes json lines", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
		require.NoError(t, err)

		event := NewEvent(context.Background(), EventTypeAuthzDenied, EventStatusDenied)
		event.ActorID = "user-1"
		event.Reason = "not a member"
		event.Message = "access denied"
		require.NoError(t, logger.Log(context.Background(), event))

		granted := NewEvent(context.Background(), EventTypeOrgCreate, EventStatusSuccess)
		granted.OrganizationID = "org-1"
		require.NoError(t, logger.Log(context.Background(), granted))
		require.NoError(t, logger.Close())

		lines := readLines(t, filepath.Join(dir, "audit.log"))
		require.Len(t, lines, 2)
		assert.Equal(t, "authz.denied", lines[0]["event_type"])
		assert.Equal(t, "not a member", lines[0]["reason"])
		assert.Equal(t, "access denied", lines[0]["message"])
		assert.Equal(t, "warning", lines[0]["level"])
		assert.NotContains(t, lines[0], "organization_id")
		assert.Equal(t, "org-1", lines[1]["organization_id"])
		assert.Equal(t, "info", lines[1]["level"])
	})

	t.Run("log after close fails", func(t *testing.T) {
		logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
		require.NoError(t, err)
		require.NoError(t, logger.Close())
		assert.NoError(t, logger.Close())

		err = logger.Log(context.Background(), NewEvent(context.Background(), EventTypeOrgCreate, EventStatusSuccess))
		assert.Error(t, err)
	})

	t.Run("rotates past max size", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir, Rotate: true, MaxSize: 1, MaxFiles: 10})
		require.NoError(t, err)
		defer logger.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, logger.Log(context.Background(), NewEvent(context.Background(), EventTypeOrgUpdate, EventStatusSuccess)))
		}

		rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
		require.NoError(t, err)
		assert.Len(t, rotated, 2)
	})
}
