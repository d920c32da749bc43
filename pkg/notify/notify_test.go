package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/backoffice/pkg/observability"
)

func invitation() Message {
	return Message{
		Email:            "new@example.com",
		URL:              "https://backoffice.example.com/accept-invitation/inv-1",
		Purpose:          PurposeInvitation,
		ExpiresInMinutes: 10080,
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Message)
		wantErr string
	}{
		{name: "valid", mutate: func(m *Message) {}},
		{name: "no recipient", mutate: func(m *Message) { m.Email = " " }, wantErr: "no recipient"},
		{name: "no url", mutate: func(m *Message) { m.URL = "" }, wantErr: "no url"},
		{name: "unknown purpose", mutate: func(m *Message) { m.Purpose = "newsletter" }, wantErr: "unknown purpose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := invitation()
			tt.mutate(&msg)
			err := msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRender(t *testing.T) {
	for _, purpose := range []Purpose{PurposeInvitation, PurposeMagicLink, PurposePasswordReset} {
		t.Run(string(purpose), func(t *testing.T) {
			msg := invitation()
			msg.Purpose = purpose
			msg.ExpiresInMinutes = 15

			rendered, err := Render(msg)
			require.NoError(t, err)
			assert.NotEmpty(t, rendered.Subject)
			assert.Contains(t, rendered.Text, msg.URL)
			assert.Contains(t, rendered.Text, "15 minutes")
			assert.Contains(t, rendered.HTML, msg.URL)
		})
	}

	t.Run("escapes html", func(t *testing.T) {
		msg := invitation()
		msg.URL = `https://example.com/?a=<script>`
		rendered, err := Render(msg)
		require.NoError(t, err)
		assert.NotContains(t, rendered.HTML, "<script>")
	})
}

func TestMulti(t *testing.T) {
	var calls []string
	ok := DispatcherFunc(func(ctx context.Context, msg Message) error {
		calls = append(calls, "ok")
		return nil
	})
	boom := errors.New("smtp down")
	failing := DispatcherFunc(func(ctx context.Context, msg Message) error {
		calls = append(calls, "failing")
		return boom
	})

	err := Multi{failing, ok}.Send(context.Background(), invitation())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"failing", "ok"}, calls)

	assert.NoError(t, Multi{}.Send(context.Background(), invitation()))
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDispatcher(observability.NewLogger(observability.InfoLevel, &buf))

	require.NoError(t, d.Send(context.Background(), invitation()))
	assert.Contains(t, buf.String(), "new@example.com")
	assert.Contains(t, buf.String(), `"purpose":"invitation"`)

	assert.Error(t, d.Send(context.Background(), Message{}))
}
