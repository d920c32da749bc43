package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	a := &User{Email: "a@example.com", Name: "A", SystemRole: rbac.RoleUser, CreatedAt: base}
	require.NoError(t, d.CreateUser(ctx, a))
	assert.NotEmpty(t, a.ID)

	err := d.CreateUser(ctx, &User{Email: "A@example.com", Name: "A2"})
	assert.ErrorIs(t, err, ErrUserExists)

	b := &User{Email: "b@example.com", Name: "B", SystemRole: rbac.RoleAdmin, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, d.CreateFirstAdmin(ctx, b))
	err = d.CreateFirstAdmin(ctx, &User{Email: "c@example.com", Name: "C", SystemRole: rbac.RoleAdmin})
	assert.ErrorIs(t, err, ErrAdminExists)

	got, err := d.GetUserByEmail(ctx, "B@example.com")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	// returned users are copies
	got.Name = "changed"
	again, err := d.GetUser(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", again.Name)

	users, total, err := d.ListUsers(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, users, 2)
	assert.Equal(t, b.ID, users[0].ID)

	users, _, err = d.ListUsers(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = d.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
