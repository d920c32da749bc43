package provisioning

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

var (
	ErrUserExists   = errors.New("user with this email already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrAdminExists  = errors.New("admin users already exist")
)

// User is an account known to the backoffice
type User struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	Name          string        `json:"name"`
	Username      string        `json:"username,omitempty"`
	SystemRole    rbac.RoleName `json:"system_role"`
	EmailVerified bool          `json:"email_verified"`
	CreatedAt     time.Time     `json:"created_at"`
}

// UserDirectory stores user accounts
type UserDirectory interface {
	// CreateUser stores user, assigning an ID when empty. Emails are unique.
	CreateUser(ctx context.Context, user *User) error
	// CreateFirstAdmin stores user only while no admin exists
	CreateFirstAdmin(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error)
}

// MemoryDirectory is an in-process UserDirectory
type MemoryDirectory struct {
	mu      sync.Mutex
	users   map[string]*User
	byEmail map[string]string
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

// CreateUser implements UserDirectory
func (d *MemoryDirectory) CreateUser(ctx context.Context, user *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insert(user)
}

// CreateFirstAdmin implements UserDirectory
func (d *MemoryDirectory) CreateFirstAdmin(ctx context.Context, user *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, u := range d.users {
		if u.SystemRole == rbac.RoleAdmin {
			return ErrAdminExists
		}
	}
	return d.insert(user)
}

func (d *MemoryDirectory) insert(user *User) error {
	email := strings.ToLower(user.Email)
	if _, ok := d.byEmail[email]; ok {
		return ErrUserExists
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	stored := *user
	d.users[user.ID] = &stored
	d.byEmail[email] = user.ID
	return nil
}

// GetUser implements UserDirectory
func (d *MemoryDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

// GetUserByEmail implements UserDirectory
func (d *MemoryDirectory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	d.mu.Lock()
	id, ok := d.byEmail[strings.ToLower(email)]
	d.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return d.GetUser(ctx, id)
}

// ListUsers implements UserDirectory, newest first
func (d *MemoryDirectory) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		copied := *u
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Email < all[j].Email
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*User{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
