package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/backoffice/pkg/magiclink"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

const (
	// DefaultSessionTTL is how long a session stays valid
	DefaultSessionTTL = 7 * 24 * time.Hour
	// DefaultSessionPrefix namespaces session keys in Redis
	DefaultSessionPrefix = "backoffice:session"
	// SessionCookieName is the cookie carrying the session token
	SessionCookieName = "backoffice_session"
)

// ErrUnauthenticated is returned when a token does not resolve to a session
var ErrUnauthenticated = errors.New("authentication required")

// ActorResolver turns a session token into the acting user
type ActorResolver interface {
	ResolveActor(ctx context.Context, token string) (rbac.Actor, error)
}

// Session is the record stored for a session token
type Session struct {
	UserID               string        `json:"user_id"`
	Email                string        `json:"email"`
	SystemRole           rbac.RoleName `json:"system_role"`
	ActiveOrganizationID string        `json:"active_organization_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	ExpiresAt            time.Time     `json:"expires_at"`
}

// Actor returns the actor the session authenticates
func (s *Session) Actor() rbac.Actor {
	return rbac.Actor{
		UserID:               s.UserID,
		Email:                s.Email,
		SystemRole:           s.SystemRole,
		ActiveOrganizationID: s.ActiveOrganizationID,
	}
}

// RedisSessionStore keeps sessions in Redis under the hash of their token
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisSessionStore creates a session store
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{
		client: client,
		prefix: DefaultSessionPrefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *RedisSessionStore) key(token string) string {
	return s.prefix + ":" + magiclink.HashToken(token)
}

// Create starts a session for actor and returns its token
func (s *RedisSessionStore) Create(ctx context.Context, actor rbac.Actor) (string, *Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	session := &Session{
		UserID:               actor.UserID,
		Email:                actor.Email,
		SystemRole:           actor.SystemRole,
		ActiveOrganizationID: actor.ActiveOrganizationID,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.ttl),
	}
	data, err := json.Marshal(session)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, s.ttl).Err(); err != nil {
		return "", nil, fmt.Errorf("failed to store session: %w", err)
	}
	return token, session, nil
}

// Get returns the session for token
func (s *RedisSessionStore) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// ResolveActor implements ActorResolver
func (s *RedisSessionStore) ResolveActor(ctx context.Context, token string) (rbac.Actor, error) {
	session, err := s.Get(ctx, token)
	if err != nil {
		return rbac.Actor{}, err
	}
	return session.Actor(), nil
}

// SetActiveOrganization records the organization the session works in,
// keeping the remaining lifetime
func (s *RedisSessionStore) SetActiveOrganization(ctx context.Context, token, organizationID string) error {
	session, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	session.ActiveOrganizationID = organizationID

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Delete ends a session
func (s *RedisSessionStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}
