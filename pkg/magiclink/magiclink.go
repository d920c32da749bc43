package magiclink

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/backoffice/pkg/notify"
	"github.com/platinummonkey/backoffice/pkg/observability"
)

const (
	// TokenLength is the number of random bytes in a token
	TokenLength = 32
	// DefaultMagicLinkTTL is how long a sign-in link stays valid
	DefaultMagicLinkTTL = 15 * time.Minute
	// DefaultPasswordResetTTL is how long a reset link stays valid
	DefaultPasswordResetTTL = time.Hour
	// DefaultKeyPrefix namespaces token keys in Redis
	DefaultKeyPrefix = "backoffice:magiclink"
)

// Purpose identifies what a token can be redeemed for
type Purpose = notify.Purpose

const (
	PurposeMagicLink     = notify.PurposeMagicLink
	PurposePasswordReset = notify.PurposePasswordReset
)

var (
	// ErrInvalidToken is returned for malformed, unknown, expired or
	// already redeemed tokens. The cases are not distinguished.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrUnsupportedPurpose is returned when a token is requested for a
	// purpose this package does not issue
	ErrUnsupportedPurpose = errors.New("unsupported token purpose")
)

// Grant is what a redeemed token proves
type Grant struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	Purpose  Purpose   `json:"purpose"`
	IssuedAt time.Time `json:"issued_at"`
}

// Link is an issued token and the URL that carries it
type Link struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

// Issuer issues tokens, stores their hashes and sends the links
type Issuer struct {
	client     *redis.Client
	dispatcher notify.Dispatcher
	baseURL    string
	prefix     string
	ttls       map[Purpose]time.Duration
	paths      map[Purpose]string
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// Option configures an Issuer
type Option func(*Issuer)

// WithTTL overrides the lifetime of tokens for purpose
func WithTTL(purpose Purpose, ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttls[purpose] = ttl
		}
	}
}

// WithKeyPrefix overrides the Redis key prefix
func WithKeyPrefix(prefix string) Option {
	return func(i *Issuer) { i.prefix = prefix }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(i *Issuer) { i.logger = logger }
}

// WithMetrics records delivery outcomes
func WithMetrics(metrics *observability.Metrics) Option {
	return func(i *Issuer) { i.metrics = metrics }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer. Links are built as baseURL plus a
// purpose-specific path with the token in the query string.
func NewIssuer(client *redis.Client, dispatcher notify.Dispatcher, baseURL string, opts ...Option) *Issuer {
	i := &Issuer{
		client:     client,
		dispatcher: dispatcher,
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefix:     DefaultKeyPrefix,
		ttls: map[Purpose]time.Duration{
			PurposeMagicLink:     DefaultMagicLinkTTL,
			PurposePasswordReset: DefaultPasswordResetTTL,
		},
		paths: map[Purpose]string{
			PurposeMagicLink:     "/auth/magic-link/verify",
			PurposePasswordReset: "/reset-password",
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return i
}

// TTL returns the token lifetime for purpose
func (i *Issuer) TTL(purpose Purpose) time.Duration {
	return i.ttls[purpose]
}

// Issue creates and stores a token for userID without sending anything
func (i *Issuer) Issue(ctx context.Context, purpose Purpose, email, userID string) (*Link, error) {
	ttl, ok := i.ttls[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPurpose, purpose)
	}

	token, err := generateToken(purpose)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	grant := Grant{
		UserID:   userID,
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Purpose:  purpose,
		IssuedAt: now,
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal grant: %w", err)
	}

	if err := i.client.Set(ctx, i.key(token), data, ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	return &Link{
		Token:     token,
		URL:       i.baseURL + i.paths[purpose] + "?token=" + url.QueryEscape(token),
		ExpiresAt: now.Add(ttl),
	}, nil
}

// SendMagicLink issues a sign-in token and emails it
func (i *Issuer) SendMagicLink(ctx context.Context, email, userID string) (*Link, error) {
	return i.send(ctx, PurposeMagicLink, email, userID)
}

// SendPasswordReset issues a password-reset token and emails it
func (i *Issuer) SendPasswordReset(ctx context.Context, email, userID string) (*Link, error) {
	return i.send(ctx, PurposePasswordReset, email, userID)
}

// send returns the link even when delivery fails, together with the
// delivery error, so callers can surface the link another way.
func (i *Issuer) send(ctx context.Context, purpose Purpose, email, userID string) (*Link, error) {
	link, err := i.Issue(ctx, purpose, email, userID)
	if err != nil {
		return nil, err
	}

	msg := notify.Message{
		Email:            email,
		URL:              link.URL,
		Purpose:          purpose,
		ExpiresInMinutes: int(i.ttls[purpose] / time.Minute),
	}
	err = i.dispatcher.Send(ctx, msg)
	i.metrics.RecordNotification(string(purpose), err)
	if err != nil {
		i.logger.WithError(err).
			WithField("purpose", string(purpose)).
			WithActor(userID, "").
			Warn("failed to deliver link")
		return link, fmt.Errorf("failed to deliver %s link: %w", purpose, err)
	}
	return link, nil
}

// Redeem consumes token and returns its grant. A token is valid only for
// the purpose it was issued for, and only once.
func (i *Issuer) Redeem(ctx context.Context, purpose Purpose, token string) (*Grant, error) {
	if !strings.HasPrefix(token, tokenPrefix(purpose)) {
		return nil, ErrInvalidToken
	}
	encoded := strings.TrimPrefix(token, tokenPrefix(purpose))
	if raw, err := base64.RawURLEncoding.DecodeString(encoded); err != nil || len(raw) != TokenLength {
		return nil, ErrInvalidToken
	}

	data, err := i.client.GetDel(ctx, i.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}

	var grant Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	if grant.Purpose != purpose {
		return nil, ErrInvalidToken
	}
	return &grant, nil
}

// Revoke deletes an unredeemed token
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	return i.client.Del(ctx, i.key(token)).Err()
}

func (i *Issuer) key(token string) string {
	return i.prefix + ":" + HashToken(token)
}

// HashToken computes the SHA256 hash of a token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func tokenPrefix(purpose Purpose) string {
	switch purpose {
	case PurposePasswordReset:
		return "pwr_"
	default:
		return "ml_"
	}
}

func generateToken(purpose Purpose) (string, error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return tokenPrefix(purpose) + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
