package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/backoffice/pkg/observability"
)

const (
	// DefaultOutboxKey is the Redis list holding queued messages
	DefaultOutboxKey = "backoffice:notify:outbox"
	// DefaultDeadLetterKey holds messages the relay could not deliver
	DefaultDeadLetterKey = "backoffice:notify:dead"
)

// RedisOutbox queues messages on a Redis list. Send returns once the
// message is queued; a Relay delivers it.
type RedisOutbox struct {
	client  *redis.Client
	key     string
	deadKey string
}

// NewRedisOutbox creates an outbox on the default keys
func NewRedisOutbox(client *redis.Client) *RedisOutbox {
	return &RedisOutbox{
		client:  client,
		key:     DefaultOutboxKey,
		deadKey: DefaultDeadLetterKey,
	}
}

type outboxEntry struct {
	Message
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Send implements Dispatcher
func (o *RedisOutbox) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return o.push(ctx, o.key, outboxEntry{Message: msg, EnqueuedAt: time.Now().UTC()})
}

func (o *RedisOutbox) push(ctx context.Context, key string, entry outboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	if err := o.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	return nil
}

// Len returns the number of queued messages
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.key).Result()
}

// DeadLetters returns the number of messages the relay gave up on
func (o *RedisOutbox) DeadLetters(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.deadKey).Result()
}

// Relay moves queued messages to a downstream dispatcher
type Relay struct {
	outbox      *RedisOutbox
	target      Dispatcher
	logger      *observability.Logger
	metrics     *observability.Metrics
	maxAttempts int
	wait        time.Duration
}

// NewRelay creates a relay from outbox to target. Messages failing
// maxAttempts times are moved to the dead letter list.
func NewRelay(outbox *RedisOutbox, target Dispatcher, logger *observability.Logger, metrics *observability.Metrics, maxAttempts int) *Relay {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Relay{
		outbox:      outbox,
		target:      target,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		wait:        5 * time.Second,
	}
}

// Run relays messages until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	for {
		if _, err := r.ProcessOne(ctx, r.wait); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithError(err).Warn("outbox relay error")
			if err := sleepContext(ctx, time.Second); err != nil {
				return nil
			}
		}
	}
}

// ProcessOne waits up to wait for a queued message and delivers it. It
// reports whether a message was taken off the queue.
func (r *Relay) ProcessOne(ctx context.Context, wait time.Duration) (bool, error) {
	result, err := r.outbox.client.BRPop(ctx, wait, r.outbox.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to pop outbox: %w", err)
	}

	// BRPOP returns [key, value]
	var entry outboxEntry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		r.logger.WithError(err).Error("dropping malformed outbox entry")
		return true, nil
	}

	sendErr := r.target.Send(ctx, entry.Message)
	r.metrics.RecordNotification(string(entry.Purpose), sendErr)
	if sendErr == nil {
		return true, nil
	}

	entry.Attempts++
	entry.LastError = sendErr.Error()
	key := r.outbox.key
	if entry.Attempts >= r.maxAttempts {
		key = r.outbox.deadKey
		r.logger.WithError(sendErr).
			WithField("purpose", string(entry.Purpose)).
			Error("outbox message moved to dead letters")
	}
	if err := r.outbox.push(ctx, key, entry); err != nil {
		return true, err
	}
	return true, nil
}
