package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	headerDelivery  = "X-Backoffice-Delivery"
	headerPurpose   = "X-Backoffice-Purpose"
	headerSignature = "X-Backoffice-Signature"
)

// WebhookConfig configures the webhook dispatcher
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
}

// WebhookDispatcher posts messages as JSON to an email relay endpoint,
// retrying transient failures with exponential backoff.
type WebhookDispatcher struct {
	url    string
	secret string
	client *http.Client
	retry  *RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWebhookDispatcher creates a webhook dispatcher
func NewWebhookDispatcher(config WebhookConfig) *WebhookDispatcher {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:    config.URL,
		secret: config.Secret,
		client: &http.Client{Timeout: timeout},
		retry:  NewRetryPolicy(config.Retry),
		sleep:  sleepContext,
	}
}

type webhookPayload struct {
	ID string `json:"id"`
	Message
	SentAt time.Time `json:"sent_at"`
}

// Send implements Dispatcher
func (d *WebhookDispatcher) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(webhookPayload{
		ID:      uuid.NewString(),
		Message: msg,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	attempts := 0
	for {
		attempts++
		err = d.post(ctx, msg.Purpose, payload)
		if !d.retry.ShouldRetry(attempts, err) {
			break
		}
		if sleepErr := d.sleep(ctx, d.retry.NextRetryDelay(attempts)); sleepErr != nil {
			return fmt.Errorf("webhook delivery interrupted after %d attempts: %w", attempts, err)
		}
	}
	if err != nil {
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempts, err)
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, purpose Purpose, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPurpose, string(purpose))
	req.Header.Set(headerDelivery, time.Now().UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set(headerSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{err: fmt.Errorf("webhook rejected message: status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign returns the HMAC-SHA256 signature sent in X-Backoffice-Signature
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
