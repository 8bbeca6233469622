package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/riskledger/internal/retry"
)

// WebhookPublisher POSTs events as JSON to a single endpoint. When a secret
// is configured the body is signed with HMAC-SHA256.
type WebhookPublisher struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewWebhookPublisher creates a publisher for url. secret may be empty.
func NewWebhookPublisher(url, secret string) *WebhookPublisher {
	return &WebhookPublisher{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

// WithRetry overrides the attempt count and initial backoff.
func (p *WebhookPublisher) WithRetry(attempts int, backoff time.Duration) *WebhookPublisher {
	p.attempts = attempts
	p.backoff = backoff
	return p
}

func (p *WebhookPublisher) Name() string { return "webhook" }

func (p *WebhookPublisher) Publish(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return retry.Do(ctx, p.attempts, p.backoff, func() error {
		return p.send(ctx, e, payload)
	})
}

func (p *WebhookPublisher) send(ctx context.Context, e *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskledger-Event", string(e.Type))
	req.Header.Set("X-Riskledger-Timestamp", strconv.FormatInt(e.Timestamp.Unix(), 10))
	if p.secret != "" {
		req.Header.Set("X-Riskledger-Signature", Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
