// Package webhook delivers signed batch notifications to caller endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Imageverse-Signature"
	HeaderTimestamp = "X-Imageverse-Timestamp"
	HeaderEvent     = "X-Imageverse-Event"
	HeaderDelivery  = "X-Imageverse-Delivery"
)

const (
	EventBatchCompleted = "batch.completed"
	EventBatchFailed    = "batch.failed"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// BatchEvent is the data of the events sent when an async batch finishes.
type BatchEvent struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Tool        string `json:"tool"`
	ArchiveName string `json:"archive_name,omitempty"`
	ArchiveKey  string `json:"archive_key,omitempty"`
	Entries     int    `json:"entries"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
}

// Envelope is the JSON body of every delivery. ID stays the same across
// retries so receivers can drop duplicates.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

type Client struct {
	http    *http.Client
	secret  string
	tries   int
	backoff time.Duration
	ceiling time.Duration
	now     func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		secret:  cfg.SigningSecret,
		tries:   max(cfg.MaxAttempts, 1),
		backoff: cfg.InitialBackoff,
		ceiling: max(cfg.MaxBackoff, cfg.InitialBackoff),
		now:     time.Now,
	}
}

// Send posts data wrapped in an Envelope. An empty endpoint is a no-op.
// Failed deliveries are retried with exponential backoff, except 4xx answers
// other than 408 and 429. A Retry-After header overrides the backoff.
func (c *Client) Send(ctx context.Context, endpoint, event string, data any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	env := Envelope{ID: uuid.NewString(), Type: event, CreatedAt: c.now().UTC(), Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal webhook %s: %w", event, err)
	}
	ts := strconv.FormatInt(env.CreatedAt.Unix(), 10)
	headers := http.Header{
		"Content-Type":  {"application/json"},
		HeaderEvent:     {event},
		HeaderDelivery:  {env.ID},
		HeaderTimestamp: {ts},
		HeaderSignature: {Sign(c.secret, ts, body)},
	}

	wait := c.backoff
	var last error
	for try := 1; ; try++ {
		again, hint, err := c.post(ctx, endpoint, headers, body)
		if err == nil {
			return nil
		}
		last = err
		if !again || try >= c.tries {
			return fmt.Errorf("webhook %s to %s failed after %d attempts: %w", event, endpoint, try, last)
		}

		delay := wait
		if hint > 0 {
			delay = min(hint, c.ceiling)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, c.ceiling)
	}
}

// post makes one delivery attempt. It reports whether a retry may help and
// any Retry-After the receiver asked for.
func (c *Client) post(ctx context.Context, endpoint string, headers http.Header, body []byte) (bool, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, ctx.Err()
		}
		return true, 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return false, 0, nil
	}
	err = fmt.Errorf("status %d", code)
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return true, retryAfter(resp.Header.Get("Retry-After")), err
	default:
		return false, 0, err
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign returns the signature header value: the hex HMAC-SHA256 of
// "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp, signature string, body []byte) error {
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
