package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxseedlab/storypoker/internal/webhook"
)

const (
	attemptTimeout = 5 * time.Second
	maxAttempts    = 3
	firstBackoff   = 250 * time.Millisecond
	maxErrorBody   = 512
	userAgent      = "storypoker-results/1"
)

// HTTPSender posts round results to one endpoint. Server errors and
// transport failures are retried; 4xx responses are not.
type HTTPSender struct {
	endpoint string
	client   *http.Client
	backoff  time.Duration
}

func NewHTTPSender(endpoint string) webhook.Sender {
	return &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: attemptTimeout},
		backoff:  firstBackoff,
	}
}

// SendResult posts the payload as JSON. An empty endpoint disables the sender.
// Every attempt carries the same Idempotency-Key so receivers can drop repeats.
func (s *HTTPSender) SendResult(ctx context.Context, payload webhook.ResultPayload) error {
	if s.endpoint == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode result payload: %w", err)
	}
	key := idempotencyKey(payload)

	delay := s.backoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retry, err := s.post(ctx, body, key)
		if err == nil {
			slog.Debug("result webhook delivered", "room_id", payload.RoomID, "version", payload.StoryVersion, "attempt", attempt)
			return nil
		}
		lastErr = err
		if !retry || attempt == maxAttempts {
			break
		}
		slog.Warn("result webhook attempt failed; retrying", "room_id", payload.RoomID, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("result webhook for room %d: %w", payload.RoomID, ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("result webhook for room %d: %w", payload.RoomID, lastErr)
}

// post sends one attempt and reports whether a failure is worth retrying.
func (s *HTTPSender) post(ctx context.Context, body []byte, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Idempotency-Key", key)

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, err
}

// idempotencyKey identifies one closed round: a room, a story version and the
// moment voting closed.
func idempotencyKey(p webhook.ResultPayload) string {
	return fmt.Sprintf("room-%d-v%d-%d", p.RoomID, p.StoryVersion, p.ClosedAt.UnixMilli())
}
