package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mattjoyce/threadstream/internal/chat"
)

const sendAttempts = 4

// SendResult describes an accepted mutating request.
type SendResult struct {
	Status int
	Body   []byte
	// Replayed is set when the server answered from its idempotency cache.
	Replayed bool
	Key      string
}

func newIdempotencyKey() string {
	return uuid.New().String()
}

// PostMessage submits a user message to a thread.
func (c *Client) PostMessage(ctx context.Context, threadID string, msg chat.PostMessage) (*SendResult, error) {
	if msg.Role == "" {
		msg.Role = string(chat.RoleUser)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return c.send(ctx, "/v1/threads/"+url.PathEscape(threadID)+"/messages", msg)
}

// PostEvent submits a structured UI event to a thread.
func (c *Client) PostEvent(ctx context.Context, threadID string, ev chat.AgentEvent) (*SendResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return c.send(ctx, "/v1/threads/"+url.PathEscape(threadID)+"/agent/event", ev)
}

// send posts body under one idempotency key and retries transport errors,
// 429, 5xx and in-flight conflicts with the same key.
func (c *Client) send(ctx context.Context, path string, body any) (*SendResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	key := c.newKey()
	header := http.Header{}
	header.Set("Idempotency-Key", key)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, sendAttempts-1), ctx)

	return backoff.RetryWithData(func() (*SendResult, error) {
		resp, err := c.do(ctx, http.MethodPost, path, payload, header)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !retryableStatus(se) {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &SendResult{
			Status:   resp.StatusCode,
			Body:     raw,
			Replayed: resp.Header.Get("Idempotent-Replay") == "true",
			Key:      key,
		}, nil
	}, policy)
}

// retryableStatus reports whether a retry under the same key can succeed. A
// 409 IDEMPOTENCY_KEY_IN_FLIGHT means an earlier attempt is still running;
// once it finishes the retry is answered with its response.
func retryableStatus(se *StatusError) bool {
	switch {
	case se.Code == http.StatusTooManyRequests, se.Code >= 500:
		return true
	case se.Code == http.StatusConflict:
		var body struct {
			Code string `json:"code"`
		}
		return json.Unmarshal([]byte(se.Body), &body) == nil && body.Code == "IDEMPOTENCY_KEY_IN_FLIGHT"
	}
	return false
}
