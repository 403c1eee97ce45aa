// Package client is the subscriber side of the thread event stream: it
// consumes a thread's events with resume, de-duplication and reconnect, and
// calls the thread REST API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Thread mirrors the server's thread record.
type Thread struct {
	ID         string     `json:"id"`
	FlowID     string     `json:"flow_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Active reports whether the thread still accepts user input.
func (t *Thread) Active() bool {
	return t.Status == "NEW" || t.Status == "IN_PROGRESS"
}

// RotateResult is the response of a rotation check.
type RotateResult struct {
	Rotated   bool    `json:"rotated"`
	Thread    *Thread `json:"thread"`
	Successor *Thread `json:"successor,omitempty"`
}

// StoredMessage is one message as returned by the history endpoint.
type StoredMessage struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	ThreadID  string          `json:"thread_id"`
	Role      string          `json:"role"`
	Format    string          `json:"format"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusError is returned for a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Client calls the thread API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	newKey  func() string
}

// New creates a Client. A nil httpClient uses a client without timeout, as
// streams are long-lived.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		newKey:  newIdempotencyKey,
	}
}

// ActiveThread returns the active thread of a flow, creating it if needed.
func (c *Client) ActiveThread(ctx context.Context, flowID string) (*Thread, error) {
	var t Thread
	if err := c.doJSON(ctx, http.MethodPost, "/v1/flows/"+url.PathEscape(flowID)+"/threads/active", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Thread fetches a thread.
func (c *Client) Thread(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	if err := c.doJSON(ctx, http.MethodGet, "/v1/threads/"+url.PathEscape(threadID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Rotate asks the server to rotate the thread if it is due.
func (c *Client) Rotate(ctx context.Context, threadID string) (*RotateResult, error) {
	var res RotateResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/rotate", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Complete closes a thread with status "success" or "failed".
func (c *Client) Complete(ctx context.Context, threadID, status string) (*Thread, error) {
	var t Thread
	body := map[string]string{"status": status}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/complete", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Messages returns one page of thread history in ascending order and the
// cursor for the next older page, or 0 when there is none.
func (c *Client) Messages(ctx context.Context, threadID string, before int64, limit int) ([]StoredMessage, int64, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/threads/" + url.PathEscape(threadID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var msgs []StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, 0, fmt.Errorf("decode messages: %w", err)
	}
	var next int64
	if v := resp.Header.Get("X-Next-Cursor"); v != "" {
		next, _ = strconv.ParseInt(v, 10, 64)
	}
	return msgs, next, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	resp, err := c.do(ctx, method, path, payload, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// do sends a request and returns the response for any 2xx status. Other
// statuses are returned as *StatusError with the body closed.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}
