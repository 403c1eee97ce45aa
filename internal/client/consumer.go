package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/threadstream/internal/chat"
	"github.com/mattjoyce/threadstream/internal/heartbeat"
)

// State is the connection state of a Consumer.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnectWait
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnectWait:
		return "reconnect-wait"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	errReplayExpired    = errors.New("resume id outside server replay window")
	errHeartbeatTimeout = errors.New("no frame within heartbeat window")
	errStreamEnded      = errors.New("stream ended")
)

// DefaultHeartbeatTimeout is how long a connection may stay silent, keep-alives
// included, before the consumer reconnects.
const DefaultHeartbeatTimeout = 25 * time.Second

// ConsumerOptions configures a Consumer. Zero values select defaults.
type ConsumerOptions struct {
	Cursor           CursorStore
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HeartbeatTimeout time.Duration
	DedupSize        int
	Normalizer       *chat.Normalizer
	Logger           *slog.Logger

	// OnMessage receives every normalized message on the consumer goroutine.
	OnMessage func(chat.Message)
	// OnState receives every state change on the consumer goroutine.
	OnState func(State)
}

// Consumer follows the event stream of one thread. It resumes from the last
// processed event id, drops duplicate ids, reconnects with exponential
// backoff and tears a connection down when no frame arrives within the
// heartbeat window.
type Consumer struct {
	client   *Client
	threadID string
	opts     ConsumerOptions
	logger   *slog.Logger
	norm     *chat.Normalizer
	backoff  *backoff.ExponentialBackOff
	dedup    *Window
	drafts   map[string]string

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a Consumer for threadID.
func NewConsumer(c *Client, threadID string, opts ConsumerOptions) *Consumer {
	if opts.Cursor == nil {
		opts.Cursor = NewMemoryCursorStore()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Normalizer == nil {
		opts.Normalizer = chat.NewNormalizer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{
		client:   c,
		threadID: threadID,
		opts:     opts,
		logger:   opts.Logger.With("thread_id", threadID),
		norm:     opts.Normalizer,
		backoff:  newReconnectBackOff(opts.InitialBackoff, opts.MaxBackoff),
		dedup:    NewWindow(opts.DedupSize),
		drafts:   make(map[string]string),
	}
}

// ThreadID returns the thread being followed.
func (c *Consumer) ThreadID() string {
	return c.threadID
}

// State returns the current connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins consuming in the background. It reports false and does
// nothing when the consumer is already running.
func (c *Consumer) Start(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.run(ctx, cancel, done)
	return true
}

// Stop cancels the connection and any pending reconnect and waits for the
// consumer goroutine to exit. No callback fires after Stop returns. Stop
// must not be called from a callback.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the running consumer exits. It is nil when idle.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Consumer) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer func() {
		cancel()
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
	}()
	defer c.setState(StateIdle)

	for {
		c.setState(StateConnecting)
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		switch {
		case errors.Is(err, errReplayExpired):
			c.logger.Debug("resume id expired, reconnecting from tail")
			if err := c.opts.Cursor.Clear(c.threadID); err != nil {
				c.logger.Warn("clear cursor failed", "error", err)
			}
		case terminalStatus(err):
			c.logger.Warn("stream rejected, giving up", "error", err)
			c.emit(c.norm.Notice(chat.SeverityError, "Stream unavailable: "+err.Error()))
			return
		case errors.Is(err, errStreamEnded):
			delay = c.backoff.NextBackOff()
			c.logger.Debug("stream ended, reconnecting", "delay", delay)
		default:
			delay = c.backoff.NextBackOff()
			c.logger.Info("stream error, reconnecting", "error", err, "delay", delay)
			c.emit(c.norm.Notice(chat.SeverityError, "Connection error: "+err.Error()))
		}

		c.setState(StateReconnectWait)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// terminalStatus reports whether err is a client error that a reconnect
// cannot fix. 408 and 429 are retried.
func terminalStatus(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// connect holds one connection until it ends and returns why it ended.
func (c *Consumer) connect(ctx context.Context) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cursor, err := c.opts.Cursor.Load(c.threadID)
	if err != nil {
		c.logger.Warn("load cursor failed", "error", err)
		cursor = ""
	}

	watchdog := heartbeat.NewWatchdog(c.opts.HeartbeatTimeout, func() {
		cancel(errHeartbeatTimeout)
	})
	defer watchdog.Stop()

	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	if cursor != "" {
		header.Set("Last-Event-ID", cursor)
	}

	resp, err := c.client.do(connCtx, http.MethodGet, "/v1/threads/"+url.PathEscape(c.threadID)+"/events", nil, header)
	if err != nil {
		if errors.Is(context.Cause(connCtx), errHeartbeatTimeout) {
			return errHeartbeatTimeout
		}
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		if cursor == "" {
			return fmt.Errorf("connect stream: unexpected status %d", resp.StatusCode)
		}
		return errReplayExpired
	}

	c.setState(StateOpen)
	watchdog.Kick()

	parser := NewParser(resp.Body)
	for {
		f, err := parser.Next()
		if err != nil {
			c.setState(StateClosing)
			if cause := context.Cause(connCtx); errors.Is(cause, errHeartbeatTimeout) {
				return errHeartbeatTimeout
			}
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}
		watchdog.Kick()
		if f.Comment {
			continue
		}
		c.backoff.Reset()
		c.handle(f)
	}
}

func (c *Consumer) handle(f Frame) {
	if f.ID != "" && c.dedup.Seen(f.ID) {
		c.logger.Debug("dropping duplicate event", "event", f.Event, "event_id", f.ID)
		return
	}

	msgs, err := c.norm.Inbound(chat.Event{Name: f.Event, ID: f.ID, Data: f.Data})
	if err != nil {
		c.logger.Warn("dropping event", "event", f.Event, "event_id", f.ID, "error", err)
	}
	for _, m := range msgs {
		c.emit(c.mergeDraft(m))
	}
	if f.Event == "done" {
		c.flushDrafts()
	}

	if f.ID != "" {
		c.dedup.Add(f.ID)
		if err := c.opts.Cursor.Save(c.threadID, f.ID); err != nil {
			c.logger.Warn("save cursor failed", "error", err)
		}
	}
}

// mergeDraft accumulates partial text under its message id. A final message
// with the same id replaces the draft.
func (c *Consumer) mergeDraft(m chat.Message) chat.Message {
	if !m.Partial {
		delete(c.drafts, m.ID)
		return m
	}
	text := c.drafts[m.ID] + m.Text()
	c.drafts[m.ID] = text
	m.Content = chat.TextContent{Text: text}
	return m
}

// flushDrafts finalizes drafts that never received their final message.
func (c *Consumer) flushDrafts() {
	for id, text := range c.drafts {
		c.emit(chat.Message{
			ID:        id,
			Role:      chat.RoleAgent,
			Type:      chat.TypeText,
			Content:   chat.TextContent{Text: text},
			Timestamp: c.norm.Now(),
		})
		delete(c.drafts, id)
	}
}

func (c *Consumer) emit(m chat.Message) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
