// Package stream owns live event-stream connections per thread: it frames
// events, fans them out to every registered connection, keeps a short
// replay journal for resume, and paces keep-alive frames.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/threadstream/internal/heartbeat"
	"github.com/mattjoyce/threadstream/internal/metrics"
)

var (
	// ErrReplayExpired is returned by Register when the resume id is outside
	// the replay window. Callers answer it with 204 No Content.
	ErrReplayExpired = errors.New("resume id outside replay window")

	errConnClosed = errors.New("connection closed")
)

// Config holds hub settings.
type Config struct {
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	ReplayLimit       int
	ReplayTTL         time.Duration
	// SingleViewer makes a new registration replace any existing connection
	// for the same thread instead of joining it.
	SingleViewer bool
}

type topic struct {
	mu      sync.Mutex
	journal *journal
	conns   map[uint64]*Conn
	pruned  bool
}

// Hub is the registry of open stream connections keyed by thread id.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	epoch   string
	now     func() time.Time

	seq      atomic.Uint64
	nextConn atomic.Uint64

	mu     sync.Mutex
	topics map[string]*topic
}

// NewHub creates an empty Hub.
func NewHub(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReplayLimit < 0 {
		cfg.ReplayLimit = 0
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		epoch:   strconv.FormatInt(time.Now().UnixMilli(), 36),
		now:     time.Now,
		topics:  make(map[string]*topic),
	}
}

func (h *Hub) topic(threadID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[threadID]
	if !ok {
		t = &topic{
			journal: newJournal(h.cfg.ReplayLimit, h.cfg.ReplayTTL, h.seq.Load()),
			conns:   make(map[uint64]*Conn),
		}
		h.topics[threadID] = t
	}
	return t
}

// lockTopic returns the live topic for threadID with its mutex held.
func (h *Hub) lockTopic(threadID string) *topic {
	for {
		t := h.topic(threadID)
		t.mu.Lock()
		if !t.pruned {
			return t
		}
		t.mu.Unlock()
	}
}

// Register opens w as an event stream for threadID. When lastEventID is set,
// frames after it are written before any live frame; if it cannot be
// replayed Register returns ErrReplayExpired without writing anything.
func (h *Hub) Register(threadID string, w http.ResponseWriter, lastEventID string) (*Conn, error) {
	t := h.lockTopic(threadID)
	defer t.mu.Unlock()

	t.journal.prune(h.now())

	var backlog []Frame
	if lastEventID != "" {
		epoch, seq, ok := parseID(lastEventID)
		if !ok || epoch != h.epoch || !t.journal.canReplay(seq) {
			h.metrics.ReplayRejected()
			return nil, ErrReplayExpired
		}
		backlog = t.journal.since(seq)
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := &Conn{
		id:       h.nextConn.Add(1),
		threadID: threadID,
		hub:      h,
		w:        w,
		rc:       http.NewResponseController(w),
		closed:   make(chan struct{}),
	}

	encoded := make([][]byte, 0, len(backlog))
	for _, f := range backlog {
		encoded = append(encoded, f.Encode())
	}
	if err := c.write(encoded...); err != nil {
		return nil, fmt.Errorf("write replay: %w", err)
	}

	if h.cfg.SingleViewer {
		for id, prev := range t.conns {
			delete(t.conns, id)
			prev.close()
		}
	}
	t.conns[c.id] = c
	h.metrics.ConnectionOpened()

	h.logger.Debug("stream registered",
		"thread_id", threadID,
		"conn_id", c.id,
		"replayed", len(backlog),
	)
	return c, nil
}

// Send frames data as event and writes it to every connection of threadID.
// It returns the assigned event id. Connections whose write fails are
// unregistered; writes are never retried.
func (h *Hub) Send(threadID, event string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", event, err)
	}

	t := h.lockTopic(threadID)
	defer t.mu.Unlock()

	seq := h.seq.Add(1)
	frame := Frame{ID: formatID(h.epoch, seq), Event: event, Data: payload}
	t.journal.append(seq, frame, h.now())

	encoded := frame.Encode()
	for id, c := range t.conns {
		if err := c.write(encoded); err != nil {
			delete(t.conns, id)
			c.close()
			h.metrics.WriteFailed()
			h.logger.Info("stream write failed, connection dropped",
				"thread_id", threadID,
				"conn_id", id,
				"error", err,
			)
			continue
		}
		h.metrics.FrameSent(event)
	}
	return frame.ID, nil
}

// Unregister closes every connection of threadID.
func (h *Hub) Unregister(threadID string) {
	h.mu.Lock()
	t, ok := h.topics[threadID]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		delete(t.conns, id)
		c.close()
	}
}

// Close closes every connection of every thread.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.topics))
	for id := range h.topics {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Unregister(id)
	}
}

// ConnectionCount returns the number of open connections for threadID.
func (h *Hub) ConnectionCount(threadID string) int {
	h.mu.Lock()
	t, ok := h.topics[threadID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Prune drops idle topics whose journal has fully expired.
func (h *Hub) Prune() int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for id, t := range h.topics {
		t.mu.Lock()
		t.journal.prune(now)
		idle := len(t.conns) == 0 && t.journal.empty()
		if idle {
			t.pruned = true
		}
		t.mu.Unlock()
		if idle {
			delete(h.topics, id)
			removed++
		}
	}
	return removed
}

// Run prunes idle topics periodically and closes all connections when ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.ReplayTTL
	if interval <= 0 {
		interval = time.Minute
	}
	_ = heartbeat.Pulse(ctx, interval, nil, func() error {
		if n := h.Prune(); n > 0 {
			h.logger.Debug("pruned idle stream topics", "count", n)
		}
		return nil
	})
	h.Close()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	t, ok := h.topics[c.threadID]
	h.mu.Unlock()
	if ok {
		t.mu.Lock()
		if t.conns[c.id] == c {
			delete(t.conns, c.id)
		}
		t.mu.Unlock()
	}
	c.close()
}

// Conn is one open stream connection.
type Conn struct {
	id       uint64
	threadID string
	hub      *Hub
	w        http.ResponseWriter
	rc       *http.ResponseController

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Done is closed once the connection has been unregistered.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Serve paces keep-alive frames until ctx is done, the connection is
// unregistered, or a write fails, then releases the connection.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Release()
	err := heartbeat.Pulse(ctx, c.hub.cfg.KeepaliveInterval, c.closed, func() error {
		return c.write(keepAliveFrame)
	})
	if err != nil && !errors.Is(err, errConnClosed) {
		c.hub.metrics.WriteFailed()
		return fmt.Errorf("keep-alive: %w", err)
	}
	return nil
}

// Release unregisters the connection. Safe to call more than once.
func (c *Conn) Release() {
	c.hub.remove(c)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.metrics.ConnectionClosed()
	})
}

func (c *Conn) write(chunks ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	_ = c.rc.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
	for _, chunk := range chunks {
		if _, err := c.w.Write(chunk); err != nil {
			return err
		}
	}
	return c.rc.Flush()
}
