package api

import (
	"bytes"
	"container/list"
	"crypto/sha256"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replay"
)

type idemState int

const (
	idemNew idemState = iota
	idemReplay
	idemMismatch
	idemInFlight
)

type idempotencyEntry struct {
	key      string
	bodyHash [sha256.Size]byte
	expires  time.Time

	done   bool
	status int
	header http.Header
	body   []byte
}

// idempotencyCache remembers responses by (method, path, Idempotency-Key).
// Entries are kept in expiry order; the oldest is evicted once max is
// exceeded.
type idempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]*list.Element
	order   *list.List
}

func newIdempotencyCache(ttl time.Duration, maxEntries int) *idempotencyCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &idempotencyCache{
		ttl:     ttl,
		max:     maxEntries,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// begin looks key up. For an unknown key it reserves an in-flight entry that
// must later be passed to finish or abandon.
func (c *idempotencyCache) begin(key string, bodyHash [sha256.Size]byte) (*idempotencyEntry, idemState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*idempotencyEntry)
		switch {
		case e.bodyHash != bodyHash:
			return e, idemMismatch
		case !e.done:
			return e, idemInFlight
		default:
			return e, idemReplay
		}
	}

	e := &idempotencyEntry{key: key, bodyHash: bodyHash, expires: now.Add(c.ttl)}
	c.entries[key] = c.order.PushBack(e)
	for c.order.Len() > c.max {
		c.remove(c.order.Front())
	}
	return e, idemNew
}

func (c *idempotencyCache) finish(e *idempotencyEntry, status int, header http.Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[e.key]
	if !ok || el.Value != e {
		return
	}
	e.done = true
	e.status = status
	e.header = header
	e.body = body
	e.expires = c.now().Add(c.ttl)
	c.order.MoveToBack(el)
}

func (c *idempotencyCache) abandon(e *idempotencyEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[e.key]; ok && el.Value == e {
		c.remove(el)
	}
}

func (c *idempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *idempotencyCache) sweep(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if el.Value.(*idempotencyEntry).expires.After(now) {
			return
		}
		c.remove(el)
	}
}

func (c *idempotencyCache) remove(el *list.Element) {
	e := c.order.Remove(el).(*idempotencyEntry)
	delete(c.entries, e.key)
}

// recordingWriter tees the response into a buffer for the cache.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// cacheable reports whether the recorded response may be replayed. Server
// errors are retried, except 503 which is only returned after the request
// took effect. 429 is rejected before any effect, so the key is released
// for the client's retry.
func (w *recordingWriter) cacheable() bool {
	if !w.wroteHeader || w.status == http.StatusTooManyRequests {
		return false
	}
	return w.status < http.StatusInternalServerError || w.status == http.StatusServiceUnavailable
}

// idempotency replays the stored response for a repeated Idempotency-Key with
// the same body, and rejects the key when it is reused with another body.
// Requests without the header pass through.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable request body", codeBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		entry, state := s.idem.begin(r.Method+" "+r.URL.Path+" "+key, sha256.Sum256(body))
		switch state {
		case idemMismatch:
			s.writeError(w, http.StatusConflict,
				"Idempotency-Key has already been used with a different request body", codeKeyReused)
			return
		case idemInFlight:
			s.writeError(w, http.StatusConflict,
				"a request with this Idempotency-Key is still in progress", codeKeyInFlight)
			return
		case idemReplay:
			s.deps.Metrics.IdempotentReplay()
			for k, vs := range entry.header {
				w.Header()[k] = vs
			}
			w.Header().Set(replayHeader, "true")
			w.WriteHeader(entry.status)
			_, _ = w.Write(entry.body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rec.cacheable() {
				header := rec.Header().Clone()
				header.Del("Content-Length")
				s.idem.finish(entry, rec.status, header, rec.buf.Bytes())
				return
			}
			s.idem.abandon(entry)
		}()
		next.ServeHTTP(rec, r)
	})
}
