package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/threadstream/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(cfg Config) *Hub {
	if cfg.ReplayLimit == 0 {
		cfg.ReplayLimit = 100
	}
	return NewHub(cfg, nil, testLogger())
}

// parseFrames splits a recorded stream body into frames, skipping comments.
func parseFrames(t *testing.T, body string) []Frame {
	t.Helper()
	var frames []Frame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f Frame
		var data []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				f.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
		if f.Event == "" && f.ID == "" && data == nil {
			continue
		}
		f.Data = []byte(strings.Join(data, "\n"))
		frames = append(frames, f)
	}
	return frames
}

func seqOf(t *testing.T, id string) uint64 {
	t.Helper()
	_, seq, ok := parseID(id)
	require.True(t, ok, "malformed id %q", id)
	return seq
}

type failingWriter struct {
	*httptest.ResponseRecorder
	fail bool
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.fail {
		return 0, errors.New("broken pipe")
	}
	return w.ResponseRecorder.Write(p)
}

func TestSendWritesFramesInOrder(t *testing.T) {
	h := newTestHub(Config{})
	rec := httptest.NewRecorder()

	_, err := h.Register("t1", rec, "")
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	for i := 0; i < 5; i++ {
		_, err := h.Send("t1", "token", map[string]int{"i": i})
		require.NoError(t, err)
	}

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 5)
	var prev uint64
	for i, f := range frames {
		assert.Equal(t, "token", f.Event)
		assert.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(f.Data))
		seq := seqOf(t, f.ID)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestSendOnlyReachesItsThread(t *testing.T) {
	h := newTestHub(Config{})
	a, b := httptest.NewRecorder(), httptest.NewRecorder()
	_, err := h.Register("a", a, "")
	require.NoError(t, err)
	_, err = h.Register("b", b, "")
	require.NoError(t, err)

	_, err = h.Send("a", "done", map[string]bool{"success": true})
	require.NoError(t, err)

	assert.Len(t, parseFrames(t, a.Body.String()), 1)
	assert.Empty(t, parseFrames(t, b.Body.String()))
}

func TestMultipleViewersShareThread(t *testing.T) {
	h := newTestHub(Config{})
	first, second := httptest.NewRecorder(), httptest.NewRecorder()
	_, err := h.Register("t1", first, "")
	require.NoError(t, err)
	_, err = h.Register("t1", second, "")
	require.NoError(t, err)
	assert.Equal(t, 2, h.ConnectionCount("t1"))

	id, err := h.Send("t1", "ping", struct{}{})
	require.NoError(t, err)

	for _, rec := range []*httptest.ResponseRecorder{first, second} {
		frames := parseFrames(t, rec.Body.String())
		require.Len(t, frames, 1)
		assert.Equal(t, id, frames[0].ID)
	}
}

func TestSingleViewerReplacesPrevious(t *testing.T) {
	h := newTestHub(Config{SingleViewer: true})
	first, err := h.Register("t1", httptest.NewRecorder(), "")
	require.NoError(t, err)
	second, err := h.Register("t1", httptest.NewRecorder(), "")
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous connection not closed")
	}
	select {
	case <-second.Done():
		t.Fatal("replacement connection closed")
	default:
	}
	assert.Equal(t, 1, h.ConnectionCount("t1"))
}

func TestRegisterReplaysAfterLastEventID(t *testing.T) {
	h := newTestHub(Config{})

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.Send("t1", "token", i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	rec := httptest.NewRecorder()
	_, err := h.Register("t1", rec, ids[1])
	require.NoError(t, err)

	id, err := h.Send("t1", "done", true)
	require.NoError(t, err)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, ids[2], frames[0].ID)
	assert.Equal(t, ids[3], frames[1].ID)
	assert.Equal(t, id, frames[2].ID)
}

func TestRegisterAtTailReplaysNothing(t *testing.T) {
	h := newTestHub(Config{})
	last, err := h.Send("t1", "token", "x")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	_, err = h.Register("t1", rec, last)
	require.NoError(t, err)
	assert.Empty(t, parseFrames(t, rec.Body.String()))
}

func TestRegisterRejectsStaleIDs(t *testing.T) {
	h := newTestHub(Config{ReplayLimit: 2})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.Send("t1", "token", i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cases := map[string]string{
		"evicted":       ids[0],
		"malformed":     "not-an-id",
		"other epoch":   "zzzz-" + strings.Split(ids[4], "-")[1],
		"ahead of tail": h.epoch + "-999999",
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			_, err := h.Register("t1", rec, id)
			assert.ErrorIs(t, err, ErrReplayExpired)
			assert.Zero(t, rec.Body.Len())
			assert.Empty(t, rec.Header().Get("Content-Type"))
		})
	}

	rec := httptest.NewRecorder()
	_, err := h.Register("t1", rec, ids[2])
	require.NoError(t, err, "the floor id is still resumable")
	assert.Len(t, parseFrames(t, rec.Body.String()), 2)
}

func TestRegisterRejectsIDOnFreshTopic(t *testing.T) {
	h := newTestHub(Config{})
	for i := 0; i < 2; i++ {
		_, err := h.Send("other", "token", i)
		require.NoError(t, err)
	}

	_, err := h.Register("t1", httptest.NewRecorder(), h.epoch+"-1")
	assert.ErrorIs(t, err, ErrReplayExpired)
}

func TestWriteFailureUnregisters(t *testing.T) {
	h := newTestHub(Config{})
	w := &failingWriter{ResponseRecorder: httptest.NewRecorder()}
	healthy := httptest.NewRecorder()

	broken, err := h.Register("t1", w, "")
	require.NoError(t, err)
	_, err = h.Register("t1", healthy, "")
	require.NoError(t, err)

	w.fail = true
	_, err = h.Send("t1", "token", "a")
	require.NoError(t, err)

	select {
	case <-broken.Done():
	default:
		t.Fatal("broken connection still registered")
	}
	assert.Equal(t, 1, h.ConnectionCount("t1"))

	_, err = h.Send("t1", "token", "b")
	require.NoError(t, err)
	assert.Len(t, parseFrames(t, healthy.Body.String()), 2)
}

func TestUnregisterClosesConnections(t *testing.T) {
	h := newTestHub(Config{})
	c, err := h.Register("t1", httptest.NewRecorder(), "")
	require.NoError(t, err)

	h.Unregister("t1")
	<-c.Done()
	assert.Zero(t, h.ConnectionCount("t1"))

	c.Release()
	h.Unregister("missing")
}

func TestPruneDropsIdleTopics(t *testing.T) {
	h := newTestHub(Config{ReplayTTL: time.Minute})
	start := time.Now()
	h.now = func() time.Time { return start }

	_, err := h.Send("idle", "token", 1)
	require.NoError(t, err)
	_, err = h.Register("busy", httptest.NewRecorder(), "")
	require.NoError(t, err)

	assert.Zero(t, h.Prune())

	h.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Equal(t, 1, h.Prune())
	assert.Equal(t, 1, h.ConnectionCount("busy"))

	_, err = h.Send("idle", "token", 2)
	require.NoError(t, err, "a pruned topic is recreated on demand")
}

func TestServeSendsKeepAliveAndEndsOnUnregister(t *testing.T) {
	h := newTestHub(Config{KeepaliveInterval: 20 * time.Millisecond})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := h.Register("t1", w, r.Header.Get("Last-Event-ID"))
		if errors.Is(err, ErrReplayExpired) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			return
		}
		_ = c.Serve(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keep-alive") {
			break
		}
	}

	_, err = h.Send("t1", "done", map[string]bool{"success": true})
	require.NoError(t, err)
	h.Unregister("t1")

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	frames := parseFrames(t, string(rest))
	require.NotEmpty(t, frames)
	assert.Equal(t, "done", frames[len(frames)-1].Event)
	assert.Zero(t, h.ConnectionCount("t1"))

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "stale-1")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
}

func TestRelayForwardsBusEvents(t *testing.T) {
	h := newTestHub(Config{})
	b := bus.New(testLogger())
	sub := Relay(b, h, testLogger())

	rec := httptest.NewRecorder()
	_, err := h.Register("t1", rec, "")
	require.NoError(t, err)

	ctx := context.Background()
	b.Publish(ctx, bus.Event{Kind: bus.KindToken, ThreadID: "t1", Data: map[string]string{"t": "hi"}})
	b.Publish(ctx, bus.Event{Kind: bus.KindToken, Data: "no thread"})
	sub.Release()
	b.Publish(ctx, bus.Event{Kind: bus.KindDone, ThreadID: "t1", Data: true})

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "token", frames[0].Event)
	assert.JSONEq(t, `{"t":"hi"}`, string(frames[0].Data))
}
