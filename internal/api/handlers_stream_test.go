package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/threadstream/internal/chat"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// openStream connects to the thread's event stream on a live server and
// returns a function reading the next frame.
func openStream(t *testing.T, env *testEnv, threadID, lastEventID string) (*http.Response, func() sseFrame) {
	t.Helper()
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/threads/"+threadID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)
	next := func() sseFrame {
		t.Helper()
		var f sseFrame
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if f.event != "" || f.data != "" {
					return f
				}
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data += strings.TrimPrefix(line, "data: ")
			}
		}
	}
	return resp, next
}

func TestEventsUnknownThread(t *testing.T) {
	env := newTestEnv(t, Config{})

	rr := env.do(http.MethodGet, "/v1/threads/missing/events", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestEventsStaleResumeReturnsNoContent(t *testing.T) {
	env := newTestEnv(t, Config{})
	th := env.activeThread("flow-1")

	header := env.do(http.MethodGet, "/v1/threads/"+th.ID+"/events", nil, map[string]string{"Last-Event-ID": "stale-1"})
	if header.Code != http.StatusNoContent {
		t.Fatalf("header resume: status = %d, want 204", header.Code)
	}

	query := env.do(http.MethodGet, "/v1/threads/"+th.ID+"/events?last_event_id=stale-1", nil, nil)
	if query.Code != http.StatusNoContent {
		t.Fatalf("query resume: status = %d, want 204", query.Code)
	}
}

func TestEventsDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	th := env.activeThread("flow-1")

	resp, next := openStream(t, env, th.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	post := env.do(http.MethodPost, "/v1/threads/"+th.ID+"/messages", chat.UserText("hello"), nil)
	if post.Code != http.StatusAccepted {
		t.Fatalf("post status = %d", post.Code)
	}

	f := next()
	if f.event != "message.created" || f.id == "" {
		t.Fatalf("unexpected frame %+v", f)
	}
	var msg struct {
		Role    string `json:"role"`
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(f.data), &msg); err != nil {
		t.Fatalf("decode frame data: %v", err)
	}
	if msg.Role != "user" || msg.Content.Text != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestEventsResumeReplaysMissedFrames(t *testing.T) {
	env := newTestEnv(t, Config{})
	th := env.activeThread("flow-1")

	first, err := env.hub.Send(th.ID, "agent.msg", "one")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := env.hub.Send(th.ID, "agent.msg", "two")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	resp, next := openStream(t, env, th.ID, first)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	f := next()
	if f.id != second || f.data != `"two"` {
		t.Fatalf("replayed frame = %+v, want id %s", f, second)
	}
}

func TestAgentEventPublishesAck(t *testing.T) {
	env := newTestEnv(t, Config{})
	th := env.activeThread("flow-1")

	_, next := openStream(t, env, th.ID, "")

	ev, err := chat.ClickAction("approve", "msg-1", map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("click action: %v", err)
	}
	rr := env.do(http.MethodPost, "/v1/threads/"+th.ID+"/agent/event", ev, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	f := next()
	if f.event != "ui.ack" {
		t.Fatalf("frame event = %q, want ui.ack", f.event)
	}
	var ack chat.UIAck
	if err := json.Unmarshal([]byte(f.data), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Kind != string(chat.EventActionClick) || ack.MsgID != "msg-1" || ack.Msg == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestAgentEventValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	th := env.activeThread("flow-1")

	cases := map[string]string{
		"bad json":        `{`,
		"unknown kind":    `{"kind":"drag.drop"}`,
		"missing action":  `{"kind":"action.click","msg_id":"m"}`,
		"missing msg_id":  `{"kind":"card.open","url":"https://example.com"}`,
		"missing payload": `{"kind":"choice.submit","msg_id":"m"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/v1/threads/"+th.ID+"/agent/event", body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
			}
		})
	}

	ev, _ := chat.OpenCard("msg-1", "https://example.com")
	missing := env.do(http.MethodPost, "/v1/threads/missing/agent/event", ev, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown thread: status = %d, want 404", missing.Code)
	}
}
