package chat

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	n := 0
	return &Normalizer{
		NewID: func() string { n++; return fmt.Sprintf("id-%d", n) },
		Now:   func() time.Time { return fixedNow },
	}
}

func event(t *testing.T, name string, data any) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Event{Name: name, ID: "e-1", Data: raw}
}

func TestInboundMessageCreated(t *testing.T) {
	n := testNormalizer()
	created := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	msgs, err := n.Inbound(event(t, "message.created", map[string]any{
		"id":         "m1",
		"role":       "agent",
		"format":     "markdown",
		"content":    map[string]string{"md": "**hi**"},
		"created_at": created,
	}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, RoleAgent, msgs[0].Role)
	assert.Equal(t, TypeText, msgs[0].Type)
	assert.Equal(t, TextContent{Text: "**hi**"}, msgs[0].Content)
	assert.Equal(t, created, msgs[0].Timestamp)
	assert.False(t, msgs[0].Partial)
}

func TestInboundFormats(t *testing.T) {
	cases := []struct {
		format  string
		content string
		typ     Type
		check   func(t *testing.T, c any)
	}{
		{FormatText, `{"text":"hello"}`, TypeText, func(t *testing.T, c any) {
			assert.Equal(t, "hello", c.(TextContent).Text)
		}},
		{FormatJSON, `{"json":{"a":1}}`, TypeCode, func(t *testing.T, c any) {
			assert.Equal(t, "json", c.(CodeContent).Language)
			assert.JSONEq(t, `{"a":1}`, c.(CodeContent).Code)
		}},
		{FormatCode, `{"language":"go","code":"package main"}`, TypeCode, func(t *testing.T, c any) {
			assert.Equal(t, CodeContent{Language: "go", Code: "package main"}, c)
		}},
		{FormatButtons, `{"prompt":"Pick","buttons":[{"id":"a","label":"A"}]}`, TypeActions, func(t *testing.T, c any) {
			assert.Equal(t, "Pick", c.(ActionsContent).Prompt)
			assert.Len(t, c.(ActionsContent).Actions, 1)
		}},
		{FormatChoice, `{"label":"Env","kind":"radio","options":[{"label":"Prod","value":"prod"}]}`, TypeChoice, func(t *testing.T, c any) {
			assert.Equal(t, "prod", c.(ChoiceContent).Options[0].Value)
		}},
		{FormatCard, `{"card":{"title":"Report","subtitle":"Q1","body":"ok"}}`, TypeCard, func(t *testing.T, c any) {
			assert.Equal(t, "Report", c.(CardContent).Title)
			assert.Equal(t, "Q1\n\nok", c.(CardContent).Description)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			n := testNormalizer()
			msgs, err := n.Inbound(Event{Name: "message.created", Data: []byte(
				`{"id":"m","role":"agent","format":"` + tc.format + `","content":` + tc.content + `}`)})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, tc.typ, msgs[0].Type)
			tc.check(t, msgs[0].Content)
		})
	}
}

func TestInboundUnknownFormatIsDropped(t *testing.T) {
	n := testNormalizer()
	msgs, err := n.Inbound(Event{Name: "message.created", Data: []byte(`{"format":"hologram","content":{}}`)})
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Empty(t, msgs)
}

func TestInboundUnknownEvent(t *testing.T) {
	n := testNormalizer()
	_, err := n.Inbound(Event{Name: "telemetry", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestInboundMalformedData(t *testing.T) {
	n := testNormalizer()
	_, err := n.Inbound(Event{Name: "run.stage", Data: []byte(`{not json`)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestInboundPingProducesNothing(t *testing.T) {
	n := testNormalizer()
	msgs, err := n.Inbound(Event{Name: "ping", Data: []byte(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStagesOfOneRunShareAnID(t *testing.T) {
	n := testNormalizer()
	first, err := n.Inbound(event(t, "run.stage", RunStage{RunID: "r1", Stage: "generate", Status: StageRunning}))
	require.NoError(t, err)
	second, err := n.Inbound(event(t, "run.stage", RunStage{RunID: "r1", Stage: "generate", Status: StageSucceeded}))
	require.NoError(t, err)
	other, err := n.Inbound(event(t, "run.stage", RunStage{RunID: "r2", Stage: "generate", Status: StageRunning}))
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[0].ID, other[0].ID)
	assert.Equal(t, "Stage generate: succeeded", second[0].Text())
}

func TestTokenIsPartialDraftKeyedByReply(t *testing.T) {
	n := testNormalizer()
	msgs, err := n.Inbound(event(t, "token", Token{RunID: "r1", MessageID: "reply-1", Text: "Hel"}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "reply-1", msgs[0].ID)
	assert.True(t, msgs[0].Partial)
	assert.Equal(t, "Hel", msgs[0].Text())

	_, err = n.Inbound(event(t, "token", Token{Text: "x"}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLegacyAgentMsg(t *testing.T) {
	n := testNormalizer()

	msgs, err := n.Inbound(event(t, "agent.msg", map[string]any{
		"message_id": "m1", "format": "text", "content": map[string]string{"text": "dup"},
	}))
	require.NoError(t, err)
	assert.Empty(t, msgs, "superseded by message.created")

	msgs, err = n.Inbound(event(t, "agent.msg", map[string]any{
		"format": "text", "content": map[string]string{"text": "legacy"},
	}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAgent, msgs[0].Role)
	assert.Equal(t, "legacy", msgs[0].Text())

	msgs, err = n.Inbound(event(t, "agent.msg", "plain string"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "plain string", msgs[0].Text())
}

func TestRunFinishedSeverity(t *testing.T) {
	n := testNormalizer()
	for status, want := range map[string]Severity{
		StageSucceeded: SeveritySuccess,
		StageFailed:    SeverityError,
		"cancelled":    SeverityInfo,
	} {
		msgs, err := n.Inbound(event(t, "run.finished", RunFinished{RunID: "r", Status: status}))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, want, msgs[0].Content.(NoticeContent).Severity, status)
		assert.Equal(t, "finished-r", msgs[0].ID)
	}
}

func TestDoneOnlyReportsFailure(t *testing.T) {
	n := testNormalizer()
	msgs, err := n.Inbound(event(t, "done", Done{RunID: "r", Success: true}))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = n.Inbound(event(t, "done", Done{RunID: "r", Error: "model timeout"}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Run failed: model timeout", msgs[0].Text())
}

func TestIssuesEmitNoticeAndDetail(t *testing.T) {
	n := testNormalizer()
	msgs, err := n.Inbound(event(t, "issues", map[string]any{"items": []string{"a", "b"}, "ts": 1700000000000}))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Issues found: 2", msgs[0].Text())
	assert.Equal(t, time.UnixMilli(1700000000000), msgs[0].Timestamp)
	assert.Equal(t, TypeCode, msgs[1].Type)
}

func TestUIAckDefaultsText(t *testing.T) {
	n := testNormalizer()
	msgs, err := n.Inbound(event(t, "ui.ack", UIAck{Kind: "card.open"}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Event accepted", msgs[0].Text())
	assert.Equal(t, fixedNow, msgs[0].Timestamp)
}
