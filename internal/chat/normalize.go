package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEvent is returned for an event name the normalizer does not map.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformed is returned when event data cannot be decoded.
	ErrMalformed = errors.New("malformed event data")
)

// Event is one raw stream event.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// Normalizer maps raw stream events to display messages. It holds no
// per-stream state: messages that update each other share a derived ID.
type Normalizer struct {
	NewID func() string
	Now   func() time.Time
}

// NewNormalizer returns a Normalizer with random ids and the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		NewID: func() string { return uuid.New().String() },
		Now:   time.Now,
	}
}

// Inbound maps one event to zero or more messages. Unknown events and
// formats return ErrUnknownEvent or ErrUnknownFormat; callers drop the
// event and keep the stream going.
func (n *Normalizer) Inbound(ev Event) ([]Message, error) {
	switch ev.Name {
	case "ping", "":
		return nil, nil

	case "run.started":
		var d RunStarted
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return []Message{n.notice(n.derivedID("started-", d.RunID), SeverityInfo, "Run started", d.TS)}, nil

	case "run.stage":
		var d RunStage
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(fmt.Sprintf("Stage %s: %s", d.Stage, d.Status))
		return []Message{n.notice(n.derivedID("stage-", d.RunID), "", text, d.TS)}, nil

	case "token":
		var d Token
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		if d.MessageID == "" {
			return nil, fmt.Errorf("%w: token without message_id", ErrMalformed)
		}
		return []Message{{
			ID:        d.MessageID,
			Role:      RoleAgent,
			Type:      TypeText,
			Content:   TextContent{Text: d.Text},
			Timestamp: n.Now(),
			Partial:   true,
		}}, nil

	case "message.created":
		var w wireMessage
		if err := decode(ev, &w); err != nil {
			return nil, err
		}
		m, err := n.message(w)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil

	case "agent.msg":
		if text, ok := stringData(ev.Data); ok {
			return []Message{{ID: n.NewID(), Role: RoleAgent, Type: TypeText, Content: TextContent{Text: text}, Timestamp: n.Now()}}, nil
		}
		var w wireMessage
		if err := decode(ev, &w); err != nil {
			return nil, err
		}
		if w.MessageID != "" {
			return nil, nil
		}
		if w.Role == "" {
			w.Role = string(RoleAgent)
		}
		m, err := n.message(w)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil

	case "suggestion":
		var d struct {
			Name string          `json:"name"`
			TS   json.RawMessage `json:"ts"`
		}
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		text := "Found a matching pipeline"
		if d.Name != "" {
			text += ": " + d.Name
		}
		return []Message{{ID: n.NewID(), Role: RoleAgent, Type: TypeText, Content: TextContent{Text: text}, Timestamp: n.timestamp(nil, d.TS)}}, nil

	case "issues":
		var d struct {
			Items []json.RawMessage `json:"items"`
			TS    json.RawMessage   `json:"ts"`
		}
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		ts := n.timestamp(nil, d.TS)
		return []Message{
			n.notice(n.NewID(), SeverityWarn, fmt.Sprintf("Issues found: %d", len(d.Items)), ts),
			{ID: n.NewID(), Role: RoleAgent, Type: TypeCode, Content: CodeContent{Language: "json", Code: indentJSON(ev.Data)}, Timestamp: ts},
		}, nil

	case "pipeline.created", "pipeline.published":
		if !json.Valid(ev.Data) {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, ev.Name)
		}
		return []Message{{ID: n.NewID(), Role: RoleAgent, Type: TypeCode, Content: CodeContent{Language: "json", Code: indentJSON(ev.Data)}, Timestamp: n.Now()}}, nil

	case "ui.ack":
		var d UIAck
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		text := d.Msg
		if text == "" {
			text = "Event accepted"
		}
		return []Message{n.notice(n.NewID(), SeveritySuccess, text, d.TS)}, nil

	case "run.finished":
		var d RunFinished
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		severity := SeverityInfo
		switch d.Status {
		case StageSucceeded:
			severity = SeveritySuccess
		case StageFailed:
			severity = SeverityError
		}
		return []Message{n.notice(n.derivedID("finished-", d.RunID), severity, "Run finished", d.TS)}, nil

	case "done":
		var d Done
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		if d.Success {
			return nil, nil
		}
		text := "Run failed"
		if d.Error != "" {
			text += ": " + d.Error
		}
		return []Message{n.notice(n.derivedID("done-", d.RunID), SeverityError, text, time.Time{})}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
}

// Render maps a stored message onto a display message.
func (n *Normalizer) Render(id, role, format string, content json.RawMessage, createdAt time.Time) (Message, error) {
	return n.message(wireMessage{ID: id, Role: role, Format: format, Content: content, CreatedAt: &createdAt})
}

// Notice builds a system notice, used for connection status.
func (n *Normalizer) Notice(severity Severity, text string) Message {
	return n.notice(n.NewID(), severity, text, time.Time{})
}

func (n *Normalizer) message(w wireMessage) (Message, error) {
	typ, content, err := render(w.Format, w.Content)
	if err != nil {
		return Message{}, err
	}
	id := w.ID
	if id == "" {
		id = w.MessageID
	}
	if id == "" {
		id = n.NewID()
	}
	role := RoleAgent
	switch Role(w.Role) {
	case RoleUser:
		role = RoleUser
	case RoleSystem:
		role = RoleSystem
	}
	return Message{ID: id, Role: role, Type: typ, Content: content, Timestamp: n.timestamp(w.CreatedAt, w.TS)}, nil
}

func (n *Normalizer) notice(id string, severity Severity, text string, ts time.Time) Message {
	if ts.IsZero() {
		ts = n.Now()
	}
	return Message{ID: id, Role: RoleSystem, Type: TypeNotice, Content: NoticeContent{Severity: severity, Text: text}, Timestamp: ts}
}

func (n *Normalizer) derivedID(prefix, runID string) string {
	if runID == "" {
		return n.NewID()
	}
	return prefix + runID
}

// timestamp prefers an RFC 3339 created_at, then a ts in unix milliseconds
// or RFC 3339, then the clock.
func (n *Normalizer) timestamp(createdAt *time.Time, ts json.RawMessage) time.Time {
	if createdAt != nil && !createdAt.IsZero() {
		return *createdAt
	}
	if len(ts) > 0 {
		if ms, err := strconv.ParseInt(string(ts), 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
		var s string
		if err := json.Unmarshal(ts, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return n.Now()
}

func decode(ev Event, v any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, ev.Name, err)
	}
	return nil
}

func stringData(data []byte) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}
