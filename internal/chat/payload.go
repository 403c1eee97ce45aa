package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnknownFormat is returned for a payload format outside the known set.
	ErrUnknownFormat = errors.New("unknown payload format")
	// ErrInvalidPayload is returned when content does not match its format.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Stored payload formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatCode     = "code"
	FormatButtons  = "buttons"
	FormatChoice   = "choice"
	FormatCard     = "card"
)

type textPayload struct {
	Text *string `json:"text"`
	MD   *string `json:"md"`
}

type jsonPayload struct {
	JSON json.RawMessage `json:"json"`
}

type buttonsPayload struct {
	Prompt  string   `json:"prompt"`
	Buttons []Action `json:"buttons"`
}

type cardPayload struct {
	Card *struct {
		Title    string     `json:"title"`
		Subtitle string     `json:"subtitle"`
		Body     string     `json:"body"`
		Image    string     `json:"image"`
		URL      string     `json:"url"`
		Meta     []MetaItem `json:"meta"`
		Actions  []Action   `json:"actions"`
	} `json:"card"`
}

// ValidatePayload checks that content is well formed for format.
func ValidatePayload(format string, content json.RawMessage) error {
	_, _, err := render(format, content)
	return err
}

// Length returns the size a length limit applies to: characters of text for
// text and markdown, bytes of content for everything else.
func Length(format string, content json.RawMessage) int {
	switch format {
	case FormatText, FormatMarkdown:
		var p textPayload
		if err := json.Unmarshal(content, &p); err == nil {
			switch {
			case p.Text != nil:
				return utf8.RuneCountInString(*p.Text)
			case p.MD != nil:
				return utf8.RuneCountInString(*p.MD)
			}
		}
	}
	return len(content)
}

func invalid(format, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidPayload, format, reason)
}

// render converts stored content into a display type and content value.
func render(format string, content json.RawMessage) (Type, any, error) {
	if len(content) == 0 {
		return "", nil, invalid(format, "content is required")
	}

	switch format {
	case FormatText, FormatMarkdown:
		var p textPayload
		if err := json.Unmarshal(content, &p); err != nil {
			return "", nil, invalid(format, "content must be an object")
		}
		text := p.Text
		if format == FormatMarkdown && p.MD != nil {
			text = p.MD
		}
		if text == nil || strings.TrimSpace(*text) == "" {
			return "", nil, invalid(format, "text is required")
		}
		return TypeText, TextContent{Text: *text}, nil

	case FormatJSON:
		var p jsonPayload
		if err := json.Unmarshal(content, &p); err != nil || len(p.JSON) == 0 {
			return "", nil, invalid(format, "json is required")
		}
		return TypeCode, CodeContent{Language: "json", Code: indentJSON(p.JSON)}, nil

	case FormatCode:
		var c CodeContent
		if err := json.Unmarshal(content, &c); err != nil || c.Code == "" {
			return "", nil, invalid(format, "code is required")
		}
		return TypeCode, c, nil

	case FormatButtons:
		var p buttonsPayload
		if err := json.Unmarshal(content, &p); err != nil || len(p.Buttons) == 0 {
			return "", nil, invalid(format, "buttons are required")
		}
		for _, b := range p.Buttons {
			if b.ID == "" || b.Label == "" {
				return "", nil, invalid(format, "every button needs id and label")
			}
		}
		return TypeActions, ActionsContent{Prompt: p.Prompt, Actions: p.Buttons}, nil

	case FormatChoice:
		var c ChoiceContent
		if err := json.Unmarshal(content, &c); err != nil || len(c.Options) == 0 {
			return "", nil, invalid(format, "options are required")
		}
		for _, o := range c.Options {
			if o.Value == "" {
				return "", nil, invalid(format, "every option needs a value")
			}
		}
		if c.Kind != "" && c.Kind != "dropdown" && c.Kind != "radio" {
			return "", nil, invalid(format, "kind must be dropdown or radio")
		}
		return TypeChoice, c, nil

	case FormatCard:
		var p cardPayload
		if err := json.Unmarshal(content, &p); err != nil || p.Card == nil || p.Card.Title == "" {
			return "", nil, invalid(format, "card.title is required")
		}
		desc := p.Card.Subtitle
		if p.Card.Body != "" {
			if desc != "" {
				desc += "\n\n"
			}
			desc += p.Card.Body
		}
		return TypeCard, CardContent{
			Title:       p.Card.Title,
			Description: desc,
			Image:       p.Card.Image,
			URL:         p.Card.URL,
			Meta:        p.Card.Meta,
			Actions:     p.Card.Actions,
		}, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// PostMessage is the body of a message submission.
type PostMessage struct {
	Role    string          `json:"role"`
	Format  string          `json:"format"`
	Content json.RawMessage `json:"content"`
}

// UserText builds a plain-text user message.
func UserText(text string) PostMessage {
	content, _ := json.Marshal(TextContent{Text: text})
	return PostMessage{Role: string(RoleUser), Format: FormatText, Content: content}
}

// Validate checks the format and content of p.
func (p PostMessage) Validate() error {
	return ValidatePayload(p.Format, p.Content)
}

// EventKind names a structured UI event.
type EventKind string

const (
	EventActionClick  EventKind = "action.click"
	EventChoiceSubmit EventKind = "choice.submit"
	EventCardOpen     EventKind = "card.open"
)

// AgentEvent is a structured UI event sent back to the agent.
type AgentEvent struct {
	Kind     EventKind       `json:"kind"`
	ActionID string          `json:"action_id,omitempty"`
	MsgID    string          `json:"msg_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	URL      string          `json:"url,omitempty"`
}

// ClickAction builds an action.click event.
func ClickAction(actionID, msgID string, payload map[string]any) (AgentEvent, error) {
	ev := AgentEvent{Kind: EventActionClick, ActionID: actionID, MsgID: msgID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return AgentEvent{}, fmt.Errorf("encode action payload: %w", err)
		}
		ev.Payload = raw
	}
	return ev, ev.Validate()
}

// SubmitChoice builds a choice.submit event.
func SubmitChoice(msgID, value string) (AgentEvent, error) {
	raw, _ := json.Marshal(map[string]string{"value": value})
	ev := AgentEvent{Kind: EventChoiceSubmit, MsgID: msgID, Payload: raw}
	return ev, ev.Validate()
}

// OpenCard builds a card.open event.
func OpenCard(msgID, url string) (AgentEvent, error) {
	ev := AgentEvent{Kind: EventCardOpen, MsgID: msgID, URL: url}
	return ev, ev.Validate()
}

// Validate checks the fields each kind requires.
func (e AgentEvent) Validate() error {
	switch e.Kind {
	case EventActionClick:
		if e.ActionID == "" {
			return invalid(string(e.Kind), "action_id is required")
		}
		if len(e.Payload) > 0 {
			var obj map[string]any
			if err := json.Unmarshal(e.Payload, &obj); err != nil {
				return invalid(string(e.Kind), "payload must be an object")
			}
		}
	case EventChoiceSubmit:
		if e.MsgID == "" {
			return invalid(string(e.Kind), "msg_id is required")
		}
		var p struct {
			Value *string `json:"value"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.Value == nil {
			return invalid(string(e.Kind), "payload.value is required")
		}
	case EventCardOpen:
		if e.MsgID == "" {
			return invalid(string(e.Kind), "msg_id is required")
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidPayload, e.Kind)
	}
	return nil
}
