// Package chat maps stream events and stored payloads onto one canonical
// display message, and builds the outbound payloads clients post back.
package chat

import "time"

// Role is the author of a display message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Type discriminates Message.Content.
type Type string

const (
	TypeText    Type = "text"
	TypeActions Type = "actions"
	TypeChoice  Type = "choice"
	TypeCard    Type = "card"
	TypeNotice  Type = "notice"
	TypeCode    Type = "code"
)

// Severity of a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Message is the canonical display message. Content holds the struct that
// matches Type. A message with Partial set is a streaming draft; later
// messages with the same ID replace it.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Type      Type      `json:"type"`
	Content   any       `json:"content"`
	Timestamp time.Time `json:"ts"`
	Partial   bool      `json:"partial,omitempty"`
}

type TextContent struct {
	Text string `json:"text"`
}

type Action struct {
	ID      string         `json:"id"`
	Label   string         `json:"label"`
	Icon    string         `json:"icon,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Event   string         `json:"event,omitempty"`
}

type ActionsContent struct {
	Prompt  string   `json:"prompt,omitempty"`
	Actions []Action `json:"actions"`
}

type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type ChoiceContent struct {
	Label   string   `json:"label"`
	Kind    string   `json:"kind,omitempty"`
	Options []Option `json:"options"`
}

type MetaItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type CardContent struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Image       string     `json:"image,omitempty"`
	URL         string     `json:"url,omitempty"`
	Meta        []MetaItem `json:"meta,omitempty"`
	Actions     []Action   `json:"actions,omitempty"`
}

type NoticeContent struct {
	Severity Severity `json:"severity,omitempty"`
	Text     string   `json:"text"`
}

type CodeContent struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Text returns a one-line rendering of the message body.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Text
	case NoticeContent:
		return c.Text
	case CodeContent:
		return c.Code
	case ChoiceContent:
		return c.Label
	case CardContent:
		return c.Title
	case ActionsContent:
		if c.Prompt != "" {
			return c.Prompt
		}
		labels := ""
		for i, a := range c.Actions {
			if i > 0 {
				labels += " | "
			}
			labels += "[" + a.Label + "]"
		}
		return labels
	}
	return ""
}
