package chat

import (
	"encoding/json"
	"time"
)

// Stream event payloads shared by the agent runtime and the consumer.

// RunStarted is the data of a run.started event.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	MessageID string    `json:"message_id"`
	TS        time.Time `json:"ts"`
}

// RunStage is the data of a run.stage event.
type RunStage struct {
	RunID  string    `json:"run_id"`
	Stage  string    `json:"stage"`
	Status string    `json:"status"`
	TS     time.Time `json:"ts"`
}

// Token is the data of a token event. MessageID is the id the finished reply
// will carry.
type Token struct {
	RunID     string `json:"run_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// RunFinished is the data of a run.finished event.
type RunFinished struct {
	RunID  string    `json:"run_id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	TS     time.Time `json:"ts"`
}

// Done is the data of the done event that ends every run.
type Done struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UIAck is the data of a ui.ack event.
type UIAck struct {
	Kind  string    `json:"kind"`
	MsgID string    `json:"msg_id,omitempty"`
	Msg   string    `json:"msg,omitempty"`
	TS    time.Time `json:"ts"`
}

// Run stage statuses.
const (
	StageRunning   = "running"
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
)

// wireMessage accepts both the stored message shape and the legacy agent
// message shape.
type wireMessage struct {
	ID        string          `json:"id"`
	MessageID string          `json:"message_id"`
	Role      string          `json:"role"`
	Format    string          `json:"format"`
	Content   json.RawMessage `json:"content"`
	CreatedAt *time.Time      `json:"created_at"`
	TS        json.RawMessage `json:"ts"`
}
