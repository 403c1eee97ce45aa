package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/mattjoyce/threadstream/internal/bus"
	"github.com/mattjoyce/threadstream/internal/chat"
	"github.com/mattjoyce/threadstream/internal/config"
	"github.com/mattjoyce/threadstream/internal/metrics"
	"github.com/mattjoyce/threadstream/internal/store"
)

const (
	historyLimit  = 50
	stageGenerate = "generate"
)

var errEmptyReply = errors.New("model returned an empty reply")

// Responder streams one model reply for a run and reports its progress.
type Responder struct {
	chatModel model.BaseChatModel
	runs      *store.RunStore
	messages  *store.MessageStore
	publisher Publisher
	cfg       config.AgentConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	norm      *chat.Normalizer
	newID     func() string
}

// NewResponder creates a Responder.
func NewResponder(chatModel model.BaseChatModel, runs *store.RunStore, messages *store.MessageStore, publisher Publisher, cfg config.AgentConfig, m *metrics.Metrics, logger *slog.Logger) *Responder {
	return &Responder{
		chatModel: chatModel,
		runs:      runs,
		messages:  messages,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		norm:      chat.NewNormalizer(),
		newID:     func() string { return uuid.New().String() },
	}
}

// Respond generates and stores the reply to run's message. Every outcome
// ends with one done event.
func (r *Responder) Respond(ctx context.Context, run *store.Run) error {
	if err := r.runs.UpdateStatus(ctx, run.ID, store.RunStatusRunning, nil, nil); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	r.publish(ctx, run, bus.KindRunStarted, chat.RunStarted{RunID: run.ID, MessageID: run.MessageID, TS: time.Now().UTC()})
	r.stage(ctx, run, chat.StageRunning)

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	history, err := r.history(ctx, run)
	if err != nil {
		return r.failStage(ctx, run, err)
	}

	replyID := r.newID()
	text, err := r.stream(runCtx, run, replyID, history)
	if err != nil {
		return r.failStage(ctx, run, err)
	}

	content, err := json.Marshal(map[string]string{"md": text})
	if err != nil {
		return r.failStage(ctx, run, err)
	}
	reply := &store.Message{
		ID:       replyID,
		ThreadID: run.ThreadID,
		Role:     store.RoleAgent,
		Format:   chat.FormatMarkdown,
		Content:  content,
	}
	if _, err := r.messages.Append(ctx, reply); err != nil {
		return r.failStage(ctx, run, fmt.Errorf("store reply: %w", err))
	}
	r.publish(ctx, run, bus.KindMessageCreated, reply)
	r.stage(ctx, run, chat.StageSucceeded)

	if err := r.runs.UpdateStatus(ctx, run.ID, store.RunStatusDone, &replyID, nil); err != nil {
		r.logger.Error("failed to mark run done", "run_id", run.ID, "error", err)
	}
	r.publish(ctx, run, bus.KindRunFinished, chat.RunFinished{RunID: run.ID, Status: chat.StageSucceeded, TS: time.Now().UTC()})
	r.publish(ctx, run, bus.KindDone, chat.Done{RunID: run.ID, Success: true})
	r.metrics.AgentRunFinished(string(store.RunStatusDone))
	return nil
}

// stream forwards each chunk as a token event and returns the full text.
func (r *Responder) stream(ctx context.Context, run *store.Run, replyID string, history []*schema.Message) (string, error) {
	sr, err := r.chatModel.Stream(ctx, history)
	if err != nil {
		return "", fmt.Errorf("start stream: %w", err)
	}
	defer sr.Close()

	var b strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		b.WriteString(chunk.Content)
		r.publish(ctx, run, bus.KindToken, chat.Token{RunID: run.ID, MessageID: replyID, Text: chunk.Content})
	}

	if strings.TrimSpace(b.String()) == "" {
		return "", errEmptyReply
	}
	return b.String(), nil
}

// history builds the model input from the thread up to and including the
// run's message.
func (r *Responder) history(ctx context.Context, run *store.Run) ([]*schema.Message, error) {
	trigger, err := r.messages.GetByID(ctx, run.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", run.MessageID, err)
	}
	page, _, err := r.messages.List(ctx, run.ThreadID, trigger.Seq+1, historyLimit)
	if err != nil {
		return nil, err
	}

	msgs := make([]*schema.Message, 0, len(page)+1)
	if r.cfg.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(r.cfg.SystemPrompt))
	}
	for _, m := range page {
		rendered, err := r.norm.Render(m.ID, string(m.Role), m.Format, m.Content, m.CreatedAt)
		if err != nil {
			r.logger.Warn("skipping unreadable history message", "message_id", m.ID, "error", err)
			continue
		}
		switch m.Role {
		case store.RoleUser:
			msgs = append(msgs, schema.UserMessage(rendered.Text()))
		case store.RoleAgent:
			msgs = append(msgs, schema.AssistantMessage(rendered.Text(), nil))
		}
	}
	return msgs, nil
}

func (r *Responder) stage(ctx context.Context, run *store.Run, status string) {
	r.publish(ctx, run, bus.KindRunStage, chat.RunStage{RunID: run.ID, Stage: stageGenerate, Status: status, TS: time.Now().UTC()})
}

func (r *Responder) failStage(ctx context.Context, run *store.Run, err error) error {
	r.stage(ctx, run, chat.StageFailed)
	return r.fail(ctx, run, err)
}

// fail records err on the run and ends it with a failed done event.
func (r *Responder) fail(ctx context.Context, run *store.Run, err error) error {
	errMsg := err.Error()
	if updateErr := r.runs.UpdateStatus(ctx, run.ID, store.RunStatusFailed, nil, &errMsg); updateErr != nil {
		r.logger.Error("failed to mark run failed", "run_id", run.ID, "error", updateErr)
	}
	r.publish(ctx, run, bus.KindRunFinished, chat.RunFinished{RunID: run.ID, Status: chat.StageFailed, Error: errMsg, TS: time.Now().UTC()})
	r.publish(ctx, run, bus.KindDone, chat.Done{RunID: run.ID, Success: false, Error: errMsg})
	r.metrics.AgentRunFinished(string(store.RunStatusFailed))
	return err
}

func (r *Responder) publish(ctx context.Context, run *store.Run, kind bus.Kind, data any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, bus.Event{Kind: kind, ThreadID: run.ThreadID, Data: data})
}
