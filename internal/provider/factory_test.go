package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/threadstream/internal/config"
)

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewChatModel(context.Background(), config.LLMConfig{Provider: "watson"})
	if err == nil || !strings.Contains(err.Error(), "unsupported llm provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestNewChatModelStub(t *testing.T) {
	m, err := NewChatModel(context.Background(), config.LLMConfig{Provider: "stub"})
	if err != nil {
		t.Fatalf("new stub: %v", err)
	}
	if _, ok := m.(*Stub); !ok {
		t.Fatalf("expected *Stub, got %T", m)
	}
}

func TestStubStreamsReplyInChunks(t *testing.T) {
	s := NewStub()
	input := []*schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("hello there"),
	}

	sr, err := s.Stream(context.Background(), input)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer sr.Close()

	var parts []string
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		parts = append(parts, chunk.Content)
	}

	if len(parts) < 2 {
		t.Fatalf("expected several chunks, got %d", len(parts))
	}
	if got := strings.Join(parts, ""); got != "You said: hello there" {
		t.Fatalf("joined stream = %q", got)
	}

	msg, err := s.Generate(context.Background(), input)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Content != "You said: hello there" {
		t.Fatalf("generate = %q", msg.Content)
	}
}
