package provider

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Stub is an offline chat model that echoes the latest user message. It
// lets the service run end to end without provider credentials.
type Stub struct{}

// NewStub returns a Stub model.
func NewStub() *Stub {
	return &Stub{}
}

var _ model.BaseChatModel = (*Stub)(nil)

func (s *Stub) reply(input []*schema.Message) string {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			return "You said: " + input[i].Content
		}
	}
	return "Nothing to answer yet."
}

// Generate returns the whole reply at once.
func (s *Stub) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(s.reply(input), nil), nil
}

// Stream returns the reply one word per chunk.
func (s *Stub) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	words := strings.SplitAfter(s.reply(input), " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(w, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}
