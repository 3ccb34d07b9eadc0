package agent

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ModelMessage is one turn of conversation handed to the model
type ModelMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// ModelClient streams one completion. onText receives each text chunk
// as it arrives; the full accumulated text is returned at the end.
type ModelClient interface {
	Stream(ctx context.Context, system string, messages []ModelMessage, onText func(string)) (string, error)
}

// AnthropicClient is the shipped ModelClient
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a streaming client for the given model
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *AnthropicClient) Stream(ctx context.Context, system string, messages []ModelMessage, onText func(string)) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 8192,
		System:    []anthropic.TextBlockParam{{Text: system}},
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	var full string
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				full += delta.Text
				if onText != nil {
					onText(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return full, nil
}
