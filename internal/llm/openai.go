// Package llm provides the upstream completion client.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"chatrelay/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// Completer turns an ordered conversation history into a stream of reply
// fragments. The sequence is finite; a non-nil error is yielded at most once
// and terminates the sequence.
type Completer interface {
	StreamCompletion(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error]
}

// Client is the OpenAI-backed Completer.
type Client struct {
	api   *openai.Client
	model string
}

// NewClient creates an OpenAI completion client.
func NewClient(apiKey, model string) *Client {
	return &Client{
		api:   openai.NewClient(apiKey),
		model: model,
	}
}

// StreamCompletion requests a streamed chat completion for the full history.
// Fragments are yielded in arrival order; no retries are attempted.
func (c *Client) StreamCompletion(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: toChatMessages(turns),
			Stream:   true,
		})
		if err != nil {
			yield("", fmt.Errorf("create completion stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("completion stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func toChatMessages(turns []domain.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return messages
}
