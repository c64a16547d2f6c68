package translate

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/chatbridge/pkg/tokens"
)

// ErrEmptyContent means the turn produced no assistant text. It is never
// retried.
var ErrEmptyContent = errors.New("no content in the message")

// Aggregate drains t and returns a single chat.completion. Completion tokens
// and the finish reason come from truncating the full text to the budget.
func Aggregate(ctx context.Context, t *Translator, counter *tokens.Counter, promptTokens int) (*openai.ChatCompletionResponse, error) {
	var b strings.Builder
	for {
		out, err := t.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if out.Done {
			break
		}
		for _, c := range out.Chunk.Choices {
			b.WriteString(c.Delta.Text())
		}
	}
	content, completionTokens, finish := counter.Truncate(b.String(), t.Accountant().Max(), t.Model())
	if content == "" {
		return nil, ErrEmptyContent
	}
	return &openai.ChatCompletionResponse{
		ID:      t.ID(),
		Object:  ObjectCompletion,
		Created: t.Created(),
		Model:   t.Model(),
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
			FinishReason: openai.FinishReason(finish),
		}},
		Usage: openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		SystemFingerprint: t.SystemFingerprint(),
	}, nil
}
