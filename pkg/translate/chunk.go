package translate

import (
	"math/rand/v2"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	ObjectChunk      = "chat.completion.chunk"
	ObjectCompletion = "chat.completion"

	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 29
)

// Chunk is one OpenAI streaming chunk. MessageID and ConversationID are
// extensions carried when the backend keeps history.
type Chunk struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	MessageID         string   `json:"message_id,omitempty"`
	ConversationID    string   `json:"conversation_id,omitempty"`
}

type Choice struct {
	Index        int                 `json:"index"`
	Delta        Delta               `json:"delta"`
	Logprobs     *openai.LogProbs    `json:"logprobs"`
	FinishReason openai.FinishReason `json:"finish_reason"`
}

// Delta is the incremental part of a chunk. A nil Content is omitted, which
// is how terminal empty deltas are sent.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

func (d Delta) Text() string {
	if d.Content == nil {
		return ""
	}
	return *d.Content
}

func textDelta(s string) Delta { return Delta{Content: &s} }

func roleDelta() Delta {
	empty := ""
	return Delta{Role: openai.ChatMessageRoleAssistant, Content: &empty}
}

// NewCompletionID returns "chatcmpl-" followed by 29 random alphanumerics.
func NewCompletionID() string {
	var b strings.Builder
	b.Grow(len("chatcmpl-") + idLength)
	b.WriteString("chatcmpl-")
	for i := 0; i < idLength; i++ {
		b.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return b.String()
}

var systemFingerprints = map[string][]string{
	"gpt-3.5-turbo":          {"fp_b28b39ffa8"},
	"gpt-3.5-turbo-0125":     {"fp_b28b39ffa8"},
	"gpt-3.5-turbo-1106":     {"fp_592ef5907d"},
	"gpt-4":                  {"fp_f38f4d6482", "fp_2f57f81c11", "fp_a7daf7c51e"},
	"gpt-4-0125-preview":     {"fp_f38f4d6482", "fp_2f57f81c11", "fp_a7daf7c51e", "fp_a865e8ede4", "fp_13c70b9f70", "fp_b77cb481ed"},
	"gpt-4-1106-preview":     {"fp_e467c31c3d", "fp_d986a8d1ba", "fp_99a5a401bb", "fp_123d5a9f90", "fp_0d1affc7a6", "fp_5c95a4634e"},
	"gpt-4-turbo":            {"fp_d1bac968b4"},
	"gpt-4-turbo-2024-04-09": {"fp_d1bac968b4"},
	"gpt-4o":                 {"fp_3aa7262c27"},
	"gpt-4o-2024-05-13":      {"fp_3aa7262c27"},
	"gpt-4o-mini":            {"fp_c9aa9c0491"},
	"gpt-4o-mini-2024-07-18": {"fp_c9aa9c0491"},
}

// SystemFingerprint picks a fingerprint for model, or "" when none is known.
func SystemFingerprint(model string) string {
	fps := systemFingerprints[model]
	if len(fps) == 0 {
		return ""
	}
	return fps[rand.IntN(len(fps))]
}
