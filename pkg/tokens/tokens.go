// Package tokens counts prompt and completion tokens with tiktoken and
// applies completion budgets.
package tokens

import (
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	"github.com/pkoukk/tiktoken-go"
)

// Encoder is the subset of *tiktoken.Tiktoken used here.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

const fallbackEncoding = "cl100k_base"

// Counter caches one encoder per model.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]Encoder
	load     func(model string) (Encoder, error)
}

func NewCounter() *Counter {
	return &Counter{encoders: map[string]Encoder{}, load: loadTiktoken}
}

// NewCounterWithEncoder uses enc for every model.
func NewCounterWithEncoder(enc Encoder) *Counter {
	return &Counter{
		encoders: map[string]Encoder{},
		load:     func(string) (Encoder, error) { return enc, nil },
	}
}

func loadTiktoken(model string) (Encoder, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

func (c *Counter) encoder(model string) Encoder {
	model = strings.TrimSpace(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	enc, err := c.load(model)
	if err != nil || enc == nil {
		log.Warn("tokenizer unavailable, counting runes instead", "model", model, "err", err)
		enc = RuneEncoder{}
	}
	c.encoders[model] = enc
	return enc
}

// Count returns the number of tokens text encodes to for model.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	return len(c.encoder(model).Encode(text, nil, nil))
}

// Truncate cuts text to at most max tokens. It returns the kept text, its
// token count and the finish reason ("length" when cut, otherwise "stop").
func (c *Counter) Truncate(text string, max int, model string) (string, int, string) {
	enc := c.encoder(model)
	ids := enc.Encode(text, nil, nil)
	if max >= 0 && len(ids) > max {
		return enc.Decode(ids[:max]), max, "length"
	}
	return text, len(ids), "stop"
}

// RuneEncoder treats every rune as one token. It is the offline fallback
// when no BPE ranks can be loaded.
type RuneEncoder struct{}

func (RuneEncoder) Encode(text string, _ []string, _ []string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (RuneEncoder) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}
