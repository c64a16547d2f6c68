package tokens

import (
	"math"
	"strings"
)

const (
	tokensPerMessage = 3
	replyPriming     = 3
)

// Message is a flattened chat message used for prompt accounting.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

type Image struct {
	Width, Height int
	Detail        string
}

// CountMessages follows the chat format overhead: three tokens per message
// plus content and role, and three tokens priming the reply.
func (c *Counter) CountMessages(msgs []Message, model string) int {
	n := 0
	for _, m := range msgs {
		n += tokensPerMessage
		n += c.Count(m.Content, model)
		n += c.Count(m.Role, model)
		for _, img := range m.Images {
			n += CountImageTokens(img.Width, img.Height, img.Detail, model)
		}
	}
	return n + replyPriming
}

const (
	lowDetailCost = 85
	perTileCost   = 170

	miniBaseCost = 2833
	miniTileCost = 5667
)

// CountImageTokens prices an image by 512px tiles after the standard
// downscaling (fit in 2048x2048, then shortest side to 768).
// Unknown dimensions are priced at the low detail cost.
func CountImageTokens(width, height int, detail, model string) int {
	base, tile := lowDetailCost, perTileCost
	if strings.HasPrefix(model, "gpt-4o-mini") {
		base, tile = miniBaseCost, miniTileCost
	}
	if detail == "low" || width <= 0 || height <= 0 {
		return base
	}
	w, h := float64(width), float64(height)
	if w > 2048 || h > 2048 {
		r := 2048 / math.Max(w, h)
		w, h = math.Floor(w*r), math.Floor(h*r)
	}
	if w > 768 && h > 768 {
		r := 768 / math.Min(w, h)
		w, h = math.Floor(w*r), math.Floor(h*r)
	}
	tiles := int(math.Ceil(w/512) * math.Ceil(h/512))
	return tiles*tile + base
}
