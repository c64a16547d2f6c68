// Package normalize turns an inbound OpenAI chat completions body into the
// flat message list the backend accepts.
package normalize

import (
	"errors"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/lkarlslund/chatbridge/pkg/tokens"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

// ErrInvalidJSON is returned for bodies that are not a JSON object with a
// messages array.
var ErrInvalidJSON = errors.New("invalid JSON body")

type Request struct {
	Model     string
	Stream    bool
	MaxTokens int
	Messages  []upstream.ChatMessage

	// PromptTokens counts text parts and attached images.
	PromptTokens int
	// RemovedSystem is the number of system messages dropped for models
	// that reject them.
	RemovedSystem int
}

type Normalizer struct {
	counter  *tokens.Counter
	noSystem func(model string) bool
}

func New(counter *tokens.Counter, noSystem func(model string) bool) *Normalizer {
	if noSystem == nil {
		noSystem = func(string) bool { return false }
	}
	return &Normalizer{counter: counter, noSystem: noSystem}
}

// Parse validates and flattens body. List content becomes one string: image
// URLs first, then text parts, joined by "\n ".
func (n *Normalizer) Parse(body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, ErrInvalidJSON
	}
	msgs := root.Get("messages")
	if !msgs.IsArray() {
		return nil, ErrInvalidJSON
	}
	req := &Request{
		Model:     root.Get("model").String(),
		Stream:    root.Get("stream").Bool(),
		MaxTokens: int(root.Get("max_tokens").Int()),
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = int(root.Get("max_completion_tokens").Int())
	}
	dropSystem := n.noSystem(req.Model)

	var counted []tokens.Message
	var bad bool
	msgs.ForEach(func(_, m gjson.Result) bool {
		if !m.IsObject() {
			bad = true
			return false
		}
		role := m.Get("role").String()
		if dropSystem && role == "system" {
			req.RemovedSystem++
			return true
		}
		text, plain, images := flatten(m.Get("content"))
		req.Messages = append(req.Messages, upstream.ChatMessage{Role: role, Content: text})
		counted = append(counted, tokens.Message{Role: role, Content: plain, Images: images})
		return true
	})
	if bad {
		return nil, ErrInvalidJSON
	}
	if req.RemovedSystem > 0 {
		log.Info("removed system messages", "count", req.RemovedSystem, "model", req.Model)
	}
	if n.counter != nil {
		req.PromptTokens = n.counter.CountMessages(counted, req.Model)
	}
	return req, nil
}

// flatten returns the content sent upstream, the text used for token
// counting and the attached images.
func flatten(content gjson.Result) (string, string, []tokens.Image) {
	if !content.IsArray() {
		s := content.String()
		return s, s, nil
	}
	var urls, texts []string
	var images []tokens.Image
	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			texts = append(texts, item.Get("text").String())
		case "image_url":
			field := item.Get("image_url")
			var u, detail string
			switch {
			case field.IsObject():
				u, detail = field.Get("url").String(), field.Get("detail").String()
			case field.Type == gjson.String:
				u = field.String()
			default:
				log.Warn("unrecognized image_url format", "value", field.Raw)
				return true
			}
			if u == "" {
				return true
			}
			urls = append(urls, u)
			images = append(images, imageFor(u, detail))
		}
		return true
	})
	text := strings.TrimSpace(strings.Join(append(urls, texts...), "\n "))
	return text, strings.Join(texts, "\n "), images
}

func imageFor(u, detail string) tokens.Image {
	img := tokens.Image{Detail: detail}
	w, h, err := tokens.DataURLImageSize(u)
	if err != nil {
		if !errors.Is(err, tokens.ErrNotDataURL) {
			log.Debug("image size unknown", "err", err)
		}
		return img
	}
	img.Width, img.Height = w, h
	return img
}
