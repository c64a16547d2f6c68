// Package translate turns the backend's cumulative event stream into
// OpenAI chat completion chunks.
package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/chatbridge/pkg/blobstore"
	"github.com/lkarlslund/chatbridge/pkg/metrics"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

// ModerationMessage replaces any turn the backend flags for moderation.
const ModerationMessage = "I'm sorry, I cannot provide or engage in any content related to pornography, violence, or any unethical material. If you have any other questions or need assistance, please feel free to let me know. I'll do my best to provide support and assistance."

const (
	roleAssistant = "assistant"
	roleTool      = "tool"

	recipientImageGen = "dalle.text2im"
)

// Files resolves and fetches backend-hosted files referenced by a turn.
type Files interface {
	DownloadURL(ctx context.Context, fileID string) (string, error)
	ResponseFileURL(ctx context.Context, conversationID, messageID, sandboxPath string) (string, error)
	Fetch(ctx context.Context, rawURL string, w io.Writer) error
}

type Options struct {
	Model           string
	MaxTokens       int
	HistoryDisabled bool
	Files           Files
	Blobs           blobstore.Store
	FileProxyURL    string
	TempDir         string
}

// Output is one step of the translated stream: a chunk, or the final
// [DONE] sentinel.
type Output struct {
	Chunk *Chunk
	Done  bool
}

// turnState is the per-turn cursor. lenLastContent is the byte length of the
// text already forwarded for lastMessageID.
type turnState struct {
	lastMessageID   string
	lastRole        string
	lastContentType string
	lenLastContent  int
	lenLastCitation int
	modelSlug       string
	ended           bool
}

// step is what a rule decided for one event.
type step struct {
	delta  Delta
	finish openai.FinishReason
	end    bool
}

// Translator consumes one turn from an EventSource. It is not safe for
// concurrent use.
type Translator struct {
	src  upstream.EventSource
	opts Options
	acct *Accountant

	id          string
	created     int64
	fingerprint string

	state    turnState
	started  bool
	doneSent bool
	err      error
}

func New(src upstream.EventSource, opts Options) *Translator {
	return &Translator{
		src:         src,
		opts:        opts,
		acct:        NewAccountant(opts.MaxTokens),
		id:          NewCompletionID(),
		created:     time.Now().Unix(),
		fingerprint: SystemFingerprint(opts.Model),
	}
}

func (t *Translator) ID() string                { return t.id }
func (t *Translator) Created() int64            { return t.created }
func (t *Translator) Model() string             { return t.opts.Model }
func (t *Translator) SystemFingerprint() string { return t.fingerprint }
func (t *Translator) ModelSlug() string         { return t.state.modelSlug }
func (t *Translator) Accountant() *Accountant   { return t.acct }

// Err reports the stream failure that ended the turn early, if any.
func (t *Translator) Err() error { return t.err }

// Next returns the next output. After the Done output it returns io.EOF.
func (t *Translator) Next(ctx context.Context) (Output, error) {
	if !t.started {
		t.started = true
		return Output{Chunk: t.chunk(roleDelta(), "")}, nil
	}
	if t.doneSent {
		return Output{}, io.EOF
	}
	if t.state.ended {
		return t.done(), nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		payload, err := t.src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.err = err
				log.Warn("upstream stream failed", "err", err)
			}
			return t.done(), nil
		}
		if upstream.IsDone(payload) {
			return t.done(), nil
		}
		ev, err := upstream.DecodeEvent(payload)
		if err != nil {
			log.Debug("skipping malformed upstream event", "err", err)
			continue
		}
		if !ev.HasMessage() {
			if msg := ev.ErrorText(); msg != "" {
				log.Error("upstream reported an error", "error", msg)
				t.err = &upstream.ProtocolError{Detail: msg}
				return t.done(), nil
			}
		}
		if out, ok := t.apply(ctx, ev); ok {
			return Output{Chunk: out}, nil
		}
	}
}

func (t *Translator) done() Output {
	t.doneSent = true
	t.state.ended = true
	log.Info("response model", "model_slug", t.state.modelSlug)
	return Output{Done: true}
}

type ruleKind int

const (
	ruleSkip ruleKind = iota
	ruleModeration
	ruleProgressText
	ruleProgressCode
	ruleFinishedMultimodal
	ruleFinishedEndTurn
	ruleFinishedSegment
)

type rule func(t *Translator, ctx context.Context, ev *upstream.Event) (step, bool)

var rules = map[ruleKind]rule{
	ruleModeration:         (*Translator).moderation,
	ruleProgressText:       (*Translator).progressText,
	ruleProgressCode:       (*Translator).progressCode,
	ruleFinishedMultimodal: (*Translator).finishedMultimodal,
	ruleFinishedEndTurn:    (*Translator).finishedEndTurn,
	ruleFinishedSegment:    (*Translator).finishedSegment,
}

func classify(ev *upstream.Event) ruleKind {
	if ev.Echoed() {
		return ruleSkip
	}
	if !ev.HasMessage() {
		if ev.Type == upstream.TypeModeration {
			return ruleModeration
		}
		return ruleSkip
	}
	m := ev.Message
	switch m.Status {
	case upstream.StatusInProgress:
		if m.Content.ContentType == upstream.ContentText {
			return ruleProgressText
		}
		return ruleProgressCode
	case upstream.StatusFinished:
		switch {
		case m.Content.ContentType == upstream.ContentMultimodal:
			return ruleFinishedMultimodal
		case m.EndTurn:
			return ruleFinishedEndTurn
		default:
			return ruleFinishedSegment
		}
	}
	return ruleSkip
}

// apply runs the rule for ev and frames the resulting chunk.
func (t *Translator) apply(ctx context.Context, ev *upstream.Event) (*Chunk, bool) {
	kind := classify(ev)
	r, ok := rules[kind]
	if !ok {
		return nil, false
	}
	if ev.Message != nil && ev.Message.Metadata.ModelSlug != "" {
		t.state.modelSlug = ev.Message.Metadata.ModelSlug
	}
	s, ok := r(t, ctx, ev)
	if !ok {
		return nil, false
	}
	var messageID string
	if ev.Message != nil {
		messageID = ev.Message.ID
		t.state.lastMessageID = messageID
		t.state.lastRole = ev.Message.Author.Role
	}
	if !s.end && s.delta.Text() == "" {
		s.delta = roleDelta()
	}
	c := t.chunk(s.delta, s.finish)
	if !t.opts.HistoryDisabled {
		c.MessageID = messageID
		c.ConversationID = ev.ConversationID
	}
	t.acct.Charge()
	metrics.ChunksEmittedTotal.Inc()
	if s.end {
		t.state.ended = true
	}
	return c, true
}

func (t *Translator) chunk(d Delta, finish openai.FinishReason) *Chunk {
	return &Chunk{
		ID:                t.id,
		Object:            ObjectChunk,
		Created:           t.created,
		Model:             t.opts.Model,
		SystemFingerprint: t.fingerprint,
		Choices:           []Choice{{Index: 0, Delta: d, FinishReason: finish}},
	}
}

func (t *Translator) moderation(_ context.Context, _ *upstream.Event) (step, bool) {
	msg := ModerationMessage
	return step{
		delta:  Delta{Role: roleAssistant, Content: &msg},
		finish: openai.FinishReasonStop,
		end:    true,
	}, true
}

func (t *Translator) progressText(_ context.Context, ev *upstream.Event) (step, bool) {
	st := &t.state
	m := ev.Message
	role := m.Author.Role
	part := m.Content.FirstText()
	var text string
	if part == "" {
		if st.lastMessageID != "" && m.ID != st.lastMessageID {
			st.lenLastContent = 0
			st.lenLastCitation = 0
		}
		switch {
		case role == roleAssistant && st.lastRole != roleAssistant:
			if st.lastRole != "" {
				text = "\n"
			}
		case role == roleTool && st.lastRole != roleTool:
			text = ">" + m.Metadata.InitialText + "\n"
		}
	} else {
		// Only an empty-part prelude may switch to a new message id.
		if st.lastMessageID != "" && m.ID != st.lastMessageID {
			return step{}, false
		}
		if cites := m.Metadata.Citations; len(cites) > st.lenLastCitation {
			c := cites[len(cites)-1].Metadata
			text = fmt.Sprintf(` **[[""]](%s "%s")** `, c.URL, c.Title)
			st.lenLastCitation = len(cites)
		} else {
			delta := tail(part, st.lenLastContent)
			switch {
			case role == roleAssistant && st.lastRole != roleAssistant:
				if st.lastRole != "" || m.Recipient == recipientImageGen {
					text = "\n\n" + delta
				} else {
					text = delta
				}
			case role == roleTool && st.lastRole != roleTool:
				text = ">" + m.Metadata.InitialText + "\n" + delta
			case role == roleTool:
				text = strings.ReplaceAll(delta, "\n\n", "\n")
			default:
				text = delta
			}
			st.lenLastContent = len(part)
		}
	}
	return t.progress(upstream.ContentText, text), true
}

func (t *Translator) progressCode(_ context.Context, ev *upstream.Event) (step, bool) {
	st := &t.state
	m := ev.Message
	ct := m.Content.ContentType
	if st.lastMessageID != "" && m.ID != st.lastMessageID {
		st.lenLastContent = 0
	}
	body := m.Content.Text
	delta := tail(body, st.lenLastContent)
	var text string
	switch {
	case ct == upstream.ContentCode && st.lastContentType != upstream.ContentCode:
		lang := m.Content.Language
		if lang == "" || lang == "unknown" {
			lang = m.Recipient
		}
		text = "\n```" + lang + "\n" + delta
	case ct == upstream.ContentExecutionOutput && st.lastContentType != upstream.ContentExecutionOutput:
		text = "\n```Output\n" + delta
	default:
		text = delta
	}
	st.lenLastContent = len(body)
	return t.progress(ct, text), true
}

// progress closes an open fence on content type change, records the new
// content type and applies the completion budget.
func (t *Translator) progress(ct, text string) step {
	st := &t.state
	if fenced(st.lastContentType) && ct != st.lastContentType {
		text = "\n```\n" + text
	}
	st.lastContentType = ct
	if t.acct.Exhausted() {
		return step{delta: Delta{}, finish: openai.FinishReasonLength, end: true}
	}
	return step{delta: textDelta(text)}
}

func (t *Translator) finishedMultimodal(ctx context.Context, ev *upstream.Event) (step, bool) {
	assets := ev.Message.Content.Assets()
	if len(assets) == 0 {
		return step{}, true
	}
	var b strings.Builder
	if fenced(t.state.lastContentType) {
		b.WriteString("\n```\n")
	}
	t.state.lastContentType = upstream.PartImageAsset
	for _, a := range assets {
		b.WriteString(t.renderImage(ctx, a.FileID()))
	}
	return step{delta: textDelta(b.String())}, true
}

func (t *Translator) finishedEndTurn(ctx context.Context, ev *upstream.Event) (step, bool) {
	m := ev.Message
	part := m.Content.FirstText()
	text := tail(part, t.state.lenLastContent)
	if text == "" {
		text = t.sandboxLinks(ctx, ev.ConversationID, m.ID, part)
	}
	return step{delta: textDelta(text), finish: openai.FinishReasonStop, end: true}, true
}

func (t *Translator) finishedSegment(_ context.Context, ev *upstream.Event) (step, bool) {
	t.state.lenLastContent = 0
	t.state.lenLastCitation = 0
	if ft := ev.Message.Metadata.FinishedText; ft != "" {
		return step{delta: textDelta("\n" + ft + "\n")}, true
	}
	return step{}, false
}

func fenced(contentType string) bool {
	return contentType == upstream.ContentCode || contentType == upstream.ContentExecutionOutput
}

// tail returns s past the first n bytes, backing off to a rune boundary.
func tail(s string, n int) string {
	if n <= 0 {
		return s
	}
	if n >= len(s) {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[n:]
}
