package upstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	StatusInProgress = "in_progress"
	StatusFinished   = "finished_successfully"

	ContentText            = "text"
	ContentCode            = "code"
	ContentExecutionOutput = "execution_output"
	ContentMultimodal      = "multimodal_text"
	PartImageAsset         = "image_asset_pointer"

	TypeModeration = "moderation"

	assetScheme = "file-service://"
)

var doneMarker = []byte("[DONE]")

// IsDone reports whether payload is the terminal sentinel.
func IsDone(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), doneMarker)
}

// Event is one decoded backend frame.
type Event struct {
	Message        *Message        `json:"message"`
	ConversationID string          `json:"conversation_id"`
	Type           string          `json:"type"`
	Error          json.RawMessage `json:"error"`
}

type Author struct {
	Role string `json:"role"`
}

type Message struct {
	ID        string   `json:"id"`
	Author    Author   `json:"author"`
	Content   Content  `json:"content"`
	Status    string   `json:"status"`
	EndTurn   bool     `json:"end_turn"`
	Recipient string   `json:"recipient"`
	Metadata  Metadata `json:"metadata"`
}

type Content struct {
	ContentType string            `json:"content_type"`
	Parts       []json.RawMessage `json:"parts"`
	Text        string            `json:"text"`
	Language    string            `json:"language"`
}

type Metadata struct {
	Citations    []Citation `json:"citations"`
	InitialText  string     `json:"initial_text"`
	FinishedText string     `json:"finished_text"`
	ModelSlug    string     `json:"model_slug"`
}

type Citation struct {
	Metadata struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"metadata"`
}

// AssetPart is an image reference inside a multimodal message.
type AssetPart struct {
	ContentType  string `json:"content_type"`
	AssetPointer string `json:"asset_pointer"`
}

// FileID strips the file-service scheme from the pointer.
func (p AssetPart) FileID() string {
	return strings.TrimPrefix(p.AssetPointer, assetScheme)
}

// DecodeEvent parses a data payload. It fails with *ProtocolError on anything
// that is not a JSON object.
func DecodeEvent(payload []byte) (*Event, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, &ProtocolError{Detail: "event is not a JSON object"}
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &ProtocolError{Detail: "decode event", Err: err}
	}
	return &ev, nil
}

// HasMessage reports whether the frame carries a non-empty message body.
func (e *Event) HasMessage() bool {
	return e.Message != nil && (e.Message.ID != "" || e.Message.Author.Role != "" || e.Message.Status != "")
}

// ErrorText returns the backend error carried by the frame, if any.
func (e *Event) ErrorText() string {
	raw := bytes.TrimSpace(e.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Role is the message author role, empty when there is no message.
func (e *Event) Role() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Author.Role
}

// Echoed reports frames that replay caller input and must never be forwarded.
func (e *Event) Echoed() bool {
	r := e.Role()
	return r == "user" || r == "system"
}

// FirstText returns parts[0] as a string, or "" when it is absent or not text.
func (c Content) FirstText() string {
	if len(c.Parts) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Parts[0], &s); err != nil {
		return ""
	}
	return s
}

// Assets returns the image pointers among the parts, in order.
func (c Content) Assets() []AssetPart {
	var out []AssetPart
	for _, raw := range c.Parts {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var p AssetPart
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.ContentType == PartImageAsset && p.AssetPointer != "" {
			out = append(out, p)
		}
	}
	return out
}
