package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/version"
)

const (
	pathChatRequirements  = "/backend-api/sentinel/chat-requirements"
	pathConversation      = "/backend-api/conversation"
	pathRegisterWebSocket = "/backend-api/register-websocket"

	headerRequirementsToken = "Openai-Sentinel-Chat-Requirements-Token"
)

// modelSlugs maps OpenAI model names to backend slugs. Longer prefixes win.
var modelSlugs = []struct {
	prefix string
	slug   string
}{
	{"gpt-4o-mini", "gpt-4o-mini"},
	{"gpt-4o-canmore", "gpt-4o-canmore"},
	{"gpt-4o", "gpt-4o"},
	{"gpt-4-mobile", "gpt-4-mobile"},
	{"gpt-4", "gpt-4"},
	{"o1-preview", "o1-preview"},
	{"o1-mini", "o1-mini"},
	{"o1", "o1"},
	{"gpt-3.5", "text-davinci-002-render-sha"},
}

// ModelSlug resolves the backend model for an OpenAI model name.
func ModelSlug(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, e := range modelSlugs {
		if strings.HasPrefix(m, e.prefix) {
			return e.slug
		}
	}
	return "auto"
}

type ChatMessage struct {
	Role    string
	Content string
}

type ConversationRequest struct {
	Model    string
	Messages []ChatMessage
}

// Conversation is an open upstream stream for one turn.
type Conversation struct {
	ID     string
	Source EventSource
}

// Client talks to the backend. The HTTP client carries no overall timeout so
// conversation streams may run for as long as the caller's context allows;
// callTimeout bounds the short JSON calls and file fetches instead.
type Client struct {
	cfg         config.UpstreamConfig
	http        *http.Client
	dialer      *websocket.Dialer
	deviceID    string
	callTimeout time.Duration
}

func NewClient(cfg config.UpstreamConfig, httpClient *http.Client) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: newTransport(timeout)}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		deviceID:    uuid.NewString(),
		callTimeout: timeout,
	}
}

// newTransport bounds connecting and waiting for response headers, never the
// body, which for a conversation is the whole stream.
func newTransport(headerTimeout time.Duration) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = 15 * time.Second
	tr.ResponseHeaderTimeout = headerTimeout
	return tr
}

func (c *Client) HistoryDisabled() bool { return c.cfg.HistoryDisabled }

// Session binds the client to one access credential.
func (c *Client) Session(access string) *Session {
	return &Session{client: c, access: access}
}

type Session struct {
	client *Client
	access string
}

func (s *Session) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.client.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.access)
	req.Header.Set("Oai-Device-Id", s.client.deviceID)
	req.Header.Set("Oai-Language", "en-US")
	ua := strings.TrimSpace(s.client.cfg.UserAgent)
	if ua == "" {
		ua = version.Name + "/" + version.String()
	}
	req.Header.Set("User-Agent", ua)
	return req, nil
}

// do sends req and returns the response when the status is 2xx.
func (s *Session) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, ClassifyStatus(resp.StatusCode, extractDetail(b))
	}
	return resp, nil
}

func (s *Session) getJSON(ctx context.Context, method, path string, body any, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.callTimeout)
	defer cancel()
	req, err := s.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req, op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	return b, nil
}

// ChatRequirements fetches the sentinel token the conversation endpoint expects.
func (s *Session) ChatRequirements(ctx context.Context) (string, error) {
	b, err := s.getJSON(ctx, http.MethodPost, pathChatRequirements, map[string]any{}, "chat requirements")
	if err != nil {
		return "", err
	}
	if gjson.GetBytes(b, "proofofwork.required").Bool() {
		log.Debug("backend asks for proof of work, continuing without it")
	}
	token := gjson.GetBytes(b, "token").String()
	if token == "" {
		return "", &ProtocolError{Detail: "chat requirements response has no token"}
	}
	return token, nil
}

func (s *Session) registerWebSocket(ctx context.Context) (string, error) {
	b, err := s.getJSON(ctx, http.MethodPost, pathRegisterWebSocket, map[string]any{}, "register websocket")
	if err != nil {
		return "", err
	}
	wssURL := gjson.GetBytes(b, "wss_url").String()
	if wssURL == "" {
		return "", &ProtocolError{Detail: "register websocket response has no wss_url"}
	}
	return wssURL, nil
}

type payloadMessage struct {
	ID       string         `json:"id"`
	Author   Author         `json:"author"`
	Content  payloadContent `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type payloadContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

type conversationPayload struct {
	Action                     string           `json:"action"`
	Messages                   []payloadMessage `json:"messages"`
	ParentMessageID            string           `json:"parent_message_id"`
	Model                      string           `json:"model"`
	TimezoneOffsetMin          int              `json:"timezone_offset_min"`
	HistoryAndTrainingDisabled bool             `json:"history_and_training_disabled"`
	ConversationMode           map[string]any   `json:"conversation_mode"`
	ForceParagen               bool             `json:"force_paragen"`
	ForceRateLimit             bool             `json:"force_rate_limit"`
	WebSocketRequestID         string           `json:"websocket_request_id,omitempty"`
}

func (c *Client) buildPayload(req ConversationRequest, wsRequestID string) conversationPayload {
	msgs := make([]payloadMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, payloadMessage{
			ID:       uuid.NewString(),
			Author:   Author{Role: m.Role},
			Content:  payloadContent{ContentType: ContentText, Parts: []string{m.Content}},
			Metadata: map[string]any{},
		})
	}
	return conversationPayload{
		Action:                     "next",
		Messages:                   msgs,
		ParentMessageID:            uuid.NewString(),
		Model:                      ModelSlug(req.Model),
		HistoryAndTrainingDisabled: c.cfg.HistoryDisabled,
		ConversationMode:           map[string]any{"kind": "primary_assistant"},
		WebSocketRequestID:         wsRequestID,
	}
}

// Open starts a conversation turn and returns its event source. The source
// is bound to ctx: cancelling ctx releases the underlying connection.
func (s *Session) Open(ctx context.Context, req ConversationRequest) (*Conversation, error) {
	requirements, err := s.ChatRequirements(ctx)
	if err != nil {
		return nil, err
	}
	if s.client.cfg.Transport == config.TransportWebSocket {
		return s.openWebSocket(ctx, req, requirements)
	}
	resp, err := s.postConversation(ctx, req, requirements, "")
	if err != nil {
		return nil, err
	}
	return &Conversation{Source: NewSSESource(resp.Body)}, nil
}

func (s *Session) postConversation(ctx context.Context, req ConversationRequest, requirements, wsRequestID string) (*http.Response, error) {
	httpReq, err := s.newRequest(ctx, http.MethodPost, pathConversation, s.client.buildPayload(req, wsRequestID))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set(headerRequirementsToken, requirements)
	return s.do(httpReq, "conversation")
}

func (s *Session) openWebSocket(ctx context.Context, req ConversationRequest, requirements string) (*Conversation, error) {
	wssURL, err := s.registerWebSocket(ctx)
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.client.dialer.DialContext(ctx, wssURL, nil)
	if err != nil {
		if resp != nil {
			return nil, ClassifyStatus(resp.StatusCode, resp.Status)
		}
		return nil, wrapTransport("websocket dial", err)
	}
	httpResp, err := s.postConversation(ctx, req, requirements, uuid.NewString())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if isEventStream(httpResp.Header.Get("Content-Type")) {
		// Backend chose to answer inline.
		_ = conn.Close()
		return &Conversation{Source: NewSSESource(httpResp.Body)}, nil
	}
	defer httpResp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		_ = conn.Close()
		return nil, wrapTransport("conversation", err)
	}
	conversationID := gjson.GetBytes(b, "conversation_id").String()
	if conversationID == "" {
		_ = conn.Close()
		return nil, &ProtocolError{Detail: "conversation response has no conversation_id"}
	}
	return &Conversation{ID: conversationID, Source: NewWebSocketSource(ctx, conn, conversationID)}, nil
}

// DownloadURL resolves a temporary URL for an uploaded or generated file.
func (s *Session) DownloadURL(ctx context.Context, fileID string) (string, error) {
	b, err := s.getJSON(ctx, http.MethodGet, "/backend-api/files/"+url.PathEscape(fileID)+"/download", nil, "file download url")
	if err != nil {
		return "", err
	}
	u := gjson.GetBytes(b, "download_url").String()
	if u == "" {
		return "", &ProtocolError{Detail: "file " + fileID + " has no download_url"}
	}
	return u, nil
}

// ResponseFileURL resolves a sandbox file produced by the code interpreter.
func (s *Session) ResponseFileURL(ctx context.Context, conversationID, messageID, sandboxPath string) (string, error) {
	q := url.Values{}
	q.Set("message_id", messageID)
	q.Set("sandbox_path", strings.TrimPrefix(sandboxPath, "sandbox:"))
	path := fmt.Sprintf("/backend-api/conversation/%s/interpreter/download?%s", url.PathEscape(conversationID), q.Encode())
	b, err := s.getJSON(ctx, http.MethodGet, path, nil, "sandbox download url")
	if err != nil {
		return "", err
	}
	u := gjson.GetBytes(b, "download_url").String()
	if u == "" {
		return "", &ProtocolError{Detail: "sandbox file has no download_url"}
	}
	return u, nil
}

// Fetch copies the body behind a download URL into w.
func (s *Session) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, s.client.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.http.Do(req)
	if err != nil {
		return wrapTransport("fetch file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Detail: "fetch file"}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return wrapTransport("fetch file", err)
	}
	return nil
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// extractDetail pulls a human readable message out of a backend error body.
func extractDetail(b []byte) string {
	for _, path := range []string{"detail.message", "detail", "error.message", "error"} {
		if v := gjson.GetBytes(b, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return strings.TrimSpace(string(b))
}
