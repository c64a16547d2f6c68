package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lkarlslund/chatbridge/pkg/config"
)

func testUpstreamConfig(baseURL, transport string) config.UpstreamConfig {
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = baseURL
	cfg.Upstream.Transport = transport
	cfg.Upstream.HistoryDisabled = true
	return cfg.Upstream
}

func TestModelSlug(t *testing.T) {
	cases := map[string]string{
		"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
		"gpt-4o":                 "gpt-4o",
		"gpt-4-turbo":            "gpt-4",
		"gpt-3.5-turbo":          "text-davinci-002-render-sha",
		"o1-mini":                "o1-mini",
		"something-else":         "auto",
	}
	for in, want := range cases {
		if got := ModelSlug(in); got != want {
			t.Fatalf("ModelSlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionOpenSSE(t *testing.T) {
	var payload conversationPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("unexpected authorization %q", got)
		}
		switch r.URL.Path {
		case pathChatRequirements:
			_, _ = io.WriteString(w, `{"token":"req-token","proofofwork":{"required":false}}`)
		case pathConversation:
			if got := r.Header.Get(headerRequirementsToken); got != "req-token" {
				t.Errorf("unexpected requirements token %q", got)
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: {\"n\":1}\n\ndata: [DONE]\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL, config.TransportSSE), srv.Client())
	conv, err := c.Session("access-1").Open(context.Background(), ConversationRequest{
		Model:    "gpt-4o",
		Messages: []ChatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conv.Source.Close()
	got, err := drain(t, conv.Source)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if strings.Join(got, "|") != `{"n":1}|[DONE]` {
		t.Fatalf("unexpected payloads %v", got)
	}
	if payload.Action != "next" || payload.Model != "gpt-4o" || !payload.HistoryAndTrainingDisabled {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.Messages) != 2 || payload.Messages[1].Content.Parts[0] != "hi" || payload.Messages[0].ID == "" {
		t.Fatalf("unexpected payload messages %+v", payload.Messages)
	}
}

func TestSessionOpenAuthFailures(t *testing.T) {
	for _, tc := range []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"detail":{"message":"denied"}}`)
		}))
		c := NewClient(testUpstreamConfig(srv.URL, config.TransportSSE), srv.Client())
		_, err := c.Session("a").Open(context.Background(), ConversationRequest{Model: "gpt-4o"})
		srv.Close()
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("status %d: expected AuthError, got %v", tc.status, err)
		}
		if authErr.Permanent != tc.permanent || authErr.Detail != "denied" {
			t.Fatalf("status %d: unexpected auth error %+v", tc.status, authErr)
		}
	}
}

func TestSessionOpenWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc(pathChatRequirements, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"token":"req-token"}`)
	})
	mux.HandleFunc(pathRegisterWebSocket, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"wss_url": "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"})
	})
	ready := make(chan struct{})
	mux.HandleFunc(pathConversation, func(w http.ResponseWriter, r *http.Request) {
		var p conversationPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.WebSocketRequestID == "" {
			t.Errorf("missing websocket request id")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"conversation_id":"conv-9","websocket_request_id":"x"}`)
		close(ready)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-ready
		body := base64.StdEncoding.EncodeToString([]byte("data: {\"n\":1}\n\n"))
		_ = conn.WriteJSON(map[string]any{"sequenceId": 1, "data": map[string]any{"conversation_id": "conv-9", "body": body}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	c := NewClient(testUpstreamConfig(srv.URL, config.TransportWebSocket), srv.Client())
	conv, err := c.Session("a").Open(context.Background(), ConversationRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conv.Source.Close()
	if conv.ID != "conv-9" {
		t.Fatalf("unexpected conversation id %q", conv.ID)
	}
	got, err := drain(t, conv.Source)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if strings.Join(got, "|") != `{"n":1}|[DONE]` {
		t.Fatalf("unexpected payloads %v", got)
	}
}

func TestSessionFileURLsAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/backend-api/files/file-1/download":
			_, _ = io.WriteString(w, `{"download_url":"`+"http://"+r.Host+`/blob/file-1"}`)
		case r.URL.Path == "/backend-api/conversation/c1/interpreter/download":
			if r.URL.Query().Get("message_id") != "m1" || r.URL.Query().Get("sandbox_path") != "/mnt/data/a.csv" {
				t.Errorf("unexpected query %q", r.URL.RawQuery)
			}
			_, _ = io.WriteString(w, `{"download_url":"https://files.example.test/a.csv?sig=1"}`)
		case r.URL.Path == "/blob/file-1":
			_, _ = io.WriteString(w, "image-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	s := NewClient(testUpstreamConfig(srv.URL, config.TransportSSE), srv.Client()).Session("a")

	u, err := s.DownloadURL(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	var buf bytes.Buffer
	if err := s.Fetch(context.Background(), u, &buf); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if buf.String() != "image-bytes" {
		t.Fatalf("unexpected body %q", buf.String())
	}
	f, err := s.ResponseFileURL(context.Background(), "c1", "m1", "/mnt/data/a.csv")
	if err != nil || f != "https://files.example.test/a.csv?sig=1" {
		t.Fatalf("unexpected sandbox url %q, %v", f, err)
	}
	if _, err := s.DownloadURL(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStreamOutlivesCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathChatRequirements:
			_, _ = io.WriteString(w, `{"token":"req-token"}`)
		case pathConversation:
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: {\"n\":1}\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
			_, _ = io.WriteString(w, "data: {\"n\":2}\n\ndata: [DONE]\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL, config.TransportSSE), nil)
	c.callTimeout = 100 * time.Millisecond
	conv, err := c.Session("access-1").Open(context.Background(), ConversationRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conv.Source.Close()
	got, err := drain(t, conv.Source)
	if err != nil {
		t.Fatalf("stream cut short after %v: %v", got, err)
	}
	if strings.Join(got, "|") != `{"n":1}|{"n":2}|[DONE]` {
		t.Fatalf("unexpected payloads %v", got)
	}
}

func TestJSONCallHonoursCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL, config.TransportSSE), nil)
	c.callTimeout = 50 * time.Millisecond
	_, err := c.Session("access-1").ChatRequirements(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
