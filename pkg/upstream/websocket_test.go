package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

type wsFrame struct {
	seq  int64
	conv string
	body string
	raw  string
}

func wsTestServer(t *testing.T, frames []wsFrame, closeCode int, acks chan<- int64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if gjson.GetBytes(msg, "type").String() == "sequenceAck" && acks != nil {
					acks <- gjson.GetBytes(msg, "sequenceId").Int()
				}
			}
		}()
		for _, f := range frames {
			if f.raw != "" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(f.raw))
				continue
			}
			_ = conn.WriteJSON(map[string]any{
				"type":       "http.response.body",
				"sequenceId": f.seq,
				"data": map[string]any{
					"conversation_id": f.conv,
					"body":            base64.StdEncoding.EncodeToString([]byte(f.body)),
				},
			})
		}
		if closeCode == 0 {
			time.Sleep(500 * time.Millisecond)
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""))
		time.Sleep(100 * time.Millisecond)
	}))
}

func dialTestSource(t *testing.T, srv *httptest.Server, conv string) *wsSource {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return NewWebSocketSource(context.Background(), conn, conv).(*wsSource)
}

func drain(t *testing.T, src EventSource) ([]string, error) {
	t.Helper()
	var out []string
	for {
		p, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, string(p))
	}
}

func TestWebSocketAcksEveryEightiethSequenceBeforeYielding(t *testing.T) {
	acks := make(chan int64, 8)
	srv := wsTestServer(t, []wsFrame{
		{seq: 79, conv: "c1", body: "data: {\"n\":79}\n\n"},
		{seq: 80, conv: "c1", body: "data: {\"n\":80}\n\n"},
		{seq: 81, conv: "c1", body: "data: {\"n\":81}\n\n"},
	}, websocket.CloseNormalClosure, acks)
	defer srv.Close()
	src := dialTestSource(t, srv, "c1")
	defer src.Close()

	for _, want := range []string{`{"n":79}`, `{"n":80}`} {
		p, err := src.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if string(p) != want {
			t.Fatalf("expected %s, got %s", want, p)
		}
	}
	select {
	case seq := <-acks:
		if seq != 80 {
			t.Fatalf("expected ack for 80, got %d", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received for sequence 80")
	}
	if _, err := drain(t, src); err != nil {
		t.Fatalf("drain: %v", err)
	}
	select {
	case seq := <-acks:
		t.Fatalf("unexpected extra ack %d", seq)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketFiltersOtherConversationsAndSkipsMalformed(t *testing.T) {
	srv := wsTestServer(t, []wsFrame{
		{raw: "this is not json"},
		{seq: 1, conv: "other", body: "data: {\"n\":1}\n\n"},
		{raw: `{"type":"ping"}`},
		{seq: 2, conv: "c1", body: "data: {\"n\":2}\n\ndata: {\"n\":3}\n\n"},
		{raw: `{"sequenceId":3,"data":{"conversation_id":"c1","body":"%%%"}}`},
		{seq: 4, conv: "c1", body: "data: [DONE]\n\n"},
	}, websocket.CloseNormalClosure, nil)
	defer srv.Close()
	src := dialTestSource(t, srv, "c1")
	defer src.Close()

	got, err := drain(t, src)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{`{"n":2}`, `{"n":3}`, "[DONE]", "[DONE]"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestWebSocketAbnormalCloseIsError(t *testing.T) {
	srv := wsTestServer(t, []wsFrame{
		{seq: 1, conv: "c1", body: "data: {\"n\":1}\n\n"},
	}, websocket.CloseInternalServerErr, nil)
	defer srv.Close()
	src := dialTestSource(t, srv, "c1")
	defer src.Close()

	got, err := drain(t, src)
	if len(got) != 1 {
		t.Fatalf("expected one payload before the error, got %v", got)
	}
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("abnormal close should be retryable")
	}
}

func TestWebSocketReadTimeout(t *testing.T) {
	srv := wsTestServer(t, nil, 0, nil)
	defer srv.Close()
	src := dialTestSource(t, srv, "c1")
	defer src.Close()
	src.readTimeout = 50 * time.Millisecond

	_, err := src.Next()
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if _, err := src.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after timeout, got %v", err)
	}
}

func TestWebSocketClosesOnContextCancel(t *testing.T) {
	srv := wsTestServer(t, nil, 0, nil)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	src := NewWebSocketSource(ctx, conn, "c1")
	cancel()
	start := time.Now()
	if _, err := src.Next(); err == nil {
		t.Fatal("expected error after cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not release the read promptly")
	}
	_ = src.Close()
}
