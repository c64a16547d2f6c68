package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	WebSocketReadTimeout = 10 * time.Second
	WebSocketAckEvery    = 80

	wsWriteTimeout = 5 * time.Second
)

type sequenceAck struct {
	Type       string `json:"type"`
	SequenceID int64  `json:"sequenceId"`
}

// wsSource reads the multiplexed, sequence-numbered backend socket and yields
// the data payloads belonging to one conversation.
type wsSource struct {
	conn           *websocket.Conn
	conversationID string
	readTimeout    time.Duration

	pending  [][]byte
	finished bool

	stopCancel func() bool
	closeOnce  sync.Once
	closeErr   error
}

// NewWebSocketSource wraps an established connection. The connection is closed
// when ctx is cancelled or Close is called, whichever happens first.
func NewWebSocketSource(ctx context.Context, conn *websocket.Conn, conversationID string) EventSource {
	s := &wsSource{
		conn:           conn,
		conversationID: conversationID,
		readTimeout:    WebSocketReadTimeout,
	}
	s.stopCancel = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return s
}

func (s *wsSource) Next() ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			return p, nil
		}
		if s.finished {
			return nil, io.EOF
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.finished = true
			return nil, &ConnectError{Op: "websocket deadline", Err: err}
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.finished = true
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure {
					log.Debug("upstream websocket closed normally", "conversation_id", s.conversationID)
					return append([]byte(nil), doneMarker...), nil
				}
				return nil, &ConnectError{Op: "websocket read", Err: err}
			}
			return nil, wrapTransport("websocket read", err)
		}
		payloads, err := s.handleFrame(msg)
		if err != nil {
			s.finished = true
			return nil, err
		}
		s.pending = payloads
	}
}

// handleFrame acknowledges the frame when required and returns the payloads
// it carries for our conversation. Malformed frames are logged and skipped.
func (s *wsSource) handleFrame(msg []byte) ([][]byte, error) {
	if !gjson.ValidBytes(msg) {
		log.Warn("skipping malformed websocket frame", "size", len(msg))
		return nil, nil
	}
	seq := gjson.GetBytes(msg, "sequenceId").Int()
	if seq == 0 {
		return nil, nil
	}
	if seq%WebSocketAckEvery == 0 {
		if err := s.ack(seq); err != nil {
			return nil, &ConnectError{Op: "websocket ack", Err: err}
		}
	}
	if gjson.GetBytes(msg, "data.conversation_id").String() != s.conversationID {
		return nil, nil
	}
	body := gjson.GetBytes(msg, "data.body").String()
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		if decoded, err = base64.RawStdEncoding.DecodeString(body); err != nil {
			log.Warn("skipping websocket frame with undecodable body", "sequence_id", seq, "err", err)
			return nil, nil
		}
	}
	return splitDataLines(decoded), nil
}

func (s *wsSource) ack(seq int64) error {
	b, err := json.Marshal(sequenceAck{Type: "sequenceAck", SequenceID: seq})
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSource) Close() error {
	s.closeOnce.Do(func() {
		if s.stopCancel != nil {
			s.stopCancel()
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
