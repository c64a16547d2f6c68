package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// EventSource is a lazy sequence of raw event payloads for one conversation.
// Next returns the bytes following the "data: " marker, the [DONE] sentinel
// included, and io.EOF once the stream is exhausted. Close is idempotent.
type EventSource interface {
	Next() ([]byte, error)
	Close() error
}

var dataPrefix = []byte("data: ")

// sseSource reads newline-delimited "data: " lines from an HTTP body.
type sseSource struct {
	body      io.ReadCloser
	r         *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

func NewSSESource(body io.ReadCloser) EventSource {
	return &sseSource{body: body, r: bufio.NewReaderSize(body, 64*1024)}
}

func (s *sseSource) Next() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			if payload, ok := dataPayload(line); ok {
				return payload, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, wrapTransport("read stream", err)
		}
	}
}

func (s *sseSource) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.body.Close() })
	return s.closeErr
}

func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

// splitDataLines extracts every data payload from a chunk of SSE text.
func splitDataLines(body []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		if payload, ok := dataPayload(line); ok {
			out = append(out, payload)
		}
	}
	return out
}

// ReplaySource yields buffered payloads before continuing with src. It is
// used to hand back frames consumed while probing the start of a stream.
type ReplaySource struct {
	buffered [][]byte
	src      EventSource
}

func NewReplaySource(buffered [][]byte, src EventSource) *ReplaySource {
	return &ReplaySource{buffered: buffered, src: src}
}

func (r *ReplaySource) Next() ([]byte, error) {
	if len(r.buffered) > 0 {
		p := r.buffered[0]
		r.buffered = r.buffered[1:]
		return p, nil
	}
	return r.src.Next()
}

func (r *ReplaySource) Close() error { return r.src.Close() }

// SliceSource serves a fixed list of payloads. Useful for tests and replay.
type SliceSource struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func NewSliceSource(payloads ...[]byte) *SliceSource {
	return &SliceSource{payloads: payloads}
}

func (s *SliceSource) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.payloads) == 0 {
		return nil, io.EOF
	}
	p := s.payloads[0]
	s.payloads = s.payloads[1:]
	return p, nil
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *SliceSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Remaining reports how many payloads have not been read yet.
func (s *SliceSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}
