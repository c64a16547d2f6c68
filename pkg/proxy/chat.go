package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/metrics"
	"github.com/lkarlslund/chatbridge/pkg/normalize"
	"github.com/lkarlslund/chatbridge/pkg/retry"
	"github.com/lkarlslund/chatbridge/pkg/translate"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

const maxRequestBody = 32 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	sel, ok := s.selectorFor(r, cfg)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("unknown", "401").Inc()
		writeDetail(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	defer r.Body.Close()
	log.Debug("chat completion request", "body", string(body))

	req, err := s.normalizer.Parse(body)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("unknown", "400").Inc()
		writeDetail(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	mode := "json"
	if req.Stream {
		mode = "stream"
	}

	turn, err := s.orchestrator.Execute(r.Context(), sel, upstream.ConversationRequest{Model: req.Model, Messages: req.Messages})
	if err != nil {
		status := s.writeError(w, err)
		metrics.RequestsTotal.WithLabelValues(mode, strconv.Itoa(status)).Inc()
		return
	}
	defer turn.Close()
	log.Debug("turn established", "model", req.Model, "secret", logutil.Redact(turn.Secret), "attempts", turn.Attempts, "conversation_id", turn.ConversationID)

	tr := translate.New(turn.Source, translate.Options{
		Model:           req.Model,
		MaxTokens:       req.MaxTokens,
		HistoryDisabled: cfg.Upstream.HistoryDisabled,
		Files:           turn.Session,
		Blobs:           s.blobs,
		FileProxyURL:    cfg.Files.ProxyURL,
	})

	if req.Stream {
		s.stream(r.Context(), w, tr)
		metrics.RequestsTotal.WithLabelValues(mode, "200").Inc()
		return
	}

	resp, err := translate.Aggregate(r.Context(), tr, s.counter, req.PromptTokens)
	if err != nil {
		status := s.writeError(w, err)
		metrics.RequestsTotal.WithLabelValues(mode, strconv.Itoa(status)).Inc()
		return
	}
	if tr.Err() != nil {
		log.Warn("turn ended early", "err", tr.Err())
	}
	writeJSON(w, http.StatusOK, resp)
	metrics.RequestsTotal.WithLabelValues(mode, "200").Inc()
}

// stream writes every translated chunk as its own SSE event and flushes it
// immediately. A client write failure ends the turn.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, tr *translate.Translator) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for {
		out, err := tr.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("stream aborted", "err", err)
			}
			return
		}
		if out.Done {
			err = writeSSEDone(w)
		} else {
			err = writeSSEChunk(w, out.Chunk)
		}
		if err != nil {
			log.Debug("client went away", "err", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if out.Done {
			if tr.Err() != nil {
				log.Warn("turn ended early", "err", tr.Err())
			}
			return
		}
	}
}

func writeSSEChunk(w io.Writer, c *translate.Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func writeSSEDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

// writeError maps a pipeline failure to a status and detail body and returns
// the status written.
func (s *Server) writeError(w http.ResponseWriter, err error) int {
	var (
		authErr   *upstream.AuthError
		statusErr *upstream.StatusError
	)
	status, detail := http.StatusInternalServerError, "Server error"
	switch {
	case errors.Is(err, translate.ErrEmptyContent):
		status, detail = http.StatusForbidden, err.Error()
	case errors.Is(err, normalize.ErrInvalidJSON):
		status, detail = http.StatusBadRequest, err.Error()
	case errors.As(err, &authErr):
		status, detail = authErr.StatusCode, authErr.Detail
	case errors.As(err, &statusErr):
		status, detail = statusErr.StatusCode, statusErr.Detail
	case errors.Is(err, retry.ErrNoSecrets):
		detail = err.Error()
	}
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		log.Error("chat completion failed", "err", err)
	} else {
		log.Warn("chat completion rejected", "status", status, "err", err)
	}
	writeDetail(w, status, detail)
	return status
}
