// Package logstore keeps the most recent log lines in memory so operators
// can inspect them through the admin endpoints.
package logstore

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

const defaultMaxLines = 1000

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	// Level keeps entries at or above this level; empty or "all" keeps everything.
	Level string
	Query string
	Limit int
}

// Store is a bounded buffer of log entries, oldest first.
type Store struct {
	mu       sync.RWMutex
	maxLines int
	entries  []Entry
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{maxLines: maxLines}
}

func (s *Store) Add(level, message string, ts time.Time) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Timestamp: ts.UTC(), Level: normalizeLevel(level), Message: message})
	if over := len(s.entries) - s.maxLines; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
}

// List returns matching entries, newest first.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minRank := levelRank(normalizeLevel(filter.Level))
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 || limit > s.maxLines {
		limit = s.maxLines
	}
	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if levelRank(e.Level) < minRank {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Writer returns an io.Writer that records each complete line written to it.
func (s *Store) Writer() *Sink {
	return &Sink{store: s}
}

type Sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *Sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := stripANSI(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		level, msg := splitLine(line)
		w.store.Add(level, msg, time.Now())
	}
	return len(p), nil
}

// splitLine pulls the level token out of a text formatted log line such as
// "2026/01/02 15:04:05 INFO message key=value". Lines without a recognised
// level are recorded as info.
func splitLine(line string) (string, string) {
	fields := strings.Fields(line)
	for i, f := range fields {
		if i > 2 {
			break
		}
		if lvl := normalizeLevel(f); lvl != "" && lvl != "all" {
			return lvl, strings.Join(fields[i+1:], " ")
		}
	}
	return "info", strings.TrimSpace(line)
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error", "erro":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all":
		return "all"
	default:
		return ""
	}
}

func levelRank(level string) int {
	switch level {
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	default:
		return 0
	}
}

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			i += 2
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
