package logstore

import (
	"testing"
	"time"
)

func TestStoreRetainsMaxLines(t *testing.T) {
	s := NewStore(3)
	s.Add("info", "one", time.Unix(1, 0))
	s.Add("warn", "two", time.Unix(2, 0))
	s.Add("error", "three", time.Unix(3, 0))
	s.Add("debug", "four", time.Unix(4, 0))

	entries := s.List(ListFilter{Level: "all", Limit: 10})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[1].Message != "three" || entries[2].Message != "two" {
		t.Fatalf("unexpected order/messages: %+v", entries)
	}
}

func TestSinkParsesLevelsAndFilters(t *testing.T) {
	s := NewStore(100)
	w := s.Writer()
	_, _ = w.Write([]byte("2026/01/01 00:00:00 DEBU hello\n"))
	_, _ = w.Write([]byte("2026/01/01 00:00:01 WARN wor"))
	_, _ = w.Write([]byte("ld secret=fk-1...\n"))
	_, _ = w.Write([]byte("\x1b[1mERRO\x1b[0m boom\n"))

	if got := s.Len(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	warn := s.List(ListFilter{Level: "warn"})
	if len(warn) != 2 || warn[0].Level != "error" || warn[1].Message != "world secret=fk-1..." {
		t.Fatalf("unexpected warn+ entries: %+v", warn)
	}
	query := s.List(ListFilter{Query: "HELLO"})
	if len(query) != 1 || query[0].Level != "debug" {
		t.Fatalf("unexpected query result: %+v", query)
	}
}

func TestClearRemovesEntries(t *testing.T) {
	s := NewStore(0)
	s.Add("info", "hello", time.Time{})
	s.Add("info", "   ", time.Time{})
	if got := s.Len(); got != 1 {
		t.Fatalf("expected 1 entry before clear, got %d", got)
	}
	s.Clear()
	if got := len(s.List(ListFilter{})); got != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", got)
	}
}
