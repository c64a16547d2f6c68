package proxy

import (
	"net/http/httptest"
	"testing"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/retry"
)

func TestRequestIsLoopback(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.test/tokens", nil)
	r.RemoteAddr = "127.0.0.1:12345"
	if !requestIsLoopback(r) {
		t.Fatal("expected loopback request to be true")
	}
	r.RemoteAddr = "10.1.2.3:12345"
	if requestIsLoopback(r) {
		t.Fatal("expected non-loopback request to be false")
	}
}

func TestSelectorFor(t *testing.T) {
	s := &Server{pool: &retry.RoundRobin{}}
	cfg := config.ServerConfig{Authorization: []string{"sk-shared"}}

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if _, ok := s.selectorFor(r, cfg); ok {
		t.Fatal("missing key must be rejected when keys are configured")
	}
	if _, ok := s.selectorFor(r, config.ServerConfig{}); !ok {
		t.Fatal("missing key must use the pool when no keys are configured")
	}

	r.Header.Set("Authorization", "Bearer sk-shared")
	sel, ok := s.selectorFor(r, cfg)
	if !ok || sel != retry.Selector(s.pool) {
		t.Fatalf("configured key should select the pool, got %T", sel)
	}

	r.Header.Set("Authorization", "bearer eyJhbGciOi.own")
	sel, ok = s.selectorFor(r, cfg)
	if !ok {
		t.Fatal("own secret rejected")
	}
	if p, isPinned := sel.(retry.Pinned); !isPinned || string(p) != "eyJhbGciOi.own" {
		t.Fatalf("expected pinned selector, got %#v", sel)
	}
}

func TestAdminAllowed(t *testing.T) {
	r := httptest.NewRequest("POST", "/tokens/clear", nil)
	r.RemoteAddr = "10.0.0.5:1000"
	if adminAllowed(r, config.ServerConfig{}) {
		t.Fatal("remote caller allowed without configured keys")
	}
	r.RemoteAddr = "127.0.0.1:1000"
	if !adminAllowed(r, config.ServerConfig{}) {
		t.Fatal("loopback caller rejected without configured keys")
	}
	cfg := config.ServerConfig{Authorization: []string{"sk-admin"}}
	if adminAllowed(r, cfg) {
		t.Fatal("loopback must present a key once keys are configured")
	}
	r.Header.Set("Authorization", "Bearer sk-admin")
	if !adminAllowed(r, cfg) {
		t.Fatal("configured key rejected")
	}
}
