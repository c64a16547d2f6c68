package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/retry"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func keyAllowed(token string, keys []string) bool {
	if token == "" {
		return false
	}
	for _, k := range keys {
		if token == strings.TrimSpace(k) {
			return true
		}
	}
	return false
}

// selectorFor decides which secrets a chat request may use. A configured
// incoming key (or no key when none are configured) draws from the pool;
// any other bearer value is the caller's own secret.
func (s *Server) selectorFor(r *http.Request, cfg config.ServerConfig) (retry.Selector, bool) {
	token := bearerToken(r.Header)
	switch {
	case keyAllowed(token, cfg.Authorization):
		return s.pool, true
	case token == "":
		return s.pool, len(cfg.Authorization) == 0
	default:
		return retry.Pinned(token), true
	}
}

// adminAllowed accepts a configured incoming key. Without configured keys
// only loopback callers may manage the pool.
func adminAllowed(r *http.Request, cfg config.ServerConfig) bool {
	if len(cfg.Authorization) == 0 {
		return requestIsLoopback(r)
	}
	return keyAllowed(bearerToken(r.Header), cfg.Authorization)
}

func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
