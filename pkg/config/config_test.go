package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestDefaultServerConfigPathUsesConfigToml(t *testing.T) {
	if got := filepath.Base(DefaultServerConfigPath()); got != defaultConfigFileName {
		t.Fatalf("expected default config file %q, got %q", defaultConfigFileName, got)
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := &ServerConfig{
		APIPrefix:     "/api/",
		Authorization: []string{" k1 ", "", "k1", "k2"},
		Upstream:      UpstreamConfig{BaseURL: "https://example.test/", Transport: "WS"},
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.APIPrefix != "api" {
		t.Fatalf("expected trimmed prefix, got %q", cfg.APIPrefix)
	}
	if strings.Join(cfg.Authorization, ",") != "k1,k2" {
		t.Fatalf("unexpected authorization keys %v", cfg.Authorization)
	}
	if cfg.Upstream.BaseURL != "https://example.test" {
		t.Fatalf("unexpected base url %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Transport != TransportWebSocket {
		t.Fatalf("expected websocket transport, got %q", cfg.Upstream.Transport)
	}
	if cfg.Credentials.RetryTimes != DefaultRetryTimes {
		t.Fatalf("expected default retry times, got %d", cfg.Credentials.RetryTimes)
	}
	if cfg.Credentials.RefreshSchedule != DefaultRefreshSchedule {
		t.Fatalf("unexpected refresh schedule %q", cfg.Credentials.RefreshSchedule)
	}
	if !cfg.NoSystemMessage("o1-mini") || cfg.NoSystemMessage("gpt-4o") {
		t.Fatalf("unexpected no-system-message list %v", cfg.Models.NoSystemMessage)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"transport", func(c *ServerConfig) { c.Upstream.Transport = "carrier-pigeon" }},
		{"selection", func(c *ServerConfig) { c.Credentials.Selection = "lottery" }},
		{"schedule", func(c *ServerConfig) {
			c.Credentials.ScheduledRefresh = true
			c.Credentials.RefreshSchedule = "every now and then"
		}},
		{"blob bucket", func(c *ServerConfig) {
			c.Blob.Enabled = true
			c.Blob.AccountID = "acc"
			c.Blob.PublicDomain = "https://img.example.test"
		}},
		{"tls domain", func(c *ServerConfig) { c.TLS.Enabled = true }},
	}
	for _, tc := range cases {
		cfg := NewDefaultServerConfig()
		tc.mutate(cfg)
		cfg.Normalize()
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", defaultConfigFileName)
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if cfg.Upstream.Transport != TransportSSE {
		t.Fatalf("unexpected transport %q", cfg.Upstream.Transport)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written config: %v", err)
	}
	var decoded ServerConfig
	if err := toml.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("decode written config: %v", err)
	}
	if decoded.ListenAddr != cfg.ListenAddr {
		t.Fatalf("expected listen addr %q, got %q", cfg.ListenAddr, decoded.ListenAddr)
	}
}

func TestServerConfigStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	store := NewServerConfigStore(path, NewDefaultServerConfig())
	if err := store.Update(func(c *ServerConfig) error {
		c.Authorization = append(c.Authorization, "admin-key")
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := store.Snapshot()
	snap.Authorization[0] = "mutated"
	if got := store.Snapshot().Authorization[0]; got != "admin-key" {
		t.Fatalf("snapshot leaked internal slice, got %q", got)
	}
	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.Authorization) != 1 || loaded.Authorization[0] != "admin-key" {
		t.Fatalf("unexpected persisted keys %v", loaded.Authorization)
	}
}
