package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultConfigFileName = "chatbridge.toml"

	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	SelectionRoundRobin = "round_robin"
	SelectionRandom     = "random"

	DefaultRefreshSchedule = "0 3 */4 * *"
	DefaultRetryTimes      = 5
	DefaultLogBufferLines  = 1000
)

type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	AuthURL         string `toml:"auth_url"`
	ClientID        string `toml:"client_id"`
	RedirectURI     string `toml:"redirect_uri"`
	Transport       string `toml:"transport"`
	TimeoutSeconds  int    `toml:"timeout_seconds,omitempty"`
	UserAgent       string `toml:"user_agent,omitempty"`
	HistoryDisabled bool   `toml:"history_disabled"`
}

type CredentialsConfig struct {
	TokensPath       string `toml:"tokens_path"`
	AccessCachePath  string `toml:"access_cache_path"`
	RetryTimes       int    `toml:"retry_times"`
	Selection        string `toml:"selection"`
	ScheduledRefresh bool   `toml:"scheduled_refresh"`
	RefreshSchedule  string `toml:"refresh_schedule,omitempty"`
}

type FilesConfig struct {
	ProxyURL string `toml:"proxy_url,omitempty"`
}

// BlobConfig describes an S3-compatible bucket (Cloudflare R2 when AccountID is set).
type BlobConfig struct {
	Enabled         bool   `toml:"enabled"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccountID       string `toml:"account_id,omitempty"`
	Bucket          string `toml:"bucket,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
	PublicDomain    string `toml:"public_domain,omitempty"`
	Region          string `toml:"region,omitempty"`
}

type ModelsConfig struct {
	NoSystemMessage []string `toml:"no_system_message"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr    string            `toml:"listen_addr"`
	APIPrefix     string            `toml:"api_prefix,omitempty"`
	LogLevel      string            `toml:"log_level"`
	LogBuffer     int               `toml:"log_buffer_lines,omitempty"`
	Authorization []string          `toml:"authorization"`
	Upstream      UpstreamConfig    `toml:"upstream"`
	Credentials   CredentialsConfig `toml:"credentials"`
	Files         FilesConfig       `toml:"files"`
	Blob          BlobConfig        `toml:"blob"`
	Models        ModelsConfig      `toml:"models"`
	TLS           TLSConfig         `toml:"tls"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "chatbridge")
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "chatbridge")
}

func DefaultServerConfigPath() string {
	return filepath.Join(configDir(), defaultConfigFileName)
}

func DefaultTokensPath() string {
	return filepath.Join(dataDir(), "token.txt")
}

func DefaultAccessCachePath() string {
	return filepath.Join(dataDir(), "access_cache.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chatbridge", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:    "127.0.0.1:5005",
		LogLevel:      "info",
		LogBuffer:     DefaultLogBufferLines,
		Authorization: []string{},
		Upstream: UpstreamConfig{
			BaseURL:        "https://chatgpt.com",
			AuthURL:        "https://auth0.openai.com/oauth/token",
			ClientID:       "pdlLIX2Y72MIl2rhLhTE9VV9bN905kBh",
			RedirectURI:    "com.openai.chat://auth0.openai.com/ios/com.openai.chat/callback",
			Transport:      TransportSSE,
			TimeoutSeconds: 600,
		},
		Credentials: CredentialsConfig{
			TokensPath:       DefaultTokensPath(),
			AccessCachePath:  DefaultAccessCachePath(),
			RetryTimes:       DefaultRetryTimes,
			Selection:        SelectionRoundRobin,
			ScheduledRefresh: false,
			RefreshSchedule:  DefaultRefreshSchedule,
		},
		Models: ModelsConfig{
			NoSystemMessage: []string{"o1-mini", "o1-preview"},
		},
		TLS: TLSConfig{
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes the defaults to path when no file exists yet.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		cfg := NewDefaultServerConfig()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadServerConfig(path)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	def := NewDefaultServerConfig()
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	c.APIPrefix = strings.Trim(strings.TrimSpace(c.APIPrefix), "/")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogBuffer <= 0 {
		c.LogBuffer = def.LogBuffer
	}
	c.Authorization = compactStrings(c.Authorization)

	u := &c.Upstream
	u.BaseURL = strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	if u.BaseURL == "" {
		u.BaseURL = def.Upstream.BaseURL
	}
	if strings.TrimSpace(u.AuthURL) == "" {
		u.AuthURL = def.Upstream.AuthURL
	}
	if strings.TrimSpace(u.ClientID) == "" {
		u.ClientID = def.Upstream.ClientID
	}
	if strings.TrimSpace(u.RedirectURI) == "" {
		u.RedirectURI = def.Upstream.RedirectURI
	}
	u.Transport = strings.ToLower(strings.TrimSpace(u.Transport))
	switch u.Transport {
	case "":
		u.Transport = TransportSSE
	case "ws", "wss":
		u.Transport = TransportWebSocket
	}
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = def.Upstream.TimeoutSeconds
	}

	cr := &c.Credentials
	if strings.TrimSpace(cr.TokensPath) == "" {
		cr.TokensPath = def.Credentials.TokensPath
	}
	if strings.TrimSpace(cr.AccessCachePath) == "" {
		cr.AccessCachePath = def.Credentials.AccessCachePath
	}
	if cr.RetryTimes <= 0 {
		cr.RetryTimes = DefaultRetryTimes
	}
	cr.Selection = strings.ToLower(strings.TrimSpace(cr.Selection))
	if cr.Selection == "" {
		cr.Selection = SelectionRoundRobin
	}
	cr.RefreshSchedule = strings.TrimSpace(cr.RefreshSchedule)
	if cr.RefreshSchedule == "" {
		cr.RefreshSchedule = DefaultRefreshSchedule
	}

	c.Files.ProxyURL = strings.TrimRight(strings.TrimSpace(c.Files.ProxyURL), "/")
	c.Blob.PublicDomain = strings.TrimRight(strings.TrimSpace(c.Blob.PublicDomain), "/")
	if strings.TrimSpace(c.Blob.Region) == "" {
		c.Blob.Region = "auto"
	}
	if c.Models.NoSystemMessage == nil {
		c.Models.NoSystemMessage = def.Models.NoSystemMessage
	}
	c.Models.NoSystemMessage = compactStrings(c.Models.NoSystemMessage)

	if strings.TrimSpace(c.TLS.ListenAddr) == "" {
		c.TLS.ListenAddr = def.TLS.ListenAddr
	}
	if strings.TrimSpace(c.TLS.CacheDir) == "" {
		c.TLS.CacheDir = def.TLS.CacheDir
	}
}

func (c *ServerConfig) Validate() error {
	switch c.Upstream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("invalid upstream.transport %q", c.Upstream.Transport)
	}
	switch c.Credentials.Selection {
	case SelectionRoundRobin, SelectionRandom:
	default:
		return fmt.Errorf("invalid credentials.selection %q", c.Credentials.Selection)
	}
	if c.Credentials.ScheduledRefresh {
		if _, err := cron.ParseStandard(c.Credentials.RefreshSchedule); err != nil {
			return fmt.Errorf("invalid credentials.refresh_schedule %q: %w", c.Credentials.RefreshSchedule, err)
		}
	}
	if c.Blob.Enabled {
		if c.Blob.Bucket == "" {
			return errors.New("blob.bucket is required when blob storage is enabled")
		}
		if c.Blob.Endpoint == "" && c.Blob.AccountID == "" {
			return errors.New("blob.endpoint or blob.account_id is required when blob storage is enabled")
		}
		if c.Blob.PublicDomain == "" {
			return errors.New("blob.public_domain is required when blob storage is enabled")
		}
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}

// NoSystemMessage reports whether system messages must be stripped for model.
func (c *ServerConfig) NoSystemMessage(model string) bool {
	for _, m := range c.Models.NoSystemMessage {
		if m == model {
			return true
		}
	}
	return false
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cfg.clone()
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func (c *ServerConfig) clone() ServerConfig {
	cp := *c
	cp.Authorization = append([]string(nil), c.Authorization...)
	cp.Models.NoSystemMessage = append([]string(nil), c.Models.NoSystemMessage...)
	return cp
}
