package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/chatbridge/pkg/blobstore"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/logstore"
	"github.com/lkarlslund/chatbridge/pkg/normalize"
	"github.com/lkarlslund/chatbridge/pkg/retry"
	"github.com/lkarlslund/chatbridge/pkg/tokens"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

// Options carries the collaborators shared with the CLI. Blobs may be nil,
// in which case generated images link to the backend download URL. Logs may
// be nil, which disables the recent log endpoint.
type Options struct {
	Secrets    *credential.Store
	Resolver   *credential.Resolver
	Blobs      blobstore.Store
	Logs       *logstore.Store
	Counter    *tokens.Counter
	HTTPClient *http.Client
}

type Server struct {
	store               *config.ServerConfigStore
	secrets             *credential.Store
	resolver            *credential.Resolver
	client              *upstream.Client
	orchestrator        *retry.Orchestrator
	pool                retry.Selector
	normalizer          *normalize.Normalizer
	counter             *tokens.Counter
	blobs               blobstore.Store
	adminHandler        *AdminHandler
	handler             http.Handler
	httpServer          *http.Server
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(store *config.ServerConfigStore, opts Options) (*Server, error) {
	if opts.Secrets == nil || opts.Resolver == nil {
		return nil, errors.New("secret store and resolver are required")
	}
	cfg := store.Snapshot()
	counter := opts.Counter
	if counter == nil {
		counter = tokens.NewCounter()
	}
	client := upstream.NewClient(cfg.Upstream, opts.HTTPClient)
	s := &Server{
		store:    store,
		secrets:  opts.Secrets,
		resolver: opts.Resolver,
		client:   client,
		pool:     retry.PoolSelector(cfg.Credentials.Selection),
		counter:  counter,
		blobs:    opts.Blobs,
	}
	s.orchestrator = retry.New(opts.Secrets, opts.Resolver, func(access string) retry.Session {
		return client.Session(access)
	}, cfg.Credentials.RetryTimes)
	s.normalizer = normalize.New(counter, func(model string) bool {
		c := s.store.Snapshot()
		return c.NoSystemMessage(model)
	})
	s.adminHandler = NewAdminHandler(store, opts.Secrets, opts.Resolver, opts.Logs)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	routes := func(api chi.Router) {
		api.Route("/v1", func(v1 chi.Router) {
			v1.Use(completionCORS())
			v1.Post("/chat/completions", s.handleChatCompletions)
		})
		s.adminHandler.RegisterRoutes(api)
	}
	if cfg.APIPrefix != "" {
		r.Route("/"+cfg.APIPrefix, routes)
	} else {
		routes(r)
	}
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", httpChallenge.Addr)
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Info("proxy listening", "addr", cfg.ListenAddr, "api_prefix", cfg.APIPrefix, "transport", cfg.Upstream.Transport)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	<-ctx.Done()
	s.drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// drain stops accepting completions and waits up to drainTimeout for the
// ones in flight.
func (s *Server) drain() {
	s.draining.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.waitForProxyIdle(ctx)
}

const drainTimeout = 30 * time.Second

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// completionCORS lets browser clients call the OpenAI routes from any origin.
// The admin routes are left out.
func completionCORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "OpenAI-Organization", "OpenAI-Project", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         600,
	})
}

func isCompletionPath(p string) bool {
	return strings.HasSuffix(p, "/v1/chat/completions")
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := isCompletionPath(r.URL.Path)
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeDetail(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: drain timed out", "active", active)
			return
		case <-t.C:
		}
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes a FastAPI style {"detail": ...} error body.
func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
