package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatbridge/pkg/blobstore"
	"github.com/lkarlslund/chatbridge/pkg/cache"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/logstore"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/proxy"
)

var (
	serveListenAddrOverride string
	serveTransportOverride  string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("transport") {
				cfg.Upstream.Transport = serveTransportOverride
				cfg.Normalize()
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logs := logstore.NewStore(cfg.LogBuffer)
			logutil.SetOutput(io.MultiWriter(os.Stderr, logs.Writer()))
			defer logutil.SetOutput(nil)

			secrets, resolver, err := openCredentials(cfg)
			if err != nil {
				return err
			}
			opts := proxy.Options{Secrets: secrets, Resolver: resolver, Logs: logs}
			if cfg.Blob.Enabled {
				blobs, err := blobstore.NewS3Store(ctx, cfg.Blob)
				if err != nil {
					return fmt.Errorf("create blob store: %w", err)
				}
				opts.Blobs = blobs
				log.Info("publishing generated images", "endpoint", blobstore.Endpoint(cfg.Blob), "bucket", cfg.Blob.Bucket)
			}

			srv, err := proxy.NewServer(config.NewServerConfigStore(configPath, cfg), opts)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			log.Info("secret pool loaded", "path", cfg.Credentials.TokensPath, "valid", secrets.Count())
			go credential.RefreshAll(ctx, secrets, resolver, false)
			if cfg.Credentials.ScheduledRefresh {
				sched, err := credential.NewScheduler(cfg.Credentials.RefreshSchedule, secrets, resolver)
				if err != nil {
					return fmt.Errorf("create refresh scheduler: %w", err)
				}
				sched.Start()
				defer sched.Stop(context.Background())
				log.Info("scheduled credential refresh", "schedule", cfg.Credentials.RefreshSchedule, "next", sched.Next())
			}

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:5005)")
	serveCmd.Flags().StringVar(&serveTransportOverride, "transport", "", "Override upstream transport from config (sse or websocket)")
	rootCmd.AddCommand(serveCmd)
}

func openCredentials(cfg *config.ServerConfig) (*credential.Store, *credential.Resolver, error) {
	secrets, err := credential.OpenStore(cfg.Credentials.TokensPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open secret pool: %w", err)
	}
	accessCache, err := cache.OpenPersistentTTLMap[string](cfg.Credentials.AccessCachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open access cache: %w", err)
	}
	return secrets, credential.NewResolver(cfg.Upstream, accessCache, nil), nil
}
