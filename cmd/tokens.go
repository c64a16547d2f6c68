package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
)

var (
	tokensRefreshForce bool
	tokensServerURL    string
	tokensServerKey    string
)

func init() {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage the secret pool file",
		Long:  "Manage the secret pool file. A running server keeps its own copy; use its /tokens endpoints to change it live.",
	}

	addCmd := &cobra.Command{
		Use:   "add <secret>...",
		Short: "Append refresh or access tokens to the pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			secrets, err := credential.OpenStore(cfg.Credentials.TokensPath)
			if err != nil {
				return err
			}
			n, err := secrets.AddMany(strings.Join(args, "\n"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d secret(s), %d in pool\n", n, secrets.Count())
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pooled secrets (redacted) and whether a fresh access credential is cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			secrets, resolver, err := openCredentials(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range secrets.ListValid() {
				kind := "refresh"
				if credential.IsAccessToken(s) {
					kind = "access"
				}
				fmt.Fprintf(out, "%-24s %-8s cached=%t\n", logutil.Redact(s), kind, resolver.Cached(s))
			}
			fmt.Fprintf(out, "%d secret(s)\n", secrets.Count())
			return nil
		},
	}

	invalidCmd := &cobra.Command{
		Use:   "invalid",
		Short: "List the secrets a running server has taken out of rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			base := strings.TrimRight(tokensServerURL, "/")
			if base == "" {
				base = "http://" + cfg.ListenAddr
				if cfg.APIPrefix != "" {
					base += "/" + cfg.APIPrefix
				}
			}
			key := tokensServerKey
			if key == "" && len(cfg.Authorization) > 0 {
				key = cfg.Authorization[0]
			}
			invalid, err := fetchInvalid(cmd.Context(), base, key)
			if err != nil {
				return err
			}
			for _, s := range invalid {
				fmt.Fprintln(cmd.OutOrStdout(), logutil.Redact(s))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d invalid secret(s)\n", len(invalid))
			return nil
		},
	}
	invalidCmd.Flags().StringVar(&tokensServerURL, "server", "", "Server base URL (defaults to listen_addr and api_prefix from the config)")
	invalidCmd.Flags().StringVar(&tokensServerKey, "key", "", "Incoming API key (defaults to the first configured authorization key)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every secret from the pool file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			secrets, err := credential.OpenStore(cfg.Credentials.TokensPath)
			if err != nil {
				return err
			}
			if err := secrets.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "secret pool cleared")
			return nil
		},
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh access credentials for every pooled secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			secrets, resolver, err := openCredentials(cfg)
			if err != nil {
				return err
			}
			sum := credential.RefreshAll(cmd.Context(), secrets, resolver, tokensRefreshForce)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "refreshed=%d skipped=%d failed=%d revoked=%d\n", sum.Refreshed, sum.Skipped, sum.Failed, sum.Revoked)
			for _, s := range secrets.Invalid() {
				fmt.Fprintf(out, "revoked %s\n", logutil.Redact(s))
			}
			return nil
		},
	}
	refreshCmd.Flags().BoolVar(&tokensRefreshForce, "force", false, "Refresh even when a cached access credential is still fresh")

	tokensCmd.AddCommand(addCmd, listCmd, invalidCmd, clearCmd, refreshCmd)
	rootCmd.AddCommand(tokensCmd)
}

func fetchInvalid(ctx context.Context, base, key string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tokens/error", nil)
	if err != nil {
		return nil, err
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query server: status %d", resp.StatusCode)
	}
	var out struct {
		ErrorTokens []string `json:"error_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode server response: %w", err)
	}
	return out.ErrorTokens, nil
}
