package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/config"
	"github.com/fameoflight/mailsweep/internal/oauth"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailsweep",
	Short: "Gmail mailbox sync and bulk archive tool",
	Long: `mailsweep keeps a local SQLite cache of your Gmail mailbox and uses it
to find and bulk-archive the mail you no longer want in your inbox.

Typical flow:
  mailsweep add-account you@gmail.com
  mailsweep sync you@gmail.com
  mailsweep list-senders you@gmail.com
  mailsweep archive you@gmail.com --sender noisy@example.com`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set up logging
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Ensure the data directory exists on first use
		if err := os.MkdirAll(cfg.Data.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}

		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// errOAuthNotConfigured returns a helpful error when OAuth client secrets
// are missing from the config.
func errOAuthNotConfigured() error {
	configPath := filepath.Join(config.DefaultHome(), "config.toml")
	return fmt.Errorf(`OAuth client secrets not configured.

To use mailsweep you need a Google Cloud OAuth credential:
  1. Create an OAuth client in the Google Cloud console (Desktop app)
  2. Download the client_secret.json file
  3. Create or edit %s:
       [oauth]
       client_secrets = "/path/to/client_secret.json"`, configPath)
}

// wrapOAuthError wraps an oauth/client-secrets error with a setup hint
// when the root cause is a missing or unreadable secrets file.
func wrapOAuthError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w\n\n%v", err, errOAuthNotConfigured())
	}
	return err
}

// newOAuthManager builds the OAuth manager from config, validating that
// client secrets are configured.
func newOAuthManager() (*oauth.Manager, error) {
	if cfg.OAuth.ClientSecrets == "" {
		return nil, errOAuthNotConfigured()
	}
	mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
	if err != nil {
		return nil, wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
	}
	return mgr, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailsweep/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
